package runtime

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// LoaderFactory creates a Loader.
type LoaderFactory func() (Loader, error)

// Loaders maps artifact extensions to loader factories.
type Loaders struct {
	mu        sync.RWMutex
	factories map[string]LoaderFactory
}

// NewLoaders creates an empty loader set.
func NewLoaders() *Loaders {
	return &Loaders{
		factories: make(map[string]LoaderFactory),
	}
}

// Register associates an artifact extension (".lua", ".wasm") with a
// factory. Extensions are case-insensitive; a later registration replaces
// an earlier one.
func (l *Loaders) Register(ext string, factory LoaderFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[normalizeExt(ext)] = factory
}

// For returns a loader for the artifact named by packageRef.
func (l *Loaders) For(packageRef string) (Loader, error) {
	ext := normalizeExt(path.Ext(packageRef))

	l.mu.RLock()
	factory, ok := l.factories[ext]
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no loader for %q artifacts", ErrUnsupportedArtifact, ext)
	}
	return factory()
}

// Extensions returns the registered extensions in lexical order.
func (l *Loaders) Extensions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	exts := make([]string, 0, len(l.factories))
	for ext := range l.factories {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
