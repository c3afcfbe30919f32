// Package native is the runtime for ".so" package artifacts built with
// "go build -buildmode=plugin".
//
// The plugin must export
//
//	func Module(deps runtime.Deps) (runtime.Module, error)
//
// Go cannot unload a plugin once opened, so this loader reports
// CanUnload() == false and module records using it become assembly-dirty
// after their first disable.
package native

import (
	"errors"
	"fmt"
	"plugin"
	"sync"

	"github.com/dshills/modhost/internal/plugin/runtime"
)

// Extension is the artifact extension handled by this runtime.
const Extension = ".so"

// EntrySymbol is the symbol looked up in every native artifact.
const EntrySymbol = "Module"

// Constructor is the signature of the entry symbol.
type Constructor = func(runtime.Deps) (runtime.Module, error)

// ErrNoPath is returned for artifacts that exist only in memory.
var ErrNoPath = errors.New("native artifacts must be loaded from an unpacked package directory")

// Loader opens native Go plugins.
type Loader struct{}

// NewLoader creates a native loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Factory returns a runtime.LoaderFactory producing this loader.
func Factory() runtime.LoaderFactory {
	return func() (runtime.Loader, error) {
		return NewLoader(), nil
	}
}

// CanUnload implements runtime.Loader.
func (l *Loader) CanUnload() bool { return false }

// Load opens the plugin file and resolves its entry symbol.
func (l *Loader) Load(artifact runtime.Artifact) (runtime.Unit, error) {
	if artifact.Path == "" {
		return nil, fmt.Errorf("%s: %w", artifact.Name, ErrNoPath)
	}

	p, err := plugin.Open(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", artifact.Path, err)
	}

	sym, err := p.Lookup(EntrySymbol)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", artifact.Name, runtime.ErrNoEntryType)
	}

	ctor, err := constructor(sym)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", artifact.Name, err)
	}
	return &unit{ctor: ctor}, nil
}

// constructor accepts both an exported function and an exported variable
// holding one.
func constructor(sym plugin.Symbol) (Constructor, error) {
	switch fn := sym.(type) {
	case Constructor:
		return fn, nil
	case *Constructor:
		if fn == nil || *fn == nil {
			return nil, runtime.ErrNoEntryType
		}
		return *fn, nil
	default:
		return nil, fmt.Errorf("%w: symbol %s has type %T", runtime.ErrNoEntryType, EntrySymbol, sym)
	}
}

// unit holds the entry constructor. Close only marks it unusable; the
// plugin's code stays mapped until the process exits.
type unit struct {
	ctor Constructor

	mu     sync.Mutex
	closed bool
}

func (u *unit) Compose(deps runtime.Deps) (runtime.Module, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, runtime.ErrUnitClosed
	}
	mod, err := u.ctor(deps)
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, runtime.ErrNoEntryType
	}
	return mod, nil
}

func (u *unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}
