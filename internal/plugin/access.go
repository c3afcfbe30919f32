package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrHandleRevoked is returned when a module uses a handle after unload.
var ErrHandleRevoked = errors.New("module handle used after unload")

// handles tracks the validity of the handles given to one instance.
type handles struct {
	revoked atomic.Bool
}

// settingsManager is a module's view of its persisted settings blob.
// Every write persists the module state.
type settingsManager struct {
	r *Record
	h *handles
}

func (s *settingsManager) Get(path string) (string, bool) {
	if s.h.revoked.Load() {
		return "", false
	}
	s.r.mu.RLock()
	defer s.r.mu.RUnlock()

	res := gjson.Get(s.r.state.Settings, path)
	return res.Raw, res.Exists()
}

func (s *settingsManager) Set(path string, value any) error {
	return s.update(func(blob string) (string, error) {
		return sjson.Set(blob, path, value)
	})
}

func (s *settingsManager) Delete(path string) error {
	return s.update(func(blob string) (string, error) {
		return sjson.Delete(blob, path)
	})
}

func (s *settingsManager) update(fn func(string) (string, error)) error {
	if s.h.revoked.Load() {
		return ErrHandleRevoked
	}

	return s.r.save(func(state *ModuleState) error {
		blob := state.Settings
		if blob == "" {
			blob = "{}"
		}
		updated, err := fn(blob)
		if err != nil {
			return fmt.Errorf("settings: %w", err)
		}
		state.Settings = updated
		return nil
	})
}

// directoryAccess resolves a module's declared data directories.
type directoryAccess struct {
	root  string
	names []string
	h     *handles
}

func (d *directoryAccess) Dir(name string) (string, error) {
	if d.h.revoked.Load() {
		return "", ErrHandleRevoked
	}
	if !slices.Contains(d.names, name) {
		return "", fmt.Errorf("%w: directory %q is not declared", ErrPermissionDenied, name)
	}
	if d.root == "" {
		return "", errors.New("no data directory configured")
	}

	dir := filepath.Join(d.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", name, err)
	}
	return dir, nil
}

func (d *directoryAccess) Names() []string {
	return slices.Clone(d.names)
}
