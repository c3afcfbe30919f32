package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/dshills/modhost/internal/plugin"
	"github.com/dshills/modhost/internal/plugin/security"
)

const currentVersion = 1

const emptyDocument = `{"version":1,"modules":{},"acknowledged":[]}`

// ErrUnsupportedVersion is returned when the state file was written by a
// newer host.
var ErrUnsupportedVersion = errors.New("unsupported state file version")

// File is a StateStore backed by a JSON file. Every write rewrites the
// file atomically.
type File struct {
	path string

	mu  sync.Mutex
	doc string
}

// Open reads the state file at path. A missing file yields an empty store;
// the file is created on the first write.
func Open(path string) (*File, error) {
	f := &File{path: path, doc: emptyDocument}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return f, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse state file %s: invalid JSON", path)
	}

	if v := gjson.GetBytes(data, "version").Int(); v > currentVersion {
		return nil, fmt.Errorf("%w: %d (max supported: %d)", ErrUnsupportedVersion, v, currentVersion)
	}

	f.doc = string(data)
	if !gjson.Get(f.doc, "modules").IsObject() {
		if f.doc, err = sjson.SetRaw(f.doc, "modules", "{}"); err != nil {
			return nil, err
		}
	}
	if !gjson.Get(f.doc, "acknowledged").IsArray() {
		if f.doc, err = sjson.SetRaw(f.doc, "acknowledged", "[]"); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Path returns the state file location.
func (f *File) Path() string {
	return f.path
}

// Load implements plugin.StateStore.
func (f *File) Load(namespace string) (plugin.ModuleState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := gjson.Get(f.doc, modulePath(namespace))
	if !res.Exists() {
		return plugin.ModuleState{}, false, nil
	}
	return decodeState(res), true, nil
}

// Save implements plugin.StateStore.
func (f *File) Save(namespace string, state plugin.ModuleState) error {
	raw, err := encodeState(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", namespace, err)
	}
	return f.update(func(doc string) (string, error) {
		return sjson.SetRaw(doc, modulePath(namespace), raw)
	})
}

// Delete implements plugin.StateStore.
func (f *File) Delete(namespace string) error {
	return f.update(func(doc string) (string, error) {
		return sjson.Delete(doc, modulePath(namespace))
	})
}

// Acknowledged reports whether the user dismissed the update to version.
func (f *File) Acknowledged(namespace, version string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acknowledged(ackKey(namespace, version))
}

// Acknowledge records that the user dismissed the update to version.
func (f *File) Acknowledge(namespace, version string) error {
	key := ackKey(namespace, version)
	return f.update(func(doc string) (string, error) {
		if f.acknowledged(key) {
			return doc, nil
		}
		return sjson.Set(doc, "acknowledged.-1", key)
	})
}

// acknowledged expects f.mu to be held.
func (f *File) acknowledged(key string) bool {
	found := false
	gjson.Get(f.doc, "acknowledged").ForEach(func(_, v gjson.Result) bool {
		found = v.String() == key
		return !found
	})
	return found
}

// update applies fn to the document and writes the result.
func (f *File) update(fn func(string) (string, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := fn(f.doc)
	if err != nil {
		return err
	}
	if doc == f.doc {
		return nil
	}
	if err := writeAtomic(f.path, pretty.Pretty([]byte(doc))); err != nil {
		return err
	}
	f.doc = doc
	return nil
}

// writeAtomic writes data using a temporary file and rename.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func modulePath(namespace string) string {
	return "modules." + gjson.Escape(strings.ToLower(namespace))
}

func ackKey(namespace, version string) string {
	return strings.ToLower(namespace) + "@" + strings.TrimPrefix(version, "v")
}

func encodeState(state plugin.ModuleState) (string, error) {
	settings := state.Settings
	if strings.TrimSpace(settings) == "" {
		settings = "{}"
	}
	if !gjson.Valid(settings) {
		return "", errors.New("settings are not valid JSON")
	}

	perms := make([]string, 0, len(state.ApprovedPermissions))
	for _, c := range state.ApprovedPermissions.Sorted() {
		perms = append(perms, string(c))
	}

	raw := "{}"
	var err error
	if raw, err = sjson.Set(raw, "enabled", state.Enabled); err != nil {
		return "", err
	}
	if raw, err = sjson.Set(raw, "user_enabled_permissions", perms); err != nil {
		return "", err
	}
	if raw, err = sjson.Set(raw, "ignore_dependencies", state.IgnoreDependencies); err != nil {
		return "", err
	}
	return sjson.SetRaw(raw, "settings", settings)
}

func decodeState(res gjson.Result) plugin.ModuleState {
	state := plugin.NewModuleState()
	state.Enabled = res.Get("enabled").Bool()
	state.IgnoreDependencies = res.Get("ignore_dependencies").Bool()
	res.Get("user_enabled_permissions").ForEach(func(_, v gjson.Result) bool {
		state.ApprovedPermissions.Add(security.ParseCapability(v.String()))
		return true
	})
	if settings := res.Get("settings"); settings.Exists() && settings.Type != gjson.Null {
		state.Settings = settings.Raw
	}
	return state
}
