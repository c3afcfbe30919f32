package runtime

import (
	"context"
	"io/fs"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dshills/modhost/internal/plugin/security"
)

// Tick describes one host frame.
type Tick struct {
	// Frame is the host's frame counter.
	Frame uint64

	// Elapsed is the time since the previous tick.
	Elapsed time.Duration

	// Total is the time since the host loop started.
	Total time.Duration
}

// Module is the composed entry type of a loaded package.
//
// Hooks are called by the owning module record, never concurrently:
// Initialize and Update and Unload on the host's main goroutine, Load on a
// background goroutine while no other hook runs.
type Module interface {
	// Initialize runs synchronously and must finish within a frame.
	Initialize() error

	// Load performs the module's long-running setup. Cancellation of ctx is
	// a request, not a guarantee.
	Load(ctx context.Context) error

	// Update receives one host tick. It is only called once Load finished.
	Update(tick Tick) error

	// Unload releases every resource the host does not own.
	Unload() error
}

// Artifact is the loadable code of one package.
type Artifact struct {
	// Namespace is the owning module's namespace.
	Namespace string

	// Name is the artifact's path inside the package (the manifest's package field).
	Name string

	// Code is the artifact content.
	Code []byte

	// Symbols is the optional debug sidecar content.
	Symbols []byte

	// Path is the on-disk location of the artifact when the runtime needs
	// one (native code); empty for in-memory sources.
	Path string
}

// Unit is an isolated load context holding one artifact's code.
type Unit interface {
	// Compose constructs the entry type with its dependencies.
	Compose(deps Deps) (Module, error)

	// Close releases the load context. After Close the unit and every
	// module it composed are unusable.
	Close() error
}

// Loader loads artifacts of one kind.
type Loader interface {
	// Load creates a fresh load context for the artifact.
	Load(artifact Artifact) (Unit, error)

	// CanUnload reports whether Close actually frees the loaded code.
	CanUnload() bool
}

// Deps are the explicit constructor parameters handed to a module.
type Deps struct {
	// Namespace is the module's namespace.
	Namespace string

	// Settings is the module's persisted key/value store.
	Settings SettingsManager

	// Content is read-only access to the module's own package files.
	Content fs.FS

	// Directories resolves the module's declared data directories.
	Directories DirectoryAccess

	// API is the permission-scoped capability access.
	API *security.APIAccess

	// Logger is scoped to the module.
	Logger *log.Logger
}

// SettingsManager is a module's persisted settings blob. Paths use gjson
// syntax ("window.width", "favorites.0").
type SettingsManager interface {
	// Get returns the raw JSON value at path.
	Get(path string) (string, bool)

	// Set stores value at path and persists the blob.
	Set(path string, value any) error

	// Delete removes path and persists the blob.
	Delete(path string) error
}

// DirectoryAccess resolves a module's declared private data directories.
type DirectoryAccess interface {
	// Dir returns the absolute path of a declared directory, creating it
	// if needed.
	Dir(name string) (string, error)

	// Names lists the declared directory names.
	Names() []string
}
