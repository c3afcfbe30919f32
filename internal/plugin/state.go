package plugin

import (
	"github.com/dshills/modhost/internal/plugin/security"
)

// RunState represents the lifecycle state of a module's live instance.
type RunState int

// Run states.
const (
	// StateUnloaded - No instance exists.
	StateUnloaded RunState = iota

	// StateLoading - The instance is initialized and its load hook is running.
	StateLoading

	// StateLoaded - The instance is loaded and receives updates.
	StateLoaded

	// StateUnloading - The instance's unload hook is running.
	StateUnloading

	// StateFatalError - A hook faulted; terminal until the record is replaced.
	StateFatalError
)

// String returns a string representation of the state.
func (s RunState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateUnloading:
		return "unloading"
	case StateFatalError:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsActive returns true while an instance exists.
func (s RunState) IsActive() bool {
	return s == StateLoading || s == StateLoaded || s == StateUnloading
}

// ModuleState is the persisted, user-controlled part of a module.
type ModuleState struct {
	// Enabled is the user's enable choice.
	Enabled bool

	// ApprovedPermissions are the capabilities the user granted.
	ApprovedPermissions security.Set

	// IgnoreDependencies enables the module despite unmet dependencies.
	IgnoreDependencies bool

	// Settings is the module-owned JSON settings blob.
	Settings string
}

// NewModuleState returns the state of a never-seen module.
func NewModuleState() ModuleState {
	return ModuleState{
		ApprovedPermissions: security.NewSet(),
		Settings:            "{}",
	}
}

// Clone returns a deep copy.
func (s ModuleState) Clone() ModuleState {
	clone := s
	clone.ApprovedPermissions = s.ApprovedPermissions.Clone()
	return clone
}

// StateStore persists ModuleState per namespace.
type StateStore interface {
	// Load returns the stored state and whether one existed.
	Load(namespace string) (ModuleState, bool, error)

	// Save stores the state.
	Save(namespace string, state ModuleState) error

	// Delete removes the stored state.
	Delete(namespace string) error
}
