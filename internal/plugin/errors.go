package plugin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/modhost/internal/plugin/security"
)

// Module system errors.
var (
	// ErrUnsupportedManifestVersion is returned for an unknown manifest_version.
	ErrUnsupportedManifestVersion = errors.New("unsupported manifest version")

	// ErrMissingManifestField is returned when a required manifest field is absent.
	ErrMissingManifestField = errors.New("missing required manifest field")

	// ErrInvalidManifest is returned when a manifest fails schema validation.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrArtifactNotFound is returned when the package artifact is missing.
	ErrArtifactNotFound = errors.New("package artifact not found")

	// ErrCodeLoad is returned when an artifact is malformed or incompatible.
	ErrCodeLoad = errors.New("code load failure")

	// ErrComposition is returned when the entry type could not be constructed.
	ErrComposition = errors.New("composition failure")

	// ErrPermissionDenied is returned when required capabilities are not approved.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDependencyUnsatisfied is returned when a dependency check fails.
	ErrDependencyUnsatisfied = errors.New("dependency unsatisfied")

	// ErrChecksumMismatch is returned when downloaded bytes do not match the index.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrModuleFault is returned when a module hook fails or panics.
	ErrModuleFault = errors.New("module runtime fault")

	// ErrAssemblyDirty is returned when re-enabling a module whose code
	// could not be unloaded.
	ErrAssemblyDirty = errors.New("module code is still loaded; restart required")

	// ErrModuleNotFound is returned when no module has the namespace.
	ErrModuleNotFound = errors.New("module not found")

	// ErrDuplicateNamespace is returned when a namespace is already registered.
	ErrDuplicateNamespace = errors.New("namespace already registered")

	// ErrTransitionPending is returned when a module is mid-transition.
	ErrTransitionPending = errors.New("module state transition in progress")
)

// UnsupportedManifestVersionError reports an unknown schema discriminator.
type UnsupportedManifestVersionError struct {
	Version string
}

func (e *UnsupportedManifestVersionError) Error() string {
	return fmt.Sprintf("unsupported manifest version %s", e.Version)
}

func (e *UnsupportedManifestVersionError) Unwrap() error { return ErrUnsupportedManifestVersion }

// MissingFieldError reports a missing required manifest field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("manifest: %s is required", e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingManifestField }

// CodeLoadError reports a failure to load a package artifact.
type CodeLoadError struct {
	Namespace string
	Artifact  string
	Err       error
}

func (e *CodeLoadError) Error() string {
	return fmt.Sprintf("%s: load %s: %v", e.Namespace, e.Artifact, e.Err)
}

func (e *CodeLoadError) Unwrap() []error { return []error{ErrCodeLoad, e.Err} }

// CompositionError reports a failure to construct a module's entry type.
type CompositionError struct {
	Namespace string
	Err       error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("%s: compose: %v", e.Namespace, e.Err)
}

func (e *CompositionError) Unwrap() []error { return []error{ErrComposition, e.Err} }

// PermissionError lists required capabilities the user has not approved.
type PermissionError struct {
	Namespace string
	Missing   []security.Capability
}

func (e *PermissionError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = string(c)
	}
	return fmt.Sprintf("%s: required permissions not approved: %s", e.Namespace, strings.Join(names, ", "))
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// DependencyError carries every dependency check for a module whose
// dependencies are not satisfied.
type DependencyError struct {
	Namespace string
	Results   []DependencyResult
}

func (e *DependencyError) Error() string {
	var unmet []string
	for _, r := range Unmet(e.Results) {
		unmet = append(unmet, fmt.Sprintf("%s %s (%s)", r.Dependency.Namespace, r.Dependency.Range, r.Status))
	}
	return fmt.Sprintf("%s: unmet dependencies: %s", e.Namespace, strings.Join(unmet, ", "))
}

func (e *DependencyError) Unwrap() error { return ErrDependencyUnsatisfied }

// ModuleFault is an error or panic raised by a module hook.
type ModuleFault struct {
	Namespace string
	Hook      string
	Err       error

	// Panic holds the recovered value when the hook panicked.
	Panic any
}

func (e *ModuleFault) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s: %s hook panicked: %v", e.Namespace, e.Hook, e.Panic)
	}
	return fmt.Sprintf("%s: %s hook failed: %v", e.Namespace, e.Hook, e.Err)
}

func (e *ModuleFault) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrModuleFault}
	}
	return []error{ErrModuleFault, e.Err}
}
