package runtime

import "errors"

var (
	// ErrUnsupportedArtifact is returned when no loader handles an artifact.
	ErrUnsupportedArtifact = errors.New("unsupported artifact type")

	// ErrNoEntryType is returned when an artifact exposes no entry type.
	ErrNoEntryType = errors.New("artifact exposes no entry type")

	// ErrUnitClosed is returned when composing from a closed unit.
	ErrUnitClosed = errors.New("load context is closed")
)
