package lua

import "errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNotAModule is returned when a script does not return a module table.
	ErrNotAModule = errors.New("script did not return a module table")

	// ErrPathEscapes is returned when a sandboxed path leaves its root.
	ErrPathEscapes = errors.New("path escapes sandbox root")
)
