package security

import (
	"fmt"
	"strings"
)

// Capability identifies a sensitive host capability a module can request.
// Capabilities are hierarchical - holding a parent capability
// (e.g. "api") implies every child (e.g. "api.account").
type Capability string

// Host capabilities known to the module system. Manifests may request
// capabilities outside this list; they are gated the same way but carry
// no display metadata.
const (
	// CapabilityFileRead allows reading files outside the module's own directories.
	CapabilityFileRead Capability = "filesystem.read"

	// CapabilityFileWrite allows writing files outside the module's own directories.
	CapabilityFileWrite Capability = "filesystem.write"

	// CapabilityNetwork allows outbound network requests.
	CapabilityNetwork Capability = "network"

	// CapabilityClipboard allows clipboard access.
	CapabilityClipboard Capability = "clipboard"

	// CapabilityProcess allows spawning child processes.
	CapabilityProcess Capability = "process.spawn"

	// CapabilityAPI grants every remote API scope.
	CapabilityAPI Capability = "api"

	// CapabilityAccount grants the account API scope.
	CapabilityAccount Capability = "api.account"

	// CapabilityCharacters grants the characters API scope.
	CapabilityCharacters Capability = "api.characters"

	// CapabilityInventories grants the inventories API scope.
	CapabilityInventories Capability = "api.inventories"

	// CapabilityProgression grants the progression API scope.
	CapabilityProgression Capability = "api.progression"

	// CapabilityWallet grants the wallet API scope.
	CapabilityWallet Capability = "api.wallet"
)

// CapabilityInfo provides metadata about a capability.
type CapabilityInfo struct {
	// Name is the capability identifier.
	Name Capability

	// DisplayName is a human-readable name.
	DisplayName string

	// Description explains what the capability allows.
	Description string

	// Parent is the parent capability (for hierarchical capabilities).
	Parent Capability

	// RiskLevel indicates how dangerous this capability is.
	RiskLevel RiskLevel
}

// RiskLevel indicates the security risk of a capability.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh

	// RiskCritical indicates maximum security risk.
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// capabilityRegistry holds metadata about all known capabilities.
var capabilityRegistry = map[Capability]CapabilityInfo{
	CapabilityFileRead: {
		Name:        CapabilityFileRead,
		DisplayName: "File Read",
		Description: "Read files outside the module's data directories",
		RiskLevel:   RiskMedium,
	},
	CapabilityFileWrite: {
		Name:        CapabilityFileWrite,
		DisplayName: "File Write",
		Description: "Write files outside the module's data directories",
		RiskLevel:   RiskHigh,
	},
	CapabilityNetwork: {
		Name:        CapabilityNetwork,
		DisplayName: "Network Access",
		Description: "Make network requests",
		RiskLevel:   RiskHigh,
	},
	CapabilityClipboard: {
		Name:        CapabilityClipboard,
		DisplayName: "Clipboard Access",
		Description: "Read and write clipboard",
		RiskLevel:   RiskMedium,
	},
	CapabilityProcess: {
		Name:        CapabilityProcess,
		DisplayName: "Process Spawn",
		Description: "Spawn child processes",
		RiskLevel:   RiskCritical,
	},
	CapabilityAPI: {
		Name:        CapabilityAPI,
		DisplayName: "Full API Access",
		Description: "Every remote API scope",
		RiskLevel:   RiskHigh,
	},
	CapabilityAccount: {
		Name:        CapabilityAccount,
		DisplayName: "Account",
		Description: "Account name, world and membership",
		Parent:      CapabilityAPI,
		RiskLevel:   RiskLow,
	},
	CapabilityCharacters: {
		Name:        CapabilityCharacters,
		DisplayName: "Characters",
		Description: "Character names and details",
		Parent:      CapabilityAPI,
		RiskLevel:   RiskLow,
	},
	CapabilityInventories: {
		Name:        CapabilityInventories,
		DisplayName: "Inventories",
		Description: "Bank, materials and character inventories",
		Parent:      CapabilityAPI,
		RiskLevel:   RiskMedium,
	},
	CapabilityProgression: {
		Name:        CapabilityProgression,
		DisplayName: "Progression",
		Description: "Achievements, masteries and crafting",
		Parent:      CapabilityAPI,
		RiskLevel:   RiskLow,
	},
	CapabilityWallet: {
		Name:        CapabilityWallet,
		DisplayName: "Wallet",
		Description: "Currencies held by the account",
		Parent:      CapabilityAPI,
		RiskLevel:   RiskMedium,
	},
}

// GetCapabilityInfo returns information about a capability.
func GetCapabilityInfo(cap Capability) (CapabilityInfo, bool) {
	info, ok := capabilityRegistry[cap]
	return info, ok
}

// IsKnownCapability returns true if the capability is registered.
func IsKnownCapability(cap Capability) bool {
	_, ok := capabilityRegistry[cap]
	return ok
}

// ParseCapability normalizes a capability identifier from a manifest or
// settings file. Identifiers are case-insensitive.
func ParseCapability(s string) Capability {
	return Capability(strings.ToLower(strings.TrimSpace(s)))
}

// IsChildOf returns true if child is a child of parent.
func IsChildOf(child, parent Capability) bool {
	return strings.HasPrefix(string(child), string(parent)+".")
}

// ImpliesCapability returns true if having 'granted' implies having 'required'.
func ImpliesCapability(granted, required Capability) bool {
	if granted == required {
		return true
	}
	return IsChildOf(required, granted)
}

// CapabilityError represents a capability-related error.
// It wraps ErrCapabilityDenied.
type CapabilityError struct {
	Capability Capability
	Operation  string
	Message    string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("capability %q required for %s: %s", e.Capability, e.Operation, e.Message)
	}
	return fmt.Sprintf("capability %q: %s", e.Capability, e.Message)
}

// Unwrap returns ErrCapabilityDenied so callers can use errors.Is.
func (e *CapabilityError) Unwrap() error { return ErrCapabilityDenied }

// NewCapabilityError creates a new capability error.
func NewCapabilityError(cap Capability, operation, message string) *CapabilityError {
	return &CapabilityError{
		Capability: cap,
		Operation:  operation,
		Message:    message,
	}
}
