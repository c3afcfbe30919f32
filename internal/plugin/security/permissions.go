package security

// APIAccess exposes the capabilities granted to one module instance.
// It is handed to the module at composition time and never changes for
// the lifetime of that instance; re-granting requires a re-enable.
type APIAccess struct {
	namespace string
	granted   Set
}

// NewAPIAccess creates an access scope for the given module.
func NewAPIAccess(namespace string, granted Set) *APIAccess {
	return &APIAccess{
		namespace: namespace,
		granted:   granted.Clone(),
	}
}

// Namespace returns the module the scope belongs to.
func (a *APIAccess) Namespace() string {
	return a.namespace
}

// Has returns true if the capability, or one of its parents, was granted.
func (a *APIAccess) Has(cap Capability) bool {
	if a.granted.Has(cap) {
		return true
	}
	for granted := range a.granted {
		if ImpliesCapability(granted, cap) {
			return true
		}
	}
	return false
}

// Check returns an error if the capability is not granted.
func (a *APIAccess) Check(cap Capability, operation string) error {
	if !a.Has(cap) {
		return NewCapabilityError(cap, operation, "not granted")
	}
	return nil
}

// Granted returns the granted capabilities in lexical order.
func (a *APIAccess) Granted() []Capability {
	return a.granted.Sorted()
}
