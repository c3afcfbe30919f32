// Package security gates module access to sensitive host capabilities.
//
// Modules request capabilities in their manifest, each marked required or
// optional with a human-readable justification. The user approves a set of
// capabilities per module; Authorize compares the two before any module
// code is loaded:
//
//	granted, ok := security.Authorize(manifest.Permissions, state.Approved)
//	if !ok {
//	    // a required capability is missing; the module must not load
//	}
//	access := security.NewAPIAccess(manifest.Namespace, granted)
//
// Capabilities are hierarchical: APIAccess treats a granted parent
// ("api") as covering its children ("api.wallet"). Authorize itself only
// matches exact identifiers, since approval is given per request.
package security
