package security

import (
	"errors"
	"sort"
)

// ErrCapabilityDenied is returned when a capability has not been approved.
var ErrCapabilityDenied = errors.New("capability denied")

// Request is a manifest's request for one capability.
type Request struct {
	// Optional capabilities are granted only if the user approved them.
	Optional bool `json:"optional"`

	// Details is the module author's justification shown to the user.
	Details string `json:"details"`
}

// Set is an unordered set of capabilities.
type Set map[Capability]struct{}

// NewSet creates a set from the given capabilities.
func NewSet(caps ...Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the capability is in the set.
func (s Set) Has(cap Capability) bool {
	_, ok := s[cap]
	return ok
}

// Add inserts a capability.
func (s Set) Add(cap Capability) {
	s[cap] = struct{}{}
}

// Remove deletes a capability.
func (s Set) Remove(cap Capability) {
	delete(s, cap)
}

// Sorted returns the capabilities in lexical order.
func (s Set) Sorted() []Capability {
	caps := make([]Capability, 0, len(s))
	for c := range s {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// Clone returns a copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Authorize compares requested capabilities against the user's approvals.
//
// Every required request must be approved; optional requests are granted
// only when approved. The second return value is false when any required
// capability is missing, in which case the granted set is nil.
func Authorize(requests map[Capability]Request, approved Set) (Set, bool) {
	granted := make(Set, len(requests))
	for cap, req := range requests {
		if approved.Has(cap) {
			granted.Add(cap)
			continue
		}
		if !req.Optional {
			return nil, false
		}
	}
	return granted, true
}

// MissingRequired lists required capabilities the user has not approved,
// in lexical order.
func MissingRequired(requests map[Capability]Request, approved Set) []Capability {
	missing := NewSet()
	for cap, req := range requests {
		if !req.Optional && !approved.Has(cap) {
			missing.Add(cap)
		}
	}
	return missing.Sorted()
}
