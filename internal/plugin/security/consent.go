package security

import "sort"

// PermissionInfo describes one requested capability for a consent prompt.
type PermissionInfo struct {
	Capability  Capability `json:"capability" yaml:"capability"`
	DisplayName string     `json:"display_name" yaml:"display_name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Risk        string     `json:"risk" yaml:"risk"`
	Optional    bool       `json:"optional" yaml:"optional"`
	Details     string     `json:"details,omitempty" yaml:"details,omitempty"`
	Approved    bool       `json:"approved" yaml:"approved"`
}

// Describe lists requested capabilities with their display metadata,
// required requests first and each group in lexical order. Capabilities
// without metadata show their identifier and an unknown risk.
func Describe(requests map[Capability]Request, approved Set) []PermissionInfo {
	out := make([]PermissionInfo, 0, len(requests))
	for cap, req := range requests {
		info := PermissionInfo{
			Capability:  cap,
			DisplayName: string(cap),
			Risk:        "unknown",
			Optional:    req.Optional,
			Details:     req.Details,
			Approved:    approved.Has(cap),
		}
		if meta, ok := GetCapabilityInfo(cap); ok {
			info.DisplayName = meta.DisplayName
			info.Description = meta.Description
			info.Risk = meta.RiskLevel.String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Optional != out[j].Optional {
			return !out[i].Optional
		}
		return out[i].Capability < out[j].Capability
	})
	return out
}
