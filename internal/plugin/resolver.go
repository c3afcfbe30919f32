package plugin

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DependencyStatus is the outcome of checking one dependency.
type DependencyStatus int

// Dependency statuses.
const (
	// DependencyNotFound - No module has the namespace.
	DependencyNotFound DependencyStatus = iota

	// DependencyAvailable - A matching, enabled module (or the host) exists.
	DependencyAvailable

	// DependencyAvailableNotEnabled - A matching module exists but is disabled.
	DependencyAvailableNotEnabled

	// DependencyAvailableWrongVersion - The module or host exists with a
	// version outside the range.
	DependencyAvailableWrongVersion
)

// String returns a string representation of the status.
func (s DependencyStatus) String() string {
	switch s {
	case DependencyNotFound:
		return "not found"
	case DependencyAvailable:
		return "available"
	case DependencyAvailableNotEnabled:
		return "not enabled"
	case DependencyAvailableWrongVersion:
		return "wrong version"
	default:
		return "unknown"
	}
}

// HostInfo identifies the host application to the resolver. Modules
// depend on the host by declaring its namespace.
type HostInfo struct {
	Namespace string
	Version   *semver.Version
}

// ModuleLookup resolves namespaces against the known modules.
type ModuleLookup interface {
	// LookupVersion returns the version and enabled flag of a module.
	LookupVersion(namespace string) (version *semver.Version, enabled bool, ok bool)
}

// DependencyResult is one dependency together with its check outcome.
type DependencyResult struct {
	Dependency Dependency
	Status     DependencyStatus

	// Found is the version that was checked, if any.
	Found *semver.Version

	// Host is set when the dependency names the host application.
	Host bool
}

// CheckDependency evaluates one dependency against the known modules and
// the host.
//
// A dependency on the host namespace is checked against the host's base
// version, then against its full version when the range targets a
// prerelease. A host version of 0.0.0 satisfies every range.
func CheckDependency(dep Dependency, modules ModuleLookup, host HostInfo) DependencyResult {
	result := DependencyResult{Dependency: dep}

	if host.Namespace != "" && strings.EqualFold(dep.Namespace, host.Namespace) {
		result.Found = host.Version
		result.Host = true
		result.Status = DependencyAvailableWrongVersion
		if checkHostVersion(dep.Range, host.Version) {
			result.Status = DependencyAvailable
		}
		return result
	}

	version, enabled, ok := modules.LookupVersion(dep.Namespace)
	if !ok {
		result.Status = DependencyNotFound
		return result
	}

	result.Found = version
	switch {
	case !dep.Range.Check(version):
		result.Status = DependencyAvailableWrongVersion
	case enabled:
		result.Status = DependencyAvailable
	default:
		result.Status = DependencyAvailableNotEnabled
	}
	return result
}

func checkHostVersion(r *Range, hostVersion *semver.Version) bool {
	if hostVersion == nil {
		return false
	}
	if IsDevelopmentVersion(hostVersion) {
		return true
	}
	if r.Check(BaseVersion(hostVersion)) {
		return true
	}
	return r.TargetsPrerelease() && r.Check(hostVersion)
}

// CheckDependencies checks every dependency of a manifest in declaration
// order.
func CheckDependencies(m *Manifest, modules ModuleLookup, host HostInfo) []DependencyResult {
	deps := m.Dependencies()
	results := make([]DependencyResult, 0, len(deps))
	for _, dep := range deps {
		results = append(results, CheckDependency(dep, modules, host))
	}
	return results
}

// Unmet returns the results that are not Available.
func Unmet(results []DependencyResult) []DependencyResult {
	var unmet []DependencyResult
	for _, r := range results {
		if r.Status != DependencyAvailable {
			unmet = append(unmet, r)
		}
	}
	return unmet
}

// DependenciesSatisfied reports whether a module may be enabled: every
// result is Available, or ignore is set and no unmet result concerns the
// host. Unmet results are still reported by Unmet when ignore is set.
func DependenciesSatisfied(results []DependencyResult, ignore bool) bool {
	for _, r := range Unmet(results) {
		if !ignore || r.Host {
			return false
		}
	}
	return true
}
