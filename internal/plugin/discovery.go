package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// packagePattern matches unpacked package manifests and archives directly
// under a search path.
const packagePattern = "{*/" + ManifestFile + ",*.zip}"

// Discoverer finds packages in the filesystem.
type Discoverer struct {
	// Search paths (checked in order; first namespace wins)
	paths []string
}

// PackageInfo contains discovery information about a package.
type PackageInfo struct {
	// Location is the package directory or archive.
	Location string

	// Manifest is nil when Err is set.
	Manifest *Manifest

	// Source is open until the caller closes it or hands it to a record.
	Source Source

	Err error
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithPaths sets the package search paths.
func WithPaths(paths ...string) DiscovererOption {
	return func(d *Discoverer) {
		d.paths = paths
	}
}

// NewDiscoverer creates a new package discoverer.
func NewDiscoverer(opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Paths returns the configured search paths.
func (d *Discoverer) Paths() []string {
	return d.paths
}

// Discover finds all packages in the search paths, sorted by namespace.
// Packages that fail to open or parse are returned with Err set and no
// open source. Missing search paths are not errors.
func (d *Discoverer) Discover() []PackageInfo {
	seen := make(map[string]bool)
	var found, failed []PackageInfo

	for _, base := range d.paths {
		for _, location := range d.candidates(base) {
			info := inspectPackage(location)
			if info.Err != nil {
				failed = append(failed, info)
				continue
			}

			key := strings.ToLower(info.Manifest.Namespace())
			if seen[key] {
				_ = info.Source.Close()
				failed = append(failed, PackageInfo{
					Location: location,
					Err:      fmt.Errorf("%s: %w: %s", location, ErrDuplicateNamespace, info.Manifest.Namespace()),
				})
				continue
			}
			seen[key] = true
			found = append(found, info)
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return strings.ToLower(found[i].Manifest.Namespace()) < strings.ToLower(found[j].Manifest.Namespace())
	})
	return append(found, failed...)
}

// candidates lists package locations in one search path.
func (d *Discoverer) candidates(base string) []string {
	matches, err := doublestar.Glob(os.DirFS(base), packagePattern)
	if err != nil {
		return nil
	}
	sort.Strings(matches)

	locations := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.HasSuffix(m, "/"+ManifestFile) {
			m = strings.TrimSuffix(m, "/"+ManifestFile)
		}
		locations = append(locations, filepath.Join(base, filepath.FromSlash(m)))
	}
	return locations
}

// inspectPackage opens a package location and reads its manifest.
func inspectPackage(location string) PackageInfo {
	info := PackageInfo{Location: location}

	src, err := OpenSource(location)
	if err != nil {
		info.Err = err
		return info
	}

	m, err := ReadManifest(src)
	if err != nil {
		_ = src.Close()
		info.Err = err
		return info
	}

	info.Manifest = m
	info.Source = src
	return info
}

// ClosePackages closes the sources of discovered packages.
func ClosePackages(pkgs []PackageInfo) {
	for _, p := range pkgs {
		if p.Source != nil {
			_ = p.Source.Close()
		}
	}
}
