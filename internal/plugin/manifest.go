package plugin

import (
	_ "embed"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/Masterminds/semver/v3"
	"github.com/tidwall/gjson"

	"github.com/dshills/modhost/internal/plugin/security"
)

// ManifestFile is the descriptor file name at the root of a package.
const ManifestFile = "manifest.json"

//go:embed manifest_v1.cue
var manifestV1Schema []byte

// Dependency is one declared (namespace, version range) requirement.
type Dependency struct {
	Namespace string
	Range     *Range
}

// Manifest is the immutable description of a package. Collections are
// never nil and accessors return copies.
type Manifest struct {
	schemaVersion int

	name       string
	namespace  string
	version    *semver.Version
	packageRef string

	description  string
	url          string
	author       string
	contributors []string
	dependencies []Dependency
	directories  []string
	permissions  map[security.Capability]security.Request

	enableWithoutHost bool
}

// SchemaVersion returns the manifest_version the manifest was parsed with.
func (m *Manifest) SchemaVersion() int { return m.schemaVersion }

// Name returns the display name.
func (m *Manifest) Name() string { return m.name }

// Namespace returns the stable package identifier.
func (m *Manifest) Namespace() string { return m.namespace }

// Version returns the package version.
func (m *Manifest) Version() *semver.Version { return m.version }

// PackageRef returns the artifact path inside the package.
func (m *Manifest) PackageRef() string { return m.packageRef }

// Description returns the optional description.
func (m *Manifest) Description() string { return m.description }

// URL returns the optional project URL.
func (m *Manifest) URL() string { return m.url }

// Author returns the optional author.
func (m *Manifest) Author() string { return m.author }

// Contributors returns the contributor list.
func (m *Manifest) Contributors() []string { return slices.Clone(m.contributors) }

// Dependencies returns the dependencies in declaration order.
func (m *Manifest) Dependencies() []Dependency { return slices.Clone(m.dependencies) }

// Directories returns the declared private data directory names.
func (m *Manifest) Directories() []string { return slices.Clone(m.directories) }

// Permissions returns the requested capabilities.
func (m *Manifest) Permissions() map[security.Capability]security.Request {
	return maps.Clone(m.permissions)
}

// EnableWithoutHost reports the enable_without_gw2 hint. The module system
// does not interpret it.
func (m *Manifest) EnableWithoutHost() bool { return m.enableWithoutHost }

// String returns "Name vVersion (namespace)".
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s (%s)", m.name, m.version, m.namespace)
}

// ParseManifest parses a package descriptor. The manifest_version field
// selects the schema; unknown versions are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidManifest)
	}

	disc := gjson.GetBytes(data, "manifest_version")
	if !disc.Exists() {
		return nil, &MissingFieldError{Field: "manifest_version"}
	}
	if disc.Type != gjson.Number || disc.Num != float64(int64(disc.Num)) {
		return nil, &UnsupportedManifestVersionError{Version: disc.Raw}
	}

	switch disc.Int() {
	case 1:
		return parseManifestV1(data)
	default:
		return nil, &UnsupportedManifestVersionError{Version: disc.Raw}
	}
}

// manifestV1 is the decoded form of a version 1 descriptor.
type manifestV1 struct {
	ManifestVersion  int                         `json:"manifest_version"`
	Name             string                      `json:"name"`
	Version          string                      `json:"version"`
	Namespace        string                      `json:"namespace"`
	Package          string                      `json:"package"`
	Description      string                      `json:"description"`
	URL              string                      `json:"url"`
	Author           string                      `json:"author"`
	Contributors     []string                    `json:"contributors"`
	Directories      []string                    `json:"directories"`
	EnableWithoutGW2 bool                        `json:"enable_without_gw2"`
	APIPermissions   map[string]security.Request `json:"api_permissions"`
}

var requiredV1Fields = []string{"name", "version", "namespace", "package"}

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaV1   cue.Value
	schemaErr  error
)

func manifestV1Definition() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		compiled := schemaCtx.CompileBytes(manifestV1Schema, cue.Filename("manifest_v1.cue"))
		if compiled.Err() != nil {
			schemaErr = fmt.Errorf("internal error: failed to compile schema: %w", compiled.Err())
			return
		}
		schemaV1 = compiled.LookupPath(cue.ParsePath("#Manifest"))
		if schemaV1.Err() != nil {
			schemaErr = fmt.Errorf("internal error: schema definition #Manifest not found: %w", schemaV1.Err())
		}
	})
	return schemaCtx, schemaV1, schemaErr
}

// cueMu guards the shared CUE context, which is not safe for concurrent use.
var cueMu sync.Mutex

func parseManifestV1(data []byte) (*Manifest, error) {
	for _, field := range requiredV1Fields {
		v := gjson.GetBytes(data, field)
		if !v.Exists() || v.Type == gjson.Null || (v.Type == gjson.String && v.Str == "") {
			return nil, &MissingFieldError{Field: field}
		}
	}

	var doc manifestV1
	if err := validateV1(data, &doc); err != nil {
		return nil, err
	}

	version, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidManifest, doc.Version, err)
	}

	m := &Manifest{
		schemaVersion:     1,
		name:              doc.Name,
		namespace:         doc.Namespace,
		version:           version,
		packageRef:        doc.Package,
		description:       doc.Description,
		url:               doc.URL,
		author:            doc.Author,
		contributors:      nonNil(doc.Contributors),
		directories:       nonNil(doc.Directories),
		dependencies:      []Dependency{},
		permissions:       make(map[security.Capability]security.Request, len(doc.APIPermissions)),
		enableWithoutHost: doc.EnableWithoutGW2,
	}

	for name, req := range doc.APIPermissions {
		m.permissions[security.ParseCapability(name)] = req
	}

	// Dependencies are read with gjson to keep declaration order.
	var depErr error
	gjson.GetBytes(data, "dependencies").ForEach(func(key, value gjson.Result) bool {
		r, err := ParseRange(value.String())
		if err != nil {
			depErr = fmt.Errorf("%w: dependency %s: %v", ErrInvalidManifest, key.String(), err)
			return false
		}
		m.dependencies = append(m.dependencies, Dependency{Namespace: key.String(), Range: r})
		return true
	})
	if depErr != nil {
		return nil, depErr
	}

	return m, nil
}

func validateV1(data []byte, out *manifestV1) error {
	cueMu.Lock()
	defer cueMu.Unlock()

	ctx, schema, err := manifestV1Definition()
	if err != nil {
		return err
	}

	user := ctx.CompileBytes(data, cue.Filename(ManifestFile))
	if user.Err() != nil {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, formatCUEError(user.Err()))
	}

	unified := schema.Unify(user)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, formatCUEError(err))
	}
	if err := unified.Decode(out); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, formatCUEError(err))
	}
	return nil
}

func formatCUEError(err error) string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	if len(msgs) == 0 {
		return err.Error()
	}
	return strings.Join(msgs, "; ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
