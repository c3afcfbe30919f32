package plugin

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/modhost/internal/plugin/security"
)

const fullManifest = `{
	"manifest_version": 1,
	"name": "Example Module",
	"namespace": "example.module",
	"version": "1.2.3",
	"package": "main.lua",
	"description": "An example module",
	"url": "https://example.com",
	"author": "Alice",
	"contributors": ["Bob", "Carol"],
	"dependencies": {
		"zeta.lib": "^1.0.0",
		"bh.core": ">=2.0.0",
		"alpha.lib": "~1.4"
	},
	"directories": ["cache", "exports"],
	"enable_without_gw2": true,
	"api_permissions": {
		"network": {"details": "fetches prices"},
		"api.wallet": {"optional": true, "details": "shows balance"}
	},
	"homepage_color": "blue"
}`

func TestParseManifestFull(t *testing.T) {
	m, err := ParseManifest([]byte(fullManifest))
	require.NoError(t, err)

	assert.Equal(t, 1, m.SchemaVersion())
	assert.Equal(t, "Example Module", m.Name())
	assert.Equal(t, "example.module", m.Namespace())
	assert.Equal(t, "1.2.3", m.Version().String())
	assert.Equal(t, "main.lua", m.PackageRef())
	assert.Equal(t, "An example module", m.Description())
	assert.Equal(t, "https://example.com", m.URL())
	assert.Equal(t, "Alice", m.Author())
	assert.Equal(t, []string{"Bob", "Carol"}, m.Contributors())
	assert.Equal(t, []string{"cache", "exports"}, m.Directories())
	assert.True(t, m.EnableWithoutHost())
	assert.Equal(t, "Example Module v1.2.3 (example.module)", m.String())

	want := map[security.Capability]security.Request{
		security.CapabilityNetwork: {Details: "fetches prices"},
		security.CapabilityWallet:  {Optional: true, Details: "shows balance"},
	}
	if diff := cmp.Diff(want, m.Permissions()); diff != "" {
		t.Errorf("Permissions() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseManifestDependencyOrder(t *testing.T) {
	m, err := ParseManifest([]byte(fullManifest))
	require.NoError(t, err)

	var got []string
	for _, d := range m.Dependencies() {
		got = append(got, d.Namespace+" "+d.Range.String())
	}
	want := []string{"zeta.lib ^1.0.0", "bh.core >=2.0.0", "alpha.lib ~1.4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dependency order mismatch (-want +got):\n%s", diff)
	}
}

func TestParseManifestEmptyCollections(t *testing.T) {
	m, err := ParseManifest([]byte(simpleManifest("min.module", "0.1.0", "")))
	require.NoError(t, err)

	assert.NotNil(t, m.Contributors())
	assert.Empty(t, m.Contributors())
	assert.NotNil(t, m.Dependencies())
	assert.Empty(t, m.Dependencies())
	assert.NotNil(t, m.Directories())
	assert.Empty(t, m.Directories())
	assert.NotNil(t, m.Permissions())
	assert.Empty(t, m.Permissions())
	assert.False(t, m.EnableWithoutHost())
}

func TestParseManifestAccessorsReturnCopies(t *testing.T) {
	m, err := ParseManifest([]byte(fullManifest))
	require.NoError(t, err)

	dirs := m.Directories()
	dirs[0] = "mutated"
	assert.Equal(t, "cache", m.Directories()[0])

	perms := m.Permissions()
	delete(perms, security.CapabilityNetwork)
	assert.Len(t, m.Permissions(), 2)
}

func TestParseManifestUnsupportedVersion(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"future version", `{"manifest_version": 2, "name": "x", "namespace": "x", "version": "1.0.0", "package": "x.lua"}`},
		{"zero", `{"manifest_version": 0}`},
		{"string", `{"manifest_version": "1"}`},
		{"fraction", `{"manifest_version": 1.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.json))
			require.ErrorIs(t, err, ErrUnsupportedManifestVersion)

			var verr *UnsupportedManifestVersionError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestParseManifestMissingFields(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		field string
	}{
		{"no discriminator", `{"name": "x"}`, "manifest_version"},
		{"no name", `{"manifest_version": 1, "namespace": "x", "version": "1.0.0", "package": "x.lua"}`, "name"},
		{"empty name", `{"manifest_version": 1, "name": "", "namespace": "x", "version": "1.0.0", "package": "x.lua"}`, "name"},
		{"no version", `{"manifest_version": 1, "name": "x", "namespace": "x", "package": "x.lua"}`, "version"},
		{"no namespace", `{"manifest_version": 1, "name": "x", "version": "1.0.0", "package": "x.lua"}`, "namespace"},
		{"null package", `{"manifest_version": 1, "name": "x", "namespace": "x", "version": "1.0.0", "package": null}`, "package"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.json))
			require.ErrorIs(t, err, ErrMissingManifestField)

			var ferr *MissingFieldError
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, tt.field, ferr.Field)
		})
	}
}

func TestParseManifestInvalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{manifest_version: 1`},
		{"bad version", `{"manifest_version": 1, "name": "x", "namespace": "x", "version": "one", "package": "x.lua"}`},
		{"bad namespace", `{"manifest_version": 1, "name": "x", "namespace": "has space", "version": "1.0.0", "package": "x.lua"}`},
		{"bad range", `{"manifest_version": 1, "name": "x", "namespace": "x", "version": "1.0.0", "package": "x.lua", "dependencies": {"y": "not a range"}}`},
		{"wrong type", `{"manifest_version": 1, "name": "x", "namespace": "x", "version": "1.0.0", "package": "x.lua", "contributors": "bob"}`},
		{"parent directory", `{"manifest_version": 1, "name": "x", "namespace": "x", "version": "1.0.0", "package": "x.lua", "directories": [".."]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.json))
			require.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestReadManifestFromDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "example")
	writePackageDir(t, dir, fullManifest, map[string]string{"main.lua": "return {}"})

	src, err := OpenSource(dir)
	require.NoError(t, err)
	defer src.Close()

	m, err := ReadManifest(src)
	require.NoError(t, err)
	assert.Equal(t, "example.module", m.Namespace())
	assert.Equal(t, dir, src.Dir())

	artifact, err := ReadArtifact(src, m.Namespace(), m.PackageRef())
	require.NoError(t, err)
	assert.Equal(t, "return {}", string(artifact.Code))
	assert.Equal(t, filepath.Join(dir, "main.lua"), artifact.Path)
	assert.Nil(t, artifact.Symbols)
}

func TestReadManifestFromArchive(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "example.zip")
	writeZip(t, archive, map[string]string{
		ManifestFile:            fullManifest,
		"main.lua":              "return {}",
		"main.lua" + SymbolsExt: "symbols",
	})

	src, err := OpenSource(archive)
	require.NoError(t, err)
	defer src.Close()

	m, err := ReadManifest(src)
	require.NoError(t, err)
	assert.Equal(t, "example.module", m.Namespace())
	assert.Empty(t, src.Dir())

	artifact, err := ReadArtifact(src, m.Namespace(), m.PackageRef())
	require.NoError(t, err)
	assert.Equal(t, "return {}", string(artifact.Code))
	assert.Equal(t, "symbols", string(artifact.Symbols))
	assert.Empty(t, artifact.Path)
}

func TestReadArtifactMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "example")
	writePackageDir(t, dir, fullManifest, nil)

	src, err := OpenSource(dir)
	require.NoError(t, err)

	_, err = ReadArtifact(src, "example.module", "main.lua")
	require.ErrorIs(t, err, ErrArtifactNotFound)

	_, err = ReadArtifact(src, "example.module", "../escape.lua")
	require.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestOpenSourceRejectsPlainFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := OpenSource(path)
	require.Error(t, err)
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}
