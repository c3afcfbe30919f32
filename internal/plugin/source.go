package plugin

import (
	"archive/zip"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dshills/modhost/internal/plugin/runtime"
)

// SymbolsExt is appended to an artifact path to find its debug sidecar.
const SymbolsExt = ".map"

// Source is a package's byte source: an unpacked directory or a zip archive.
type Source interface {
	// FS exposes the package content.
	FS() fs.FS

	// Location is the directory or archive path on disk.
	Location() string

	// Dir returns the directory holding unpacked content, or "" for archives.
	Dir() string

	// Close releases the source.
	Close() error
}

// OpenSource opens a package directory or ".zip" archive.
func OpenSource(location string) (Source, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return &dirSource{dir: location, fsys: os.DirFS(location)}, nil
	}
	if !strings.EqualFold(filepath.Ext(location), ".zip") {
		return nil, fmt.Errorf("%s: not a package directory or .zip archive", location)
	}
	rc, err := zip.OpenReader(location)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", location, err)
	}
	return &zipSource{location: location, rc: rc}, nil
}

type dirSource struct {
	dir  string
	fsys fs.FS
}

func (s *dirSource) FS() fs.FS { return s.fsys }
func (s *dirSource) Location() string { return s.dir }
func (s *dirSource) Dir() string { return s.dir }
func (s *dirSource) Close() error { return nil }

type zipSource struct {
	location string
	rc       *zip.ReadCloser
}

func (s *zipSource) FS() fs.FS { return &s.rc.Reader }
func (s *zipSource) Location() string { return s.location }
func (s *zipSource) Dir() string { return "" }
func (s *zipSource) Close() error { return s.rc.Close() }

// ReadManifest parses the manifest at the root of a source.
func ReadManifest(src Source) (*Manifest, error) {
	data, err := fs.ReadFile(src.FS(), ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Location(), err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Location(), err)
	}
	return m, nil
}

// ReadArtifact reads the artifact named by ref and its optional sidecar.
func ReadArtifact(src Source, namespace, ref string) (runtime.Artifact, error) {
	name := path.Clean(strings.TrimPrefix(filepath.ToSlash(ref), "/"))
	if !fs.ValidPath(name) {
		return runtime.Artifact{}, fmt.Errorf("%w: invalid package path %q", ErrArtifactNotFound, ref)
	}

	code, err := fs.ReadFile(src.FS(), name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return runtime.Artifact{}, fmt.Errorf("%w: %s in %s", ErrArtifactNotFound, name, src.Location())
		}
		return runtime.Artifact{}, err
	}

	artifact := runtime.Artifact{
		Namespace: namespace,
		Name:      name,
		Code:      code,
	}
	if symbols, err := fs.ReadFile(src.FS(), name+SymbolsExt); err == nil {
		artifact.Symbols = symbols
	}
	if dir := src.Dir(); dir != "" {
		artifact.Path = filepath.Join(dir, filepath.FromSlash(name))
	}
	return artifact, nil
}
