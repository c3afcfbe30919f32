package repository

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"

	"github.com/dshills/modhost/internal/plugin"
	"github.com/dshills/modhost/internal/plugin/runtime"
	"github.com/dshills/modhost/internal/plugin/store"
)

const stubExt = ".stub"

type stubModule struct{}

func (stubModule) Initialize() error          { return nil }
func (stubModule) Load(context.Context) error { return nil }
func (stubModule) Update(runtime.Tick) error  { return nil }
func (stubModule) Unload() error              { return nil }

type stubUnit struct{}

func (stubUnit) Compose(runtime.Deps) (runtime.Module, error) { return stubModule{}, nil }
func (stubUnit) Close() error                                 { return nil }

type stubLoader struct{}

func (stubLoader) Load(runtime.Artifact) (runtime.Unit, error) { return stubUnit{}, nil }
func (stubLoader) CanUnload() bool                             { return true }

func manifestJSON(ns, version string) string {
	return `{"manifest_version":1,"name":"` + ns + `","namespace":"` + ns + `","version":"` + version + `","package":"main` + stubExt + `"}`
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func packageZip(t *testing.T, ns, version string) []byte {
	return buildZip(t, map[string]string{
		plugin.ManifestFile: manifestJSON(ns, version),
		"main" + stubExt:    "stub code",
	})
}

// server serves fixed paths and records request headers.
type server struct {
	*httptest.Server

	mu      sync.Mutex
	files   map[string][]byte
	headers []http.Header
}

func newServer(t *testing.T) *server {
	s := &server{files: make(map[string][]byte)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		data, ok := s.files[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) set(path string, data []byte) {
	s.mu.Lock()
	s.files[path] = data
	s.mu.Unlock()
}

func (s *server) lastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

// fixture is a module system with one package directory and a client.
type fixture struct {
	t      *testing.T
	dir    string
	pkgDir string
	store  *store.Memory
	system *plugin.System
	srv    *server
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	pkgDir := filepath.Join(dir, "packages")
	require.NoError(t, os.MkdirAll(pkgDir, 0o755))

	loaders := runtime.NewLoaders()
	loaders.Register(stubExt, func() (runtime.Loader, error) { return stubLoader{}, nil })

	st := store.NewMemory()
	system := plugin.NewSystem(plugin.SystemConfig{
		Registry: plugin.RegistryConfig{
			Host:    plugin.HostInfo{Namespace: "modhost.core", Version: semver.MustParse("1.0.0")},
			Loaders: loaders,
			Store:   st,
			DataDir: filepath.Join(dir, "data"),
		},
		PackagePaths: []string{pkgDir},
	})

	srv := newServer(t)
	client := New(Config{
		System:     system,
		Fetcher:    NewHTTPFetcher(WithHTTPClient(srv.Client())),
		Acks:       st,
		IndexURLs:  []string{srv.URL + "/index.json"},
		InstallDir: pkgDir,
	})

	return &fixture{t: t, dir: dir, pkgDir: pkgDir, store: st, system: system, srv: srv, client: client}
}

// installDir writes an unpacked package into the package directory.
func (f *fixture) installDir(ns, version string) string {
	f.t.Helper()
	dir := filepath.Join(f.pkgDir, ns)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(manifestJSON(ns, version)), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "main"+stubExt), []byte("stub code"), 0o644))
	return dir
}

// publish serves a package archive and returns its index entry JSON.
func (f *fixture) publish(ns, version string) string {
	f.t.Helper()
	data := packageZip(f.t, ns, version)
	path := "/pkgs/" + ns + "-" + version + ".zip"
	f.srv.set(path, data)
	return entryJSON(ns, version, path, Digest(data))
}

func (f *fixture) setIndex(entries ...string) {
	doc := "["
	for i, e := range entries {
		if i > 0 {
			doc += ","
		}
		doc += e
	}
	f.srv.set("/index.json", []byte(doc+"]"))
}

func entryJSON(ns, version, download, checksum string) string {
	return `{"name":"` + ns + `","namespace":"` + ns + `","version":"` + version +
		`","package":"main` + stubExt + `","download_url":"` + download + `","checksum":"` + checksum + `"}`
}

// enable enables a module and ticks until its load hook resolves.
func (f *fixture) enable(ns string) *plugin.Record {
	f.t.Helper()
	require.NoError(f.t, f.system.Enable(ns))
	rec, ok := f.system.Registry().Lookup(ns)
	require.True(f.t, ok)
	f.settle(rec)
	return rec
}

func (f *fixture) settle(rec *plugin.Record) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		f.system.Tick(time.Now())
		return rec.RunState() != plugin.StateLoading
	}, 2*time.Second, time.Millisecond)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
