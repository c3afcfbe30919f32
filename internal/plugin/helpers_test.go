package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"

	"github.com/dshills/modhost/internal/plugin/runtime"
)

const fakeExt = ".fake"

// fakeModule records hook calls and fails on demand.
type fakeModule struct {
	mu    sync.Mutex
	calls []string
	deps  runtime.Deps

	initErr   error
	loadErr   error
	updateErr error
	unloadErr error
	panicIn   string

	// loadGate, when set, blocks Load until closed or ctx is done.
	loadGate chan struct{}
}

func (f *fakeModule) record(hook string) {
	f.mu.Lock()
	f.calls = append(f.calls, hook)
	f.mu.Unlock()
	if f.panicIn == hook {
		panic("fake " + hook + " panic")
	}
}

func (f *fakeModule) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeModule) Initialize() error {
	f.record("initialize")
	return f.initErr
}

func (f *fakeModule) Load(ctx context.Context) error {
	f.record("load")
	if f.loadGate != nil {
		select {
		case <-f.loadGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.loadErr
}

func (f *fakeModule) Update(runtime.Tick) error {
	f.record("update")
	return f.updateErr
}

func (f *fakeModule) Unload() error {
	f.record("unload")
	return f.unloadErr
}

// fakeLoader composes fakeModules registered by namespace.
type fakeLoader struct {
	mu         sync.Mutex
	modules    map[string]*fakeModule
	unloadable bool
	loadErr    error
	composeErr error
	loads      int
	closes     int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{modules: make(map[string]*fakeModule), unloadable: true}
}

func (l *fakeLoader) add(ns string) *fakeModule {
	m := &fakeModule{}
	l.mu.Lock()
	l.modules[strings.ToLower(ns)] = m
	l.mu.Unlock()
	return m
}

func (l *fakeLoader) CanUnload() bool { return l.unloadable }

func (l *fakeLoader) Load(a runtime.Artifact) (runtime.Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	l.loads++
	return &fakeUnit{l: l, ns: a.Namespace}, nil
}

func (l *fakeLoader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func (l *fakeLoader) Closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

type fakeUnit struct {
	l  *fakeLoader
	ns string
}

func (u *fakeUnit) Compose(deps runtime.Deps) (runtime.Module, error) {
	u.l.mu.Lock()
	defer u.l.mu.Unlock()
	if u.l.composeErr != nil {
		return nil, u.l.composeErr
	}
	m, ok := u.l.modules[strings.ToLower(u.ns)]
	if !ok {
		return nil, runtime.ErrNoEntryType
	}
	m.deps = deps
	return m, nil
}

func (u *fakeUnit) Close() error {
	u.l.mu.Lock()
	u.l.closes++
	u.l.mu.Unlock()
	return nil
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu     sync.Mutex
	states map[string]ModuleState
	saves  int
	gate   *saveGate
}

// saveGate holds one Save until released.
type saveGate struct {
	entered chan struct{}
	release chan struct{}
}

// holdNextSave blocks the next Save call until the gate is released.
func (s *memStore) holdNextSave() *saveGate {
	g := &saveGate{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.gate = g
	s.mu.Unlock()
	return g
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]ModuleState)}
}

func (s *memStore) Load(ns string) (ModuleState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[strings.ToLower(ns)]
	return st.Clone(), ok, nil
}

func (s *memStore) Save(ns string, st ModuleState) error {
	s.mu.Lock()
	gate := s.gate
	s.gate = nil
	s.mu.Unlock()
	if gate != nil {
		close(gate.entered)
		<-gate.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[strings.ToLower(ns)] = st.Clone()
	s.saves++
	return nil
}

func (s *memStore) Delete(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, strings.ToLower(ns))
	return nil
}

// testEnv is a registry wired to a fake loader.
type testEnv struct {
	t        *testing.T
	dir      string
	loader   *fakeLoader
	store    *memStore
	registry *Registry
}

func newTestEnv(t *testing.T, hostVersion string, opts ...func(*RegistryConfig)) *testEnv {
	t.Helper()

	loader := newFakeLoader()
	loaders := runtime.NewLoaders()
	loaders.Register(fakeExt, func() (runtime.Loader, error) { return loader, nil })

	dir := t.TempDir()
	store := newMemStore()
	cfg := RegistryConfig{
		Host:    HostInfo{Namespace: "bh.core", Version: mustVersion(t, hostVersion)},
		Loaders: loaders,
		Store:   store,
		DataDir: filepath.Join(dir, "data"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	registry := NewRegistry(cfg)

	return &testEnv{t: t, dir: dir, loader: loader, store: store, registry: registry}
}

// addPackage writes a package directory and registers it.
func (e *testEnv) addPackage(manifest string) *Record {
	e.t.Helper()

	m, err := ParseManifest([]byte(manifest))
	require.NoError(e.t, err)

	pkgDir := filepath.Join(e.dir, "packages", m.Namespace())
	writePackageDir(e.t, pkgDir, manifest, map[string]string{m.PackageRef(): "fake code"})

	src, err := OpenSource(pkgDir)
	require.NoError(e.t, err)

	rec, err := e.registry.Add(m, src)
	require.NoError(e.t, err)
	return rec
}

func writePackageDir(t *testing.T, dir, manifest string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := ParseVersion(s)
	require.NoError(t, err)
	return v
}

// waitSettled ticks a record until its load hook resolves.
func waitSettled(t *testing.T, rec *Record) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec.Update(runtime.Tick{})
		return rec.RunState() != StateLoading
	}, 2*time.Second, time.Millisecond)
}

func simpleManifest(ns, version string, extra string) string {
	if extra != "" {
		extra = "," + extra
	}
	return `{"manifest_version":1,"name":"` + ns + `","namespace":"` + ns + `","version":"` + version + `","package":"main` + fakeExt + `"` + extra + `}`
}

var errBoom = errors.New("boom")

// eventLog collects registry events from any goroutine.
type eventLog struct {
	mu      sync.Mutex
	events  []*Event
	observe bool
}

func watchEvents(r *Registry, observe bool) *eventLog {
	l := &eventLog{observe: observe}
	r.Subscribe(func(e *Event) {
		if l.observe && e.Type == EventModuleFault {
			e.MarkObserved()
		}
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) OfType(t EventType) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Transitions renders state changes as "from>to".
func (l *eventLog) Transitions() []string {
	var out []string
	for _, e := range l.OfType(EventStateChanged) {
		out = append(out, e.From.String()+">"+e.To.String())
	}
	return out
}

func tickAt(frame uint64) runtime.Tick {
	return runtime.Tick{Frame: frame}
}
