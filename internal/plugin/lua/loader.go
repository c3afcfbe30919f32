package lua

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/dshills/modhost/internal/plugin/runtime"
)

// Extension is the artifact extension handled by this runtime.
const Extension = ".lua"

// Loader compiles Lua artifacts. Lua states are garbage collected, so
// modules loaded by this runtime can always be unloaded.
type Loader struct {
	callTimeout time.Duration
	dataRoot    func(namespace string) string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHookTimeout bounds the synchronous hooks of every module.
func WithHookTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.callTimeout = d
	}
}

// WithDataRoot sets the directory the sandboxed io table is confined to.
func WithDataRoot(fn func(namespace string) string) LoaderOption {
	return func(l *Loader) {
		l.dataRoot = fn
	}
}

// NewLoader creates a Lua loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Factory returns a runtime.LoaderFactory producing this loader.
func Factory(opts ...LoaderOption) runtime.LoaderFactory {
	return func() (runtime.Loader, error) {
		return NewLoader(opts...), nil
	}
}

// CanUnload implements runtime.Loader.
func (l *Loader) CanUnload() bool { return true }

// Load compiles the artifact. Syntax errors surface here, before any
// module state exists.
func (l *Loader) Load(artifact runtime.Artifact) (runtime.Unit, error) {
	chunk, err := parse.Parse(bytes.NewReader(artifact.Code), artifact.Name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", artifact.Name, err)
	}
	proto, err := lua.Compile(chunk, artifact.Name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", artifact.Name, err)
	}
	return &unit{loader: l, name: artifact.Name, proto: proto}, nil
}

// unit holds a compiled chunk and the state of the module composed from it.
type unit struct {
	loader *Loader
	name   string
	proto  *lua.FunctionProto

	mu     sync.Mutex
	state  *State
	closed bool
}

// Compose runs the chunk in a fresh sandboxed state. The chunk must return
// a table; its initialize, load, update and unload fields are the hooks.
func (u *unit) Compose(deps runtime.Deps) (runtime.Module, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, runtime.ErrUnitClosed
	}
	if u.state != nil {
		u.state.Close()
		u.state = nil
	}

	state := NewState(WithCallTimeout(u.loader.callTimeout))
	root := ""
	if u.loader.dataRoot != nil {
		root = u.loader.dataRoot(deps.Namespace)
	}
	state.Sandbox().Grant(deps.API, root)
	registerHostModule(state.L, deps)

	ret, err := state.Run(u.proto)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("run %s: %w", u.name, err)
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		state.Close()
		return nil, fmt.Errorf("%s: %w (got %s)", u.name, ErrNotAModule, ret.Type())
	}

	u.state = state
	return &module{state: state, self: tbl, bridge: NewBridge(state.L)}, nil
}

// Close implements runtime.Unit.
func (u *unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.closed = true
	if u.state != nil {
		u.state.Close()
		u.state = nil
	}
	return nil
}

// module adapts a Lua table to runtime.Module. Missing hooks are no-ops.
type module struct {
	state  *State
	self   *lua.LTable
	bridge *Bridge
}

func (m *module) call(ctx context.Context, hook string, args ...lua.LValue) error {
	fn, ok := m.bridge.TableFunc(m.self, hook)
	if !ok {
		return nil
	}
	return m.state.CallMethod(ctx, m.self, fn, args...)
}

func (m *module) Initialize() error {
	ctx, cancel := m.state.BoundedContext()
	defer cancel()
	return m.call(ctx, "initialize")
}

func (m *module) Load(ctx context.Context) error {
	return m.call(ctx, "load")
}

func (m *module) Update(tick runtime.Tick) error {
	t := m.state.L.NewTable()
	t.RawSetString("frame", lua.LNumber(tick.Frame))
	t.RawSetString("elapsed", lua.LNumber(tick.Elapsed.Seconds()))
	t.RawSetString("total", lua.LNumber(tick.Total.Seconds()))
	ctx, cancel := m.state.BoundedContext()
	defer cancel()
	return m.call(ctx, "update", t)
}

func (m *module) Unload() error {
	ctx, cancel := m.state.BoundedContext()
	defer cancel()
	return m.call(ctx, "unload")
}
