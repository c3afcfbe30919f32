// Package wasm is the Extism runtime for ".wasm" package artifacts.
//
// A module exports any of initialize, load, update and unload. update
// receives the tick as JSON input ({"frame":1,"elapsed_ms":16,"total_ms":16}).
// The host functions below are imported from the "env" namespace.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	extism "github.com/extism/go-sdk"
	"github.com/tetratelabs/wazero"

	"github.com/dshills/modhost/internal/plugin/runtime"
	"github.com/dshills/modhost/internal/plugin/security"
)

// Extension is the artifact extension handled by this runtime.
const Extension = ".wasm"

// DefaultCallTimeout bounds initialize, update and unload.
const DefaultCallTimeout = 5 * time.Second

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

var (
	// ErrNotWasm is returned for artifacts without the WebAssembly header.
	ErrNotWasm = errors.New("artifact is not a WebAssembly module")

	// ErrInstanceClosed is returned by calls after an interrupted call
	// closed the module instance.
	ErrInstanceClosed = errors.New("module instance closed by an interrupted call")
)

// Loader compiles WASM artifacts with the Extism SDK.
type Loader struct {
	callTimeout time.Duration
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHookTimeout bounds the synchronous exports of every module. Zero
// disables the bound.
func WithHookTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.callTimeout = d
	}
}

// NewLoader creates a WASM loader.
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

// CanUnload implements runtime.Loader. Closing a unit releases its
// wazero runtime.
func (l *Loader) CanUnload() bool { return true }

// Load compiles the artifact into its own wazero runtime. Malformed
// modules fail here, before anything is composed.
func (l *Loader) Load(artifact runtime.Artifact) (runtime.Unit, error) {
	if !bytes.HasPrefix(artifact.Code, wasmMagic) {
		return nil, fmt.Errorf("%s: %w", artifact.Name, ErrNotWasm)
	}

	u := &unit{name: artifact.Name, callTimeout: l.callTimeout, binding: &binding{}}

	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: artifact.Code, Name: artifact.Name},
		},
	}
	config := extism.PluginConfig{
		EnableWasi:    true,
		RuntimeConfig: wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	}

	compiled, err := extism.NewCompiledPlugin(context.Background(), manifest, config, hostFunctions(u.binding))
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", artifact.Name, err)
	}
	u.compiled = compiled
	return u, nil
}

type unit struct {
	name        string
	callTimeout time.Duration
	binding     *binding

	mu       sync.Mutex
	compiled *extism.CompiledPlugin
	plugin   *extism.Plugin
	closed   bool
}

func (u *unit) Compose(deps runtime.Deps) (runtime.Module, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, runtime.ErrUnitClosed
	}

	ctx := context.Background()
	if u.plugin != nil {
		_ = u.plugin.Close(ctx)
		u.plugin = nil
	}
	u.binding.deps.Store(&deps)

	plugin, err := u.compiled.Instance(ctx, extism.PluginInstanceConfig{})
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", u.name, err)
	}
	plugin.Config = map[string]string{"namespace": deps.Namespace}
	if deps.API != nil && deps.API.Has(security.CapabilityNetwork) {
		plugin.AllowedHosts = []string{"*"}
	}
	u.plugin = plugin

	return &module{plugin: plugin, callTimeout: u.callTimeout}, nil
}

func (u *unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true
	u.plugin = nil
	u.binding.deps.Store(nil)
	return u.compiled.Close(context.Background())
}

// module adapts an Extism plugin instance to runtime.Module. Missing
// exports are no-ops.
type module struct {
	plugin      *extism.Plugin
	callTimeout time.Duration

	// aborted is set once a call is cut short by its context. wazero
	// closes the instance when that happens.
	aborted atomic.Bool
}

func (m *module) bounded() (context.Context, context.CancelFunc) {
	if m.callTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), m.callTimeout)
}

func (m *module) call(ctx context.Context, name string, input []byte) error {
	if m.aborted.Load() {
		return ErrInstanceClosed
	}
	if !m.plugin.FunctionExists(name) {
		return nil
	}
	exitCode, out, err := m.plugin.CallWithContext(ctx, name, input)
	if ctxErr := ctx.Err(); ctxErr != nil {
		m.aborted.Store(true)
		return fmt.Errorf("%s interrupted: %w", name, ctxErr)
	}
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", name, err)
	}
	if exitCode != 0 {
		if len(out) > 0 {
			return fmt.Errorf("%s returned exit code %d: %s", name, exitCode, out)
		}
		return fmt.Errorf("%s returned exit code %d", name, exitCode)
	}
	return nil
}

func (m *module) Initialize() error {
	ctx, cancel := m.bounded()
	defer cancel()
	return m.call(ctx, "initialize", nil)
}

func (m *module) Load(ctx context.Context) error {
	return m.call(ctx, "load", nil)
}

type tickInput struct {
	Frame     uint64 `json:"frame"`
	ElapsedMS int64  `json:"elapsed_ms"`
	TotalMS   int64  `json:"total_ms"`
}

func (m *module) Update(tick runtime.Tick) error {
	input, err := json.Marshal(tickInput{
		Frame:     tick.Frame,
		ElapsedMS: tick.Elapsed.Milliseconds(),
		TotalMS:   tick.Total.Milliseconds(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := m.bounded()
	defer cancel()
	return m.call(ctx, "update", input)
}

// Unload is a no-op once an interrupted call has closed the instance.
func (m *module) Unload() error {
	if m.aborted.Load() {
		return nil
	}
	ctx, cancel := m.bounded()
	defer cancel()
	return m.call(ctx, "unload", nil)
}
