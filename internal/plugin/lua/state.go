package lua

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultCallTimeout bounds synchronous hook calls (initialize, update,
// unload). The asynchronous load hook is bounded only by its context.
const DefaultCallTimeout = 250 * time.Millisecond

// State wraps a sandboxed gopher-lua state. Each module gets its own State;
// states never share globals or loaded modules.
//
// gopher-lua's LState is not goroutine-safe. The mutex serializes Go-side
// access; the module record additionally guarantees that no two hooks of
// one module run at the same time.
type State struct {
	L *lua.LState

	mu sync.Mutex

	callTimeout time.Duration
	sandbox     *Sandbox
	closed      bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithCallTimeout sets the timeout for synchronous calls. Zero disables it.
func WithCallTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.callTimeout = d
	}
}

// NewState creates a new sandboxed Lua state.
func NewState(opts ...StateOption) *State {
	state := &State{
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(state)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	state.L = L

	openSafeLibraries(L)

	state.sandbox = NewSandbox(L)
	state.sandbox.Install()

	return state
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenPackage(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	// io, os, debug and channel stay closed
}

// Sandbox returns the state's sandbox.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// Run executes a compiled chunk and returns its single result.
func (s *State) Run(proto *lua.FunctionProto) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	var result lua.LValue = lua.LNil
	err := s.doWithRecovery(func() error {
		s.L.Push(s.L.NewFunctionFromProto(proto))
		if err := s.L.PCall(0, 1, nil); err != nil {
			return err
		}
		result = s.L.Get(-1)
		s.L.Pop(1)
		return nil
	})
	return result, err
}

// BoundedContext returns a context carrying the state's call timeout.
func (s *State) BoundedContext() (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.callTimeout)
}

// CallMethod calls fn(self, args...) on a table, discarding results.
// Cancelling ctx aborts the running script at its next instruction.
func (s *State) CallMethod(ctx context.Context, self *lua.LTable, fn *lua.LFunction, args ...lua.LValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	return s.doWithRecovery(func() error {
		s.L.Push(fn)
		s.L.Push(self)
		for _, arg := range args {
			s.L.Push(arg)
		}
		if err := s.L.PCall(len(args)+1, 0, nil); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %w", ctxErr, err)
			}
			return err
		}
		return nil
	})
}

// doWithRecovery executes a function with panic recovery.
func (s *State) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// Close releases the Lua state.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}

// IsClosed reports whether the state was closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
