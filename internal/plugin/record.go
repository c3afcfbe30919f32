package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/dshills/modhost/internal/plugin/runtime"
	"github.com/dshills/modhost/internal/plugin/security"
)

// environment holds the collaborators shared by all records of a registry.
type environment struct {
	host    HostInfo
	loaders *runtime.Loaders
	store   StateStore
	modules ModuleLookup
	events  *Observers
	logger  *log.Logger
	dataDir string
	debug   bool
}

// loadTask tracks a module's background load hook.
type loadTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// canceled is set when the record requested cancellation.
	canceled atomic.Bool
}

// Record owns one package: its manifest, persisted state, byte source and,
// while enabled, the live module instance.
//
// Lifecycle methods (Enable, Disable, Restore, Update, Dispose) must be
// called from the host's main goroutine. Accessors are safe from any
// goroutine.
type Record struct {
	env      *environment
	manifest *Manifest
	source   Source
	logger   *log.Logger

	// op serializes lifecycle operations; module hooks run while it is held.
	op sync.Mutex

	// saveMu orders state changes with their writes to the store. It is
	// acquired before mu.
	saveMu sync.Mutex

	mu       sync.RWMutex
	state    ModuleState
	runState RunState
	loader   runtime.Loader
	unit     runtime.Unit
	module   runtime.Module
	task     *loadTask
	handles  *handles
	dirty    bool
	err      error
}

func newRecord(env *environment, m *Manifest, src Source, state ModuleState) *Record {
	return &Record{
		env:      env,
		manifest: m,
		source:   src,
		state:    state,
		runState: StateUnloaded,
		logger:   env.logger.With("module", m.Namespace()),
	}
}

// Manifest returns the record's manifest.
func (r *Record) Manifest() *Manifest {
	return r.manifest
}

// Namespace returns the manifest namespace.
func (r *Record) Namespace() string {
	return r.manifest.Namespace()
}

// Source returns the package byte source.
func (r *Record) Source() Source {
	return r.source
}

// State returns a copy of the persisted module state.
func (r *Record) State() ModuleState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// Enabled returns the persisted enable flag.
func (r *Record) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Enabled
}

// RunState returns the current lifecycle state.
func (r *Record) RunState() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runState
}

// AssemblyDirty reports whether the record's code could not be unloaded.
// A dirty record refuses to enable until the host restarts.
func (r *Record) AssemblyDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// Err returns the last fault, if any.
func (r *Record) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Dependencies checks the manifest's dependencies against the registry.
func (r *Record) Dependencies() []DependencyResult {
	return CheckDependencies(r.manifest, r.env.modules, r.env.host)
}

// Enable resolves dependencies and permissions, loads and composes the
// module, runs its initialize hook and starts its load hook in the
// background. It is a no-op when the module is already enabled and
// active. A module persisted as enabled whose activation failed is
// activated again.
//
// Dependency, permission and code-load failures are returned and leave the
// record Unloaded. Composition and hook failures move it to FatalError.
func (r *Record) Enable() error {
	r.op.Lock()
	defer r.op.Unlock()

	enabled := r.Enabled()
	if enabled && r.RunState() != StateUnloaded {
		return nil
	}
	if err := r.activate(); err != nil {
		return err
	}
	if enabled {
		return nil
	}
	return r.setEnabled(true)
}

// Restore activates a module whose persisted state says enabled. It is
// used at startup and after re-registration.
func (r *Record) Restore() error {
	r.op.Lock()
	defer r.op.Unlock()

	if !r.Enabled() || r.RunState() != StateUnloaded {
		return nil
	}
	return r.activate()
}

// Disable unloads the module and persists Enabled=false. A module that is
// still loading has its load hook cancelled; it unloads once the hook
// returns.
func (r *Record) Disable() error {
	r.op.Lock()
	defer r.op.Unlock()

	if !r.Enabled() {
		return nil
	}
	if err := r.setEnabled(false); err != nil {
		return err
	}
	r.deactivate()
	return nil
}

// SetEnabled enables or disables the module.
func (r *Record) SetEnabled(enabled bool) error {
	if enabled {
		return r.Enable()
	}
	return r.Disable()
}

// Update forwards a tick to a loaded module. While loading it instead
// polls the background load hook.
func (r *Record) Update(tick runtime.Tick) {
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.RLock()
	run, module := r.runState, r.module
	r.mu.RUnlock()

	switch run {
	case StateLoaded:
		if err := r.guard("update", func() error { return module.Update(tick) }); err != nil {
			r.fail(err)
		}
	case StateLoading:
		r.pollLoad()
	}
}

// Dispose tears down the live instance without touching the persisted
// enable flag. It is used when the record is removed or replaced.
func (r *Record) Dispose() {
	r.op.Lock()
	defer r.op.Unlock()
	r.deactivate()

	r.mu.Lock()
	task := r.task
	unit := r.unit
	if task != nil {
		// Still loading: the unit is closed once the hook returns.
		r.task = nil
		r.unit, r.module, r.loader = nil, nil, nil
		r.revokeHandles()
	}
	r.mu.Unlock()

	if task != nil {
		go func() {
			<-task.done
			if unit != nil {
				_ = unit.Close()
			}
		}()
	}
}

// SetApprovedPermissions replaces the user's permission grants.
func (r *Record) SetApprovedPermissions(caps security.Set) error {
	return r.save(func(s *ModuleState) error {
		s.ApprovedPermissions = caps.Clone()
		return nil
	})
}

// ApprovePermission adds one grant.
func (r *Record) ApprovePermission(cap security.Capability) error {
	return r.save(func(s *ModuleState) error {
		s.ApprovedPermissions.Add(cap)
		return nil
	})
}

// SetIgnoreDependencies sets the dependency escape hatch.
func (r *Record) SetIgnoreDependencies(ignore bool) error {
	return r.save(func(s *ModuleState) error {
		s.IgnoreDependencies = ignore
		return nil
	})
}

func (r *Record) activate() error {
	ns := r.manifest.Namespace()

	r.mu.RLock()
	run, dirty, state := r.runState, r.dirty, r.state.Clone()
	r.mu.RUnlock()

	if dirty {
		err := fmt.Errorf("%s: %w", ns, ErrAssemblyDirty)
		r.reject(ReasonDirty, err)
		return err
	}
	switch run {
	case StateUnloaded:
	case StateFatalError:
		// Terminal until the package is replaced or the host restarts.
		return fmt.Errorf("%s: %w: %w", ns, ErrModuleFault, r.Err())
	default:
		return fmt.Errorf("%s: %w (%s)", ns, ErrTransitionPending, run)
	}

	results := CheckDependencies(r.manifest, r.env.modules, r.env.host)
	if !DependenciesSatisfied(results, state.IgnoreDependencies) {
		err := &DependencyError{Namespace: ns, Results: results}
		r.logger.Warn("enable rejected", "reason", ReasonDependency, "err", err)
		r.reject(ReasonDependency, err)
		return err
	}
	if unmet := Unmet(results); len(unmet) > 0 {
		r.logger.Warn("enabling with unmet dependencies", "unmet", len(unmet))
	}

	requests := r.manifest.Permissions()
	granted, ok := security.Authorize(requests, state.ApprovedPermissions)
	if !ok {
		err := &PermissionError{Namespace: ns, Missing: security.MissingRequired(requests, state.ApprovedPermissions)}
		r.logger.Warn("enable rejected", "reason", ReasonPermission, "err", err)
		r.reject(ReasonPermission, err)
		return err
	}

	unit, loader, err := r.loadCode()
	if err != nil {
		r.logger.Warn("enable rejected", "reason", ReasonCodeLoad, "err", err)
		r.reject(ReasonCodeLoad, err)
		return err
	}

	h := &handles{}
	r.mu.Lock()
	r.loader, r.unit, r.handles, r.err = loader, unit, h, nil
	r.mu.Unlock()
	r.transition(StateLoading)

	module, err := r.compose(unit, r.deps(h, granted))
	if err != nil {
		err = &CompositionError{Namespace: ns, Err: err}
		r.fail(err)
		return err
	}

	r.mu.Lock()
	r.module = module
	r.mu.Unlock()

	if err := r.guard("initialize", module.Initialize); err != nil {
		r.fail(err)
		return err
	}

	r.startLoad(module)
	return nil
}

// loadCode loads the artifact into a fresh load context.
func (r *Record) loadCode() (runtime.Unit, runtime.Loader, error) {
	ns := r.manifest.Namespace()
	ref := r.manifest.PackageRef()

	loader, err := r.env.loaders.For(ref)
	if err != nil {
		return nil, nil, &CodeLoadError{Namespace: ns, Artifact: ref, Err: err}
	}

	artifact, err := ReadArtifact(r.source, ns, ref)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			return nil, nil, fmt.Errorf("%s: %w", ns, err)
		}
		return nil, nil, &CodeLoadError{Namespace: ns, Artifact: ref, Err: err}
	}

	unit, err := loader.Load(artifact)
	if err != nil {
		return nil, nil, &CodeLoadError{Namespace: ns, Artifact: ref, Err: err}
	}
	return unit, loader, nil
}

// deps builds the module's explicit composition dependencies.
func (r *Record) deps(h *handles, granted security.Set) runtime.Deps {
	ns := r.manifest.Namespace()
	return runtime.Deps{
		Namespace:   ns,
		Settings:    &settingsManager{r: r, h: h},
		Content:     r.source.FS(),
		Directories: &directoryAccess{root: filepath.Join(r.env.dataDir, ns), names: r.manifest.Directories(), h: h},
		API:         security.NewAPIAccess(ns, granted),
		Logger:      r.logger,
	}
}

func (r *Record) compose(unit runtime.Unit, deps runtime.Deps) (module runtime.Module, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("constructor panicked: %v", rec)
		}
	}()
	return unit.Compose(deps)
}

// guard runs a hook, converting errors and panics into a ModuleFault.
func (r *Record) guard(hook string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ModuleFault{Namespace: r.manifest.Namespace(), Hook: hook, Panic: rec}
		}
	}()
	if hookErr := fn(); hookErr != nil {
		return &ModuleFault{Namespace: r.manifest.Namespace(), Hook: hook, Err: hookErr}
	}
	return nil
}

func (r *Record) startLoad(module runtime.Module) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &loadTask{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.task = task
	r.mu.Unlock()

	go func() {
		defer close(task.done)
		task.err = r.guard("load", func() error { return module.Load(ctx) })
	}()
}

// pollLoad resolves a finished load hook. It never blocks.
func (r *Record) pollLoad() {
	r.mu.RLock()
	task := r.task
	r.mu.RUnlock()
	if task == nil {
		return
	}

	select {
	case <-task.done:
	default:
		return
	}

	r.mu.Lock()
	r.task = nil
	r.mu.Unlock()
	task.cancel()

	switch {
	case task.canceled.Load() || errors.Is(task.err, context.Canceled):
		r.logger.Info("load canceled")
		r.unloadInstance()
	case task.err != nil:
		r.fail(task.err)
	default:
		r.transition(StateLoaded)
		r.logger.Info("module loaded")
	}
}

// deactivate unloads a loaded module or cancels a loading one.
func (r *Record) deactivate() {
	r.mu.RLock()
	run, task := r.runState, r.task
	r.mu.RUnlock()

	switch run {
	case StateLoaded:
		r.unloadInstance()
	case StateLoading:
		if task != nil {
			task.canceled.Store(true)
			task.cancel()
		}
	}
}

// unloadInstance drives Loaded or Loading through Unloading to Unloaded.
func (r *Record) unloadInstance() {
	r.transition(StateUnloading)

	r.mu.RLock()
	module := r.module
	r.mu.RUnlock()

	if module != nil {
		if err := r.guard("unload", module.Unload); err != nil {
			r.logger.Error("unload hook failed", "err", err)
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			r.env.events.emit(&Event{Type: EventModuleFault, Namespace: r.Namespace(), Err: err})
		}
	}

	unit := r.releaseInstance()
	if unit != nil {
		if err := unit.Close(); err != nil {
			r.logger.Warn("failed to close load context", "err", err)
		}
	}
	r.transition(StateUnloaded)
}

// releaseInstance drops the live instance and returns its unit for
// closing. Runtimes that cannot unload leave the record dirty.
func (r *Record) releaseInstance() runtime.Unit {
	r.mu.Lock()
	defer r.mu.Unlock()

	unit, loader := r.unit, r.loader
	if unit != nil && loader != nil && !loader.CanUnload() {
		r.dirty = true
	}
	r.unit, r.module, r.loader = nil, nil, nil
	r.revokeHandles()
	return unit
}

// fail moves the record to FatalError and surfaces the fault.
func (r *Record) fail(err error) {
	r.mu.Lock()
	r.err = err
	task := r.task
	r.task = nil
	r.mu.Unlock()

	if task != nil {
		task.cancel()
	}
	if unit := r.releaseInstance(); unit != nil {
		_ = unit.Close()
	}
	r.transition(StateFatalError)

	event := &Event{Type: EventModuleFault, Namespace: r.Namespace(), Err: err}
	r.env.events.emit(event)
	if event.Observed() {
		return
	}

	r.logger.Error("unobserved module fault", "err", err)
	if r.env.debug {
		panic(err)
	}
}

func (r *Record) transition(to RunState) {
	r.mu.Lock()
	from := r.runState
	r.runState = to
	r.mu.Unlock()

	if from == to {
		return
	}
	r.logger.Debug("state changed", "from", from, "to", to)
	r.env.events.emit(&Event{Type: EventStateChanged, Namespace: r.Namespace(), From: from, To: to})
}

func (r *Record) reject(reason string, err error) {
	r.env.events.emit(&Event{Type: EventEnableRejected, Namespace: r.Namespace(), Reason: reason, Err: err})
}

// revokeHandles invalidates the settings and directory handles given to
// the previous instance. Callers hold r.mu.
func (r *Record) revokeHandles() {
	if r.handles != nil {
		r.handles.revoked.Store(true)
		r.handles = nil
	}
}

func (r *Record) setEnabled(enabled bool) error {
	return r.save(func(s *ModuleState) error {
		s.Enabled = enabled
		return nil
	})
}

// save applies fn to the state and writes the result to the store. Saves
// reach the store in the order their changes were made, so a slow write
// never overwrites a newer one.
func (r *Record) save(fn func(*ModuleState) error) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if err := fn(&r.state); err != nil {
		r.mu.Unlock()
		return err
	}
	snapshot := r.state.Clone()
	r.mu.Unlock()

	if r.env.store == nil {
		return nil
	}
	if err := r.env.store.Save(r.Namespace(), snapshot); err != nil {
		return fmt.Errorf("persist %s: %w", r.Namespace(), err)
	}
	return nil
}
