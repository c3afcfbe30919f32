package plugin

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dshills/modhost/internal/plugin/runtime"
)

// Registry holds every known Module Record keyed by case-insensitive
// namespace. Structural changes (Add, Remove, Replace) must happen on the
// host's main goroutine.
type Registry struct {
	mu sync.RWMutex

	// Records by lowercased namespace
	records map[string]*Record

	// Registration order (for stable iteration within a run)
	order []string

	env    *environment
	events *Observers
}

// RegistryConfig configures a registry.
type RegistryConfig struct {
	// Host identifies the host for host dependencies.
	Host HostInfo

	// Loaders maps artifact extensions to runtimes.
	Loaders *runtime.Loaders

	// Store persists module state. Nil keeps state in memory only.
	Store StateStore

	// Logger is the parent logger; records log with a "module" field.
	Logger *log.Logger

	// DataDir holds declared module directories.
	DataDir string

	// Debug re-panics unobserved module faults.
	Debug bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	loaders := cfg.Loaders
	if loaders == nil {
		loaders = runtime.NewLoaders()
	}

	r := &Registry{
		records: make(map[string]*Record),
		events:  &Observers{},
	}
	r.env = &environment{
		host:    cfg.Host,
		loaders: loaders,
		store:   cfg.Store,
		modules: r,
		events:  r.events,
		logger:  logger.With("component", "registry"),
		dataDir: cfg.DataDir,
		debug:   cfg.Debug,
	}
	return r
}

func key(namespace string) string {
	return strings.ToLower(namespace)
}

// Host returns the host identity used for host dependencies.
func (r *Registry) Host() HostInfo {
	return r.env.host
}

// Add creates a record for a discovered package, loading its persisted
// state. The record is not activated; call Restore for that.
func (r *Registry) Add(m *Manifest, src Source) (*Record, error) {
	state, err := r.loadState(m.Namespace())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	k := key(m.Namespace())
	if _, exists := r.records[k]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", m.Namespace(), ErrDuplicateNamespace)
	}
	rec := newRecord(r.env, m, src, state)
	r.records[k] = rec
	r.order = append(r.order, k)
	r.mu.Unlock()

	r.env.logger.Info("module registered", "module", m.Namespace(), "version", m.Version())
	r.events.emit(&Event{Type: EventModuleRegistered, Namespace: m.Namespace()})
	return rec, nil
}

func (r *Registry) loadState(namespace string) (ModuleState, error) {
	if r.env.store == nil {
		return NewModuleState(), nil
	}
	state, ok, err := r.env.store.Load(namespace)
	if err != nil {
		return ModuleState{}, fmt.Errorf("load state %s: %w", namespace, err)
	}
	if !ok {
		return NewModuleState(), nil
	}
	return state, nil
}

// Remove disposes a record's instance, closes its source and drops it.
// Persisted state is kept.
func (r *Registry) Remove(namespace string) error {
	r.mu.Lock()
	k := key(namespace)
	rec, ok := r.records[k]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", namespace, ErrModuleNotFound)
	}
	delete(r.records, k)
	r.removeFromOrder(k)
	r.mu.Unlock()

	rec.Dispose()
	if err := rec.Source().Close(); err != nil {
		r.env.logger.Warn("failed to close package source", "module", namespace, "err", err)
	}

	r.env.logger.Info("module removed", "module", rec.Namespace())
	r.events.emit(&Event{Type: EventModuleRemoved, Namespace: rec.Namespace()})
	return nil
}

// Replace swaps the record for a namespace with a new package version,
// restoring the previous enable flag.
func (r *Registry) Replace(m *Manifest, src Source) (*Record, error) {
	if _, ok := r.Lookup(m.Namespace()); ok {
		if err := r.Remove(m.Namespace()); err != nil {
			return nil, err
		}
	}
	rec, err := r.Add(m, src)
	if err != nil {
		return nil, err
	}
	if err := rec.Restore(); err != nil {
		return rec, err
	}
	return rec, nil
}

// Lookup returns the record for a namespace.
func (r *Registry) Lookup(namespace string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key(namespace)]
	return rec, ok
}

// LookupVersion implements ModuleLookup.
func (r *Registry) LookupVersion(namespace string) (*semver.Version, bool, bool) {
	rec, ok := r.Lookup(namespace)
	if !ok {
		return nil, false, false
	}
	return rec.Manifest().Version(), rec.Enabled(), true
}

// List returns all records in registration order.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.records[k])
	}
	return out
}

// Count returns the number of records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Restore activates every record whose persisted state is enabled.
// Failures are joined; each record is attempted.
func (r *Registry) Restore() error {
	var errs []error
	for _, rec := range r.List() {
		if err := rec.Restore(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Update forwards a tick to every record in registration order.
func (r *Registry) Update(tick runtime.Tick) {
	for _, rec := range r.List() {
		rec.Update(tick)
	}
}

// DisposeAll tears down every live instance.
func (r *Registry) DisposeAll() {
	for _, rec := range r.List() {
		rec.Dispose()
	}
}

// Subscribe registers an event handler.
func (r *Registry) Subscribe(handler EventHandler) uuid.UUID {
	return r.events.Subscribe(handler)
}

// Unsubscribe removes an event handler.
func (r *Registry) Unsubscribe(id uuid.UUID) bool {
	return r.events.Unsubscribe(id)
}

func (r *Registry) removeFromOrder(k string) {
	for i, n := range r.order {
		if n == k {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
