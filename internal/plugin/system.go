package plugin

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dshills/modhost/internal/plugin/runtime"
)

// System is the host's entry point to the module system. It owns the
// registry and the main-thread work queue.
//
// Tick must be called from the host's main goroutine. Background work
// (package watching, repository downloads) hands results to the main
// goroutine with Post.
type System struct {
	registry   *Registry
	discoverer *Discoverer
	logger     *log.Logger

	mu    sync.Mutex
	queue []func()

	frame uint64
	start time.Time
	last  time.Time
}

// SystemConfig configures the module system.
type SystemConfig struct {
	// Registry configures the record registry.
	Registry RegistryConfig

	// PackagePaths are the directories scanned for packages.
	PackagePaths []string
}

// NewSystem creates a module system.
func NewSystem(cfg SystemConfig) *System {
	registry := NewRegistry(cfg.Registry)
	return &System{
		registry:   registry,
		discoverer: NewDiscoverer(WithPaths(cfg.PackagePaths...)),
		logger:     registry.env.logger.With("component", "system"),
	}
}

// Registry returns the record registry.
func (s *System) Registry() *Registry {
	return s.registry
}

// Initialize discovers packages, registers them and restores the ones
// persisted as enabled. Packages that fail to parse or enable are logged
// and returned joined; the rest are still registered.
func (s *System) Initialize() error {
	var errs []error
	for _, pkg := range s.discoverer.Discover() {
		if pkg.Err != nil {
			s.logger.Warn("skipping package", "location", pkg.Location, "err", pkg.Err)
			errs = append(errs, pkg.Err)
			continue
		}
		if _, err := s.registry.Add(pkg.Manifest, pkg.Source); err != nil {
			_ = pkg.Source.Close()
			errs = append(errs, err)
		}
	}
	if err := s.registry.Restore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Rescan reconciles the registry with the package directories: new
// packages are added, vanished ones removed and changed ones replaced.
func (s *System) Rescan() error {
	var errs []error
	seen := make(map[string]bool)

	for _, pkg := range s.discoverer.Discover() {
		if pkg.Err != nil {
			s.logger.Warn("skipping package", "location", pkg.Location, "err", pkg.Err)
			continue
		}

		ns := pkg.Manifest.Namespace()
		seen[key(ns)] = true

		existing, ok := s.registry.Lookup(ns)
		if ok && existing.Source().Location() == pkg.Location &&
			existing.Manifest().Version().Equal(pkg.Manifest.Version()) {
			_ = pkg.Source.Close()
			continue
		}

		if _, err := s.registry.Replace(pkg.Manifest, pkg.Source); err != nil {
			errs = append(errs, err)
		}
	}

	for _, rec := range s.registry.List() {
		if !seen[key(rec.Namespace())] {
			if err := s.registry.Remove(rec.Namespace()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Post stages work for the next Tick. Safe from any goroutine.
func (s *System) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

// Tick drains the work queue, then updates every module.
func (s *System) Tick(now time.Time) runtime.Tick {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, fn := range queue {
		fn()
	}

	if s.start.IsZero() {
		s.start, s.last = now, now
	}
	s.frame++
	tick := runtime.Tick{
		Frame:   s.frame,
		Elapsed: now.Sub(s.last),
		Total:   now.Sub(s.start),
	}
	s.last = now

	s.registry.Update(tick)
	return tick
}

// Enable enables a module by namespace.
func (s *System) Enable(namespace string) error {
	rec, err := s.lookup(namespace)
	if err != nil {
		return err
	}
	return rec.Enable()
}

// Disable disables a module by namespace.
func (s *System) Disable(namespace string) error {
	rec, err := s.lookup(namespace)
	if err != nil {
		return err
	}
	return rec.Disable()
}

// Dependencies returns the dependency checks of a module.
func (s *System) Dependencies(namespace string) ([]DependencyResult, error) {
	rec, err := s.lookup(namespace)
	if err != nil {
		return nil, err
	}
	return rec.Dependencies(), nil
}

// Uninstall disables a module, drops its record and state and deletes its
// package from disk.
func (s *System) Uninstall(namespace string) error {
	rec, err := s.lookup(namespace)
	if err != nil {
		return err
	}
	if err := rec.Disable(); err != nil {
		return err
	}
	if rec.RunState().IsActive() {
		return fmt.Errorf("%s: %w", namespace, ErrTransitionPending)
	}

	location := rec.Source().Location()
	if err := s.registry.Remove(namespace); err != nil {
		return err
	}
	if store := s.registry.env.store; store != nil {
		if err := store.Delete(namespace); err != nil {
			return fmt.Errorf("delete state %s: %w", namespace, err)
		}
	}
	if err := os.RemoveAll(location); err != nil {
		return fmt.Errorf("remove package %s: %w", location, err)
	}
	s.logger.Info("module uninstalled", "module", namespace, "location", location)
	return nil
}

// Modules describes every registered module.
func (s *System) Modules() []ModuleInfo {
	records := s.registry.List()
	out := make([]ModuleInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, DescribeRecord(rec))
	}
	return out
}

// Shutdown disposes every live instance.
func (s *System) Shutdown() {
	s.registry.DisposeAll()
}

func (s *System) lookup(namespace string) (*Record, error) {
	rec, ok := s.registry.Lookup(namespace)
	if !ok {
		return nil, fmt.Errorf("%s: %w", namespace, ErrModuleNotFound)
	}
	return rec, nil
}

// ModuleInfo is a read-only snapshot of a record for host collaborators.
type ModuleInfo struct {
	Namespace     string   `json:"namespace" yaml:"namespace"`
	Name          string   `json:"name" yaml:"name"`
	Version       string   `json:"version" yaml:"version"`
	Location      string   `json:"location" yaml:"location"`
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	State         string   `json:"state" yaml:"state"`
	AssemblyDirty bool     `json:"assembly_dirty,omitempty" yaml:"assembly_dirty,omitempty"`
	Permissions   []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Unmet         []string `json:"unmet_dependencies,omitempty" yaml:"unmet_dependencies,omitempty"`
	Error         string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// DescribeRecord snapshots a record.
func DescribeRecord(rec *Record) ModuleInfo {
	m := rec.Manifest()
	state := rec.State()
	info := ModuleInfo{
		Namespace:     m.Namespace(),
		Name:          m.Name(),
		Version:       m.Version().String(),
		Location:      rec.Source().Location(),
		Enabled:       state.Enabled,
		State:         rec.RunState().String(),
		AssemblyDirty: rec.AssemblyDirty(),
	}
	for _, c := range state.ApprovedPermissions.Sorted() {
		info.Permissions = append(info.Permissions, string(c))
	}
	for _, r := range Unmet(rec.Dependencies()) {
		info.Unmet = append(info.Unmet, fmt.Sprintf("%s %s: %s", r.Dependency.Namespace, r.Dependency.Range, r.Status))
	}
	if err := rec.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}
