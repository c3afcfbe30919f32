package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dshills/modhost/internal/config"
	"github.com/dshills/modhost/internal/plugin"
	"github.com/dshills/modhost/internal/plugin/lua"
	"github.com/dshills/modhost/internal/plugin/native"
	"github.com/dshills/modhost/internal/plugin/repository"
	"github.com/dshills/modhost/internal/plugin/runtime"
	"github.com/dshills/modhost/internal/plugin/store"
	"github.com/dshills/modhost/internal/plugin/wasm"
	"github.com/dshills/modhost/internal/plugin/watch"
)

// Version is the host build version, set at link time.
var Version = "dev"

// Application is the central coordinator of the host.
type Application struct {
	cfg    *config.Config
	logger *log.Logger

	store   *store.File
	system  *plugin.System
	repo    *repository.Client
	watcher *watch.Watcher

	initialized bool
	running     atomic.Bool
}

// Options configures the application.
type Options struct {
	// Config is the loaded host configuration.
	Config *config.Config

	// Logger overrides the logger built from Config.Log.
	Logger *log.Logger

	// LogOutput receives logs when Logger is nil. Defaults to stderr.
	LogOutput io.Writer

	// Fetcher overrides the repository fetcher.
	Fetcher repository.Fetcher
}

// New creates an application: it opens the state store and builds the
// module system and repository client. Packages are not scanned until
// Initialize or Run.
func New(opts Options) (*Application, error) {
	if opts.Config == nil {
		return nil, &InitError{Component: "config", Err: errors.New("no configuration")}
	}
	app := &Application{cfg: opts.Config, logger: opts.Logger}

	if err := app.bootstrap(opts); err != nil {
		return nil, err
	}
	return app, nil
}

// bootstrap initializes all components in dependency order.
func (app *Application) bootstrap(opts Options) error {
	cfg := app.cfg

	// 1. Logger
	if app.logger == nil {
		logger, err := NewLogger(cfg.Log, opts.LogOutput)
		if err != nil {
			return &InitError{Component: "logger", Err: err}
		}
		app.logger = logger
	}

	// 2. State store
	st, err := store.Open(cfg.State.Path)
	if err != nil {
		return &InitError{Component: "state store", Err: err}
	}
	app.store = st

	// 3. Runtimes
	hostVersion, err := plugin.ParseVersion(cfg.Host.Version)
	if err != nil {
		return &InitError{Component: "host", Err: err}
	}
	loaders := runtime.NewLoaders()
	loaders.Register(lua.Extension, lua.Factory(
		lua.WithHookTimeout(cfg.Lua.CallTimeout),
		lua.WithDataRoot(func(namespace string) string {
			return filepath.Join(cfg.State.DataDir, namespace)
		}),
	))
	loaders.Register(wasm.Extension, wasm.Factory(wasm.WithHookTimeout(cfg.Wasm.CallTimeout)))
	loaders.Register(native.Extension, native.Factory())

	// 4. Module system
	app.system = plugin.NewSystem(plugin.SystemConfig{
		Registry: plugin.RegistryConfig{
			Host:    plugin.HostInfo{Namespace: cfg.Host.Namespace, Version: hostVersion},
			Loaders: loaders,
			Store:   st,
			Logger:  app.logger,
			DataDir: cfg.State.DataDir,
			Debug:   cfg.Host.Debug,
		},
		PackagePaths: []string{cfg.Packages.Dir},
	})

	// 5. Repository client
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = app.newFetcher()
	}
	app.repo = repository.New(repository.Config{
		System:     app.system,
		Fetcher:    fetcher,
		Acks:       st,
		IndexURLs:  cfg.Repository.IndexURLs,
		InstallDir: cfg.Packages.Dir,
		Logger:     app.logger,
	})

	return nil
}

// newFetcher builds an HTTP fetcher carrying the keyring token, if any.
func (app *Application) newFetcher() repository.Fetcher {
	opts := []repository.FetcherOption{repository.WithUserAgent(config.AppName + "/" + Version)}

	if service := app.cfg.Repository.KeyringService; service != "" && len(app.cfg.Repository.IndexURLs) > 0 {
		token, err := repository.TokenFromKeyring(service)
		if err != nil {
			app.logger.Warn("repository token unavailable", "service", service, "err", err)
		} else if token != "" {
			opts = append(opts, repository.WithToken(token))
		}
	}
	return repository.NewHTTPFetcher(opts...)
}

// Initialize creates the package directory, discovers packages and
// restores enabled modules. Per-module failures are logged, not returned.
func (app *Application) Initialize() error {
	if app.initialized {
		return nil
	}
	if err := os.MkdirAll(app.cfg.Packages.Dir, 0o755); err != nil {
		return &InitError{Component: "packages", Err: err}
	}
	if err := app.system.Initialize(); err != nil {
		app.logger.Warn("some modules failed to restore", "err", err)
	}
	app.initialized = true
	return nil
}

// Run initializes the module system if needed and drives it until ctx
// is done.
func (app *Application) Run(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer app.running.Store(false)

	if err := app.Initialize(); err != nil {
		return err
	}
	defer app.shutdown()

	if app.cfg.Packages.Watch {
		w, err := watch.New(watch.RescanOnChange(app.system, app.logger), watch.WithLogger(app.logger))
		if err != nil {
			return &InitError{Component: "watcher", Err: err}
		}
		if err := w.Watch(app.cfg.Packages.Dir); err != nil {
			_ = w.Close()
			return &InitError{Component: "watcher", Err: err}
		}
		app.watcher = w
	}

	app.logger.Info("host started",
		"version", app.cfg.Host.Version,
		"modules", app.system.Registry().Count(),
		"tick_rate", app.cfg.Loop.TickRate)

	return app.eventLoop(ctx)
}

// eventLoop is the main application loop.
func (app *Application) eventLoop(ctx context.Context) error {
	frameTicker := time.NewTicker(app.cfg.Loop.TickInterval())
	defer frameTicker.Stop()

	var pollC <-chan time.Time
	if interval := app.cfg.Repository.PollInterval; interval > 0 && len(app.cfg.Repository.IndexURLs) > 0 {
		pollTicker := time.NewTicker(interval)
		defer pollTicker.Stop()
		pollC = pollTicker.C
		app.repo.PollAsync(ctx, nil, app.reportPoll)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case now := <-frameTicker.C:
			app.system.Tick(now)

		case <-pollC:
			app.repo.PollAsync(ctx, nil, app.reportPoll)
		}
	}
}

func (app *Application) reportPoll(ok bool) {
	if !ok {
		return
	}
	for _, e := range app.repo.Pending() {
		app.logger.Info("update available", "module", e.Namespace(), "version", e.Version())
	}
}

// shutdown performs cleanup in reverse initialization order.
func (app *Application) shutdown() {
	if app.watcher != nil {
		if err := app.watcher.Close(); err != nil {
			app.logger.Warn("failed to stop watcher", "err", err)
		}
		app.watcher = nil
	}
	app.system.Shutdown()
	app.logger.Info("host stopped")
}

// Settle ticks the module system until no module is loading.
func (app *Application) Settle(ctx context.Context) error {
	ticker := time.NewTicker(app.cfg.Loop.TickInterval())
	defer ticker.Stop()

	for {
		app.system.Tick(time.Now())
		if !app.loading() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (app *Application) loading() bool {
	for _, rec := range app.system.Registry().List() {
		if rec.RunState() == plugin.StateLoading {
			return true
		}
	}
	return false
}

// Close disposes every live module. Use it after Initialize when Run is
// not called.
func (app *Application) Close() {
	app.system.Shutdown()
}

// Poll fetches the configured indexes once.
func (app *Application) Poll(ctx context.Context) error {
	if len(app.cfg.Repository.IndexURLs) == 0 {
		return ErrNoRepository
	}
	if !app.repo.Poll(ctx, nil) {
		return fmt.Errorf("polling %d index(es) failed, see log", len(app.cfg.Repository.IndexURLs))
	}
	return nil
}

// IsRunning returns true if the application is running.
func (app *Application) IsRunning() bool {
	return app.running.Load()
}

// Config returns the configuration.
func (app *Application) Config() *config.Config {
	return app.cfg
}

// Logger returns the root logger.
func (app *Application) Logger() *log.Logger {
	return app.logger
}

// System returns the module system.
func (app *Application) System() *plugin.System {
	return app.system
}

// Repository returns the repository client.
func (app *Application) Repository() *repository.Client {
	return app.repo
}

// Store returns the state store.
func (app *Application) Store() *store.File {
	return app.store
}
