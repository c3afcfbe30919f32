// Package plugin provides the module system of the host: package
// discovery, manifests, dependency resolution, permission checks and the
// lifecycle of loaded modules.
//
// # Quick Start
//
// The easiest way to use the module system is through the System type:
//
//	loaders := runtime.NewLoaders()
//	loaders.Register(lua.Extension, lua.Factory())
//
//	sys := plugin.NewSystem(plugin.SystemConfig{
//	    Registry: plugin.RegistryConfig{
//	        Host:    plugin.HostInfo{Namespace: "modhost.core", Version: hostVersion},
//	        Loaders: loaders,
//	        Store:   stateStore,
//	        Logger:  logger,
//	    },
//	    PackagePaths: []string{packagesDir},
//	})
//	if err := sys.Initialize(); err != nil {
//	    logger.Warn("some packages failed to load", "err", err)
//	}
//	defer sys.Shutdown()
//
//	for now := range ticker.C {
//	    sys.Tick(now)
//	}
//
// # Package Structure
//
// A package is a directory or a .zip archive with a manifest at its root:
//
//	packages/
//	├── clock/
//	│   ├── manifest.json
//	│   └── clock.lua
//	└── raid-timers.zip
//
// # Manifest
//
//	{
//	  "manifest_version": 1,
//	  "name": "Raid Timers",
//	  "namespace": "acme.raidtimers",
//	  "version": "1.2.0",
//	  "package": "timers.lua",
//	  "dependencies": {"modhost.core": "^1.0.0", "acme.common": "~2.1"},
//	  "directories": ["timers"],
//	  "api_permissions": {
//	    "api.account": {"optional": false, "details": "Shows your account name."}
//	  }
//	}
//
// manifest_version selects the schema. Unknown versions are rejected.
//
// # Lifecycle
//
// A Record moves Unloaded -> Loading -> Loaded -> Unloading -> Unloaded.
// Faults in composition or hooks move it to FatalError. Enable checks
// dependencies and permissions before any code is loaded; the load hook
// runs in the background and is polled once per Tick.
//
// # Events
//
// Registry.Subscribe delivers registration, state change, fault and
// enable-rejected events. A fault no handler marks observed is logged at
// ERROR and, with RegistryConfig.Debug, re-panicked.
package plugin
