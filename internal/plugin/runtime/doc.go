// Package runtime defines the contract between the module system and the
// code runtimes that load package artifacts.
//
// A Loader turns an artifact's bytes into a Unit: an isolated load context
// that belongs to exactly one module record. The Unit then composes the
// module's entry type with explicit dependencies (Deps); nothing a module
// uses is looked up globally.
//
//	loader, err := loaders.For(manifest.PackageRef)
//	unit, err := loader.Load(artifact)
//	mod, err := unit.Compose(deps)
//	err = mod.Initialize()
//	go func() { done <- mod.Load(ctx) }()
//
// Runtimes whose code cannot be unloaded report CanUnload() == false; the
// module system then refuses to load the same record again until restart.
package runtime
