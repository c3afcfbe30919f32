// Package watch reports changes in package directories so the module
// system can rescan them.
//
// A Watcher observes each root directory and its immediate children
// (unpacked packages). Bursts of filesystem events are debounced into one
// callback carrying every changed path:
//
//	w, err := watch.New(watch.RescanOnChange(system, logger), watch.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer w.Close()
//	err = w.Watch(packagesDir)
package watch
