// Package lua is the script runtime for ".lua" package artifacts.
//
// Every module gets its own sandboxed gopher-lua state, so modules never
// share globals or loaded libraries. A script returns its module table:
//
//	local host = require("host")
//	local M = {}
//
//	function M:initialize() self.frames = 0 end
//	function M:load() host.log("info", "ready") end
//	function M:update(tick) self.frames = tick.frame end
//	function M:unload() host.settings.set("frames", self.frames) end
//
//	return M
//
// # Sandbox
//
// The sandbox removes dofile, loadfile, load and loadstring, replaces
// require with a whitelist (string, table, math, host) and exposes only
// the clock functions of os. Granting filesystem.read or
// filesystem.write adds an io table confined to the module's data root.
//
// # Host module
//
// The host module is built from the composition dependencies
// (runtime.Deps): namespace, log, settings.get/set/delete, dir, has and
// read (package content).
//
// # Timeouts
//
// Synchronous hooks run under a call timeout; the load hook runs under the
// context supplied by the module record. Cancellation interrupts the
// script at its next instruction.
package lua
