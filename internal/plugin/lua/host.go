package lua

import (
	"io/fs"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/plugin/runtime"
	"github.com/dshills/modhost/internal/plugin/security"
)

// registerHostModule preloads the host module for one module's state.
//
//	local host = require("host")
//	host.log("info", "loaded", "count", 3)
//	local w = host.settings.get("window.width") or 800
//	host.settings.set("window.width", w)
//	local dir = host.dir("cache")
//	if host.has("network") then ... end
//	local text = host.read("data/names.txt")
func registerHostModule(L *lua.LState, deps runtime.Deps) {
	bridge := NewBridge(L)

	L.PreloadModule(HostModuleName, func(L *lua.LState) int {
		mod := L.NewTable()

		L.SetField(mod, "namespace", lua.LString(deps.Namespace))

		L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
			level := L.CheckString(1)
			msg := L.CheckString(2)
			var kv []any
			for i := 3; i <= L.GetTop(); i++ {
				kv = append(kv, bridge.ToGoValue(L.Get(i)))
			}
			if deps.Logger == nil {
				return 0
			}
			switch level {
			case "debug":
				deps.Logger.Debug(msg, kv...)
			case "warn":
				deps.Logger.Warn(msg, kv...)
			case "error":
				deps.Logger.Error(msg, kv...)
			default:
				deps.Logger.Info(msg, kv...)
			}
			return 0
		}))

		L.SetField(mod, "settings", settingsTable(L, bridge, deps.Settings))

		L.SetField(mod, "dir", L.NewFunction(func(L *lua.LState) int {
			if deps.Directories == nil {
				return pushError(L, fs.ErrNotExist)
			}
			path, err := deps.Directories.Dir(L.CheckString(1))
			if err != nil {
				return pushError(L, err)
			}
			L.Push(lua.LString(path))
			return 1
		}))

		L.SetField(mod, "has", L.NewFunction(func(L *lua.LState) int {
			cap := security.ParseCapability(L.CheckString(1))
			L.Push(lua.LBool(deps.API != nil && deps.API.Has(cap)))
			return 1
		}))

		L.SetField(mod, "read", L.NewFunction(func(L *lua.LState) int {
			if deps.Content == nil {
				return pushError(L, fs.ErrNotExist)
			}
			data, err := fs.ReadFile(deps.Content, L.CheckString(1))
			if err != nil {
				return pushError(L, err)
			}
			L.Push(lua.LString(data))
			return 1
		}))

		L.Push(mod)
		return 1
	})
}

func settingsTable(L *lua.LState, bridge *Bridge, settings runtime.SettingsManager) *lua.LTable {
	tbl := L.NewTable()

	L.SetField(tbl, "get", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		if settings == nil {
			L.Push(lua.LNil)
			return 1
		}
		raw, ok := settings.Get(path)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(bridge.FromJSON(raw))
		return 1
	}))

	L.SetField(tbl, "set", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		if settings == nil {
			return pushError(L, fs.ErrInvalid)
		}
		if err := settings.Set(path, bridge.ToGoValue(L.Get(2))); err != nil {
			return pushError(L, err)
		}
		L.Push(lua.LTrue)
		return 1
	}))

	L.SetField(tbl, "delete", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		if settings == nil {
			return pushError(L, fs.ErrInvalid)
		}
		if err := settings.Delete(path); err != nil {
			return pushError(L, err)
		}
		L.Push(lua.LTrue)
		return 1
	}))

	return tbl
}
