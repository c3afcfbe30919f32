package lua

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/plugin/security"
)

// HostModuleName is the module scripts require to reach the host.
const HostModuleName = "host"

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L *lua.LState

	// root confines io paths once a filesystem capability is granted
	root string

	granted map[security.Capability]bool
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{
		L:       L,
		granted: make(map[security.Capability]bool),
	}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeOS()
	s.installSafeRequire()
}

// installSafeOS exposes the side-effect free part of the os library.
func (s *Sandbox) installSafeOS() {
	start := time.Now()
	osMod := s.L.NewTable()

	s.L.SetField(osMod, "time", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	s.L.SetField(osMod, "clock", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Since(start).Seconds()))
		return 1
	}))
	s.L.SetField(osMod, "date", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(time.Now().Format(time.RFC3339)))
		return 1
	}))

	s.L.SetGlobal("os", osMod)
}

// installSafeRequire replaces require with a whitelist. package.path and
// package.cpath are cleared so nothing is ever loaded from disk; only the
// safe built-ins and the preloaded host module resolve.
func (s *Sandbox) installSafeRequire() {
	if pkgTable, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkgTable, "path", lua.LString(""))
		s.L.SetField(pkgTable, "cpath", lua.LString(""))
	}

	safeModules := map[string]bool{
		"string":       true,
		"table":        true,
		"math":         true,
		HostModuleName: true,
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)
		if !safeModules[modName] {
			L.RaiseError("module %q is not available", modName)
			return 0
		}
		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// Grant applies the module's granted capabilities. Filesystem capabilities
// add an io table whose paths are confined to root.
func (s *Sandbox) Grant(access *security.APIAccess, root string) {
	s.root = root
	if access == nil {
		return
	}

	for _, cap := range access.Granted() {
		s.granted[cap] = true
	}

	if root == "" {
		return
	}
	if access.Has(security.CapabilityFileRead) || access.Has(security.CapabilityFileWrite) {
		s.injectIO(access.Has(security.CapabilityFileWrite))
	}
}

// HasCapability reports whether the capability was granted.
func (s *Sandbox) HasCapability(cap security.Capability) bool {
	return s.granted[cap]
}

// resolve maps a script path to a path inside the sandbox root.
func (s *Sandbox) resolve(name string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(name))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	return full, nil
}

// injectIO adds io.read_file, io.lines and, with write access,
// io.write_file and io.remove.
func (s *Sandbox) injectIO(writable bool) {
	ioMod := s.L.NewTable()

	s.L.SetField(ioMod, "read_file", s.L.NewFunction(func(L *lua.LState) int {
		path, err := s.resolve(L.CheckString(1))
		if err != nil {
			return pushError(L, err)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return pushError(L, err)
		}
		L.Push(lua.LString(content))
		return 1
	}))

	s.L.SetField(ioMod, "lines", s.L.NewFunction(func(L *lua.LState) int {
		path, err := s.resolve(L.CheckString(1))
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
			return 0
		}
		content, err := os.ReadFile(path)
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
			return 0
		}

		lines := splitLines(string(content))
		idx := 0
		L.Push(L.NewFunction(func(L *lua.LState) int {
			if idx >= len(lines) {
				return 0
			}
			L.Push(lua.LString(lines[idx]))
			idx++
			return 1
		}))
		return 1
	}))

	if writable {
		s.L.SetField(ioMod, "write_file", s.L.NewFunction(func(L *lua.LState) int {
			path, err := s.resolve(L.CheckString(1))
			if err != nil {
				return pushError(L, err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return pushError(L, err)
			}
			if err := os.WriteFile(path, []byte(L.CheckString(2)), 0o644); err != nil {
				return pushError(L, err)
			}
			L.Push(lua.LTrue)
			return 1
		}))

		s.L.SetField(ioMod, "remove", s.L.NewFunction(func(L *lua.LState) int {
			path, err := s.resolve(L.CheckString(1))
			if err != nil {
				return pushError(L, err)
			}
			if err := os.Remove(path); err != nil {
				return pushError(L, err)
			}
			L.Push(lua.LTrue)
			return 1
		}))
	}

	s.L.SetGlobal("io", ioMod)
}

// pushError returns the Lua (nil, message) convention.
func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// splitLines splits a string into lines.
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
