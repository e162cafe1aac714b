package script

import (
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// builtinModules may always be required.
var builtinModules = []string{"string", "table", "math"}

// Sandbox restricts what scripts can load.
type Sandbox struct {
	L *lua.LState

	allowed map[string]bool
}

// NewSandbox creates a sandbox for L.
func NewSandbox(L *lua.LState) *Sandbox {
	s := &Sandbox{L: L, allowed: make(map[string]bool)}
	for _, name := range builtinModules {
		s.allowed[name] = true
	}
	return s
}

// Install removes loaders that read code from disk or strings and replaces
// require with an allowlist check.
func (s *Sandbox) Install() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.installSafeRequire()
}

// Allow lets scripts require name.
func (s *Sandbox) Allow(name string) {
	s.allowed[name] = true
}

// Allowed returns the modules scripts may require, sorted.
func (s *Sandbox) Allowed() []string {
	names := make([]string, 0, len(s.allowed))
	for name := range s.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// installSafeRequire empties the package search paths so only preloaded and
// built-in modules resolve, and rejects anything not allowed.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	baseRequire := s.L.GetGlobal("require")
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !s.allowed[name] {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(baseRequire)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}))
}
