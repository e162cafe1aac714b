// Package script hosts user scripts in a sandboxed gopher-lua state.
//
// A State opens only the base, package, table, string and math libraries and
// removes the functions that load code from disk or strings. require resolves
// built-in modules and modules registered with Preload, nothing else.
//
//	state := script.NewState(script.WithExecutionTimeout(time.Second))
//	defer state.Close()
//
//	state.Preload("bus", loader)
//	if err := state.DoFile("scripts/echo.lua"); err != nil {
//		return err
//	}
//
// Threads are gopher-lua coroutines created with NewThread and driven with
// Resume. Each load and each resume runs under the execution timeout.
//
// ToGoValue, ToLuaValue, EncodeJSON and DecodeJSON convert between Lua values,
// Go values and JSON text.
package script
