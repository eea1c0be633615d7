// Package sandbox runs scene code.
//
// A Runtime is driven by exactly one scene host goroutine: Init once, Tick
// once per global tick, Close at teardown. Everything the scene may touch
// is handed over explicitly in an Env; runtimes never reach for ambient
// process state. Abort is the only method safe to call from another
// goroutine.
//
// Two runtimes are provided. LuaRuntime executes a Lua script on a
// restricted standard library; FuncRuntime runs Go callbacks and is used to
// embed native scenes and in tests.
package sandbox
