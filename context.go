package taskolib

import (
	lua "github.com/yuin/gopher-lua"
)

// SandboxInitFunc is invoked with each freshly created sandbox before a step's
// script is loaded. It gives the host one place to register custom functions
// or globals. Because the sandbox is recreated for every step, the callback
// must be idempotent across steps.
type SandboxInitFunc func(*lua.LState)

// Context is the exchange store between the host and the sandboxes of a
// sequence execution. It owns the variable store and the optional sandbox
// initialization callback.
type Context struct {
	// Variables holds the typed variables shared between steps.
	Variables VariableStore

	// SandboxInit, if non-nil, is called with every fresh sandbox before the
	// step script runs.
	SandboxInit SandboxInitFunc
}

// NewContext creates a context with an empty variable store.
func NewContext() *Context {
	return &Context{
		Variables: NewVariableStore(),
	}
}
