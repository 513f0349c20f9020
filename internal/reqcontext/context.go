// Package reqcontext defines the Request Context: the bag of bindings
// carried along a traversal path from an entry request to the current
// one. Contexts are copy-on-extend — a child never mutates a parent's
// maps in place, which rules out aliasing bugs between sibling
// fan-outs produced by the dependency resolver.
package reqcontext

import "github.com/precog-cx/connector-harness/internal/tokenstore"

// Context carries credentials (stable across the run), the current
// auth state snapshot, system variables, and the extracted-data
// bindings accumulated from the root entry request down to this node.
type Context struct {
	Credentials     map[string]string
	AuthState       tokenstore.AuthState
	SystemVariables map[string]string
	ExtractedData   map[string]any
}

// New builds a root context for an entry request.
func New(credentials map[string]string, authState tokenstore.AuthState, systemVars map[string]string) Context {
	return Context{
		Credentials:     credentials,
		AuthState:       authState,
		SystemVariables: systemVars,
		ExtractedData:   map[string]any{},
	}
}

// Extend returns a child context with bindings merged into a fresh
// copy of ExtractedData; the parent's map is untouched. Credentials
// and SystemVariables are shared by reference since they are
// immutable for the run; AuthState is copied by value (it holds no
// reference types the resolver mutates in place).
func (c Context) Extend(bindings map[string]any) Context {
	merged := make(map[string]any, len(c.ExtractedData)+len(bindings))
	for k, v := range c.ExtractedData {
		merged[k] = v
	}
	for k, v := range bindings {
		merged[k] = v
	}
	return Context{
		Credentials:     c.Credentials,
		AuthState:       c.AuthState,
		SystemVariables: c.SystemVariables,
		ExtractedData:   merged,
	}
}

// WithAuthState returns a copy of c stamped with a freshly reloaded
// auth state, used after an edge resolution may have persisted an
// authy value (§4.7.4 step 9).
func (c Context) WithAuthState(authState tokenstore.AuthState) Context {
	c.AuthState = authState
	return c
}
