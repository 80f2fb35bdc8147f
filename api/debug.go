// Package api
// Author: momentics
//
// Live introspection surface for running grids.

package api

// Debug exposes runtime introspection.
type Debug interface {
	// DumpState emits a snapshot of every registered probe.
	DumpState() map[string]any

	// RegisterProbe adds or replaces a named probe.
	RegisterProbe(name string, fn func() any)

	// UnregisterProbe removes a probe. Unknown names are ignored.
	UnregisterProbe(name string)
}
