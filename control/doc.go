// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection for the coordinator.
//
// Metrics is a private Prometheus registry carrying pool, slot and execution
// context series. DebugProbes collects named state dumps served by the host
// as JSON.
package control
