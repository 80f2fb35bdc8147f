// Package api
// Author: momentics
//
// Execution context contract: a single-threaded command timeline that one or
// more pipelines run on.

package api

import "context"

// Command is a unit of work posted to an ExecutionContext.
type Command func()

// PriorityClass tags an execution context with a scheduling priority.
type PriorityClass int

const (
	// PriorityDefault leaves the OS scheduling priority untouched.
	PriorityDefault PriorityClass = iota
	// PriorityDisplay is for presentation-bound work.
	PriorityDisplay
	// PriorityAudio is for audio/video synchronization; tick latency must stay
	// well below 10ms.
	PriorityAudio
	// PriorityUrgentAudio is the most aggressive class.
	PriorityUrgentAudio
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityDisplay:
		return "display"
	case PriorityAudio:
		return "audio"
	case PriorityUrgentAudio:
		return "urgent-audio"
	default:
		return "default"
	}
}

// ParsePriorityClass maps a textual class to a PriorityClass.
func ParsePriorityClass(s string) (PriorityClass, error) {
	switch s {
	case "", "default":
		return PriorityDefault, nil
	case "display":
		return PriorityDisplay, nil
	case "audio":
		return PriorityAudio, nil
	case "urgent-audio":
		return PriorityUrgentAudio, nil
	}
	return PriorityDefault, Configurationf("unknown priority class %q", s)
}

// ExecutionContext serializes commands onto one timeline.
//
// Commands run strictly in FIFO order and never concurrently with each other.
// State owned by a context must only be touched from commands posted to it.
type ExecutionContext interface {
	// Name identifies the context in logs and metrics.
	Name() string

	// Priority returns the scheduling class applied at Start.
	Priority() PriorityClass

	// Start brings the timeline up. Calling it twice is a no-op.
	Start() error

	// Post enqueues cmd. After Quit it returns ErrContextClosed.
	Post(cmd Command) error

	// PostAndWait enqueues cmd and waits until it has run.
	PostAndWait(ctx context.Context, cmd Command) error

	// Quit stops accepting commands and runs (drain=true) or discards queued
	// ones, then waits for the timeline to exit. Must not be called from a
	// command running on the same context.
	Quit(drain bool)

	// Running reports whether the context accepts commands.
	Running() bool
}
