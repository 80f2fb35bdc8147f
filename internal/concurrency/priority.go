// File: internal/concurrency/priority.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scheduling priority and CPU placement for loop threads.

package concurrency

import (
	"github.com/momentics/mediagrid/api"
)

// ErrPriorityNotSupported is returned where thread priorities cannot be set.
var ErrPriorityNotSupported = api.NewError(api.ErrCodeInternal, "thread priority not supported on this platform")

// niceValue maps a class to a Linux nice value. Negative values need
// CAP_SYS_NICE; without it the loop keeps running at the default priority.
func niceValue(p api.PriorityClass) int {
	switch p {
	case api.PriorityDisplay:
		return -4
	case api.PriorityAudio:
		return -16
	case api.PriorityUrgentAudio:
		return -19
	default:
		return 0
	}
}

// applyPriority sets the priority of the calling OS thread. The caller must
// hold runtime.LockOSThread.
func applyPriority(p api.PriorityClass) error {
	if p == api.PriorityDefault {
		return nil
	}
	return setThreadNice(niceValue(p))
}

// pinThread binds the calling OS thread to cpu. Negative cpu is a no-op.
func pinThread(cpu int) error {
	if cpu < 0 {
		return nil
	}
	return setThreadAffinity(cpu)
}
