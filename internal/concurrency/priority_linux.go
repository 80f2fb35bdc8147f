//go:build linux

// File: internal/concurrency/priority_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"golang.org/x/sys/unix"
)

func setThreadNice(nice int) error {
	// PRIO_PROCESS with a thread id targets that thread only.
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice)
}

func setThreadAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
