//go:build !linux

// File: internal/concurrency/priority_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

func setThreadNice(int) error { return ErrPriorityNotSupported }

func setThreadAffinity(int) error { return ErrPriorityNotSupported }
