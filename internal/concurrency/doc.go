// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package concurrency provides the EventLoop execution context: a FIFO
// command timeline on a dedicated OS thread with an optional scheduling
// priority and CPU binding. Pipelines sharing a loop share its timeline.
package concurrency
