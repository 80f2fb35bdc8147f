// Package buffering
// Author: momentics <momentics@gmail.com>
//
// Buffering policy for media pipelines: when to keep loading and when playback
// may start, given buffered duration and the bytes held by the bound pool.
package buffering
