// control/platform.go
// Author: momentics <momentics@gmail.com>
//
// Process-level debug probes.

package control

import (
	"runtime"
)

// RegisterPlatformProbes adds runtime probes under the "platform." prefix.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.goroutines", func() any {
		return runtime.NumGoroutine()
	})
	dp.RegisterProbe("platform.heap", func() any {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return map[string]uint64{
			"alloc":    ms.HeapAlloc,
			"sys":      ms.HeapSys,
			"released": ms.HeapReleased,
		}
	})
	dp.RegisterProbe("platform.os", func() any {
		return runtime.GOOS + "/" + runtime.GOARCH
	})
}
