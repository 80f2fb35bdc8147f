// File: coordinator/grid.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package coordinator

import "math"

// GridColumns returns the column count of a near-square grid of n tiles.
func GridColumns(n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Ceil(math.Sqrt(float64(n))))
}

// GridPosition returns the row and column of tile index in a grid of n.
func GridPosition(index, n int) (row, col int) {
	cols := GridColumns(n)
	if cols == 0 {
		return 0, 0
	}
	return index / cols, index % cols
}

// StartOffset staggers slot index of n across baselineMs.
func StartOffset(index, n int, baselineMs int64) int64 {
	return int64(index) * baselineMs / int64(n+1)
}
