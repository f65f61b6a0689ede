/*
	This file tracks I/O through the storage engines so resource reports can show
	throughput next to CPU and memory use.
*/

package storage

import "sync/atomic"

var (
	storeBytesRead    atomic.Int64
	storeBytesWritten atomic.Int64
	gets              atomic.Int64
	puts              atomic.Int64
)

// IOStats is a snapshot of cumulative storage activity.
type IOStats struct {
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Gets         int64 `json:"gets"`
	Puts         int64 `json:"puts"`
}

// Sub returns the activity between an earlier snapshot and s.
func (s IOStats) Sub(earlier IOStats) IOStats {
	return IOStats{
		BytesRead:    s.BytesRead - earlier.BytesRead,
		BytesWritten: s.BytesWritten - earlier.BytesWritten,
		Gets:         s.Gets - earlier.Gets,
		Puts:         s.Puts - earlier.Puts,
	}
}

// CurrentIOStats returns the cumulative activity since process start.
func CurrentIOStats() IOStats {
	return IOStats{
		BytesRead:    storeBytesRead.Load(),
		BytesWritten: storeBytesWritten.Load(),
		Gets:         gets.Load(),
		Puts:         puts.Load(),
	}
}

// RecordRead notes a value read by an engine.
func RecordRead(n int) {
	gets.Add(1)
	storeBytesRead.Add(int64(n))
}

// RecordWrite notes a value written by an engine.
func RecordWrite(n int) {
	puts.Add(1)
	storeBytesWritten.Add(int64(n))
}
