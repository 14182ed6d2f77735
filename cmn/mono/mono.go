// Package mono provides a monotonic clock with nanosecond granularity.
package mono

import "time"

var started = time.Now()

// NanoTime returns the elapsed monotonic time in nanoseconds.
func NanoTime() int64 { return int64(time.Since(started)) }

// Since returns the duration elapsed since a NanoTime() reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
