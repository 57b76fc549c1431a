// Package mono provides a monotonic nanosecond clock; every error-window
// and rebuild-timing computation in this engine reads it instead of
// wall-clock time.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds since process start: monotonic, cheap,
// immune to wall-clock adjustment (used for the rolling error window in
// core/child and the fault-injection begin/end offsets in core/faultinjection).
func NanoTime() int64 { return time.Since(start).Nanoseconds() }

func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }

// FromWallClock converts an absolute wall-clock instant into the same
// nanos-since-process-start space NanoTime returns, so a caller holding an
// RFC3339 timestamp (e.g. core/faultinjection's inject:// begin/end) can mix
// it with NanoTime-based windows without tracking the epoch itself.
func FromWallClock(t time.Time) int64 { return t.Sub(start).Nanoseconds() }
