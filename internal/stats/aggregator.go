// Package stats aggregates pipeline throughput for display: frames per second
// over a rolling one second window and the latency of the last successful
// processing call.
package stats

import (
	"math"
	"sync/atomic"
	"time"
)

// Window is the FPS sampling period.
const Window = time.Second

// FrameStats is the read model exposed to the UI, API and telemetry.
// Dropped is the only field a dropped frame changes; FPS, ProcessingTimeMs,
// Resolution and FrameCount describe rendered frames only.
type FrameStats struct {
	FPS              int     `json:"fps" msgpack:"fps"`
	ProcessingTimeMs float64 `json:"processingTime" msgpack:"processing_time_ms"`
	Resolution       string  `json:"resolution" msgpack:"resolution"`
	FrameCount       uint64  `json:"frameCount" msgpack:"frame_count"`
	Dropped          uint64  `json:"dropped" msgpack:"dropped"`
	Fallbacks        uint64  `json:"fallbacks" msgpack:"fallbacks"`
}

// Aggregator is safe for one writer and any number of readers.
type Aggregator struct {
	now func() time.Time

	windowStart atomic.Int64 // unix nanos
	windowCount atomic.Int64
	fps         atomic.Int64

	latencyBits atomic.Uint64 // float64 ms
	frames      atomic.Uint64
	dropped     atomic.Uint64
	fallbacks   atomic.Uint64
	resolution  atomic.Pointer[string]
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator whose first window starts now.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.windowStart.Store(a.now().UnixNano())
	empty := ""
	a.resolution.Store(&empty)
	return a
}

// FrameCompleted records a frame that reached the renderer. latencyMs is
// stored only when measured is true, so raw and fallback frames leave the
// last reported latency untouched.
func (a *Aggregator) FrameCompleted(latencyMs float64, measured bool, resolution string) {
	a.frames.Add(1)
	if measured {
		a.latencyBits.Store(math.Float64bits(latencyMs))
	}
	if cur := a.resolution.Load(); cur == nil || *cur != resolution {
		a.resolution.Store(&resolution)
	}

	count := a.windowCount.Add(1)
	now := a.now().UnixNano()
	start := a.windowStart.Load()
	if time.Duration(now-start) >= Window {
		a.fps.Store(count)
		a.windowCount.Store(0)
		a.windowStart.Store(now)
	}
}

// ProcessingFellBack counts a frame shown unprocessed because processing
// failed.
func (a *Aggregator) ProcessingFellBack() {
	a.fallbacks.Add(1)
}

// FrameDropped counts a frame discarded before it reached the renderer. It
// touches nothing but the Dropped counter.
func (a *Aggregator) FrameDropped() {
	a.dropped.Add(1)
}

// FPS returns the frame count of the last completed window.
func (a *Aggregator) FPS() int {
	return int(a.fps.Load())
}

// LastProcessingTimeMs returns the latency of the last successful
// processing call.
func (a *Aggregator) LastProcessingTimeMs() float64 {
	return math.Float64frombits(a.latencyBits.Load())
}

// Snapshot returns a consistent-enough copy for display.
func (a *Aggregator) Snapshot() FrameStats {
	return FrameStats{
		FPS:              a.FPS(),
		ProcessingTimeMs: a.LastProcessingTimeMs(),
		Resolution:       *a.resolution.Load(),
		FrameCount:       a.frames.Load(),
		Dropped:          a.dropped.Load(),
		Fallbacks:        a.fallbacks.Load(),
	}
}

// Reset clears all counters and starts a new window.
func (a *Aggregator) Reset() {
	a.windowCount.Store(0)
	a.fps.Store(0)
	a.latencyBits.Store(0)
	a.frames.Store(0)
	a.dropped.Store(0)
	a.fallbacks.Store(0)
	empty := ""
	a.resolution.Store(&empty)
	a.windowStart.Store(a.now().UnixNano())
}
