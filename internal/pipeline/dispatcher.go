// Package pipeline wires capture, conversion, processing and display
// together. Frames are converted on the capture goroutine, processed on a
// single worker goroutine, and handed to sinks as owned RGBA buffers.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

// FrameSink receives every completed frame. UpdateFrame is called on the
// processing goroutine and must not block.
type FrameSink interface {
	UpdateFrame(buf *frame.PixelBuffer)
}

// Converter turns a raw frame into an owned RGBA buffer.
type Converter func(*frame.RawFrame) (*frame.PixelBuffer, error)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Processor processing.Processor
	Stats     *stats.Aggregator
	Mode      processing.Mode
	Params    processing.Params
	// Convert defaults to frame.Convert.
	Convert Converter
	// StallWarning logs and counts a processing call that runs longer than
	// this. Zero disables the watchdog.
	StallWarning time.Duration
}

type job struct {
	buf    *frame.PixelBuffer
	mode   processing.Mode
	params processing.Params
	epoch  uint64
}

// Dispatcher keeps at most one frame in flight. A frame that arrives while
// another is being processed is dropped, never queued.
type Dispatcher struct {
	processor    processing.Processor
	stats        *stats.Aggregator
	convert      Converter
	stallWarning time.Duration
	log          *zerolog.Logger

	mode   atomic.Int32
	params atomic.Pointer[processing.Params]

	busy    atomic.Bool
	enabled atomic.Bool
	epoch   atomic.Uint64
	jobs    chan job

	latest atomic.Pointer[frame.PixelBuffer]

	sinksMu sync.RWMutex
	sinks   []FrameSink

	inFlight   atomic.Int32
	busyDrops  atomic.Uint64
	convDrops  atomic.Uint64
	stalls     atomic.Uint64
	discarded  atomic.Uint64
	processed  atomic.Uint64
	fallbacks  atomic.Uint64
	maxOverlap atomic.Int32
}

// NewDispatcher creates a disabled dispatcher. Call Run to start its worker
// and Enable to start accepting frames.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Convert == nil {
		cfg.Convert = frame.Convert
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.New()
	}
	d := &Dispatcher{
		processor:    cfg.Processor,
		stats:        cfg.Stats,
		convert:      cfg.Convert,
		stallWarning: cfg.StallWarning,
		log:          logger.WithComponent("dispatcher"),
		jobs:         make(chan job, 1),
	}
	d.mode.Store(int32(cfg.Mode))
	params := cfg.Params
	d.params.Store(&params)
	return d
}

// AddSink registers a frame consumer.
func (d *Dispatcher) AddSink(sink FrameSink) {
	d.sinksMu.Lock()
	defer d.sinksMu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// SetMode switches the mode used for frames submitted from now on.
func (d *Dispatcher) SetMode(m processing.Mode) {
	d.mode.Store(int32(m))
}

// Mode returns the active mode.
func (d *Dispatcher) Mode() processing.Mode {
	return processing.Mode(d.mode.Load())
}

// SetParams replaces the EdgeDetect parameters for subsequent frames.
func (d *Dispatcher) SetParams(p processing.Params) {
	d.params.Store(&p)
}

// Params returns the active EdgeDetect parameters.
func (d *Dispatcher) Params() processing.Params {
	return *d.params.Load()
}

// Enable starts accepting frames. Output of frames accepted before the
// previous Disable is discarded.
func (d *Dispatcher) Enable() {
	d.epoch.Add(1)
	d.enabled.Store(true)
}

// Disable stops accepting frames. A frame being processed finishes but its
// result is discarded.
func (d *Dispatcher) Disable() {
	d.enabled.Store(false)
	d.epoch.Add(1)
}

// Enabled reports whether frames are being accepted.
func (d *Dispatcher) Enabled() bool {
	return d.enabled.Load()
}

// Latest returns the most recently completed frame, or nil.
func (d *Dispatcher) Latest() *frame.PixelBuffer {
	return d.latest.Load()
}

// Submit offers a raw frame from the capture goroutine. It converts the
// frame, releases it, and queues the result for processing, unless a frame
// is already in flight, in which case the frame is dropped. Submit never
// blocks on processing. It reports whether the frame was accepted.
func (d *Dispatcher) Submit(raw *frame.RawFrame) bool {
	defer raw.Release()

	if !d.enabled.Load() {
		return false
	}
	if !d.busy.CompareAndSwap(false, true) {
		d.busyDrops.Add(1)
		d.stats.FrameDropped()
		return false
	}

	epoch := d.epoch.Load()
	buf, err := d.convert(raw)
	raw.Release()
	if err != nil {
		d.convDrops.Add(1)
		d.stats.FrameDropped()
		d.busy.Store(false)
		d.log.Debug().Err(err).Uint64("seq", raw.Seq).Msg("Dropping frame that failed conversion")
		return false
	}

	j := job{buf: buf, mode: d.Mode(), params: d.Params(), epoch: epoch}
	select {
	case d.jobs <- j:
		return true
	default:
		// Unreachable while busy gates the channel.
		d.busy.Store(false)
		d.stats.FrameDropped()
		return false
	}
}

// Run processes queued frames until ctx is cancelled. Only one Run may be
// active per Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Debug().Msg("Processing worker started")
	defer d.log.Debug().Msg("Processing worker stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.jobs:
			d.handle(j)
		}
	}
}

func (d *Dispatcher) handle(j job) {
	out := j.buf
	measured := false
	fellBack := false
	var latency float64

	if j.mode != processing.Raw {
		result, err := d.process(j)
		switch {
		case err != nil:
			fellBack = true
			d.log.Warn().Err(err).Str("mode", j.mode.String()).Uint64("seq", j.buf.Seq).Msg("Processing failed, showing unprocessed frame")
		case len(result) < j.buf.Width*j.buf.Height*4:
			fellBack = true
			d.log.Warn().Int("len", len(result)).Str("mode", j.mode.String()).Msg("Processor returned a short buffer, showing unprocessed frame")
		default:
			out = j.buf.WithPix(result)
			measured = true
			latency = d.processor.LastProcessingTimeMs()
		}
	}

	if !d.enabled.Load() || d.epoch.Load() != j.epoch {
		d.discarded.Add(1)
		d.busy.Store(false)
		return
	}

	if fellBack {
		d.fallbacks.Add(1)
		d.stats.ProcessingFellBack()
	} else {
		d.processed.Add(1)
	}
	d.stats.FrameCompleted(latency, measured, out.Resolution().String())
	d.busy.Store(false)

	d.latest.Store(out)
	d.sinksMu.RLock()
	for _, sink := range d.sinks {
		sink.UpdateFrame(out)
	}
	d.sinksMu.RUnlock()
}

// process calls the processor under the stall watchdog and turns a panic
// into a ProcessingError.
func (d *Dispatcher) process(j job) (result []byte, err error) {
	if d.processor == nil {
		return nil, &processing.ProcessingError{Backend: "none", Mode: j.mode, Err: fmt.Errorf("no processor configured")}
	}

	n := d.inFlight.Add(1)
	for {
		peak := d.maxOverlap.Load()
		if n <= peak || d.maxOverlap.CompareAndSwap(peak, n) {
			break
		}
	}
	defer d.inFlight.Add(-1)

	if d.stallWarning > 0 {
		started := time.Now()
		timer := time.AfterFunc(d.stallWarning, func() {
			d.stalls.Add(1)
			d.log.Warn().
				Str("backend", d.processor.Name()).
				Str("mode", j.mode.String()).
				Dur("elapsed", time.Since(started)).
				Msg("Processing call is stalled; new frames are being dropped")
		})
		defer timer.Stop()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &processing.ProcessingError{Backend: d.processor.Name(), Mode: j.mode, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return d.processor.Process(j.buf.Pix, j.buf.Width, j.buf.Height, j.mode, j.params)
}

// Counters are dispatcher-internal tallies, mostly for diagnostics.
type Counters struct {
	BusyDrops       uint64 `json:"busy_drops"`
	ConversionDrops uint64 `json:"conversion_drops"`
	Processed       uint64 `json:"processed"`
	Fallbacks       uint64 `json:"fallbacks"`
	Discarded       uint64 `json:"discarded"`
	Stalls          uint64 `json:"stalls"`
	MaxConcurrent   int32  `json:"max_concurrent"`
}

// Counters returns a snapshot of the dispatcher tallies.
func (d *Dispatcher) Counters() Counters {
	return Counters{
		BusyDrops:       d.busyDrops.Load(),
		ConversionDrops: d.convDrops.Load(),
		Processed:       d.processed.Load(),
		Fallbacks:       d.fallbacks.Load(),
		Discarded:       d.discarded.Load(),
		Stalls:          d.stalls.Load(),
		MaxConcurrent:   d.maxOverlap.Load(),
	}
}
