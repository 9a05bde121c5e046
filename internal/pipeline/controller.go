package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/EdgeStreamer/internal/capture"
	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

// Status is the controller state reported to the API and control plane.
type Status struct {
	Running     bool              `json:"running"`
	CameraState string            `json:"camera_state"`
	Provider    string            `json:"provider"`
	SessionID   string            `json:"session_id,omitempty"`
	Resolution  string            `json:"resolution,omitempty"`
	Mode        processing.Mode   `json:"mode"`
	Params      processing.Params `json:"params"`
	Backend     string            `json:"backend"`
	LastError   string            `json:"last_error,omitempty"`
	Stats       stats.FrameStats  `json:"stats"`
	Counters    Counters          `json:"counters"`
}

// Controller owns the capture source and the dispatcher and exposes the
// operations the UI, API and control plane need.
type Controller struct {
	source     *capture.Source
	dispatcher *Dispatcher
	stats      *stats.Aggregator
	backend    string
	log        *zerolog.Logger

	mu      sync.Mutex
	pref    capture.Preference
	running bool

	lastErr atomic.Pointer[string]

	listenersMu sync.RWMutex
	listeners   []func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewController starts the processing worker. Close stops it.
func NewController(source *capture.Source, dispatcher *Dispatcher, aggregator *stats.Aggregator, pref capture.Preference) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		source:     source,
		dispatcher: dispatcher,
		stats:      aggregator,
		pref:       pref,
		log:        logger.WithComponent("pipeline"),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if dispatcher.processor != nil {
		c.backend = dispatcher.processor.Name()
	}
	go func() {
		defer close(c.done)
		dispatcher.Run(ctx)
	}()
	return c
}

// OnCameraError registers a callback for terminal camera errors. Callbacks
// run on their own goroutine and may call back into the Controller.
func (c *Controller) OnCameraError(fn func(error)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// AddSink registers a consumer of completed frames.
func (c *Controller) AddSink(sink FrameSink) {
	c.dispatcher.AddSink(sink)
}

// Start opens the camera and begins streaming through the pipeline. It is a
// no-op while running, but restarts a camera that has failed.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running && c.source.State() != capture.Error {
		return nil
	}

	c.stats.Reset()
	c.lastErr.Store(nil)
	c.dispatcher.Enable()

	onFrame := func(raw *frame.RawFrame) {
		c.dispatcher.Submit(raw)
	}
	if err := c.source.Start(c.pref, onFrame, c.handleCameraError); err != nil {
		c.dispatcher.Disable()
		return fmt.Errorf("failed to start camera: %w", err)
	}

	c.running = true
	c.log.Info().
		Str("provider", c.source.Provider().Name()).
		Str("mode", c.dispatcher.Mode().String()).
		Msg("Pipeline started")
	return nil
}

// Stop closes the camera. Output still in flight is discarded.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dispatcher.Disable()
	err := c.source.Stop()
	if c.running {
		c.log.Info().Msg("Pipeline stopped")
	}
	c.running = false
	return err
}

// Restart stops and starts the pipeline with a new camera preference.
func (c *Controller) Restart(pref capture.Preference) error {
	if err := c.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("Errors while stopping camera for restart")
	}
	c.mu.Lock()
	c.pref = pref
	c.mu.Unlock()
	return c.Start()
}

// Close stops the pipeline and the processing worker.
func (c *Controller) Close() error {
	err := c.Stop()
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		err = errors.Join(err, errors.New("processing worker did not exit"))
	}
	return err
}

func (c *Controller) handleCameraError(err error) {
	msg := err.Error()
	c.lastErr.Store(&msg)
	c.log.Error().Err(err).Msg("Camera session ended")

	c.listenersMu.RLock()
	listeners := append(([]func(error))(nil), c.listeners...)
	c.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	// The capture goroutine calls this; Stop waits for that goroutine.
	go func() {
		for _, fn := range listeners {
			fn(err)
		}
	}()
}

// Running reports whether Start has been called without a matching Stop.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetMode switches the processing mode. Frames already submitted keep the
// mode they were submitted with.
func (c *Controller) SetMode(m processing.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("invalid processing mode %d", int32(m))
	}
	prev := c.dispatcher.Mode()
	c.dispatcher.SetMode(m)
	if prev != m {
		c.log.Info().Str("from", prev.String()).Str("to", m.String()).Msg("Processing mode changed")
	}
	return nil
}

// CycleMode advances to the next mode in toggle order and returns it.
func (c *Controller) CycleMode() processing.Mode {
	next := c.dispatcher.Mode().Next()
	c.SetMode(next)
	return next
}

// Mode returns the active processing mode.
func (c *Controller) Mode() processing.Mode {
	return c.dispatcher.Mode()
}

// SetParams replaces the EdgeDetect thresholds.
func (c *Controller) SetParams(p processing.Params) error {
	if p.Threshold1 < 0 || p.Threshold2 < 0 {
		return fmt.Errorf("thresholds must be non-negative")
	}
	c.dispatcher.SetParams(p)
	c.log.Info().Float64("threshold1", p.Threshold1).Float64("threshold2", p.Threshold2).Msg("Edge thresholds updated")
	return nil
}

// Params returns the active EdgeDetect thresholds.
func (c *Controller) Params() processing.Params {
	return c.dispatcher.Params()
}

// Stats returns the current frame statistics.
func (c *Controller) Stats() stats.FrameStats {
	return c.stats.Snapshot()
}

// LatestFrame returns the most recent completed frame, or nil.
func (c *Controller) LatestFrame() *frame.PixelBuffer {
	return c.dispatcher.Latest()
}

// CameraState returns the capture source state.
func (c *Controller) CameraState() capture.State {
	return c.source.State()
}

// Status gathers everything reported by the status endpoints.
func (c *Controller) Status() Status {
	st := Status{
		Running:     c.Running(),
		CameraState: c.source.State().String(),
		Provider:    c.source.Provider().Name(),
		SessionID:   c.source.SessionID(),
		Mode:        c.Mode(),
		Params:      c.Params(),
		Backend:     c.backend,
		Stats:       c.Stats(),
		Counters:    c.dispatcher.Counters(),
	}
	if res := c.source.Resolution(); !res.IsZero() {
		st.Resolution = res.String()
	}
	if msg := c.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}
