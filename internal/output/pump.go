package output

import (
	"context"
	"time"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/overlay"
)

// FrameSource exposes the newest processed frame.
type FrameSource interface {
	LatestFrame() *frame.PixelBuffer
}

// Pump copies the newest frame into outputs at a fixed rate. Frames are
// cloned before the overlay is drawn, so the pipeline's buffers are never
// written to.
type Pump struct {
	source  FrameSource
	overlay *overlay.Manager
	outputs []Output
	fps     int

	lastSent *frame.PixelBuffer
	written  uint64
}

// NewPump creates a pump. overlay may be nil.
func NewPump(source FrameSource, ov *overlay.Manager, fps int, outputs ...Output) *Pump {
	if fps <= 0 {
		fps = 15
	}
	return &Pump{source: source, overlay: ov, outputs: outputs, fps: fps}
}

// Tick pushes the newest frame if it has not been sent yet. It reports
// whether a frame was written.
func (p *Pump) Tick() bool {
	buf := p.source.LatestFrame()
	if buf == nil || buf == p.lastSent {
		return false
	}
	p.lastSent = buf

	img := buf.Clone().RGBA()
	if p.overlay != nil {
		p.overlay.Render(img)
	}

	wrote := false
	for _, out := range p.outputs {
		if !out.IsRunning() {
			continue
		}
		if err := out.WriteFrame(img); err != nil {
			logger.WithComponent("output").Warn().Err(err).Str("output", out.Name()).Msg("Failed to write frame")
			continue
		}
		wrote = true
	}
	if wrote {
		p.written++
	}
	return wrote
}

// Written counts ticks that reached at least one output.
func (p *Pump) Written() uint64 {
	return p.written
}

// Run ticks until ctx is done.
func (p *Pump) Run(ctx context.Context) {
	interval := time.Second / time.Duration(p.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.WithComponent("output").Info().
		Int("fps", p.fps).
		Int("outputs", len(p.outputs)).
		Msg("Output pump started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}
