// Package render presents processed frames on a display surface. A single
// render goroutine owns the backend; other goroutines only hand it the
// newest frame.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
)

// State is the renderer lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "uninitialized"
}

// RenderInitError means the program or texture could not be created.
// Rendering cannot continue after it.
type RenderInitError struct {
	Stage string
	Err   error
}

func (e *RenderInitError) Error() string {
	return fmt.Sprintf("render init failed at %s: %v", e.Stage, e.Err)
}

func (e *RenderInitError) Unwrap() error {
	return e.Err
}

// ErrNotReady is returned when drawing before the surface is created.
var ErrNotReady = errors.New("renderer not ready")

// Backend is the drawing API. Every method is called from the render
// goroutine only.
type Backend interface {
	// CompileProgram compiles and links the quad program.
	CompileProgram() error
	// CreateTexture allocates the single frame texture.
	CreateTexture(width, height int) error
	// Upload copies pixels into the texture, reallocating it on a size change.
	Upload(buf *frame.PixelBuffer) error
	// SetViewport resizes the render target.
	SetViewport(width, height int) error
	// Draw clears the target and draws the textured unit quad through mvp.
	Draw(mvp Matrix) (*image.RGBA, error)
	Release()
}

// Surface is where rendered frames end up.
type Surface interface {
	Size() (width, height int)
	Present(img *image.RGBA) error
	Close() error
}

// Renderer double-buffers frames between producers and the render loop.
// UpdateFrame only swaps a pointer; the texture is touched by the render
// goroutine alone.
type Renderer struct {
	backend Backend
	log     *zerolog.Logger

	state   atomic.Int32
	pending atomic.Pointer[frame.PixelBuffer]
	dirty   atomic.Bool

	// Owned by the render goroutine.
	viewW, viewH int
	texW, texH   int
	transform    Matrix
	placement    Placement

	uploads          atomic.Uint64
	draws            atomic.Uint64
	transformUpdates atomic.Uint64
}

// New creates an uninitialized renderer.
func New(backend Backend) *Renderer {
	return &Renderer{
		backend: backend,
		log:     logger.WithComponent("renderer"),
	}
}

// State returns the lifecycle state.
func (r *Renderer) State() State {
	return State(r.state.Load())
}

// UpdateFrame publishes buf as the frame to show next. Safe from any
// goroutine; it never blocks and never touches the backend.
func (r *Renderer) UpdateFrame(buf *frame.PixelBuffer) {
	if buf == nil {
		return
	}
	r.pending.Store(buf)
	r.dirty.Store(true)
}

// OnSurfaceCreated compiles the program and allocates the texture.
func (r *Renderer) OnSurfaceCreated() error {
	if err := r.backend.CompileProgram(); err != nil {
		return &RenderInitError{Stage: "program", Err: err}
	}
	if err := r.backend.CreateTexture(1, 1); err != nil {
		return &RenderInitError{Stage: "texture", Err: err}
	}
	r.texW, r.texH = 1, 1
	r.state.Store(int32(Ready))
	r.log.Info().Msg("Renderer ready")
	return nil
}

// OnSurfaceChanged updates the viewport and the quad transform.
func (r *Renderer) OnSurfaceChanged(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", width, height)
	}
	if err := r.backend.SetViewport(width, height); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}
	r.viewW, r.viewH = width, height
	r.updateTransform()
	r.log.Debug().Int("width", width).Int("height", height).Msg("Viewport changed")
	return nil
}

func (r *Renderer) updateTransform() {
	r.placement = Fit(r.viewW, r.viewH, r.texW, r.texH)
	r.transform = QuadTransform(r.viewW, r.viewH, r.placement)
	r.transformUpdates.Add(1)
}

// OnDrawFrame uploads a pending frame, if any, and draws one frame.
func (r *Renderer) OnDrawFrame() (*image.RGBA, error) {
	if r.State() != Ready {
		return nil, ErrNotReady
	}

	if r.dirty.Swap(false) {
		if buf := r.pending.Load(); buf != nil {
			if err := r.backend.Upload(buf); err != nil {
				return nil, fmt.Errorf("failed to upload frame %d: %w", buf.Seq, err)
			}
			r.uploads.Add(1)
			if buf.Width != r.texW || buf.Height != r.texH {
				r.texW, r.texH = buf.Width, buf.Height
				r.updateTransform()
			}
		}
	}

	img, err := r.backend.Draw(r.transform)
	if err != nil {
		return nil, fmt.Errorf("failed to draw: %w", err)
	}
	r.draws.Add(1)
	return img, nil
}

// Placement returns where the frame was last placed in the viewport.
// Render goroutine only.
func (r *Renderer) Placement() Placement {
	return r.placement
}

// Uploads counts texture uploads.
func (r *Renderer) Uploads() uint64 { return r.uploads.Load() }

// Draws counts drawn frames.
func (r *Renderer) Draws() uint64 { return r.draws.Load() }

// TransformUpdates counts transform recomputations.
func (r *Renderer) TransformUpdates() uint64 { return r.transformUpdates.Load() }

// Run drives surface at fps until ctx is done. It locks the calling
// goroutine to its OS thread for the lifetime of the backend.
func (r *Renderer) Run(ctx context.Context, surface Surface, fps int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if fps <= 0 {
		fps = 30
	}

	if err := r.OnSurfaceCreated(); err != nil {
		return err
	}
	defer func() {
		r.backend.Release()
		r.state.Store(int32(Uninitialized))
	}()

	w, h := surface.Size()
	if err := r.OnSurfaceChanged(w, h); err != nil {
		return &RenderInitError{Stage: "viewport", Err: err}
	}

	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().
		Int("fps", fps).
		Dur("interval", interval).
		Msg("Render loop started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Render loop stopped")
			return nil
		case <-ticker.C:
		}

		if nw, nh := surface.Size(); (nw != r.viewW || nh != r.viewH) && nw > 0 && nh > 0 {
			if err := r.OnSurfaceChanged(nw, nh); err != nil {
				r.log.Warn().Err(err).Msg("Failed to apply new surface size")
				continue
			}
		}

		img, err := r.OnDrawFrame()
		if err != nil {
			r.log.Warn().Err(err).Msg("Frame draw failed")
			continue
		}
		if err := surface.Present(img); err != nil {
			r.log.Warn().Err(err).Msg("Failed to present frame")
		}
	}
}
