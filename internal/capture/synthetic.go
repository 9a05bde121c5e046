package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
)

// SyntheticName is the registry name of the test-pattern camera.
const SyntheticName = "synthetic"

func init() {
	RegisterProvider(SyntheticName, func(opts ProviderOptions) (Provider, error) {
		return NewSynthetic(SyntheticConfig{FPS: opts.FPS}), nil
	})
}

// ErrSyntheticDisconnect is reported when a synthetic device is configured
// to drop out.
var ErrSyntheticDisconnect = errors.New("synthetic device disconnected")

// SyntheticConfig shapes the behaviour of a synthetic camera.
type SyntheticConfig struct {
	Resolutions []frame.Resolution
	FPS         int
	// Buffers bounds how many frames can be outstanding at once.
	Buffers int

	OpenErr         error
	OpenDelay       time.Duration
	SessionErr      error
	DisconnectAfter int
}

// Synthetic is a camera provider that renders a moving I420 test pattern.
type Synthetic struct {
	cfg SyntheticConfig

	open atomic.Int32
	peak atomic.Int32
}

// NewSynthetic creates a synthetic provider.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if len(cfg.Resolutions) == 0 {
		cfg.Resolutions = []frame.Resolution{{Width: 1280, Height: 720}, {Width: 640, Height: 480}, {Width: 320, Height: 240}}
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = 2
	}
	return &Synthetic{cfg: cfg}
}

// Name returns the provider name.
func (p *Synthetic) Name() string {
	return SyntheticName
}

// Enumerate reports the single synthetic device.
func (p *Synthetic) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "synthetic0", Name: "Synthetic test pattern", Resolutions: p.cfg.Resolutions}}, nil
}

// OpenDevices returns how many devices are currently open.
func (p *Synthetic) OpenDevices() int {
	return int(p.open.Load())
}

// PeakOpenDevices returns the most devices ever open at the same time.
func (p *Synthetic) PeakOpenDevices() int {
	return int(p.peak.Load())
}

// Open acquires the synthetic device.
func (p *Synthetic) Open(ctx context.Context, id string) (Device, error) {
	if p.cfg.OpenDelay > 0 {
		select {
		case <-time.After(p.cfg.OpenDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.cfg.OpenErr != nil {
		return nil, p.cfg.OpenErr
	}
	if id == "" {
		id = "synthetic0"
	}

	n := p.open.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return &syntheticDevice{provider: p, id: id}, nil
}

type syntheticDevice struct {
	provider *Synthetic
	id       string
	closed   atomic.Bool
}

func (d *syntheticDevice) ID() string {
	return d.id
}

func (d *syntheticDevice) SupportedResolutions() []frame.Resolution {
	return d.provider.cfg.Resolutions
}

func (d *syntheticDevice) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		d.provider.open.Add(-1)
	}
	return nil
}

func (d *syntheticDevice) StartSession(ctx context.Context, cfg SessionConfig, deliver func(*frame.RawFrame), lost func(error)) (Session, error) {
	pcfg := d.provider.cfg
	if pcfg.SessionErr != nil {
		return nil, pcfg.SessionErr
	}
	if cfg.Resolution.IsZero() {
		return nil, fmt.Errorf("invalid session resolution %s", cfg.Resolution)
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = pcfg.FPS
	}

	s := &syntheticSession{
		res:     cfg.Resolution,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		pool:    make(chan *frame.RawFrame, pcfg.Buffers),
		limit:   pcfg.DisconnectAfter,
		deliver: deliver,
		lost:    lost,
	}
	for i := 0; i < pcfg.Buffers; i++ {
		s.pool <- frame.NewI420(cfg.Resolution.Width, cfg.Resolution.Height)
	}
	go s.run(time.Second / time.Duration(fps))
	return s, nil
}

type syntheticSession struct {
	res      frame.Resolution
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	pool     chan *frame.RawFrame
	limit    int
	deliver  func(*frame.RawFrame)
	lost     func(error)
}

func (s *syntheticSession) run(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		var planes *frame.RawFrame
		select {
		case planes = <-s.pool:
		default:
			// Every buffer is still held downstream.
			continue
		}

		seq++
		paintPattern(planes, seq)
		f := &frame.RawFrame{
			Y: planes.Y, U: planes.U, V: planes.V,
			YStride: planes.YStride, UVStride: planes.UVStride,
			Width: s.res.Width, Height: s.res.Height,
			Seq: seq, Timestamp: time.Now(),
		}
		f.OnRelease(func() { s.pool <- planes })
		s.deliver(f)

		if s.limit > 0 && int(seq) >= s.limit {
			s.lost(ErrSyntheticDisconnect)
			return
		}
	}
}

// paintPattern draws diagonal luma bands that drift with seq over a slowly
// rotating chroma tint.
func paintPattern(f *frame.RawFrame, seq uint64) {
	shift := int(seq * 4)
	for y := 0; y < f.Height; y++ {
		row := f.Y[y*f.YStride:]
		for x := 0; x < f.Width; x++ {
			v := (x + y + shift) & 0x7f
			if (x+y+shift)&0x80 != 0 {
				v = 0x7f - v
			}
			row[x] = byte(16 + v*7/4)
		}
	}
	cw, ch := frame.ChromaSize(f.Width, f.Height)
	u := byte(128 + int(seq%64) - 32)
	v := byte(128 - int(seq%64) + 32)
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			f.U[y*f.UVStride+x] = u
			f.V[y*f.UVStride+x] = v
		}
	}
}

func (s *syntheticSession) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
