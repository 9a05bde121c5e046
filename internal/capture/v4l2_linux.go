package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
)

// V4L2Name is the registry name of the direct V4L2 provider.
const V4L2Name = "v4l2"

const defaultV4L2Device = "/dev/video0"

func init() {
	RegisterProvider(V4L2Name, func(opts ProviderOptions) (Provider, error) {
		return NewV4L2(opts.FPS), nil
	})
}

var v4l2Sizes = []frame.Resolution{
	{Width: 1280, Height: 720},
	{Width: 640, Height: 480},
	{Width: 320, Height: 240},
}

// V4L2 streams YUYV straight from a video4linux node and repacks it to I420.
type V4L2 struct {
	fps int
}

// NewV4L2 creates the provider.
func NewV4L2(fps int) *V4L2 {
	if fps <= 0 {
		fps = 30
	}
	return &V4L2{fps: fps}
}

// Name returns the provider name.
func (p *V4L2) Name() string {
	return V4L2Name
}

// Enumerate lists /dev/video* nodes.
func (p *V4L2) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	return enumerateVideoNodes(v4l2Sizes)
}

// Open opens the device node.
func (p *V4L2) Open(ctx context.Context, id string) (Device, error) {
	if id == "" {
		id = defaultV4L2Device
	}
	if _, err := os.Stat(id); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNoDevice)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", id, err)
	}

	dev, err := device.Open(id, device.WithFPS(uint32(p.fps)))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", id, err)
	}
	return &v4l2Device{id: id, dev: dev}, nil
}

type v4l2Device struct {
	id  string
	dev *device.Device
}

func (d *v4l2Device) ID() string {
	return d.id
}

func (d *v4l2Device) SupportedResolutions() []frame.Resolution {
	return v4l2Sizes
}

func (d *v4l2Device) Close() error {
	return d.dev.Close()
}

func (d *v4l2Device) StartSession(ctx context.Context, cfg SessionConfig, deliver func(*frame.RawFrame), lost func(error)) (Session, error) {
	err := d.dev.SetPixFormat(v4l2.PixFormat{
		Width:       uint32(cfg.Resolution.Width),
		Height:      uint32(cfg.Resolution.Height),
		PixelFormat: v4l2.PixelFmtYUYV,
		Field:       v4l2.FieldNone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set YUYV %s: %w", cfg.Resolution, err)
	}

	// The driver may round the size; trust what it reports back.
	actual, err := d.dev.GetPixFormat()
	if err != nil {
		return nil, fmt.Errorf("failed to read back pixel format: %w", err)
	}
	width, height := int(actual.Width), int(actual.Height)

	sctx, cancel := context.WithCancel(ctx)
	if err := d.dev.Start(sctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start streaming: %w", err)
	}

	s := &v4l2Session{cancel: cancel, done: make(chan struct{})}
	go s.run(sctx, d.dev.GetOutput(), width, height, deliver, lost)

	logger.WithComponent("v4l2").Info().
		Str("device", d.id).
		Int("width", width).
		Int("height", height).
		Msg("V4L2 streaming started")
	return s, nil
}

type v4l2Session struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (s *v4l2Session) run(ctx context.Context, frames <-chan []byte, width, height int, deliver func(*frame.RawFrame), lost func(error)) {
	defer close(s.done)
	log := logger.WithComponent("v4l2")

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				if ctx.Err() == nil {
					lost(errors.New("v4l2 stream closed"))
				}
				return
			}
			raw, err := frame.YUYVToI420(data, width, height)
			if err != nil {
				log.Debug().Err(err).Msg("Skipping malformed YUYV buffer")
				continue
			}
			seq++
			raw.Seq = seq
			raw.Timestamp = time.Now()
			deliver(raw)
		}
	}
}

func (s *v4l2Session) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
