package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
)

// GStreamerName is the registry name of the GStreamer camera provider.
const GStreamerName = "gstreamer"

func init() {
	RegisterProvider(GStreamerName, func(opts ProviderOptions) (Provider, error) {
		return NewGStreamer(), nil
	})
}

var gstInit sync.Once

// gstreamerSizes are the sizes offered through videoscale, largest first.
var gstreamerSizes = []frame.Resolution{
	{Width: 1920, Height: 1080},
	{Width: 1280, Height: 720},
	{Width: 640, Height: 480},
	{Width: 320, Height: 240},
}

// GStreamer opens V4L2 cameras (or the platform default source) through a
// GStreamer pipeline that hands I420 buffers to an appsink.
type GStreamer struct{}

// NewGStreamer creates the provider.
func NewGStreamer() *GStreamer {
	return &GStreamer{}
}

// Name returns the provider name.
func (g *GStreamer) Name() string {
	return GStreamerName
}

// Enumerate lists /dev/video* nodes.
func (g *GStreamer) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	return enumerateVideoNodes(gstreamerSizes)
}

func enumerateVideoNodes(sizes []frame.Resolution) ([]DeviceInfo, error) {
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("failed to list video devices: %w", err)
	}
	sort.Strings(nodes)
	devices := make([]DeviceInfo, 0, len(nodes))
	for _, node := range nodes {
		name := node
		if data, err := os.ReadFile(filepath.Join("/sys/class/video4linux", filepath.Base(node), "name")); err == nil {
			name = string(trimNewline(data))
		}
		devices = append(devices, DeviceInfo{ID: node, Name: name, Resolutions: sizes})
	}
	return devices, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Open validates the device node. An empty id selects autovideosrc.
func (g *GStreamer) Open(ctx context.Context, id string) (Device, error) {
	gstInit.Do(func() { gst.Init(nil) })

	if id != "" {
		if _, err := os.Stat(id); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", id, ErrNoDevice)
			}
			return nil, fmt.Errorf("failed to stat %s: %w", id, err)
		}
	}
	return &gstDevice{id: id}, nil
}

type gstDevice struct {
	id string
}

func (d *gstDevice) ID() string {
	if d.id == "" {
		return "auto"
	}
	return d.id
}

func (d *gstDevice) SupportedResolutions() []frame.Resolution {
	return gstreamerSizes
}

func (d *gstDevice) Close() error {
	return nil
}

func (d *gstDevice) pipelineString(cfg SessionConfig) string {
	src := "autovideosrc"
	if d.id != "" {
		src = fmt.Sprintf("v4l2src device=%s do-timestamp=true", d.id)
	}
	caps := fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d", cfg.Resolution.Width, cfg.Resolution.Height)
	if cfg.FPS > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", cfg.FPS)
	}
	// Polling appsink avoids cgo callbacks; drop=true keeps only fresh buffers.
	return src + " ! videoconvert ! videoscale ! videorate ! " + caps +
		" ! appsink name=sink emit-signals=false max-buffers=2 drop=true"
}

func (d *gstDevice) StartSession(ctx context.Context, cfg SessionConfig, deliver func(*frame.RawFrame), lost func(error)) (Session, error) {
	log := logger.WithComponent("gstreamer")

	pipelineStr := d.pipelineString(cfg)
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return nil, fmt.Errorf("failed to get appsink: %w", err)
	}
	appsink := app.SinkFromElement(sinkElement)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.Unref()
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	s := &gstSession{
		pipeline: pipeline,
		appsink:  appsink,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		deliver:  deliver,
		lost:     lost,
	}
	go s.poll()

	log.Info().Str("device", d.ID()).Str("resolution", cfg.Resolution.String()).Msg("GStreamer pipeline started")
	return s, nil
}

type gstSession struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	seq      uint64
	deliver  func(*frame.RawFrame)
	lost     func(error)
}

// poll pulls samples from the appsink until stopped or the stream ends.
func (s *gstSession) poll() {
	defer close(s.done)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		sample := s.appsink.TryPullSample(time.Millisecond)
		if sample == nil {
			if s.appsink.IsEOS() {
				s.lost(fmt.Errorf("camera stream ended: %w", io.EOF))
				return
			}
			continue
		}
		s.handleSample(sample)
	}
}

func (s *gstSession) handleSample(sample *gst.Sample) {
	buffer := sample.GetBuffer()
	caps := sample.GetCaps()
	if buffer == nil || caps == nil {
		return
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return
	}
	wv, _ := structure.GetValue("width")
	hv, _ := structure.GetValue("height")
	w, ok := wv.(int)
	if !ok {
		return
	}
	h, ok := hv.(int)
	if !ok {
		return
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return
	}
	data := mapInfo.Bytes()

	s.seq++
	raw := splitI420(data, w, h)
	raw.Seq = s.seq
	raw.Timestamp = time.Now()
	raw.OnRelease(func() { buffer.Unmap() })
	s.deliver(raw)
	raw.Release()
}

func roundUp(v, n int) int {
	return (v + n - 1) / n * n
}

// splitI420 slices a buffer laid out with GStreamer's default I420 strides.
// Planes are left short when the buffer is truncated so that conversion
// rejects the frame.
func splitI420(data []byte, width, height int) *frame.RawFrame {
	yStride := roundUp(width, 4)
	cw, _ := frame.ChromaSize(width, height)
	uvStride := roundUp(cw, 4)
	uOff := yStride * roundUp(height, 2)
	vOff := uOff + uvStride*(roundUp(height, 2)/2)

	plane := func(from, to int) []byte {
		if from > len(data) {
			return nil
		}
		if to > len(data) {
			to = len(data)
		}
		return data[from:to]
	}
	return &frame.RawFrame{
		Y:        plane(0, uOff),
		U:        plane(uOff, vOff),
		V:        plane(vOff, vOff+(vOff-uOff)),
		YStride:  yStride,
		UVStride: uvStride,
		Width:    width,
		Height:   height,
	}
}

func (s *gstSession) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.pipeline.SetState(gst.StateNull)
		s.pipeline.Unref()
	})
	return nil
}
