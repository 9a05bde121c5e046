package output

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/overlay"
	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestWriteFrameScalesIntoBounds(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 320, Height: 240, FPS: 10})
	if err := m.WriteFrame(solid(8, 8, color.RGBA{A: 255})); err == nil {
		t.Fatal("WriteFrame before Start succeeded")
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.WriteFrame(solid(1280, 720, color.RGBA{R: 200, A: 255})); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(m.LastJPEG()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 320 || cfg.Height != 180 {
		t.Fatalf("encoded %dx%d, want 320x180", cfg.Width, cfg.Height)
	}

	if err := m.WriteFrame(solid(160, 120, color.RGBA{G: 200, A: 255})); err != nil {
		t.Fatal(err)
	}
	cfg, _ = jpeg.DecodeConfig(bytes.NewReader(m.LastJPEG()))
	if cfg.Width != 160 || cfg.Height != 120 {
		t.Fatalf("small frame was rescaled to %dx%d", cfg.Width, cfg.Height)
	}
}

func TestStreamHandlerSendsParts(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	m.Start()
	defer m.Stop()

	srv := httptest.NewServer(m.GetHTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(3 * time.Second)
	for m.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.WriteFrame(solid(16, 16, color.RGBA{B: 255, A: 255})); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "--frame" {
		t.Fatalf("boundary = %q, %v", line, err)
	}
	var length int
	for {
		h, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		h = strings.TrimSpace(h)
		if h == "" {
			break
		}
		if strings.HasPrefix(h, "Content-Length:") {
			length = atoi(strings.TrimSpace(strings.TrimPrefix(h, "Content-Length:")))
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatal(err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(body)); err != nil {
		t.Fatalf("part is not a JPEG: %v", err)
	}
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func TestStreamHandlerUnavailableWhenStopped(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	rec := httptest.NewRecorder()
	m.GetHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

type staticSource struct {
	mu  sync.Mutex
	buf *frame.PixelBuffer
}

func (s *staticSource) LatestFrame() *frame.PixelBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

type captureOutput struct {
	frames []*image.RGBA
}

func (c *captureOutput) Start() error    { return nil }
func (c *captureOutput) Stop() error     { return nil }
func (c *captureOutput) Name() string    { return "capture" }
func (c *captureOutput) IsRunning() bool { return true }
func (c *captureOutput) WriteFrame(img *image.RGBA) error {
	c.frames = append(c.frames, img)
	return nil
}

func TestPumpOverlaysCopyOnce(t *testing.T) {
	buf := frame.NewPixelBuffer(200, 100)
	for i := 3; i < len(buf.Pix); i += 4 {
		buf.Pix[i] = 255
	}
	src := &staticSource{buf: buf}

	ov := overlay.NewManager()
	ov.AddWidget(overlay.NewStatsWidget(func() stats.FrameStats { return stats.FrameStats{FPS: 30} }, func() string { return "raw" }))

	out := &captureOutput{}
	p := NewPump(src, ov, 30, out)

	if !p.Tick() {
		t.Fatal("first tick wrote nothing")
	}
	if p.Tick() {
		t.Fatal("same frame written twice")
	}
	if len(out.frames) != 1 || p.Written() != 1 {
		t.Fatalf("frames = %d", len(out.frames))
	}

	for i := 0; i < len(buf.Pix); i += 4 {
		if buf.Pix[i] != 0 {
			t.Fatal("overlay drew into the pipeline buffer")
		}
	}
	changed := false
	for i := 0; i < len(out.frames[0].Pix); i += 4 {
		if out.frames[0].Pix[i] != 0 {
			changed = true
			break
		}
	}
	if !changed {
		t.Fatal("overlay missing from output frame")
	}

	src.mu.Lock()
	src.buf = buf.Clone()
	src.mu.Unlock()
	if !p.Tick() {
		t.Fatal("new frame not written")
	}
}

func TestPumpRunStops(t *testing.T) {
	p := NewPump(&staticSource{}, nil, 100)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
