package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/EdgeStreamer/internal/capture"
	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

func newTestController(t *testing.T, cfg capture.SyntheticConfig, mode processing.Mode) (*Controller, *capture.Synthetic, *recordingSink) {
	t.Helper()
	provider := capture.NewSynthetic(cfg)
	agg := stats.New()
	d := NewDispatcher(DispatcherConfig{
		Processor: processing.NewBuiltin(),
		Stats:     agg,
		Mode:      mode,
		Params:    processing.DefaultParams(),
	})
	pref := capture.Preference{
		Resolutions: []frame.Resolution{{Width: 320, Height: 240}},
		FPS:         120,
	}
	c := NewController(capture.NewSource(provider), d, agg, pref)
	sink := &recordingSink{}
	c.AddSink(sink)
	t.Cleanup(func() { c.Close() })
	return c, provider, sink
}

func TestControllerStreamsSyntheticCamera(t *testing.T) {
	c, provider, sink := newTestController(t, capture.SyntheticConfig{FPS: 120}, processing.EdgeDetect)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "frames", func() bool { return len(sink.all()) >= 3 })

	latest := c.LatestFrame()
	if latest == nil || latest.Width != 320 || latest.Height != 240 {
		t.Fatalf("latest frame = %+v", latest)
	}

	st := c.Status()
	if !st.Running || st.CameraState != capture.SessionActive.String() {
		t.Fatalf("status = %+v", st)
	}
	if st.Resolution != "320x240" || st.Backend != processing.BuiltinName {
		t.Fatalf("status = %+v", st)
	}
	if st.Stats.FrameCount == 0 || st.Stats.Resolution != "320x240" {
		t.Fatalf("stats = %+v", st.Stats)
	}
	if st.Counters.MaxConcurrent > 1 {
		t.Fatalf("processing overlapped: %+v", st.Counters)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.Running() || c.CameraState() != capture.Closed {
		t.Fatalf("after Stop running=%v state=%s", c.Running(), c.CameraState())
	}
	if provider.OpenDevices() != 0 {
		t.Fatalf("%d devices open after Stop", provider.OpenDevices())
	}

	settled := len(sink.all())
	if err := c.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "frames after restart", func() bool { return len(sink.all()) > settled })
	if provider.PeakOpenDevices() != 1 {
		t.Fatalf("peak open devices = %d", provider.PeakOpenDevices())
	}
}

func TestControllerCycleMode(t *testing.T) {
	c, _, _ := newTestController(t, capture.SyntheticConfig{}, processing.EdgeDetect)

	want := []processing.Mode{processing.Grayscale, processing.Raw, processing.EdgeDetect}
	for _, m := range want {
		if got := c.CycleMode(); got != m {
			t.Fatalf("CycleMode = %s, want %s", got, m)
		}
	}
	if err := c.SetMode(processing.Mode(42)); err == nil {
		t.Fatal("invalid mode accepted")
	}
	if err := c.SetParams(processing.Params{Threshold1: -1, Threshold2: 5}); err == nil {
		t.Fatal("negative threshold accepted")
	}
	if err := c.SetParams(processing.Params{Threshold1: 20, Threshold2: 60}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	if p := c.Params(); p.Threshold1 != 20 || p.Threshold2 != 60 {
		t.Fatalf("Params = %+v", p)
	}
}

func TestControllerReportsCameraErrors(t *testing.T) {
	c, _, _ := newTestController(t, capture.SyntheticConfig{FPS: 120, DisconnectAfter: 3}, processing.Grayscale)

	errs := make(chan error, 1)
	c.OnCameraError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := <-errs
	if !capture.IsKind(err, capture.KindDisconnected) {
		t.Fatalf("error = %v, want disconnected", err)
	}
	if !errors.Is(err, capture.ErrSyntheticDisconnect) {
		t.Fatalf("error does not wrap the cause: %v", err)
	}
	waitFor(t, "error state", func() bool { return c.CameraState() == capture.Error })
	if st := c.Status(); st.LastError == "" {
		t.Fatal("status has no last error")
	}

	// Recover with a fresh Start after the error.
	c.Stop()
	if err := c.Start(); err != nil {
		t.Fatalf("Start after error: %v", err)
	}
}

func TestCameraErrorListenerCanRestart(t *testing.T) {
	c, _, _ := newTestController(t, capture.SyntheticConfig{FPS: 120, DisconnectAfter: 3}, processing.Grayscale)

	restarted := make(chan error, 1)
	var once sync.Once
	c.OnCameraError(func(err error) {
		once.Do(func() {
			_ = c.Status()
			if err := c.Stop(); err != nil {
				restarted <- err
				return
			}
			restarted <- c.Start()
		})
	})

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-restarted:
		if err != nil {
			t.Fatalf("restart from listener: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("listener blocked calling back into the controller")
	}
	if !c.Running() {
		t.Fatal("controller not running after restart from listener")
	}
}
