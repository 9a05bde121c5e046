package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorSink) handle(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *errorSink) all() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func TestSourceLifecycle(t *testing.T) {
	provider := NewSynthetic(SyntheticConfig{FPS: 200})
	src := NewSource(provider)

	var frames atomic.Int64
	var errs errorSink
	pref := Preference{Resolutions: []frame.Resolution{{Width: 640, Height: 480}}, FPS: 200}
	if err := src.Start(pref, func(f *frame.RawFrame) {
		if f.Width != 640 || f.Height != 480 {
			t.Errorf("frame geometry %dx%d", f.Width, f.Height)
		}
		frames.Add(1)
	}, errs.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "session active", func() bool { return src.State() == SessionActive })
	waitFor(t, "frames", func() bool { return frames.Load() >= 5 })

	if got := src.Resolution(); got != (frame.Resolution{Width: 640, Height: 480}) {
		t.Fatalf("Resolution = %v", got)
	}
	if src.SessionID() == "" {
		t.Fatal("no session id")
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if src.State() != Closed {
		t.Fatalf("state after Stop = %s", src.State())
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if provider.OpenDevices() != 0 {
		t.Fatalf("%d devices still open", provider.OpenDevices())
	}
	if len(errs.all()) != 0 {
		t.Fatalf("unexpected errors: %v", errs.all())
	}

	after := frames.Load()
	time.Sleep(30 * time.Millisecond)
	if frames.Load() != after {
		t.Fatal("frames delivered after Stop")
	}
}

func TestSourceFallsBackToFirstAdvertisedSize(t *testing.T) {
	provider := NewSynthetic(SyntheticConfig{
		FPS:         100,
		Resolutions: []frame.Resolution{{Width: 320, Height: 240}, {Width: 160, Height: 120}},
	})
	src := NewSource(provider)
	defer src.Stop()

	pref := Preference{Resolutions: []frame.Resolution{{Width: 1920, Height: 1080}}}
	if err := src.Start(pref, func(*frame.RawFrame) {}, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "session active", func() bool { return src.State() == SessionActive })
	if got := src.Resolution(); got != (frame.Resolution{Width: 320, Height: 240}) {
		t.Fatalf("Resolution = %v, want 320x240", got)
	}
}

func TestSourceFailures(t *testing.T) {
	tests := []struct {
		name string
		cfg  SyntheticConfig
		kind ErrorKind
	}{
		{"open", SyntheticConfig{OpenErr: errors.New("permission denied")}, KindOpen},
		{"no device", SyntheticConfig{OpenErr: ErrNoDevice}, KindEnumeration},
		{"session", SyntheticConfig{SessionErr: errors.New("format rejected")}, KindSessionConfig},
		{"disconnect", SyntheticConfig{FPS: 200, DisconnectAfter: 3}, KindDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := NewSynthetic(tt.cfg)
			src := NewSource(provider)
			var errs errorSink

			if err := src.Start(Preference{}, func(*frame.RawFrame) {}, errs.handle); err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitFor(t, "error state", func() bool { return src.State() == Error })
			waitFor(t, "error callback", func() bool { return len(errs.all()) == 1 })

			err := errs.all()[0]
			if !IsKind(err, tt.kind) {
				t.Fatalf("error %v is not of kind %s", err, tt.kind)
			}
			if provider.OpenDevices() != 0 {
				t.Fatalf("%d devices left open after failure", provider.OpenDevices())
			}

			if err := src.Stop(); err != nil {
				t.Fatalf("Stop from Error: %v", err)
			}
			if src.State() != Closed {
				t.Fatalf("state = %s, want closed", src.State())
			}
			if len(errs.all()) != 1 {
				t.Fatalf("error reported %d times", len(errs.all()))
			}
		})
	}
}

func TestSourceRestartAfterError(t *testing.T) {
	provider := NewSynthetic(SyntheticConfig{FPS: 200, DisconnectAfter: 2})
	src := NewSource(provider)
	defer src.Stop()

	for i := 0; i < 2; i++ {
		if err := src.Start(Preference{}, func(*frame.RawFrame) {}, nil); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		waitFor(t, "error state", func() bool { return src.State() == Error })
	}
}

func TestSourceStopWhileOpening(t *testing.T) {
	provider := NewSynthetic(SyntheticConfig{OpenDelay: time.Second})
	src := NewSource(provider)
	var errs errorSink
	var frames atomic.Int64

	if err := src.Start(Preference{}, func(*frame.RawFrame) { frames.Add(1) }, errs.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if src.State() != Opening {
		t.Fatalf("state = %s, want opening", src.State())
	}

	start := time.Now()
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Stop waited for the full open delay")
	}
	if src.State() != Closed {
		t.Fatalf("state = %s", src.State())
	}
	if frames.Load() != 0 || len(errs.all()) != 0 {
		t.Fatalf("frames=%d errs=%v after cancelled open", frames.Load(), errs.all())
	}
}

func TestSourceRejectsDoubleStart(t *testing.T) {
	src := NewSource(NewSynthetic(SyntheticConfig{FPS: 100}))
	defer src.Stop()

	if err := src.Start(Preference{}, func(*frame.RawFrame) {}, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := src.Start(Preference{}, func(*frame.RawFrame) {}, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
}

func TestRapidStartStopNeverOverlaps(t *testing.T) {
	provider := NewSynthetic(SyntheticConfig{FPS: 500, OpenDelay: time.Millisecond})
	src := NewSource(provider)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = src.Start(Preference{}, func(*frame.RawFrame) {}, nil)
				if i%3 == 0 {
					time.Sleep(time.Millisecond)
				}
				_ = src.Stop()
			}
		}()
	}
	wg.Wait()
	_ = src.Stop()

	if peak := provider.PeakOpenDevices(); peak > 1 {
		t.Fatalf("peak concurrently open devices = %d", peak)
	}
	if provider.OpenDevices() != 0 {
		t.Fatalf("%d devices left open", provider.OpenDevices())
	}
}

func TestFramesAreReleasedAfterHandler(t *testing.T) {
	// Two pooled buffers: delivery stalls unless every frame is released.
	provider := NewSynthetic(SyntheticConfig{FPS: 300, Buffers: 2})
	src := NewSource(provider)
	defer src.Stop()

	var frames atomic.Int64
	if err := src.Start(Preference{}, func(*frame.RawFrame) { frames.Add(1) }, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "more frames than buffers", func() bool { return frames.Load() > 10 })
}

func TestChooseResolution(t *testing.T) {
	supported := []frame.Resolution{{Width: 1280, Height: 720}, {Width: 640, Height: 480}}

	got, err := ChooseResolution(supported, []frame.Resolution{{Width: 800, Height: 600}, {Width: 640, Height: 480}})
	if err != nil || got != supported[1] {
		t.Fatalf("ChooseResolution = %v, %v", got, err)
	}
	got, err = ChooseResolution(supported, nil)
	if err != nil || got != supported[0] {
		t.Fatalf("fallback = %v, %v", got, err)
	}
	if _, err := ChooseResolution(nil, nil); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("empty supported list = %v", err)
	}
}

func TestSplitI420(t *testing.T) {
	// 6x2: yStride 8, chroma 3x1 with stride 4
	data := make([]byte, 8*2+4*1*2)
	raw := splitI420(data, 6, 2)
	if raw.YStride != 8 || raw.UVStride != 4 {
		t.Fatalf("strides %d/%d", raw.YStride, raw.UVStride)
	}
	if err := raw.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	short := splitI420(data[:10], 6, 2)
	if err := short.Validate(); err == nil {
		t.Fatal("truncated buffer validated")
	}
}
