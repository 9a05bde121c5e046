package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/EdgeStreamer/internal/pipeline"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

type fakePipeline struct {
	mu       sync.Mutex
	running  bool
	startErr error
	mode     processing.Mode
	params   processing.Params
}

func (p *fakePipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.running = true
	return nil
}

func (p *fakePipeline) Stop() error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) Status() pipeline.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pipeline.Status{
		Running:     p.running,
		CameraState: "session_active",
		Mode:        p.mode,
		Params:      p.params,
		Stats:       stats.FrameStats{FPS: 30, ProcessingTimeMs: 4.25, Resolution: "640x480", FrameCount: 90, Dropped: 3},
	}
}

func (p *fakePipeline) Stats() stats.FrameStats { return p.Status().Stats }

func (p *fakePipeline) Mode() processing.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *fakePipeline) SetMode(m processing.Mode) error {
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) CycleMode() processing.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = p.mode.Next()
	return p.mode
}

func (p *fakePipeline) Params() processing.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

func (p *fakePipeline) SetParams(params processing.Params) error {
	if params.Threshold1 < 0 || params.Threshold2 < 0 {
		return errors.New("thresholds must not be negative")
	}
	p.mu.Lock()
	p.params = params
	p.mu.Unlock()
	return nil
}

type message struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{topic, append([]byte(nil), payload...)})
	return nil
}

func (f *fakePublisher) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.msgs...)
}

func newPipeline() *fakePipeline {
	return &fakePipeline{mode: processing.EdgeDetect, params: processing.DefaultParams()}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name       string
		cmd        Command
		wantStatus string
		check      func(t *testing.T, p *fakePipeline)
	}{
		{
			name:       "set mode",
			cmd:        Command{Command: "set_mode", Params: map[string]interface{}{"mode": "gray"}},
			wantStatus: "success",
			check: func(t *testing.T, p *fakePipeline) {
				if p.Mode() != processing.Grayscale {
					t.Fatalf("mode = %s", p.Mode())
				}
			},
		},
		{
			name:       "set unknown mode",
			cmd:        Command{Command: "set_mode", Params: map[string]interface{}{"mode": "sepia"}},
			wantStatus: "error",
		},
		{
			name:       "cycle",
			cmd:        Command{Command: "cycle_mode"},
			wantStatus: "success",
			check: func(t *testing.T, p *fakePipeline) {
				if p.Mode() != processing.Grayscale {
					t.Fatalf("mode = %s", p.Mode())
				}
			},
		},
		{
			name:       "set params",
			cmd:        Command{Command: "set_params", Params: map[string]interface{}{"threshold2": 90.0}},
			wantStatus: "success",
			check: func(t *testing.T, p *fakePipeline) {
				if got := p.Params(); got.Threshold1 != 50 || got.Threshold2 != 90 {
					t.Fatalf("params = %+v", got)
				}
			},
		},
		{
			name:       "set params wrong type",
			cmd:        Command{Command: "set_params", Params: map[string]interface{}{"threshold1": "low"}},
			wantStatus: "error",
		},
		{
			name:       "set negative params",
			cmd:        Command{Command: "set_params", Params: map[string]interface{}{"threshold1": -1.0}},
			wantStatus: "error",
		},
		{
			name:       "start",
			cmd:        Command{Command: "start"},
			wantStatus: "success",
			check: func(t *testing.T, p *fakePipeline) {
				if !p.Status().Running {
					t.Fatal("not running")
				}
			},
		},
		{
			name:       "stop",
			cmd:        Command{Command: "stop"},
			wantStatus: "success",
		},
		{
			name:       "status",
			cmd:        Command{Command: "get_status"},
			wantStatus: "success",
		},
		{
			name:       "unknown",
			cmd:        Command{Command: "reboot"},
			wantStatus: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline()
			h := NewHandler(p, &fakePublisher{}, "resp")
			resp := h.Execute(tt.cmd)
			if resp.Status != tt.wantStatus || resp.CommandAck != tt.cmd.Command {
				t.Fatalf("resp = %+v", resp)
			}
			if tt.wantStatus == "error" && resp.Error == "" {
				t.Fatal("error response without message")
			}
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestStartFailureIsReported(t *testing.T) {
	p := newPipeline()
	p.startErr = errors.New("camera busy")
	resp := NewHandler(p, &fakePublisher{}, "resp").Execute(Command{Command: "start"})
	if resp.Status != "error" || resp.Error != "camera busy" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestMessagesAreAnswered(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler(newPipeline(), pub, "edge/resp")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.HandleMessage([]byte(`not json`))
	h.HandleMessage([]byte(`{"command":"cycle_mode"}`))

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := pub.messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d responses", len(msgs))
	}

	var bad, good Response
	json.Unmarshal(msgs[0].payload, &bad)
	json.Unmarshal(msgs[1].payload, &good)
	if bad.Status != "error" || bad.CommandAck != "unknown" {
		t.Fatalf("malformed reply = %+v", bad)
	}
	if good.Status != "success" || good.Timestamp == "" || msgs[1].topic != "edge/resp" {
		t.Fatalf("reply = %+v on %s", good, msgs[1].topic)
	}
}

func TestTelemetryFormats(t *testing.T) {
	for _, format := range []string{"json", "msgpack"} {
		t.Run(format, func(t *testing.T) {
			pub := &fakePublisher{}
			r := NewReporter(newPipeline(), pub, "edge/telemetry", format, 0)
			r.now = func() time.Time { return time.UnixMilli(1700000000000) }
			if err := r.Report(); err != nil {
				t.Fatalf("Report: %v", err)
			}

			msgs := pub.messages()
			if len(msgs) != 1 || msgs[0].topic != "edge/telemetry" {
				t.Fatalf("messages = %v", msgs)
			}
			got, err := DecodeTelemetry(msgs[0].payload, format)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Timestamp != 1700000000000 || got.Mode != "edge_detect" || got.Stats.FPS != 30 || got.Stats.Dropped != 3 {
				t.Fatalf("telemetry = %+v", got)
			}
		})
	}

	if _, err := EncodeTelemetry(Telemetry{}, "xml"); err == nil {
		t.Fatal("unknown format accepted")
	}
}

func TestReporterSurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("offline")}
	r := NewReporter(newPipeline(), pub, "t", "json", 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r.Run(ctx)
}
