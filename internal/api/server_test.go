package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
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
	frame    *frame.PixelBuffer
	stats    stats.FrameStats
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
	return pipeline.Status{Running: p.running, Mode: p.mode, Params: p.params, Stats: p.stats}
}

func (p *fakePipeline) Stats() stats.FrameStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakePipeline) Mode() processing.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *fakePipeline) SetMode(m processing.Mode) error {
	if !m.Valid() {
		return errors.New("invalid mode")
	}
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
		return errors.New("negative threshold")
	}
	p.mu.Lock()
	p.params = params
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) LatestFrame() *frame.PixelBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

func newTestServer(t *testing.T) (*fakePipeline, *httptest.Server) {
	t.Helper()
	pipe := &fakePipeline{
		mode:   processing.EdgeDetect,
		params: processing.DefaultParams(),
		stats:  stats.FrameStats{FPS: 24, ProcessingTimeMs: 8.5, Resolution: "640x480", FrameCount: 100},
	}
	s := NewServer(pipe, nil, nil)
	s.StatsInterval = 10 * time.Millisecond
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return pipe, ts
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestModeEndpoints(t *testing.T) {
	pipe, ts := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantMode   processing.Mode
	}{
		{"get", "GET", "/api/mode", "", http.StatusOK, processing.EdgeDetect},
		{"set gray", "PUT", "/api/mode", `{"mode":"grayscale"}`, http.StatusOK, processing.Grayscale},
		{"next", "POST", "/api/mode/next", "", http.StatusOK, processing.Raw},
		{"unknown", "PUT", "/api/mode", `{"mode":"sepia"}`, http.StatusBadRequest, processing.Raw},
		{"malformed", "PUT", "/api/mode", `{`, http.StatusBadRequest, processing.Raw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, tt.method, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := pipe.Mode(); got != tt.wantMode {
				t.Fatalf("mode = %s, want %s", got, tt.wantMode)
			}
		})
	}
}

func TestParamsEndpoint(t *testing.T) {
	pipe, ts := newTestServer(t)

	resp, _ := do(t, "PUT", ts.URL+"/api/params", `{"threshold1":20}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if p := pipe.Params(); p.Threshold1 != 20 || p.Threshold2 != 150 {
		t.Fatalf("params = %+v", p)
	}

	resp, _ = do(t, "PUT", ts.URL+"/api/params", `{"threshold2":-1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative threshold status = %d", resp.StatusCode)
	}
}

func TestCameraEndpoints(t *testing.T) {
	pipe, ts := newTestServer(t)

	resp, body := do(t, "POST", ts.URL+"/api/camera/start", "")
	if resp.StatusCode != http.StatusOK || body["running"] != true {
		t.Fatalf("start: %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, "POST", ts.URL+"/api/camera/stop", "")
	if resp.StatusCode != http.StatusOK || body["running"] != false {
		t.Fatalf("stop: %d %v", resp.StatusCode, body)
	}

	pipe.startErr = errors.New("no camera")
	resp, body = do(t, "POST", ts.URL+"/api/camera/start", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["error"] != "no camera" {
		t.Fatalf("failed start: %d %v", resp.StatusCode, body)
	}
}

func TestFrameEndpoint(t *testing.T) {
	pipe, ts := newTestServer(t)

	if resp, _ := do(t, "GET", ts.URL+"/api/frame", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no frame status = %d", resp.StatusCode)
	}

	buf := frame.NewPixelBuffer(4, 2)
	buf.Pix[0] = 255
	pipe.frame = buf

	resp, body := do(t, "GET", ts.URL+"/api/frame", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["resolution"] != "4x2" || body["fps"] != float64(24) || body["processingTime"] != 8.5 {
		t.Fatalf("body = %v", body)
	}
	data, err := base64.StdEncoding.DecodeString(body["frameData"].(string))
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("frameData is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 2 {
		t.Fatalf("bounds = %v", img.Bounds())
	}
}

func TestStatsStreamPushesSnapshots(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stats/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		var st stats.FrameStats
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if st.FPS != 24 || st.Resolution != "640x480" {
			t.Fatalf("snapshot = %+v", st)
		}
	}
}

func TestIndexAndCORS(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("index: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}

	if resp, _ := do(t, "OPTIONS", ts.URL+"/api/mode", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("preflight = %d", resp.StatusCode)
	}
	if resp, _ := do(t, "GET", ts.URL+"/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path = %d", resp.StatusCode)
	}
	if resp, _ := do(t, "GET", ts.URL+"/api/config", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("config without manager = %d", resp.StatusCode)
	}
}
