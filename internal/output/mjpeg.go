package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
)

// DefaultQuality is the JPEG quality used when Config.Quality is unset.
const DefaultQuality = 80

// MJPEGOutput streams frames as Motion JPEG over HTTP.
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	frameMu    sync.RWMutex
	lastJPEG   []byte
	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frameCount atomic.Uint64
	startTime  time.Time

	scaled *image.RGBA
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = DefaultQuality
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start initializes the MJPEG output. The HTTP handler is registered
// separately via GetHTTPHandler.
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount.Store(0)

	logger.WithComponent("mjpeg").Info().
		Int("max_width", m.config.Width).
		Int("max_height", m.config.Height).
		Int("fps", m.config.FPS).
		Int("quality", m.config.Quality).
		Msg("MJPEG output started")
	return nil
}

// Stop disconnects every client.
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.frameCount.Load()).Msg("MJPEG output stopped")
	return nil
}

// WriteFrame encodes frame and sends it to all connected clients. Clients
// that have not drained their previous frames skip this one.
// WriteFrame is called from a single goroutine.
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG output not running")
	}

	src := m.fit(frame)

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, src, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.lastJPEG = jpegData
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	m.frameCount.Add(1)

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// fit scales frame down into the configured bounds, reusing a scratch image.
func (m *MJPEGOutput) fit(frame *image.RGBA) *image.RGBA {
	b := frame.Bounds()
	maxW, maxH := m.config.Width, m.config.Height
	if maxW <= 0 || maxH <= 0 || (b.Dx() <= maxW && b.Dy() <= maxH) {
		return frame
	}

	scale := float64(maxW) / float64(b.Dx())
	if s := float64(maxH) / float64(b.Dy()); s < scale {
		scale = s
	}
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	if m.scaled == nil || m.scaled.Rect.Dx() != w || m.scaled.Rect.Dy() != h {
		m.scaled = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	draw.ApproxBiLinear.Scale(m.scaled, m.scaled.Rect, frame, b, draw.Src, nil)
	return m.scaled
}

// LastJPEG returns the most recently encoded frame, or nil.
func (m *MJPEGOutput) LastJPEG() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.lastJPEG
}

// Clients returns the number of connected stream clients.
func (m *MJPEGOutput) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// GetHTTPHandler returns the multipart stream handler. Mount it at /stream.
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, "stream not running", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log := logger.WithComponent("mjpeg")
		log.Info().Int("clients", clientCount).Str("remote", r.RemoteAddr).Msg("Stream client connected")

		defer func() {
			m.clientsMu.Lock()
			if _, ok := m.clients[frameChan]; ok {
				delete(m.clients, frameChan)
			}
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Stream client disconnected")
		}()

		// Start the client off with the last frame so it is not blank.
		if last := m.LastJPEG(); last != nil {
			if writePart(w, last) != nil {
				return
			}
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if writePart(w, jpegData) != nil {
					return
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// GetStatsHandler returns an HTTP handler that shows stream statistics
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		running := m.running
		startTime := m.startTime
		m.mu.RUnlock()
		frameCount := m.frameCount.Load()

		m.frameMu.RLock()
		lastUpdate := m.lastUpdate
		m.frameMu.RUnlock()

		var fps float64
		if running && !startTime.IsZero() {
			if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
				fps = float64(frameCount) / elapsed
			}
		}

		status, statusClass := "Stopped", "status-stopped"
		if running {
			status, statusClass = "Running", "status-running"
		}
		last := "Never"
		if !lastUpdate.IsZero() {
			last = time.Since(lastUpdate).Round(time.Millisecond).String() + " ago"
		}
		uptime := "N/A"
		if !startTime.IsZero() {
			uptime = time.Since(startTime).Round(time.Second).String()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>EdgeStreamer - MJPEG Stats</title>
    <style>
        body { font-family: monospace; padding: 20px; background: #1e1e1e; color: #d4d4d4; }
        .stat { margin: 10px 0; }
        .label { color: #569cd6; }
        .value { color: #4ec9b0; }
        .status-running { color: #4ec9b0; }
        .status-stopped { color: #ce9178; }
    </style>
</head>
<body>
    <h1>EdgeStreamer MJPEG Stream Stats</h1>
    <div class="stat"><span class="label">Status:</span> <span class="value %s">%s</span></div>
    <div class="stat"><span class="label">Bounds:</span> <span class="value">%dx%d @ %d FPS (target), quality %d</span></div>
    <div class="stat"><span class="label">Actual FPS:</span> <span class="value">%.2f</span></div>
    <div class="stat"><span class="label">Total Frames:</span> <span class="value">%d</span></div>
    <div class="stat"><span class="label">Connected Clients:</span> <span class="value">%d</span></div>
    <div class="stat"><span class="label">Last Update:</span> <span class="value">%s</span></div>
    <div class="stat"><span class="label">Uptime:</span> <span class="value">%s</span></div>
    <p><a href="/stream" style="color: #569cd6;">View Stream</a></p>
</body>
</html>`,
			statusClass, status,
			m.config.Width, m.config.Height, m.config.FPS, m.config.Quality,
			fps,
			frameCount,
			m.Clients(),
			last,
			uptime,
		)
	}
}
