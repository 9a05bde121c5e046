package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/EdgeStreamer/internal/config"
	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/output"
	"github.com/bryanchriswhite/EdgeStreamer/internal/pipeline"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

// Pipeline is the part of the pipeline controller the API drives.
type Pipeline interface {
	Start() error
	Stop() error
	Status() pipeline.Status
	Stats() stats.FrameStats
	Mode() processing.Mode
	SetMode(processing.Mode) error
	CycleMode() processing.Mode
	Params() processing.Params
	SetParams(processing.Params) error
	LatestFrame() *frame.PixelBuffer
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	pipe      Pipeline
	configMgr *config.Manager
	mjpeg     *output.MJPEGOutput
	upgrader  websocket.Upgrader
	httpSrv   *http.Server

	// StatsInterval is how often /api/stats/stream pushes a snapshot.
	StatsInterval time.Duration
}

// NewServer creates a new API server. configMgr and mjpeg may be nil.
func NewServer(pipe Pipeline, configMgr *config.Manager, mjpeg *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		pipe:      pipe,
		configMgr: configMgr,
		mjpeg:     mjpeg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		StatsInterval: 500 * time.Millisecond,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Pipeline state
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/stats/stream", s.handleStatsStream)
	api.HandleFunc("/frame", s.handleFrame).Methods("GET")

	// Processing
	api.HandleFunc("/modes", s.handleModes).Methods("GET")
	api.HandleFunc("/mode", s.handleGetMode).Methods("GET")
	api.HandleFunc("/mode", s.handleSetMode).Methods("PUT")
	api.HandleFunc("/mode/next", s.handleNextMode).Methods("POST")
	api.HandleFunc("/params", s.handleGetParams).Methods("GET")
	api.HandleFunc("/params", s.handleSetParams).Methods("PUT")

	// Camera lifecycle
	api.HandleFunc("/camera/start", s.handleCameraStart).Methods("POST")
	api.HandleFunc("/camera/stop", s.handleCameraStop).Methods("POST")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.mjpeg != nil {
		s.router.HandleFunc("/stream", s.mjpeg.GetHTTPHandler())
		s.router.HandleFunc("/stream/stats", s.mjpeg.GetStatsHandler())
	}

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}
	logger.WithComponent("api").Info().Str("addr", addr).Msg("Starting HTTP server")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HTTP Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Stats())
}

// frameResponse is the polling form of the current frame.
type frameResponse struct {
	FrameData      string  `json:"frameData"`
	FPS            int     `json:"fps"`
	ProcessingTime float64 `json:"processingTime"`
	Resolution     string  `json:"resolution"`
	Mode           string  `json:"mode"`
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	buf := s.pipe.LatestFrame()
	if buf == nil {
		writeError(w, http.StatusNotFound, errors.New("no frame available"))
		return
	}

	var encoded bytes.Buffer
	if err := png.Encode(&encoded, buf.RGBA()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	st := s.pipe.Stats()
	writeJSON(w, http.StatusOK, frameResponse{
		FrameData:      base64.StdEncoding.EncodeToString(encoded.Bytes()),
		FPS:            st.FPS,
		ProcessingTime: st.ProcessingTimeMs,
		Resolution:     buf.Resolution().String(),
		Mode:           s.pipe.Mode().String(),
	})
}

func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain reads so close frames are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.StatsInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.pipe.Stats()); err != nil {
			log.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modes":   processing.Modes(),
		"current": s.pipe.Mode(),
	})
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]processing.Mode{"mode": s.pipe.Mode()})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	mode, err := processing.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pipe.SetMode(mode); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]processing.Mode{"mode": mode})
}

func (s *Server) handleNextMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]processing.Mode{"mode": s.pipe.CycleMode()})
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Params())
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	params := s.pipe.Params()
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pipe.SetParams(params); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func (s *Server) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.Start(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pipe.Status())
}

func (s *Server) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pipe.Status())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		writeError(w, http.StatusNotFound, errors.New("no configuration loaded"))
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexHTML))
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api") {
		http.NotFound(w, r)
		return
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("unknown endpoint: %s", r.URL.Path))
}
