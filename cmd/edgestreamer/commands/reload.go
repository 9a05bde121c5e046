package commands

import (
	"sync"

	"github.com/bryanchriswhite/EdgeStreamer/internal/config"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
)

// liveSettings is the part of the pipeline a config reload may touch.
type liveSettings interface {
	SetMode(processing.Mode) error
	SetParams(processing.Params) error
}

// reloader pushes edited file values into the running pipeline. Only values
// that changed in the file are applied, so a mode picked at runtime (flag,
// API, MQTT) survives edits to unrelated keys.
type reloader struct {
	mgr  *config.Manager
	live liveSettings

	mu   sync.Mutex
	prev config.Config
}

func newReloader(mgr *config.Manager, live liveSettings) *reloader {
	return &reloader{mgr: mgr, live: live, prev: mgr.File()}
}

// reload re-reads the file and reports whether anything was applied.
func (r *reloader) reload() (bool, error) {
	log := logger.WithComponent("config")

	if _, err := r.mgr.Reload(); err != nil {
		return false, err
	}
	next := r.mgr.File()

	r.mu.Lock()
	prev := r.prev
	r.prev = next
	r.mu.Unlock()

	applied := false
	if next.Processing.Mode != prev.Processing.Mode {
		if err := r.live.SetMode(next.Mode()); err != nil {
			log.Warn().Err(err).Msg("Failed to apply mode")
		} else {
			applied = true
			log.Info().Str("mode", next.Mode().String()).Msg("Mode reloaded")
		}
	}
	if next.Params() != prev.Params() {
		if err := r.live.SetParams(next.Params()); err != nil {
			log.Warn().Err(err).Msg("Failed to apply thresholds")
		} else {
			applied = true
			log.Info().
				Float64("threshold1", next.Processing.Threshold1).
				Float64("threshold2", next.Processing.Threshold2).
				Msg("Thresholds reloaded")
		}
	}
	return applied, nil
}
