package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bryanchriswhite/EdgeStreamer/internal/config"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
)

type recordingSettings struct {
	modes  []processing.Mode
	params []processing.Params
}

func (s *recordingSettings) SetMode(m processing.Mode) error {
	s.modes = append(s.modes, m)
	return nil
}

func (s *recordingSettings) SetParams(p processing.Params) error {
	s.params = append(s.params, p)
	return nil
}

func TestReloadAppliesOnlyChangedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	mgr, err := config.NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	mgr.SetMode(processing.Grayscale)
	live := &recordingSettings{}
	r := newReloader(mgr, live)

	// Another process edits an unrelated key.
	other, err := config.NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Set("server.mjpeg_fps", "10"); err != nil {
		t.Fatal(err)
	}
	applied, err := r.reload()
	if err != nil {
		t.Fatal(err)
	}
	if applied || len(live.modes) != 0 || len(live.params) != 0 {
		t.Fatalf("unrelated edit applied modes=%v params=%v", live.modes, live.params)
	}
	if got := mgr.Get(); got.Mode() != processing.Grayscale || got.Server.MJPEGFPS != 10 {
		t.Fatalf("effective config = mode %s, mjpeg fps %d", got.Mode(), got.Server.MJPEGFPS)
	}

	if err := other.Set("processing.threshold1", "20"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.reload(); err != nil {
		t.Fatal(err)
	}
	if len(live.modes) != 0 || len(live.params) != 1 || live.params[0].Threshold1 != 20 {
		t.Fatalf("threshold edit: modes=%v params=%v", live.modes, live.params)
	}

	if err := other.Set("processing.mode", "raw"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.reload(); err != nil {
		t.Fatal(err)
	}
	if len(live.modes) != 1 || live.modes[0] != processing.Raw || len(live.params) != 1 {
		t.Fatalf("mode edit: modes=%v params=%v", live.modes, live.params)
	}
}

func TestReloadIgnoresInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	mgr, err := config.NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	live := &recordingSettings{}
	r := newReloader(mgr, live)

	if err := os.WriteFile(path, []byte("processing:\n  mode: sepia\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.reload(); err == nil {
		t.Fatal("invalid file reloaded")
	}
	if len(live.modes) != 0 {
		t.Fatalf("modes applied from invalid file: %v", live.modes)
	}
}
