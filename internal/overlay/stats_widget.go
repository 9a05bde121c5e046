package overlay

import (
	"fmt"
	"image"
	"image/color"

	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

// StatsWidget is a badge with FPS, processing latency, resolution and mode.
type StatsWidget struct {
	*TextWidget
	snapshot func() stats.FrameStats
	mode     func() string
}

// NewStatsWidget reads stats and the mode name on every render.
func NewStatsWidget(snapshot func() stats.FrameStats, mode func() string) *StatsWidget {
	tw := NewTextWidget("stats", 8, 8)
	tw.SetBackground(&color.RGBA{0, 0, 0, 255})
	tw.SetOpacity(0.75)
	return &StatsWidget{TextWidget: tw, snapshot: snapshot, mode: mode}
}

// Render refreshes the text and draws the badge.
func (w *StatsWidget) Render(img *image.RGBA) error {
	w.SetText(FormatStats(w.snapshot(), w.mode()))
	return w.TextWidget.Render(img)
}

// FormatStats is the badge text.
func FormatStats(s stats.FrameStats, mode string) string {
	res := s.Resolution
	if res == "" {
		res = "-"
	}
	return fmt.Sprintf("%d fps  %.1f ms\n%s  %s\nframe %d  dropped %d",
		s.FPS, s.ProcessingTimeMs, res, mode, s.FrameCount, s.Dropped)
}
