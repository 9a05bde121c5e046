package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

// Telemetry is one periodic stats report.
type Telemetry struct {
	Timestamp   int64            `json:"timestamp" msgpack:"timestamp"`
	Running     bool             `json:"running" msgpack:"running"`
	CameraState string           `json:"camera_state" msgpack:"camera_state"`
	Mode        string           `json:"mode" msgpack:"mode"`
	Stats       stats.FrameStats `json:"stats" msgpack:"stats"`
}

// EncodeTelemetry marshals t as "json" or "msgpack".
func EncodeTelemetry(t Telemetry, format string) ([]byte, error) {
	switch format {
	case "", "json":
		return json.Marshal(t)
	case "msgpack":
		return msgpack.Marshal(t)
	default:
		return nil, fmt.Errorf("unsupported telemetry format: %s", format)
	}
}

// DecodeTelemetry is the inverse of EncodeTelemetry.
func DecodeTelemetry(data []byte, format string) (Telemetry, error) {
	var t Telemetry
	var err error
	switch format {
	case "", "json":
		err = json.Unmarshal(data, &t)
	case "msgpack":
		err = msgpack.Unmarshal(data, &t)
	default:
		err = fmt.Errorf("unsupported telemetry format: %s", format)
	}
	return t, err
}

// Reporter publishes telemetry on an interval.
type Reporter struct {
	pipe     Pipeline
	pub      Publisher
	topic    string
	format   string
	interval time.Duration
	now      func() time.Time
}

// NewReporter creates a telemetry reporter. A non-positive interval
// defaults to one second.
func NewReporter(pipe Pipeline, pub Publisher, topic, format string, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reporter{
		pipe:     pipe,
		pub:      pub,
		topic:    topic,
		format:   format,
		interval: interval,
		now:      time.Now,
	}
}

// Report publishes a single snapshot.
func (r *Reporter) Report() error {
	status := r.pipe.Status()
	payload, err := EncodeTelemetry(Telemetry{
		Timestamp:   r.now().UnixMilli(),
		Running:     status.Running,
		CameraState: status.CameraState,
		Mode:        status.Mode.String(),
		Stats:       status.Stats,
	}, r.format)
	if err != nil {
		return err
	}
	return r.pub.Publish(r.topic, payload)
}

// Run reports until ctx is done. Publish failures are logged and retried
// on the next tick.
func (r *Reporter) Run(ctx context.Context) {
	log := logger.WithComponent("mqtt")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Report(); err != nil {
				log.Debug().Err(err).Msg("Telemetry publish failed")
			}
		}
	}
}
