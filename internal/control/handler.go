// Package control exposes the pipeline over MQTT: a command topic for
// remote control and a telemetry topic carrying periodic stats.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/pipeline"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string      `json:"command_ack"`
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  string      `json:"timestamp"`
}

// Pipeline is what the control plane drives.
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
}

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Handler handles control plane commands
type Handler struct {
	pipe          Pipeline
	pub           Publisher
	responseTopic string
	commands      chan Command
	now           func() time.Time
}

// NewHandler creates a new control plane handler
func NewHandler(pipe Pipeline, pub Publisher, responseTopic string) *Handler {
	return &Handler{
		pipe:          pipe,
		pub:           pub,
		responseTopic: responseTopic,
		commands:      make(chan Command, 10),
		now:           time.Now,
	}
}

// HandleMessage decodes a raw command payload and queues it. Malformed
// payloads are answered immediately.
func (h *Handler) HandleMessage(payload []byte) {
	log := logger.WithComponent("mqtt")

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Warn().Err(err).Msg("Failed to parse control command")
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	log.Info().Str("command", cmd.Command).Msg("Control command received")

	select {
	case h.commands <- cmd:
	default:
		log.Warn().Str("command", cmd.Command).Msg("Command queue full, dropping command")
	}
}

// Run executes queued commands until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.Execute(cmd))
		}
	}
}

// Execute runs one command and builds its response.
func (h *Handler) Execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: "success"}
	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case "get_status":
		resp.Data = h.pipe.Status()

	case "get_stats":
		resp.Data = h.pipe.Stats()

	case "start":
		if err := h.pipe.Start(); err != nil {
			return fail(err)
		}
		resp.Data = h.pipe.Status()

	case "stop":
		if err := h.pipe.Stop(); err != nil {
			return fail(err)
		}
		resp.Data = h.pipe.Status()

	case "set_mode":
		name, _ := cmd.Params["mode"].(string)
		mode, err := processing.ParseMode(name)
		if err != nil {
			return fail(err)
		}
		if err := h.pipe.SetMode(mode); err != nil {
			return fail(err)
		}
		resp.Data = map[string]interface{}{"mode": mode}

	case "cycle_mode":
		resp.Data = map[string]interface{}{"mode": h.pipe.CycleMode()}

	case "set_params":
		params := h.pipe.Params()
		if v, ok := cmd.Params["threshold1"]; ok {
			f, ok := v.(float64)
			if !ok {
				return fail(fmt.Errorf("threshold1 must be a number"))
			}
			params.Threshold1 = f
		}
		if v, ok := cmd.Params["threshold2"]; ok {
			f, ok := v.(float64)
			if !ok {
				return fail(fmt.Errorf("threshold2 must be a number"))
			}
			params.Threshold2 = f
		}
		if err := h.pipe.SetParams(params); err != nil {
			return fail(err)
		}
		resp.Data = params

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

func (h *Handler) sendResponse(resp Response) {
	log := logger.WithComponent("mqtt")
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		return
	}
	if err := h.pub.Publish(h.responseTopic, payload); err != nil {
		log.Error().Err(err).Msg("Failed to publish response")
		return
	}

	log.Debug().Str("command_ack", resp.CommandAck).Str("status", resp.Status).Msg("Response sent")
}
