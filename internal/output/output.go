// Package output publishes processed frames beyond the local display.
package output

import (
	"image"
)

// Output is a destination for rendered frames.
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a frame to the output. The output must not retain
	// frame after returning.
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	// Width and Height bound the output size; larger frames are scaled
	// down preserving aspect ratio. Zero keeps the frame size.
	Width   int
	Height  int
	FPS     int
	Quality int
}
