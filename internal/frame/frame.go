// Package frame holds the frame types that move through the pipeline: the
// planar frame a capture source delivers and the packed RGBA buffer every
// later stage works on.
package frame

import (
	"fmt"
	"image"
	"sync"
	"time"
)

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// String formats the resolution as "WxH".
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Area returns the pixel count.
func (r Resolution) Area() int {
	return r.Width * r.Height
}

// IsZero reports whether either dimension is unset.
func (r Resolution) IsZero() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ParseResolution parses "WxH".
func ParseResolution(s string) (Resolution, error) {
	var r Resolution
	if _, err := fmt.Sscanf(s, "%dx%d", &r.Width, &r.Height); err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution %q (want WxH): %w", s, err)
	}
	if r.IsZero() {
		return Resolution{}, fmt.Errorf("invalid resolution %q: dimensions must be positive", s)
	}
	return r, nil
}

// RawFrame is a planar YUV 4:2:0 (I420) frame as delivered by a capture
// source. The planes may alias device memory; callers must not keep any
// reference to them after Release.
type RawFrame struct {
	Y, U, V   []byte
	YStride   int
	UVStride  int
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time

	releaseOnce sync.Once
	release     func()
}

// NewI420 allocates a tightly packed I420 frame.
func NewI420(width, height int) *RawFrame {
	cw, ch := ChromaSize(width, height)
	return &RawFrame{
		Y:        make([]byte, width*height),
		U:        make([]byte, cw*ch),
		V:        make([]byte, cw*ch),
		YStride:  width,
		UVStride: cw,
		Width:    width,
		Height:   height,
	}
}

// ChromaSize returns the dimensions of a 4:2:0 chroma plane.
func ChromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// OnRelease registers the hook that returns the frame's memory to its
// producer. It must be set before the frame is handed out.
func (f *RawFrame) OnRelease(fn func()) {
	f.release = fn
}

// Release hands the frame back to its producer. Safe to call more than once.
func (f *RawFrame) Release() {
	f.releaseOnce.Do(func() {
		if f.release != nil {
			f.release()
		}
		f.Y, f.U, f.V = nil, nil, nil
	})
}

// Resolution returns the frame geometry.
func (f *RawFrame) Resolution() Resolution {
	return Resolution{Width: f.Width, Height: f.Height}
}

// PixelBuffer is an owned, packed RGBA buffer of Width*Height*4 bytes.
type PixelBuffer struct {
	Pix        []byte
	Width      int
	Height     int
	Seq        uint64
	CapturedAt time.Time
}

// NewPixelBuffer allocates a zeroed RGBA buffer.
func NewPixelBuffer(width, height int) *PixelBuffer {
	return &PixelBuffer{
		Pix:    make([]byte, width*height*4),
		Width:  width,
		Height: height,
	}
}

// Stride returns the row length in bytes.
func (b *PixelBuffer) Stride() int {
	return b.Width * 4
}

// Resolution returns the buffer geometry.
func (b *PixelBuffer) Resolution() Resolution {
	return Resolution{Width: b.Width, Height: b.Height}
}

// RGBA returns an image view over the buffer without copying.
func (b *PixelBuffer) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    b.Pix,
		Stride: b.Stride(),
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// WithPix returns a buffer carrying pix and the metadata of b.
func (b *PixelBuffer) WithPix(pix []byte) *PixelBuffer {
	return &PixelBuffer{
		Pix:        pix,
		Width:      b.Width,
		Height:     b.Height,
		Seq:        b.Seq,
		CapturedAt: b.CapturedAt,
	}
}

// Clone returns a deep copy.
func (b *PixelBuffer) Clone() *PixelBuffer {
	pix := make([]byte, len(b.Pix))
	copy(pix, b.Pix)
	return b.WithPix(pix)
}
