package render

import (
	"image"
	"sync"
)

// HeadlessSurface keeps the last presented frame in memory. It backs the
// renderer when no display is available and in tests.
type HeadlessSurface struct {
	mu       sync.Mutex
	width    int
	height   int
	last     *image.RGBA
	presents int
}

// NewHeadlessSurface creates a surface of the given size.
func NewHeadlessSurface(width, height int) *HeadlessSurface {
	return &HeadlessSurface{width: width, height: height}
}

// Size returns the current surface size.
func (s *HeadlessSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Resize changes the size reported to the render loop.
func (s *HeadlessSurface) Resize(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

// Present copies img.
func (s *HeadlessSurface) Present(img *image.RGBA) error {
	cp := image.NewRGBA(img.Rect)
	copy(cp.Pix, img.Pix)
	s.mu.Lock()
	s.last = cp
	s.presents++
	s.mu.Unlock()
	return nil
}

// Last returns the most recently presented frame, or nil.
func (s *HeadlessSurface) Last() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Presents counts presented frames.
func (s *HeadlessSurface) Presents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presents
}

// Close is a no-op.
func (s *HeadlessSurface) Close() error {
	return nil
}
