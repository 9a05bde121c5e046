//go:build gocv

package processing

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// GoCVName is the registry name of the OpenCV backend.
const GoCVName = "gocv"

func init() {
	Register(GoCVName, func() (Processor, error) { return NewGoCV(), nil })
}

// GoCV runs the processing modes through OpenCV.
type GoCV struct {
	lastNanos atomic.Int64
}

// NewGoCV creates the OpenCV backend.
func NewGoCV() *GoCV {
	return &GoCV{}
}

// Name returns the backend name.
func (g *GoCV) Name() string {
	return GoCVName
}

// LastProcessingTimeMs returns the duration of the last successful call.
func (g *GoCV) LastProcessingTimeMs() float64 {
	return float64(g.lastNanos.Load()) / float64(time.Millisecond)
}

// Process applies mode to an RGBA frame and returns a new RGBA buffer.
func (g *GoCV) Process(pixels []byte, width, height int, mode Mode, params Params) ([]byte, error) {
	if err := checkGeometry(GoCVName, mode, pixels, width, height); err != nil {
		return nil, err
	}
	if mode == Raw {
		return pixels[:width*height*4], nil
	}
	if !mode.Valid() {
		return nil, &ProcessingError{Backend: GoCVName, Mode: mode, Err: errUnknownMode}
	}

	start := time.Now()

	src, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC4, pixels[:width*height*4])
	if err != nil {
		return nil, &ProcessingError{Backend: GoCVName, Mode: mode, Err: fmt.Errorf("failed to wrap frame: %w", err)}
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorRGBAToGray)

	result := gray
	if mode == EdgeDetect {
		blurred := gocv.NewMat()
		defer blurred.Close()
		gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), blurSigma, blurSigma, gocv.BorderDefault)

		edges := gocv.NewMat()
		defer edges.Close()
		gocv.Canny(blurred, &edges, float32(params.Threshold1), float32(params.Threshold2))
		result = edges
	}

	rgba := gocv.NewMat()
	defer rgba.Close()
	gocv.CvtColor(result, &rgba, gocv.ColorGrayToRGBA)
	if rgba.Empty() {
		return nil, &ProcessingError{Backend: GoCVName, Mode: mode, Err: fmt.Errorf("empty result")}
	}

	out := rgba.ToBytes()
	g.lastNanos.Store(int64(time.Since(start)))
	return out, nil
}
