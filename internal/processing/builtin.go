package processing

import (
	"errors"
	"math"
	"sync/atomic"
	"time"
)

// BuiltinName is the registry name of the pure Go backend.
const BuiltinName = "builtin"

func init() {
	Register(BuiltinName, func() (Processor, error) { return NewBuiltin(), nil })
}

const (
	blurRadius = 2
	blurSigma  = 1.5
)

// Builtin implements grayscale and Canny edge detection in pure Go.
// A Builtin is not safe for concurrent Process calls; the dispatcher never
// makes any.
type Builtin struct {
	lastNanos atomic.Int64
	kernel    [2*blurRadius + 1]float32

	gray, tmp, blur []float32
	mag             []float32
	gx, gy          []float32
	edges           []uint8
	stack           []int
}

// NewBuiltin creates the pure Go backend.
func NewBuiltin() *Builtin {
	b := &Builtin{}
	var sum float64
	for i := range b.kernel {
		d := float64(i - blurRadius)
		v := math.Exp(-(d * d) / (2 * blurSigma * blurSigma))
		b.kernel[i] = float32(v)
		sum += v
	}
	for i := range b.kernel {
		b.kernel[i] /= float32(sum)
	}
	return b
}

// Name returns the backend name.
func (b *Builtin) Name() string {
	return BuiltinName
}

// LastProcessingTimeMs returns the duration of the last successful call.
func (b *Builtin) LastProcessingTimeMs() float64 {
	return float64(b.lastNanos.Load()) / float64(time.Millisecond)
}

// Process applies mode to an RGBA frame and returns a new RGBA buffer.
func (b *Builtin) Process(pixels []byte, width, height int, mode Mode, params Params) ([]byte, error) {
	if err := checkGeometry(BuiltinName, mode, pixels, width, height); err != nil {
		return nil, err
	}
	start := time.Now()

	var out []byte
	switch mode {
	case Raw:
		out = pixels[:width*height*4]
	case Grayscale:
		out = b.grayscale(pixels, width, height)
	case EdgeDetect:
		out = b.canny(pixels, width, height, params)
	default:
		return nil, &ProcessingError{Backend: BuiltinName, Mode: mode, Err: errUnknownMode}
	}

	b.lastNanos.Store(int64(time.Since(start)))
	return out, nil
}

var errUnknownMode = errors.New("unknown mode")

func (b *Builtin) grayscale(pixels []byte, width, height int) []byte {
	n := width * height
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		p := pixels[i*4 : i*4+3]
		l := byte((299*uint32(p[0]) + 587*uint32(p[1]) + 114*uint32(p[2]) + 500) / 1000)
		o := out[i*4 : i*4+4]
		o[0], o[1], o[2], o[3] = l, l, l, 0xff
	}
	return out
}

func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}

func (b *Builtin) canny(pixels []byte, width, height int, params Params) []byte {
	n := width * height
	b.gray = grow(b.gray, n)
	b.tmp = grow(b.tmp, n)
	b.blur = grow(b.blur, n)
	b.gx = grow(b.gx, n)
	b.gy = grow(b.gy, n)
	b.mag = grow(b.mag, n)
	if cap(b.edges) < n {
		b.edges = make([]uint8, n)
	}
	b.edges = b.edges[:n]

	for i := 0; i < n; i++ {
		p := pixels[i*4 : i*4+3]
		b.gray[i] = float32(299*uint32(p[0])+587*uint32(p[1])+114*uint32(p[2])) / 1000
	}

	b.gaussian(width, height)
	b.sobel(width, height)
	b.suppress(width, height)
	b.hysteresis(width, height, params)

	out := make([]byte, n*4)
	for i, e := range b.edges {
		var v byte
		if e == edgeStrong {
			v = 0xff
		}
		o := out[i*4 : i*4+4]
		o[0], o[1], o[2], o[3] = v, v, v, 0xff
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// gaussian blurs gray into blur with a separable kernel, replicating edges.
func (b *Builtin) gaussian(width, height int) {
	for y := 0; y < height; y++ {
		row := y * width
		for x := 0; x < width; x++ {
			var acc float32
			for k := -blurRadius; k <= blurRadius; k++ {
				acc += b.kernel[k+blurRadius] * b.gray[row+clamp(x+k, 0, width-1)]
			}
			b.tmp[row+x] = acc
		}
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var acc float32
			for k := -blurRadius; k <= blurRadius; k++ {
				acc += b.kernel[k+blurRadius] * b.tmp[clamp(y+k, 0, height-1)*width+x]
			}
			b.blur[y*width+x] = acc
		}
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// sobel fills gx, gy and the L1 gradient magnitude. Border pixels get zero.
func (b *Builtin) sobel(width, height int) {
	for i := range b.mag {
		b.mag[i], b.gx[i], b.gy[i] = 0, 0, 0
	}
	s := b.blur
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			tl, t, tr := s[i-width-1], s[i-width], s[i-width+1]
			l, r := s[i-1], s[i+1]
			bl, bm, br := s[i+width-1], s[i+width], s[i+width+1]

			gx := (tr + 2*r + br) - (tl + 2*l + bl)
			gy := (bl + 2*bm + br) - (tl + 2*t + tr)
			b.gx[i] = gx
			b.gy[i] = gy
			b.mag[i] = abs32(gx) + abs32(gy)
		}
	}
}

const (
	edgeNone uint8 = iota
	edgeWeak
	edgeStrong
	edgeCandidate
)

var (
	tan22 = float32(math.Tan(math.Pi / 8))
	tan67 = float32(math.Tan(3 * math.Pi / 8))
)

// suppress marks local maxima along the gradient direction as candidates.
func (b *Builtin) suppress(width, height int) {
	for i := range b.edges {
		b.edges[i] = edgeNone
	}
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			m := b.mag[i]
			if m == 0 {
				continue
			}
			ax, ay := abs32(b.gx[i]), abs32(b.gy[i])

			var n1, n2 float32
			switch {
			case ay <= ax*tan22:
				n1, n2 = b.mag[i-1], b.mag[i+1]
			case ay >= ax*tan67:
				n1, n2 = b.mag[i-width], b.mag[i+width]
			case (b.gx[i] > 0) == (b.gy[i] > 0):
				n1, n2 = b.mag[i-width-1], b.mag[i+width+1]
			default:
				n1, n2 = b.mag[i-width+1], b.mag[i+width-1]
			}
			if m > n1 && m >= n2 {
				b.edges[i] = edgeCandidate
			}
		}
	}
}

// hysteresis keeps candidates above the high threshold and any candidate
// above the low threshold that is 8-connected to one.
func (b *Builtin) hysteresis(width, height int, params Params) {
	low, high := float32(params.Threshold1), float32(params.Threshold2)
	if low > high {
		low, high = high, low
	}

	b.stack = b.stack[:0]
	for i, e := range b.edges {
		if e != edgeCandidate {
			continue
		}
		switch m := b.mag[i]; {
		case m > high:
			b.edges[i] = edgeStrong
			b.stack = append(b.stack, i)
		case m > low:
			b.edges[i] = edgeWeak
		default:
			b.edges[i] = edgeNone
		}
	}

	for len(b.stack) > 0 {
		i := b.stack[len(b.stack)-1]
		b.stack = b.stack[:len(b.stack)-1]
		x, y := i%width, i/width
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= width || ny >= height {
					continue
				}
				j := ny*width + nx
				if b.edges[j] == edgeWeak {
					b.edges[j] = edgeStrong
					b.stack = append(b.stack, j)
				}
			}
		}
	}
}
