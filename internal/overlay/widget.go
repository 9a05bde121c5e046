// Package overlay draws status widgets on top of outgoing frames.
package overlay

import (
	"image"
	"image/color"
)

// Widget is something drawn onto a frame.
type Widget interface {
	ID() string
	Render(img *image.RGBA) error
	IsEnabled() bool
	SetEnabled(enabled bool)
}

// BaseWidget provides common functionality for all widgets
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a new base widget
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, enabled: true, x: x, y: y}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

// IsEnabled returns whether the widget should be rendered
func (w *BaseWidget) IsEnabled() bool {
	return w.enabled
}

// SetEnabled sets whether the widget should be rendered
func (w *BaseWidget) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// Position returns the widget's top-left corner.
func (w *BaseWidget) Position() (int, int) {
	return w.x, w.y
}

// SetPosition moves the widget.
func (w *BaseWidget) SetPosition(x, y int) {
	w.x = x
	w.y = y
}

// SetOpacity sets the widget's opacity, clamped to [0, 1].
func (w *BaseWidget) SetOpacity(opacity float64) {
	if opacity < 0.0 {
		opacity = 0.0
	}
	if opacity > 1.0 {
		opacity = 1.0
	}
	w.opacity = opacity
}

// BlendImage blends src onto dst with its top-left at (x, y), scaling the
// source alpha by opacity. Pixels outside dst are clipped.
func BlendImage(dst *image.RGBA, src *image.RGBA, x, y int, opacity float64) {
	srcBounds := src.Bounds()
	dstBounds := dst.Bounds()

	for sy := srcBounds.Min.Y; sy < srcBounds.Max.Y; sy++ {
		dy := y + (sy - srcBounds.Min.Y)
		if dy < dstBounds.Min.Y || dy >= dstBounds.Max.Y {
			continue
		}
		for sx := srcBounds.Min.X; sx < srcBounds.Max.X; sx++ {
			dx := x + (sx - srcBounds.Min.X)
			if dx < dstBounds.Min.X || dx >= dstBounds.Max.X {
				continue
			}

			s := src.RGBAAt(sx, sy)
			alpha := float64(s.A) / 255 * opacity
			if alpha <= 0 {
				continue
			}
			d := dst.RGBAAt(dx, dy)
			da := float64(d.A) / 255

			outA := alpha + da*(1-alpha)
			if outA <= 0 {
				continue
			}
			// Source is non-premultiplied straight alpha.
			mix := func(sc, dc uint8) uint8 {
				v := (float64(sc)*alpha + float64(dc)*da*(1-alpha)) / outA
				if v > 255 {
					v = 255
				}
				return uint8(v + 0.5)
			}
			dst.SetRGBA(dx, dy, color.RGBA{
				R: mix(s.R, d.R),
				G: mix(s.G, d.G),
				B: mix(s.B, d.B),
				A: uint8(outA*255 + 0.5),
			})
		}
	}
}

// DrawRectangle fills a rectangle with c blended at opacity.
func DrawRectangle(dst *image.RGBA, x, y, width, height int, c color.RGBA, opacity float64) {
	if width <= 0 || height <= 0 {
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(tmp.Pix); i += 4 {
		tmp.Pix[i] = c.R
		tmp.Pix[i+1] = c.G
		tmp.Pix[i+2] = c.B
		tmp.Pix[i+3] = c.A
	}
	BlendImage(dst, tmp, x, y, opacity)
}
