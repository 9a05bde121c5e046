package overlay

import (
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const lineHeight = 13 // basicfont.Face7x13

// TextWidget displays one or more lines of text on a translucent panel.
type TextWidget struct {
	*BaseWidget
	text      string
	textColor color.RGBA
	bgColor   *color.RGBA
	padding   int
}

// NewTextWidget creates a white text widget at (x, y).
func NewTextWidget(id string, x, y int) *TextWidget {
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, 1.0),
		textColor:  color.RGBA{255, 255, 255, 255},
		padding:    5,
	}
}

// SetText updates the text content. Newlines start new lines.
func (w *TextWidget) SetText(text string) {
	w.text = text
}

// Text returns the current text.
func (w *TextWidget) Text() string {
	return w.text
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.textColor = c
}

// SetBackground sets the background color (nil for transparent)
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.bgColor = c
}

// Bounds returns the panel size the current text needs.
func (w *TextWidget) Bounds() (int, int) {
	lines := strings.Split(w.text, "\n")
	d := &font.Drawer{Face: basicfont.Face7x13}
	widest := 0
	for _, line := range lines {
		if px := d.MeasureString(line).Ceil(); px > widest {
			widest = px
		}
	}
	return widest + w.padding*2, len(lines)*lineHeight + w.padding*2
}

// Render draws the widget
func (w *TextWidget) Render(img *image.RGBA) error {
	if !w.IsEnabled() || w.text == "" {
		return nil
	}

	width, height := w.Bounds()
	if w.bgColor != nil {
		DrawRectangle(img, w.x, w.y, width, height, *w.bgColor, w.opacity)
	}

	textImg := image.NewRGBA(image.Rect(0, 0, width-w.padding*2, height-w.padding*2))
	d := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(w.textColor),
		Face: basicfont.Face7x13,
	}
	for i, line := range strings.Split(w.text, "\n") {
		// Baseline sits at the bottom of each 13px cell, less the descent.
		d.Dot = fixed.Point26_6{X: 0, Y: fixed.I((i+1)*lineHeight - 2)}
		d.DrawString(line)
	}

	BlendImage(img, textImg, w.x+w.padding, w.y+w.padding, w.opacity)
	return nil
}
