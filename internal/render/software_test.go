package render

import (
	"image"
	"image/color"
	"testing"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
)

func solidBuffer(w, h int, c color.RGBA) *frame.PixelBuffer {
	buf := frame.NewPixelBuffer(w, h)
	for i := 0; i < len(buf.Pix); i += 4 {
		buf.Pix[i] = c.R
		buf.Pix[i+1] = c.G
		buf.Pix[i+2] = c.B
		buf.Pix[i+3] = c.A
	}
	return buf
}

func TestSoftwareBackendCompilesProgram(t *testing.T) {
	b := NewSoftwareBackend()
	if err := b.CompileProgram(); err != nil {
		t.Fatalf("CompileProgram: %v", err)
	}
	if b.ProgramSize() == 0 {
		t.Fatal("empty program")
	}
}

func TestSoftwareBackendLetterboxes(t *testing.T) {
	b := NewSoftwareBackend()
	r := New(b)
	if err := r.OnSurfaceCreated(); err != nil {
		t.Fatalf("OnSurfaceCreated: %v", err)
	}
	if err := r.OnSurfaceChanged(800, 400); err != nil {
		t.Fatalf("OnSurfaceChanged: %v", err)
	}

	r.UpdateFrame(solidBuffer(640, 480, color.RGBA{R: 255, A: 255}))
	img, err := r.OnDrawFrame()
	if err != nil {
		t.Fatalf("OnDrawFrame: %v", err)
	}
	if img.Rect != image.Rect(0, 0, 800, 400) {
		t.Fatalf("target = %v", img.Rect)
	}

	red := img.RGBAAt(400, 200)
	if red.R < 200 || red.G > 30 || red.B > 30 {
		t.Fatalf("center pixel = %v, want red", red)
	}
	for _, x := range []int{20, 780} {
		if bar := img.RGBAAt(x, 200); bar.R > 10 || bar.G > 10 || bar.B > 10 {
			t.Fatalf("bar pixel at x=%d = %v, want black", x, bar)
		}
	}
}

func TestSoftwareBackendReusesTexture(t *testing.T) {
	b := NewSoftwareBackend()
	if err := b.CreateTexture(4, 4); err != nil {
		t.Fatal(err)
	}
	created := b.Texture()

	if err := b.Upload(solidBuffer(4, 4, color.RGBA{R: 255, A: 255})); err != nil {
		t.Fatal(err)
	}
	if err := b.Upload(solidBuffer(4, 4, color.RGBA{G: 255, A: 255})); err != nil {
		t.Fatal(err)
	}
	if b.Texture() != created {
		t.Fatal("same-size upload allocated a new texture")
	}
	if r, g, _, _ := created.GetRGBA(3, 3); r != 0 || g != 255 {
		t.Fatalf("texture pixel = %d,%d, want latest upload", r, g)
	}

	if err := b.Upload(solidBuffer(8, 2, color.RGBA{B: 255, A: 255})); err != nil {
		t.Fatal(err)
	}
	if b.Texture() == created || b.Texture().Width() != 8 || b.Texture().Height() != 2 {
		t.Fatal("size change did not reallocate the texture")
	}
}
