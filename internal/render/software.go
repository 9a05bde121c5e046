package render

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/gg"
	"github.com/gogpu/naga"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
)

//go:embed shaders/quad.wgsl
var quadShaderWGSL string

const spirvMagic = 0x07230203

// SoftwareBackend rasterizes the textured quad on the CPU with gg. The quad
// program is still compiled to SPIR-V so a broken shader fails at init the
// same way it would on a GPU.
type SoftwareBackend struct {
	spirv   []byte
	texture *gg.ImageBuf
	texW    int
	texH    int
	dc      *gg.Context
	viewW   int
	viewH   int
}

// NewSoftwareBackend creates a backend with no program or texture yet.
func NewSoftwareBackend() *SoftwareBackend {
	return &SoftwareBackend{}
}

// CompileProgram compiles the embedded WGSL quad program.
func (b *SoftwareBackend) CompileProgram() error {
	spirv, err := naga.Compile(quadShaderWGSL)
	if err != nil {
		return fmt.Errorf("failed to compile quad shader: %w", err)
	}
	if len(spirv) < 20 || len(spirv)%4 != 0 {
		return fmt.Errorf("compiled shader has invalid length %d", len(spirv))
	}
	if magic := binary.LittleEndian.Uint32(spirv); magic != spirvMagic {
		return fmt.Errorf("compiled shader has bad magic %#x", magic)
	}
	b.spirv = spirv
	return nil
}

// ProgramSize returns the size of the compiled program in bytes.
func (b *SoftwareBackend) ProgramSize() int {
	return len(b.spirv)
}

// CreateTexture allocates a black texture.
func (b *SoftwareBackend) CreateTexture(width, height int) error {
	tex, err := gg.NewImageBuf(width, height, gg.FormatRGBA8)
	if err != nil {
		return fmt.Errorf("failed to allocate %dx%d texture: %w", width, height, err)
	}
	b.texture = tex
	b.texW, b.texH = width, height
	return nil
}

// Upload copies buf into the texture, reallocating it only on a size change.
func (b *SoftwareBackend) Upload(buf *frame.PixelBuffer) error {
	if len(buf.Pix) < buf.Width*buf.Height*4 {
		return fmt.Errorf("pixel buffer has %d bytes for %dx%d", len(buf.Pix), buf.Width, buf.Height)
	}
	if b.texture == nil || buf.Width != b.texW || buf.Height != b.texH {
		if err := b.CreateTexture(buf.Width, buf.Height); err != nil {
			return err
		}
	}
	stride := buf.Stride()
	for y := 0; y < buf.Height; y++ {
		copy(b.texture.RowBytes(y), buf.Pix[y*stride:(y+1)*stride])
	}
	b.texture.InvalidatePremulCache()
	return nil
}

// Texture returns the current texture. It is replaced only when the frame
// size changes.
func (b *SoftwareBackend) Texture() *gg.ImageBuf {
	return b.texture
}

// SetViewport resizes the render target.
func (b *SoftwareBackend) SetViewport(width, height int) error {
	if b.dc == nil {
		b.dc = gg.NewContext(width, height)
	} else if err := b.dc.Resize(width, height); err != nil {
		return err
	}
	b.viewW, b.viewH = width, height
	return nil
}

// Draw clears to black and draws the texture where mvp puts the unit quad.
// The returned image aliases the target and is valid until the next Draw.
func (b *SoftwareBackend) Draw(mvp Matrix) (*image.RGBA, error) {
	if b.dc == nil {
		return nil, errors.New("viewport not set")
	}
	if b.texture == nil {
		return nil, errors.New("texture not created")
	}

	b.dc.ClearWithColor(gg.RGB(0, 0, 0))

	nx0, ny0 := mvp.Apply(0, 0)
	nx1, ny1 := mvp.Apply(1, 1)
	x0, y0 := ToViewport(b.viewW, b.viewH, nx0, ny0)
	x1, y1 := ToViewport(b.viewW, b.viewH, nx1, ny1)
	if x1 > x0 && y1 > y0 {
		b.dc.DrawImageEx(b.texture, gg.DrawImageOptions{
			X:             x0,
			Y:             y0,
			DstWidth:      x1 - x0,
			DstHeight:     y1 - y0,
			Interpolation: gg.InterpBilinear,
			Opacity:       1,
			BlendMode:     gg.BlendNormal,
		})
	}

	pm := b.dc.ResizeTarget()
	return &image.RGBA{
		Pix:    pm.Data(),
		Stride: pm.Width() * 4,
		Rect:   image.Rect(0, 0, pm.Width(), pm.Height()),
	}, nil
}

// Release frees the render target.
func (b *SoftwareBackend) Release() {
	if b.dc != nil {
		b.dc.Close()
		b.dc = nil
	}
	b.texture = nil
	b.spirv = nil
}
