package render

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
)

// X11Surface is a plain X11 window the render loop presents into.
type X11Surface struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext

	bytesPerPixel int
	scanlinePad   int
	maxRequest    int

	mu     sync.Mutex
	width  int
	height int
	buf    []byte
}

// NewX11Surface connects to the X server and maps a window of the given size.
func NewX11Surface(title string, width, height int) (*X11Surface, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)
	s := &X11Surface{
		conn:   conn,
		screen: screen,
		width:  width,
		height: height,
		// MaximumRequestLength is in 4-byte units; keep room for the header.
		maxRequest: int(setup.MaximumRequestLength)*4 - 64,
	}

	for _, format := range setup.PixmapFormats {
		if format.Depth == screen.RootDepth {
			s.bytesPerPixel = int(format.BitsPerPixel) / 8
			s.scanlinePad = int(format.ScanlinePad) / 8
			break
		}
	}
	if s.bytesPerPixel != 3 && s.bytesPerPixel != 4 {
		conn.Close()
		return nil, fmt.Errorf("unsupported pixmap format for depth %d", screen.RootDepth)
	}

	if err := s.createWindow(title); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *X11Surface) createWindow(title string) error {
	log := logger.WithComponent("display")

	windowID, err := xproto.NewWindowId(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	s.window = windowID

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		s.conn,
		s.screen.RootDepth,
		s.window,
		s.screen.Root,
		0, 0,
		uint16(s.width), uint16(s.height),
		0,
		xproto.WindowClassInputOutput,
		s.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := s.setProperty("_NET_WM_NAME", "UTF8_STRING", title); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := s.setClass("edgestreamer", "EdgeStreamer"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(s.conn, s.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	err = xproto.CreateGCChecked(
		s.conn,
		gc,
		xproto.Drawable(s.window),
		xproto.GcForeground|xproto.GcBackground,
		[]uint32{0xffffffff, 0x00000000},
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	s.gc = gc
	s.conn.Sync()

	log.Info().
		Int("width", s.width).
		Int("height", s.height).
		Uint32("window_id", uint32(s.window)).
		Msg("Display window created")
	return nil
}

func (s *X11Surface) setProperty(name, typeName, value string) error {
	prop, err := s.atom(name)
	if err != nil {
		return err
	}
	typ, err := s.atom(typeName)
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		s.conn,
		xproto.PropModeReplace,
		s.window,
		prop,
		typ,
		8,
		uint32(len(value)),
		[]byte(value),
	).Check()
}

func (s *X11Surface) setClass(instance, class string) error {
	classAtom, err := s.atom("WM_CLASS")
	if err != nil {
		return err
	}
	// instance\0class\0
	value := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		s.conn,
		xproto.PropModeReplace,
		s.window,
		classAtom,
		xproto.AtomString,
		8,
		uint32(len(value)),
		[]byte(value),
	).Check()
}

func (s *X11Surface) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(s.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}

// Size polls the window geometry. The last known size is returned if the
// query fails.
func (s *X11Surface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	geom, err := xproto.GetGeometry(s.conn, xproto.Drawable(s.window)).Reply()
	if err == nil && geom.Width > 0 && geom.Height > 0 {
		s.width, s.height = int(geom.Width), int(geom.Height)
	}
	return s.width, s.height
}

// Present converts img to the screen's pixel format and puts it in the
// window, split into bands that fit the server's request limit.
func (s *X11Surface) Present(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, h := img.Rect.Dx(), img.Rect.Dy()
	stride := packX11(&s.buf, img, s.bytesPerPixel, s.scanlinePad, s.screen.RootDepth == 32)

	rows := h
	if stride > 0 && s.maxRequest > 0 && stride*rows > s.maxRequest {
		rows = s.maxRequest / stride
		if rows < 1 {
			rows = 1
		}
	}

	for y := 0; y < h; y += rows {
		n := rows
		if y+n > h {
			n = h - y
		}
		err := xproto.PutImageChecked(
			s.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(s.window),
			s.gc,
			uint16(w), uint16(n),
			0, int16(y),
			0,
			s.screen.RootDepth,
			s.buf[y*stride:(y+n)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	s.conn.Sync()
	return nil
}

// packX11 converts RGBA to BGRx (or BGR) rows padded to scanlinePad bytes.
// It reuses *dst when large enough and returns the row stride.
func packX11(dst *[]byte, img *image.RGBA, bytesPerPixel, scanlinePad int, keepAlpha bool) int {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if scanlinePad <= 0 {
		scanlinePad = 4
	}
	unpadded := w * bytesPerPixel
	stride := ((unpadded + scanlinePad - 1) / scanlinePad) * scanlinePad

	need := stride * h
	if cap(*dst) < need {
		*dst = make([]byte, need)
	}
	*dst = (*dst)[:need]
	data := *dst

	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride:]
		row := data[y*stride:]
		for x := 0; x < w; x++ {
			si := x * 4
			di := x * bytesPerPixel
			row[di] = src[si+2]
			row[di+1] = src[si+1]
			row[di+2] = src[si]
			if bytesPerPixel == 4 {
				if keepAlpha {
					row[di+3] = src[si+3]
				} else {
					row[di+3] = 0
				}
			}
		}
	}
	return stride
}

// Close destroys the window and drops the connection.
func (s *X11Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gc != 0 {
		xproto.FreeGC(s.conn, s.gc)
	}
	if s.window != 0 {
		xproto.DestroyWindow(s.conn, s.window)
		s.conn.Sync()
	}
	s.conn.Close()
	logger.WithComponent("display").Info().Msg("Display window closed")
	return nil
}
