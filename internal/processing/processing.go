// Package processing defines the pixel-processing contract the pipeline
// dispatches to, the available modes, and the backends that implement them.
package processing

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mode selects what the dispatcher does with a converted frame.
type Mode int32

const (
	// Raw passes the converted frame through untouched.
	Raw Mode = iota
	// EdgeDetect runs Canny edge detection.
	EdgeDetect
	// Grayscale converts to luma.
	Grayscale
)

// DefaultMode is the mode a fresh pipeline starts in.
const DefaultMode = EdgeDetect

var modeNames = map[Mode]string{
	Raw:        "raw",
	EdgeDetect: "edge_detect",
	Grayscale:  "grayscale",
}

var modeAliases = map[string]Mode{
	"raw":         Raw,
	"none":        Raw,
	"edge_detect": EdgeDetect,
	"edge-detect": EdgeDetect,
	"edgedetect":  EdgeDetect,
	"edge":        EdgeDetect,
	"canny":       EdgeDetect,
	"grayscale":   Grayscale,
	"greyscale":   Grayscale,
	"gray":        Grayscale,
	"grey":        Grayscale,
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int32(m))
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// Next returns the mode that follows m in the toggle cycle
// EdgeDetect -> Grayscale -> Raw -> EdgeDetect.
func (m Mode) Next() Mode {
	switch m {
	case EdgeDetect:
		return Grayscale
	case Grayscale:
		return Raw
	default:
		return EdgeDetect
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("unknown processing mode %d", int32(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode accepts the canonical names and a few common aliases.
func ParseMode(s string) (Mode, error) {
	if m, ok := modeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return Raw, fmt.Errorf("unknown processing mode %q (use raw, edge_detect or grayscale)", s)
}

// Modes lists every mode in toggle order.
func Modes() []Mode {
	return []Mode{EdgeDetect, Grayscale, Raw}
}

// Params carries the tunables for EdgeDetect.
type Params struct {
	Threshold1 float64 `json:"threshold1" yaml:"threshold1"`
	Threshold2 float64 `json:"threshold2" yaml:"threshold2"`
}

// DefaultParams returns the stock Canny hysteresis thresholds.
func DefaultParams() Params {
	return Params{Threshold1: 50, Threshold2: 150}
}

// Processor transforms a packed RGBA frame. Process runs synchronously on
// the calling goroutine and returns an RGBA buffer of the same geometry.
type Processor interface {
	Process(pixels []byte, width, height int, mode Mode, params Params) ([]byte, error)
	LastProcessingTimeMs() float64
	Name() string
}

// ProcessingError wraps a failure inside a processor.
type ProcessingError struct {
	Backend string
	Mode    Mode
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s processing failed: %v", e.Backend, e.Mode, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Factory builds a processor backend.
type Factory func() (Processor, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name. Backends built behind tags
// call it from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the named backend.
func New(name string) (Processor, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown processing backend %q (available: %s)", name, strings.Join(Backends(), ", "))
	}
	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", name, err)
	}
	return p, nil
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkGeometry(backend string, mode Mode, pixels []byte, width, height int) error {
	if width <= 0 || height <= 0 {
		return &ProcessingError{Backend: backend, Mode: mode, Err: fmt.Errorf("invalid geometry %dx%d", width, height)}
	}
	if need := width * height * 4; len(pixels) < need {
		return &ProcessingError{Backend: backend, Mode: mode, Err: fmt.Errorf("buffer has %d bytes, need %d", len(pixels), need)}
	}
	return nil
}
