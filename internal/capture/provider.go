package capture

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
)

// DeviceInfo describes a camera a provider can open.
type DeviceInfo struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Resolutions []frame.Resolution `json:"resolutions,omitempty"`
}

// SessionConfig is the stream a device is asked to produce.
type SessionConfig struct {
	Resolution frame.Resolution
	FPS        int
}

// Provider gives access to camera devices of one kind.
type Provider interface {
	Name() string
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	// Open acquires a device. An empty id means the default camera.
	Open(ctx context.Context, id string) (Device, error)
}

// Device is an acquired camera.
type Device interface {
	ID() string
	// SupportedResolutions lists the I420 sizes the device advertises, in
	// the device's own order.
	SupportedResolutions() []frame.Resolution
	// StartSession begins streaming. deliver is called on the session's own
	// goroutine, one frame at a time; the frame is released when deliver
	// returns. lost is called at most once if the device goes away.
	StartSession(ctx context.Context, cfg SessionConfig, deliver func(*frame.RawFrame), lost func(error)) (Session, error)
	Close() error
}

// Session is a running stream. Stop blocks until no more frames will be
// delivered.
type Session interface {
	Stop() error
}

// ProviderOptions carries provider-specific settings from configuration.
type ProviderOptions struct {
	Device string
	FPS    int
}

// ProviderFactory builds a provider.
type ProviderFactory func(opts ProviderOptions) (Provider, error)

var (
	providersMu sync.RWMutex
	providers   = map[string]ProviderFactory{}
)

// RegisterProvider makes a provider available by name.
func RegisterProvider(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = factory
}

// NewProvider builds the named provider.
func NewProvider(name string, opts ProviderOptions) (Provider, error) {
	providersMu.RLock()
	factory, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown camera provider %q (available: %s)", name, strings.Join(Providers(), ", "))
	}
	return factory(opts)
}

// Providers lists registered provider names.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChooseResolution picks the first preferred size the device supports,
// falling back to the device's first advertised size.
func ChooseResolution(supported, preferred []frame.Resolution) (frame.Resolution, error) {
	if len(supported) == 0 {
		return frame.Resolution{}, fmt.Errorf("device advertises no I420 stream sizes: %w", ErrNoDevice)
	}
	for _, want := range preferred {
		for _, have := range supported {
			if have == want {
				return have, nil
			}
		}
	}
	return supported[0], nil
}
