// Package capture owns the camera lifecycle: acquiring a device, configuring
// a stream session and delivering planar frames from the session's own
// goroutine.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
)

// State is the lifecycle state of a Source.
type State int32

const (
	Closed State = iota
	Opening
	Open
	SessionActive
	Error
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case SessionActive:
		return "session_active"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Preference says which camera to open and which sizes to try, in order.
type Preference struct {
	Device      string
	Resolutions []frame.Resolution
	FPS         int
}

// FrameHandler receives frames on the capture goroutine. The frame is
// released as soon as the handler returns.
type FrameHandler func(*frame.RawFrame)

// ErrorHandler receives the terminal error of a session.
type ErrorHandler func(error)

// Source drives one camera through Closed -> Opening -> Open ->
// SessionActive, landing in Error on any failure.
type Source struct {
	provider Provider

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu         sync.Mutex
	gen        uint64
	cancel     context.CancelFunc
	done       chan struct{}
	device     Device
	session    Session
	resolution frame.Resolution
	sessionID  string

	state     atomic.Int32
	activeGen atomic.Uint64
}

// NewSource creates a closed source backed by provider.
func NewSource(provider Provider) *Source {
	return &Source{provider: provider}
}

// Provider returns the backing provider.
func (s *Source) Provider() Provider {
	return s.provider
}

// State returns the current lifecycle state.
func (s *Source) State() State {
	return State(s.state.Load())
}

// Resolution returns the negotiated stream size of the active session.
func (s *Source) Resolution() frame.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolution
}

// SessionID identifies the current or last session.
func (s *Source) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Source) setState(st State) {
	s.state.Store(int32(st))
}

// Start begins acquiring the camera and returns immediately. Frames go to
// onFrame and a terminal failure goes to onError, both from background
// goroutines. Start fails with ErrBusy unless the source is Closed or in
// Error.
func (s *Source) Start(pref Preference, onFrame FrameHandler, onError ErrorHandler) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Closed && st != Error {
		return fmt.Errorf("%w (state %s)", ErrBusy, st)
	}

	s.gen++
	g := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.sessionID = uuid.NewString()
	s.resolution = frame.Resolution{}
	s.setState(Opening)

	log := logger.WithSession("capture", s.sessionID)
	log.Info().
		Str("provider", s.provider.Name()).
		Str("device", pref.Device).
		Msg("Opening camera")

	go s.acquire(ctx, g, s.done, pref, onFrame, onError, log)
	return nil
}

func (s *Source) acquire(ctx context.Context, g uint64, done chan struct{}, pref Preference, onFrame FrameHandler, onError ErrorHandler, log *zerolog.Logger) {
	defer close(done)

	dev, err := s.provider.Open(ctx, pref.Device)
	if err != nil {
		kind := KindOpen
		if errors.Is(err, ErrNoDevice) {
			kind = KindEnumeration
		}
		s.fail(g, &CameraError{Kind: kind, Device: pref.Device, Err: err}, onError, log)
		return
	}

	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		dev.Close()
		return
	}
	s.device = dev
	s.setState(Open)
	s.mu.Unlock()

	res, err := ChooseResolution(dev.SupportedResolutions(), pref.Resolutions)
	if err != nil {
		s.fail(g, &CameraError{Kind: KindEnumeration, Device: dev.ID(), Err: err}, onError, log)
		return
	}

	deliver := func(f *frame.RawFrame) {
		defer f.Release()
		if s.activeGen.Load() != g {
			return
		}
		onFrame(f)
	}
	lost := func(err error) {
		// Runs off the session goroutine so teardown can wait for it.
		go s.fail(g, &CameraError{Kind: KindDisconnected, Device: dev.ID(), Err: err}, onError, log)
	}

	session, err := dev.StartSession(ctx, SessionConfig{Resolution: res, FPS: pref.FPS}, deliver, lost)
	if err != nil {
		s.fail(g, &CameraError{Kind: KindSessionConfig, Device: dev.ID(), Err: err}, onError, log)
		return
	}

	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		session.Stop()
		return
	}
	s.session = session
	s.resolution = res
	s.setState(SessionActive)
	s.activeGen.Store(g)
	s.mu.Unlock()

	log.Info().
		Str("device", dev.ID()).
		Str("resolution", res.String()).
		Int("fps", pref.FPS).
		Msg("Capture session active")
}

// fail moves generation g to Error, releases its resources and reports err.
// It is a no-op if g has already been stopped or failed.
func (s *Source) fail(g uint64, err error, onError ErrorHandler, log *zerolog.Logger) {
	s.mu.Lock()
	if s.gen != g || s.State() == Closed || s.State() == Error {
		s.mu.Unlock()
		return
	}
	// A session still being configured for g must not come up after this.
	s.gen++
	s.activeGen.Store(0)
	if s.cancel != nil {
		s.cancel()
	}
	if terr := s.teardownLocked(); terr != nil {
		log.Warn().Err(terr).Msg("Teardown after camera failure reported errors")
	}
	s.setState(Error)
	s.mu.Unlock()

	log.Error().Err(err).Msg("Capture session failed")
	if onError != nil {
		onError(err)
	}
}

// teardownLocked stops the session and then closes the device.
func (s *Source) teardownLocked() error {
	var errs []error
	if s.session != nil {
		if err := s.session.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop session: %w", err))
		}
		s.session = nil
	}
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close device: %w", err))
		}
		s.device = nil
	}
	return errors.Join(errs...)
}

// Stop tears down the session and device and returns to Closed. It waits
// for an in-flight open to finish, so a Start that follows never overlaps
// the previous session. Stopping a Closed source is a no-op; stopping from
// Error only records Closed.
func (s *Source) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.State() == Closed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.activeGen.Store(0)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.teardownLocked()
	s.setState(Closed)
	logger.WithSession("capture", s.sessionID).Info().Msg("Camera closed")
	return err
}
