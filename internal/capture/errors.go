package capture

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a camera failure.
type ErrorKind int

const (
	// KindEnumeration means no usable device or stream format was found.
	KindEnumeration ErrorKind = iota
	// KindOpen means the device could not be acquired.
	KindOpen
	// KindSessionConfig means the capture session could not be configured.
	KindSessionConfig
	// KindDisconnected means a running session lost its device.
	KindDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindEnumeration:
		return "enumeration"
	case KindOpen:
		return "open"
	case KindSessionConfig:
		return "session configuration"
	case KindDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// CameraError is terminal for the session that raised it. The source can
// be started again afterwards.
type CameraError struct {
	Kind   ErrorKind
	Device string
	Err    error
}

func (e *CameraError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("camera %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("camera %s error on %s: %v", e.Kind, e.Device, e.Err)
}

func (e *CameraError) Unwrap() error {
	return e.Err
}

// ErrBusy is returned by Start while a session is opening or running.
var ErrBusy = errors.New("capture source already started")

// ErrNoDevice is wrapped when a provider finds nothing to open.
var ErrNoDevice = errors.New("no camera device available")

// IsKind reports whether err is a CameraError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var camErr *CameraError
	return errors.As(err, &camErr) && camErr.Kind == kind
}
