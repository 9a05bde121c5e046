package capture

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// xdg-desktop-portal D-Bus constants
const (
	portalService = "org.freedesktop.portal.Desktop"
	portalPath    = "/org/freedesktop/portal/desktop"
	cameraIface   = "org.freedesktop.portal.Camera"
)

// PortalCameraPresent asks xdg-desktop-portal whether any camera is
// attached. Sandboxed sessions use it instead of probing /dev directly.
func PortalCameraPresent(ctx context.Context) (bool, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(portalService, portalPath)
	variant, err := obj.GetProperty(cameraIface + ".IsCameraPresent")
	if err != nil {
		return false, fmt.Errorf("failed to query camera portal: %w", err)
	}

	present, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected IsCameraPresent type %s", variant.Signature())
	}
	return present, nil
}
