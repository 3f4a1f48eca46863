// Package systemd talks to the service manager: readiness notifications for
// the daemon, and unit control over D-Bus for the client.
package systemd

import (
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports READY=1. It returns false without error outside systemd.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping reports STOPPING=1.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form STATUS= line shown by systemctl status.
func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// UnitName appends ".service" when name carries no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target", "path", "mount":
			return name
		}
	}
	return name + ".service"
}
