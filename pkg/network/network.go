// Package network performs the minimal network bring-up init owes the
// system: the loopback interface, the configured hostname, and the
// user-supplied network script. Real network management belongs to the
// services started afterwards.
package network

import (
	"os"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/rlinit/pkg/logging"
)

// LoopbackUp brings the loopback interface up. The kernel configures the
// address automatically.
func LoopbackUp() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

// SetHostname applies the configured hostname.
func SetHostname(name string) error {
	return unix.Sethostname([]byte(name))
}

// Bringup runs the full network step: hostname, loopback, and the
// configured network script, if any. Failures are logged and the boot
// continues; networking is not required to reach a runlevel.
func Bringup(hostname, script string, logger *logging.Logger) {
	if hostname != "" {
		if err := SetHostname(hostname); err != nil {
			logger.Warn("Failed setting hostname %s: %v", hostname, err)
		}
	}

	if err := LoopbackUp(); err != nil {
		logger.Warn("Failed bringing up loopback: %v", err)
	}

	if script == "" {
		return
	}

	argv := strings.Fields(script)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	logger.Progress(err == nil, "Bringing up network, %s", argv[0])
	if err != nil {
		logger.Warn("Network script %s: %v", script, err)
	}
}
