// Package shutdown is the narrow shutdown collaborator: it kills what is
// left, syncs and issues the reboot syscall, and provides the sulogin
// fallback for unrecoverable early-boot errors. The orderly teardown of
// services happens before control reaches this package.
package shutdown

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/rlinit/pkg/logging"
)

// Type selects the final system action.
type Type uint8

const (
	Halt Type = iota
	Poweroff
	Reboot
)

func (t Type) String() string {
	switch t {
	case Halt:
		return "halt"
	case Poweroff:
		return "poweroff"
	case Reboot:
		return "reboot"
	default:
		return "halt"
	}
}

// ProcessKillGracePeriod is the time to wait between SIGTERM and SIGKILL
// when killing all remaining processes during shutdown.
const ProcessKillGracePeriod = 1 * time.Second

// Mockable syscall functions for testing.
var (
	killFunc   = syscall.Kill
	syncFunc   = unix.Sync
	rebootFunc = unix.Reboot
)

// Execute performs the final shutdown steps after all services have
// stopped: kill stragglers, sync, reboot(2). Only meaningful as PID 1 and
// does not return under normal circumstances.
func Execute(t Type, logger *logging.Logger) {
	logger.Notice("Executing shutdown: %s", t)

	KillAllProcesses(logger)

	logger.Info("Syncing filesystems...")
	syncFunc()

	if err := rebootFunc(rebootCommand(t)); err != nil {
		logger.Error("Reboot syscall failed: %v", err)
	}

	// The reboot syscall failed; PID 1 must never exit.
	logger.Error("Shutdown failed, holding indefinitely")
	InfiniteHold()
}

// KillAllProcesses sends SIGTERM to every process, waits a grace period,
// then SIGKILL. kill(-1, sig) signals everything except PID 1 itself.
func KillAllProcesses(logger *logging.Logger) {
	logger.Info("Sending SIGTERM to all processes...")
	if err := killFunc(-1, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		logger.Debug("kill(-1, SIGTERM): %v", err)
	}

	time.Sleep(ProcessKillGracePeriod)

	logger.Info("Sending SIGKILL to remaining processes...")
	if err := killFunc(-1, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		logger.Debug("kill(-1, SIGKILL): %v", err)
	}
}

func rebootCommand(t Type) int {
	switch t {
	case Poweroff:
		return unix.LINUX_REBOOT_CMD_POWER_OFF
	case Reboot:
		return unix.LINUX_REBOOT_CMD_RESTART
	default:
		return unix.LINUX_REBOOT_CMD_HALT
	}
}

// InfiniteHold blocks the calling goroutine forever, the last resort when
// the reboot syscall fails.
func InfiniteHold() {
	select {}
}

// suloginPaths are tried in order for the single-user shell.
var suloginPaths = []string{
	"/sbin/sulogin",
	"/usr/sbin/sulogin",
	"/bin/sulogin",
	"/bin/sh",
}

// Sulogin drops to a single-user login shell on the console. When
// doReboot is set the system reboots once the shell exits; that is the
// unrecoverable-filesystem-error path. Returns the shell's exit code in
// the non-reboot case.
func Sulogin(doReboot bool, logger *logging.Logger) int {
	rc := 1

	for _, path := range suloginPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		cmd := exec.Command(path)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		logger.Notice("Dropping to single-user shell: %s", path)
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				rc = exitErr.ExitCode()
			}
		} else {
			rc = 0
		}
		break
	}

	if doReboot {
		Execute(Reboot, logger)
		// not reached
	}

	return rc
}
