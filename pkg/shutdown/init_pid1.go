package shutdown

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/rlinit/pkg/logging"
)

// InitPID1 performs early initialization required when running as PID 1:
// console redirection, disabling Ctrl+Alt+Del, the child subreaper flag,
// and ignoring terminal job control signals.
func InitPID1(console string, logger *logging.Logger) error {
	if console == "" {
		console = "/dev/console"
	}

	if err := setupConsole(console); err != nil {
		logger.Debug("Console setup: %v (non-fatal)", err)
	}

	// Let rlinit handle Ctrl+Alt+Del as an orderly reboot instead of the
	// kernel rebooting immediately.
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_CAD_OFF); err != nil {
		logger.Debug("Disable CAD: %v (non-fatal)", err)
	}

	if err := SetChildSubreaper(); err != nil {
		logger.Debug("Set child subreaper: %v (non-fatal)", err)
	}

	signal.Ignore(syscall.SIGTSTP, syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGPIPE)

	return nil
}

// setupConsole redirects stdin, stdout and stderr to the console device
// so log output lands where the operator looks.
func setupConsole(console string) error {
	consR, err := os.OpenFile(console, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	if err := unix.Dup3(int(consR.Fd()), 0, 0); err != nil {
		consR.Close()
		return err
	}
	if int(consR.Fd()) > 2 {
		consR.Close()
	}

	consW, err := os.OpenFile(console, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := unix.Dup3(int(consW.Fd()), 1, 0); err != nil {
		consW.Close()
		return err
	}
	if err := unix.Dup3(int(consW.Fd()), 2, 0); err != nil {
		consW.Close()
		return err
	}
	if int(consW.Fd()) > 2 {
		consW.Close()
	}

	return nil
}

// SetChildSubreaper makes this process inherit orphaned descendants, so
// the reaper sees every double-forked daemon exit.
func SetChildSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}
