package eventloop

import (
	"os"
	"os/signal"
	"syscall"
)

// setupSignals registers OS signal handlers and returns a channel that
// receives intercepted signals. SIGCHLD is always subscribed so the loop
// can reap children; the rest follow the registered handler set.
func setupSignals(handlers map[os.Signal]func()) chan os.Signal {
	sigCh := make(chan os.Signal, 32)

	sigs := []os.Signal{syscall.SIGCHLD}
	for sig := range handlers {
		if sig != syscall.SIGCHLD {
			sigs = append(sigs, sig)
		}
	}
	signal.Notify(sigCh, sigs...)

	return sigCh
}

// stopSignals removes all signal handlers.
func stopSignals(sigCh chan os.Signal) {
	signal.Stop(sigCh)
}

// IgnoreAll masks the standard init signals until real handlers are
// installed; during early bootstrap nothing is ready to act on them.
func IgnoreAll() {
	signal.Ignore(
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		syscall.SIGTSTP,
		syscall.SIGTTIN,
		syscall.SIGTTOU,
		syscall.SIGPIPE,
	)
}
