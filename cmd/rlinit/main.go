// rlinit is a process-1 init and service supervisor driving a numbered
// runlevel model. Invoked with any other PID it acts as a telinit
// compatibility shim, translating the classic commands into control
// channel messages.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/sunlightlinux/rlinit/pkg/boot"
	"github.com/sunlightlinux/rlinit/pkg/control"
	"github.com/sunlightlinux/rlinit/pkg/logging"
	"github.com/sunlightlinux/rlinit/pkg/shutdown"
)

const version = "1.0.0"

func main() {
	if os.Getpid() != 1 {
		os.Exit(telinit(os.Args[1:]))
	}

	logger := logging.New(logging.LevelInfo)
	driver := boot.New(logger)

	shutdownType := driver.Boot(context.Background())

	// The loop only exits on an explicit shutdown request; finish it.
	shutdown.Execute(shutdownType, logger)
	// not reached
	shutdown.InfiniteHold()
}

// telinit handles the compatibility command set: numeric runlevels, q for
// reload, s for rescue. The classic options are accepted and ignored.
func telinit(args []string) int {
	var positional string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-a", "-b", "-s":
			// Ignored, compat SysV init.
		case "-e", "-t", "-z":
			// Ignored, compat SysV init; these consume an argument.
			if i+1 < len(args) {
				i++
			}
		case "-v", "-V":
			fmt.Printf("rlinit version %s\n", version)
			return 0
		case "-h", "-?":
			return usage(0)
		default:
			if len(arg) > 1 && arg[0] == '-' {
				return usage(1)
			}
			positional = arg
		}
	}

	if positional == "" {
		return usage(1)
	}

	return runCommand(positional)
}

// runCommand translates one telinit command into a control message.
func runCommand(cmd string) int {
	var message string

	switch {
	case len(cmd) == 1 && cmd[0] >= '0' && cmd[0] <= '9':
		message = control.CmdRunlevel + " " + cmd
	case cmd == "q" || cmd == "Q":
		message = control.CmdReload
	case cmd == "s" || cmd == "S":
		message = control.CmdRunlevel + " " + strconv.Itoa(1)
	default:
		return usage(1)
	}

	if _, err := control.Send(control.DefaultSocketPath, message); err != nil {
		fmt.Fprintf(os.Stderr, "rlinit: %v\n", err)
		return 1
	}
	return 0
}

func usage(rc int) int {
	fmt.Printf(`Usage: rlinit [OPTIONS] [q | Q | 0-9]

Options:
  -h, -?   This help text
  -v, -V   Show rlinit version

Commands:
  0        Power-off the system
  6        Reboot the system
  2-9      Change runlevel
  q, Q     Reload configuration, same as SIGHUP to PID 1
  1, s, S  Enter system rescue mode, runlevel 1
`)
	return rc
}
