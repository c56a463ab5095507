package config

import (
	"os"
	"strings"
)

// ParseKernelCmdline applies recognised /proc/cmdline tokens to the
// system state: debug switches, rescue/single requests, the console
// device and a numeric runlevel override.
func ParseKernelCmdline(state *SystemState, cmdline string) {
	for _, tok := range strings.Fields(cmdline) {
		switch {
		case tok == "debug" || tok == "rlinit.debug":
			state.Debug = true

		case tok == "rescue":
			state.Rescue = true

		case tok == "single" || tok == "-s" || tok == "S" || tok == "s":
			state.Single = true
			state.Rescue = true

		case strings.HasPrefix(tok, "console="):
			dev := tok[len("console="):]
			if !strings.HasPrefix(dev, "/dev/") {
				dev = "/dev/" + dev
			}
			// Strip any baud/parity suffix, e.g. console=ttyS0,115200n8.
			if idx := strings.IndexByte(dev, ','); idx >= 0 {
				dev = dev[:idx]
			}
			state.Console = dev

		case len(tok) == 1 && tok[0] >= '0' && tok[0] <= '9':
			state.CmdLevel = int(tok[0] - '0')
		}
	}
}

// LoadKernelCmdline reads /proc/cmdline and applies it. A missing or
// unreadable file leaves the state untouched.
func LoadKernelCmdline(state *SystemState) {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return
	}
	ParseKernelCmdline(state, string(data))
}
