// Package control implements the runtime control channel: a datagram Unix
// socket carrying one-line commands and one-datagram status replies. The
// command client and the telinit compatibility mode both speak this
// protocol.
package control

import (
	"fmt"
	"strings"
)

// Default socket and lock locations.
const (
	DefaultSocketPath = "/run/rlinit/ctl.sock"
	DefaultLockPath   = "/run/rlinit/ctl.lock"
)

// Commands understood by the server. Service commands take a name
// argument, runlevel takes a digit.
const (
	CmdRunlevel = "runlevel"
	CmdReload   = "reload"
	CmdStatus   = "status"
	CmdStart    = "start"
	CmdStop     = "stop"
	CmdRestart  = "restart"
	CmdPoweroff = "poweroff"
	CmdReboot   = "reboot"
	CmdHalt     = "halt"
)

// MaxDatagram bounds both commands and replies; a status reply that does
// not fit is truncated.
const MaxDatagram = 8192

// OK formats a success reply, with an optional payload.
func OK(payload string) string {
	if payload == "" {
		return "OK"
	}
	reply := "OK " + payload
	if len(reply) > MaxDatagram {
		reply = reply[:MaxDatagram]
	}
	return reply
}

// Err formats an error reply.
func Err(format string, args ...interface{}) string {
	return "ERR " + fmt.Sprintf(format, args...)
}

// ParseReply splits a server reply into its payload, or returns the error
// the server reported.
func ParseReply(reply string) (string, error) {
	reply = strings.TrimRight(reply, "\n")
	switch {
	case reply == "OK":
		return "", nil
	case strings.HasPrefix(reply, "OK "):
		return reply[3:], nil
	case strings.HasPrefix(reply, "ERR "):
		return "", fmt.Errorf("%s", reply[4:])
	default:
		return "", fmt.Errorf("malformed reply %q", reply)
	}
}
