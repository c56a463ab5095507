// Package config implements the declarative configuration parser: the
// main conf file plus *.conf drop-ins, and the kernel command line. The
// parser translates service-like directives into registry registrations
// and scalar directives into the SystemState record owned by the
// bootstrap driver.
package config

import "os"

// Defaults for the configuration system.
const (
	DefaultConfFile = "/etc/rlinit.conf"
	DefaultConfDir  = "/etc/rlinit.d"
	DefaultFstab    = "/etc/fstab"
	DefaultRunlevel = 2
	DefaultUser     = "root"
	DefaultBaud     = 115200
)

// TTYLine describes one TTY to bring up after bootstrap. TTY device
// handling itself is an external collaborator; the parser only records
// the request.
type TTYLine struct {
	Device string
	Baud   int
}

// SystemState is the single owned record of system-wide scalars: the
// configured hostname, console, default runlevel and friends. Its
// lifecycle is bound to the bootstrap driver, which passes it to the
// components that need it.
type SystemState struct {
	Hostname string
	Username string // default identity for startx services
	Network  string // command bringing up networking
	Runparts string // directory of boot scripts
	Shutdown string // command to run on shutdown
	Console  string

	// Runlevels. CfgLevel is the configured default (1..9, never 6);
	// CmdLevel overrides it when set from the kernel command line or
	// telinit.
	CfgLevel int
	CmdLevel int

	// Kernel command line switches.
	Debug  bool
	Rescue bool
	Single bool

	FstabPath string

	TTYs []TTYLine
}

// NewSystemState returns a SystemState with defaults applied.
func NewSystemState() *SystemState {
	return &SystemState{
		Username:  DefaultUser,
		CfgLevel:  DefaultRunlevel,
		FstabPath: DefaultFstab,
	}
}

// ChildEnv builds the environment exported to spawned children: PATH,
// SHELL, PWD and the fstab location tools expect.
func (s *SystemState) ChildEnv() []string {
	env := []string{
		"PATH=/sbin:/usr/sbin:/bin:/usr/bin",
		"SHELL=/bin/sh",
		"PWD=/",
	}
	if s.FstabPath != "" {
		env = append(env, "FSTAB_FILE="+s.FstabPath)
	}
	if term := os.Getenv("TERM"); term != "" {
		env = append(env, "TERM="+term)
	}
	return env
}

// TargetLevel is the runlevel to enter when bootstrap completes: the
// command line override when present, the configured default otherwise.
func (s *SystemState) TargetLevel() int {
	if s.CmdLevel != 0 {
		return s.CmdLevel
	}
	return s.CfgLevel
}
