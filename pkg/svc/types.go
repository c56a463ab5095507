// Package svc implements the service registry and the supervision state
// machine for rlinit: service records parsed from declarative specs,
// runlevel gating, condition gating, respawn with a restart budget, and
// the per-service lifecycle transitions the bootstrap driver cranks.
package svc

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// State represents the current lifecycle state of a service record.
type State uint8

const (
	Halted   State = iota // not running, not scheduled to run
	Waiting                // gated on conditions or restart backoff
	Starting               // spawn in progress
	Running                // process alive
	Stopping               // stop requested, waiting for exit
	Crashed                // restart budget exhausted, or spawn failed for a one-shot
	Done                   // terminal for a completed one-shot
)

func (s State) String() string {
	switch s {
	case Halted:
		return "HALTED"
	case Waiting:
		return "WAITING"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Crashed:
		return "CRASHED"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Terminal returns true for states a record cannot leave without an
// external trigger (reload, condition change or runlevel change).
func (s State) Terminal() bool {
	return s == Halted || s == Crashed || s == Done
}

// RecordType identifies the kind of service record.
type RecordType uint8

const (
	TypeService RecordType = iota // monitored, respawned on exit
	TypeTask                      // one-shot, no respawn, not waited
	TypeRun                       // one-shot, waited for during bootstrap
	TypeSysv                      // script-style, run with start/stop argument
)

func (t RecordType) String() string {
	switch t {
	case TypeService:
		return "service"
	case TypeTask:
		return "task"
	case TypeRun:
		return "run"
	case TypeSysv:
		return "sysv"
	default:
		return fmt.Sprintf("RecordType(%d)", t)
	}
}

// OneShot returns true for record types that run to completion.
func (t RecordType) OneShot() bool {
	return t == TypeTask || t == TypeRun
}

// TypeFilter selects records for StepAll.
type TypeFilter uint8

const (
	FilterAny     TypeFilter = iota // all records
	FilterRespawn                   // service and sysv records
	FilterOneShot                   // task and run records
)

// Matches returns true when t passes the filter.
func (f TypeFilter) Matches(t RecordType) bool {
	switch f {
	case FilterRespawn:
		return t == TypeService || t == TypeSysv
	case FilterOneShot:
		return t.OneShot()
	default:
		return true
	}
}

// RunlevelMask is a bitset over runlevels 0..9 plus the synthetic
// bootstrap level S.
type RunlevelMask uint16

// BootstrapLevel is the bit used for the synthetic runlevel S.
const BootstrapLevel = 10

// DefaultMask is the runlevel set used when a spec carries no bracket
// group: the normal multi-user levels.
const DefaultMask RunlevelMask = 1<<2 | 1<<3 | 1<<4 | 1<<5

// ParseMask parses a bracket group like "[2345]" or "[S]". The surrounding
// brackets must already be removed.
func ParseMask(s string) (RunlevelMask, error) {
	var mask RunlevelMask
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			mask |= 1 << (c - '0')
		case c == 'S' || c == 's':
			mask |= 1 << BootstrapLevel
		default:
			return 0, fmt.Errorf("invalid runlevel %q", c)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty runlevel mask")
	}
	return mask, nil
}

// Contains returns true when the mask includes level.
func (m RunlevelMask) Contains(level int) bool {
	if level < 0 || level > BootstrapLevel {
		return false
	}
	return m&(1<<level) != 0
}

// BootstrapOnly returns true when the mask contains only level S.
func (m RunlevelMask) BootstrapOnly() bool {
	return m == 1<<BootstrapLevel
}

func (m RunlevelMask) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for level := 0; level <= 9; level++ {
		if m.Contains(level) {
			b.WriteByte(byte('0' + level))
		}
	}
	if m.Contains(BootstrapLevel) {
		b.WriteByte('S')
	}
	b.WriteByte(']')
	return b.String()
}

// ExitInfo records how the last process of a record terminated.
type ExitInfo struct {
	Status unix.WaitStatus
	Valid  bool
}

// Exited returns true if the process exited normally.
func (e ExitInfo) Exited() bool {
	return e.Valid && e.Status.Exited()
}

// Code returns the exit code, or -1 when the process did not exit
// normally.
func (e ExitInfo) Code() int {
	if e.Exited() {
		return e.Status.ExitStatus()
	}
	return -1
}

// Signaled returns true if the process was killed by a signal.
func (e ExitInfo) Signaled() bool {
	return e.Valid && e.Status.Signaled()
}
