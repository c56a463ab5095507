package svc

import (
	"strings"
	"time"

	"github.com/sunlightlinux/rlinit/pkg/eventloop"
)

// Record is one supervised entity: a respawning service, a one-shot task
// or run job, or a sysv-style script. Records are created by the parser
// (through Registry.Register), mutated by the state machine, and destroyed
// on reload once no longer configured and terminal.
type Record struct {
	// Identity.
	Name     string
	Instance string

	// Command line: program path plus arguments.
	Cmd []string

	Type       RecordType
	Runlevels  RunlevelMask
	Conditions []string

	// Options from the spec.
	PIDFile        string // resolved pidfile path, empty when none
	PIDFileManaged bool   // false for the '!' form: rlinit only reads it
	User           string
	Group          string
	WorkingDir     string
	Cgroup         string
	Description    string

	// Bootstrap is set for records declared only for runlevel S; they
	// are pruned after bootstrap finalizes if they never started.
	Bootstrap bool

	// Mutable supervision state, owned by the state machine.
	state         State
	pid           int
	exit          ExitInfo
	stopRequested bool
	started       bool // ever spawned successfully

	// Reload bookkeeping.
	seen          bool // present in the most recent config parse
	pendingRemove bool
	needRestart   bool // command line changed on reload

	// leaving is set during a runlevel transition for records that must
	// reach HALTED before the new level's services may start.
	leaving bool

	// Restart budget and backoff.
	restartStamps []time.Time
	attempts      int

	// Per-record work items, armed on the event loop.
	killItem       *eventloop.WorkItem
	restartItem    *eventloop.WorkItem
	restartPending bool
}

// ID returns the registry identity, "name" or "name:instance".
func (r *Record) ID() string {
	if r.Instance == "" {
		return r.Name
	}
	return r.Name + ":" + r.Instance
}

// State returns the current lifecycle state.
func (r *Record) State() State { return r.state }

// PID returns the running process ID, or 0.
func (r *Record) PID() int { return r.pid }

// ExitStatus returns how the last process terminated.
func (r *Record) ExitStatus() ExitInfo { return r.exit }

// CondName is the condition the state machine asserts while the record is
// running: "svc/name" (or "svc/name:instance").
func (r *Record) CondName() string {
	return "svc/" + r.ID()
}

// cmdEqual compares command lines, used by reload to detect changes.
func cmdEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// condsEqual compares condition sets in order.
func condsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String formats the record for status output.
func (r *Record) String() string {
	var b strings.Builder
	b.WriteString(r.ID())
	b.WriteByte(' ')
	b.WriteString(r.Type.String())
	b.WriteByte(' ')
	b.WriteString(r.state.String())
	return b.String()
}
