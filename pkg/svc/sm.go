package svc

import (
	"hash/fnv"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/rlinit/pkg/cond"
	"github.com/sunlightlinux/rlinit/pkg/eventloop"
	"github.com/sunlightlinux/rlinit/pkg/logging"
	"github.com/sunlightlinux/rlinit/pkg/pidfile"
)

// Supervision defaults.
const (
	defaultGracePeriod   = 5 * time.Second
	defaultRestartMax    = 10
	defaultRestartWindow = 60 * time.Second
	defaultBackoffBase   = 200 * time.Millisecond
	defaultBackoffMax    = 30 * time.Second
)

// Manager drives every record through its lifecycle. All methods must run
// in event loop context; the manager holds no locks.
type Manager struct {
	reg    *Registry
	conds  *cond.Store
	loop   *eventloop.Loop
	logger *logging.Logger

	runlevel     int
	prevlevel    int
	bootstrap    bool
	shuttingDown bool
	pendingStops int
	barrier      bool

	childEnv []string

	// Mockable process primitives for tests.
	spawn SpawnFunc
	kill  func(pid int, sig syscall.Signal) error
	now   func() time.Time

	gracePeriod   time.Duration
	restartMax    int
	restartWindow time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
}

// NewManager creates a supervision manager over the registry. The system
// starts in the synthetic bootstrap runlevel S.
func NewManager(reg *Registry, conds *cond.Store, loop *eventloop.Loop, logger *logging.Logger) *Manager {
	return &Manager{
		reg:       reg,
		conds:     conds,
		loop:      loop,
		logger:    logger,
		runlevel:  BootstrapLevel,
		prevlevel: BootstrapLevel,
		bootstrap: true,

		spawn: Spawn,
		kill:  syscall.Kill,
		now:   time.Now,

		gracePeriod:   defaultGracePeriod,
		restartMax:    defaultRestartMax,
		restartWindow: defaultRestartWindow,
		backoffBase:   defaultBackoffBase,
		backoffMax:    defaultBackoffMax,
	}
}

// SetSpawn overrides the process spawner (tests).
func (m *Manager) SetSpawn(fn SpawnFunc) { m.spawn = fn }

// SetKill overrides the signal primitive (tests).
func (m *Manager) SetKill(fn func(int, syscall.Signal) error) { m.kill = fn }

// SetNow overrides the clock (tests).
func (m *Manager) SetNow(fn func() time.Time) { m.now = fn }

// SetChildEnv sets the environment exported to spawned children.
func (m *Manager) SetChildEnv(env []string) { m.childEnv = env }

// Runlevel returns the current runlevel (BootstrapLevel while in S).
func (m *Manager) Runlevel() int { return m.runlevel }

// Prevlevel returns the previous runlevel.
func (m *Manager) Prevlevel() int { return m.prevlevel }

// InBootstrap returns true while the system is still in runlevel S.
func (m *Manager) InBootstrap() bool { return m.bootstrap }

// LeaveBootstrap clears the bootstrap flag without changing runlevel;
// finalize uses it before stepping the respawn services that bring up
// TTYs.
func (m *Manager) LeaveBootstrap() { m.bootstrap = false }

// Shutdown disables all respawning; every subsequent step tears records
// down.
func (m *Manager) Shutdown() {
	m.shuttingDown = true
	m.StepAll(FilterAny)
}

// SetRunlevel transitions the system to level. Services whose mask covers
// the old level but not the new one are stopped first; services new to the
// level start only after every leaving record has reached HALTED.
func (m *Manager) SetRunlevel(level int) {
	if level < 0 || level > 9 || level == m.runlevel {
		return
	}

	m.prevlevel = m.runlevel
	m.runlevel = level
	m.bootstrap = false

	m.logger.Notice("Switching to runlevel %d (from %s)", level, levelName(m.prevlevel))

	m.pendingStops = 0
	for _, r := range m.reg.All() {
		r.leaving = false
		if r.pid > 0 && !r.Runlevels.Contains(level) {
			r.leaving = true
			m.pendingStops++
		}
		// A crashed record gets a fresh chance in the new level.
		if r.state == Crashed {
			m.resetBudget(r)
		}
	}
	m.barrier = m.pendingStops > 0

	m.StepAll(FilterAny)
}

func levelName(level int) string {
	if level == BootstrapLevel {
		return "S"
	}
	return strconv.Itoa(level)
}

// Step drives one record one transition forward.
func (m *Manager) Step(r *Record) {
	switch r.state {
	case Running, Starting:
		// Conditions gate starts only; a running service rides out a
		// retracted condition.
		if m.stopNeeded(r) {
			m.initiateStop(r)
		}

	case Stopping:
		// Waiting for the child to exit; the kill work item escalates.

	case Halted, Waiting:
		m.tryStart(r)

	case Crashed, Done:
		// Terminal. Only reload, runlevel change or condition change
		// resets these, via resetBudget.
	}
}

// StepAll steps every record matching the filter, in declaration order.
func (m *Manager) StepAll(f TypeFilter) {
	m.reg.Iterate(f, m.Step)
}

// Completed returns true when every run job and bootstrap-tagged one-shot
// has reached DONE or CRASHED. The bootstrap driver polls this before
// leaving runlevel S.
func (m *Manager) Completed() bool {
	for _, r := range m.reg.All() {
		waited := r.Type == TypeRun || (r.Bootstrap && r.Type.OneShot())
		if !waited {
			continue
		}
		if r.state != Done && r.state != Crashed {
			return false
		}
	}
	return true
}

// stopNeeded returns true when the record must not be (or stay) up.
func (m *Manager) stopNeeded(r *Record) bool {
	if r.stopRequested || r.pendingRemove || m.shuttingDown {
		return true
	}
	return !m.allowedInLevel(r)
}

func (m *Manager) allowedInLevel(r *Record) bool {
	if m.bootstrap {
		return r.Runlevels.Contains(BootstrapLevel)
	}
	return r.Runlevels.Contains(m.runlevel)
}

// tryStart moves a HALTED or WAITING record toward RUNNING.
func (m *Manager) tryStart(r *Record) {
	if m.stopNeeded(r) {
		r.state = Halted
		return
	}

	// One-shots run once; a completed record shows up here only after
	// resetBudget cleared it back to HALTED.
	if r.Type.OneShot() && r.state == Halted && r.started {
		r.state = Done
		return
	}

	if !m.conds.AllSet(r.Conditions) {
		r.state = Waiting
		return
	}

	// Restart backoff in progress.
	if r.restartPending {
		r.state = Waiting
		return
	}

	// Runlevel transition barrier: records entering the new level wait
	// until everything leaving it has reached HALTED.
	if m.barrier && !r.Runlevels.Contains(m.prevlevel) {
		return
	}

	m.spawnRecord(r)
}

// spawnRecord forks the record's command.
func (m *Manager) spawnRecord(r *Record) {
	if !m.budgetAllows(r) {
		r.state = Crashed
		m.logger.ServiceCrashed(r.ID())
		return
	}

	r.state = Starting

	pid, err := m.spawn(r, m.childEnv)
	if err != nil {
		m.logger.Error("Service '%s': failed to start: %v", r.ID(), err)
		if r.Type.OneShot() {
			r.state = Crashed
			return
		}
		m.scheduleRestart(r)
		return
	}

	m.reg.setPID(r, pid)
	r.exit = ExitInfo{}
	r.started = true
	r.state = Running
	m.logger.ServiceStarted(r.ID())

	if r.PIDFile != "" && r.PIDFileManaged {
		if err := pidfile.Write(r.PIDFile, pid); err != nil {
			m.logger.Warn("Service '%s': cannot write pidfile %s: %v", r.ID(), r.PIDFile, err)
		}
	}
	if !r.Type.OneShot() {
		m.conds.Set(r.CondName())
	}
}

// budgetAllows counts a spawn attempt against the restart window.
func (m *Manager) budgetAllows(r *Record) bool {
	if r.Type.OneShot() {
		return true
	}

	now := m.now()
	cutoff := now.Add(-m.restartWindow)
	stamps := r.restartStamps[:0]
	for _, t := range r.restartStamps {
		if t.After(cutoff) {
			stamps = append(stamps, t)
		}
	}
	r.restartStamps = append(stamps, now)

	return len(r.restartStamps) <= m.restartMax
}

// resetBudget clears the restart accounting and returns a terminal record
// to HALTED so it can be stepped again.
func (m *Manager) resetBudget(r *Record) {
	r.restartStamps = nil
	r.attempts = 0
	if r.state == Crashed {
		r.state = Halted
	}
}

// initiateStop begins the two-phase stop: SIGTERM now, SIGKILL after the
// grace period. sysv records get their stop script instead of a signal.
func (m *Manager) initiateStop(r *Record) {
	r.needRestart = false

	if r.pid <= 0 {
		r.state = Halted
		return
	}

	r.state = Stopping

	if r.Type == TypeSysv {
		m.runSysvStop(r)
	}

	m.logger.Info("Service '%s': sending SIGTERM to process %d", r.ID(), r.pid)
	if err := m.kill(r.pid, syscall.SIGTERM); err != nil {
		m.logger.Debug("Service '%s': kill: %v", r.ID(), err)
	}

	if r.killItem == nil {
		rec := r
		r.killItem = &eventloop.WorkItem{
			Name: "kill:" + r.ID(),
			Fn:   func() { m.escalateKill(rec) },
		}
	}
	r.killItem.Delay = int(m.gracePeriod / time.Millisecond)
	m.loop.Schedule(r.killItem)
}

func (m *Manager) escalateKill(r *Record) {
	if r.pid <= 0 || r.state != Stopping {
		return
	}
	m.logger.Error("Service '%s': stop timeout, sending SIGKILL to %d", r.ID(), r.pid)
	_ = m.kill(r.pid, syscall.SIGKILL)
}

// runSysvStop fires the record's script with a "stop" argument. Fire and
// forget; the script's own exit is not supervised.
func (m *Manager) runSysvStop(r *Record) {
	stop := *r
	stop.Type = TypeTask // plain invocation, the spawner must not add "start"
	stop.Cmd = append(append([]string{}, r.Cmd...), "stop")
	if _, err := m.spawn(&stop, m.childEnv); err != nil {
		m.logger.Warn("Service '%s': stop script failed: %v", r.ID(), err)
	}
}

// MarkExited dispatches a reaped (pid, status) to the owning record.
// Unknown pids are orphans reparented to PID 1 and already dealt with by
// the reap itself.
func (m *Manager) MarkExited(pid int, status unix.WaitStatus) {
	r := m.reg.FindByPID(pid)
	if r == nil {
		return
	}

	wasStopping := r.state == Stopping

	m.reg.clearPID(r)
	r.exit = ExitInfo{Status: status, Valid: true}

	if r.killItem != nil {
		m.loop.Cancel(r.killItem)
	}
	m.conds.Clear(r.CondName())
	if r.PIDFile != "" && r.PIDFileManaged {
		pidfile.Remove(r.PIDFile)
	}

	if r.leaving {
		r.leaving = false
		if m.pendingStops > 0 {
			m.pendingStops--
		}
	}

	switch {
	case r.pendingRemove:
		r.state = Halted
		m.reg.Remove(r)

	case r.Type.OneShot():
		r.state = Done
		m.logger.Debug("Service '%s': completed (status %d)", r.ID(), r.exit.Code())

	case wasStopping:
		r.state = Halted
		m.logger.ServiceStopped(r.ID())
		// Restart immediately if still wanted (graceful restart path).
		m.Step(r)

	default:
		// Unexpected exit of a respawn record.
		m.logger.Error("Service '%s': exited unexpectedly (status %d)", r.ID(), r.exit.Code())
		m.scheduleRestart(r)
	}

	// The barrier may have drained: let entering services proceed.
	if m.barrier && m.pendingStops == 0 {
		m.barrier = false
		m.StepAll(FilterAny)
	}
}

// scheduleRestart arms the record's backoff work item, or crashes the
// record when the budget is spent.
func (m *Manager) scheduleRestart(r *Record) {
	if m.shuttingDown || m.stopNeeded(r) {
		r.state = Halted
		return
	}

	if len(r.restartStamps) >= m.restartMax {
		r.state = Crashed
		m.logger.ServiceCrashed(r.ID())
		return
	}

	delay := m.backoff(r)
	r.state = Waiting
	r.attempts++

	if r.restartItem == nil {
		rec := r
		r.restartItem = &eventloop.WorkItem{
			Name: "restart:" + r.ID(),
			Fn: func() {
				rec.restartPending = false
				m.Step(rec)
			},
		}
	}
	r.restartItem.Delay = int(delay / time.Millisecond)
	r.restartPending = true
	m.loop.Schedule(r.restartItem)

	m.logger.Info("Service '%s': respawning in %v", r.ID(), delay)
}

// backoff computes min(max, base << attempts) plus a deterministic jitter
// derived from the record identity, so test runs are reproducible.
func (m *Manager) backoff(r *Record) time.Duration {
	d := m.backoffBase << uint(r.attempts)
	if d > m.backoffMax || d <= 0 {
		d = m.backoffMax
	}

	h := fnv.New32a()
	h.Write([]byte(r.ID()))
	jitter := time.Duration(h.Sum32()%100) * time.Millisecond

	return d + jitter
}

// OnConditionChange re-evaluates every record whose condition set
// intersects the changed name. A crashed record gets a fresh budget.
func (m *Manager) OnConditionChange(name string) {
	for _, r := range m.reg.All() {
		if !cond.Affects(name, r.Conditions) {
			continue
		}
		if r.state == Crashed {
			m.resetBudget(r)
		}
		m.Step(r)
	}
}

// Start clears a stop request and steps the record.
func (m *Manager) Start(r *Record) {
	r.stopRequested = false
	if r.state == Crashed {
		m.resetBudget(r)
	}
	if r.state == Done {
		r.state = Halted
		r.started = false
	}
	m.Step(r)
}

// Stop requests the record down and steps it.
func (m *Manager) Stop(r *Record) {
	r.stopRequested = true
	m.Step(r)
}

// Restart stops the record; it respawns when the exit is reaped since no
// stop request is left standing.
func (m *Manager) Restart(r *Record) {
	r.stopRequested = false
	if r.state == Crashed || r.state == Done {
		m.Start(r)
		return
	}
	if r.pid > 0 {
		m.initiateStop(r)
		return
	}
	m.Step(r)
}

// Reload re-parses configuration through parse, reconciles the registry,
// and steps everything: vanished records stop, changed command lines
// restart gracefully, crashed records get a fresh budget.
func (m *Manager) Reload(parse func() error) error {
	m.reg.BeginReload()
	if err := parse(); err != nil {
		return err
	}
	m.reg.EndReload()

	for _, r := range m.reg.All() {
		if r.state == Crashed {
			m.resetBudget(r)
		}
		if r.needRestart && r.pid > 0 {
			m.logger.Info("Service '%s': command changed, restarting", r.ID())
			m.initiateStop(r)
		}
	}

	m.StepAll(FilterAny)
	return nil
}
