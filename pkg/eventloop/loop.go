// Package eventloop implements the central event coordination for rlinit:
// a single-threaded reactor that owns signals, timer-driven work items and
// events posted by other components. All service-state mutation happens on
// the loop goroutine, so the rest of the system needs no locking.
package eventloop

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/rlinit/pkg/logging"
)

// ReapFunc receives one reaped child per call, in loop context.
type ReapFunc func(pid int, status unix.WaitStatus)

// Loop is the central event coordinator for rlinit.
type Loop struct {
	logger *logging.Logger

	sigCh       chan os.Signal
	sigHandlers map[os.Signal]func()
	reapFn      ReapFunc

	// events carries closures posted from other goroutines (control
	// socket, watchers). They run on the loop goroutine.
	events chan func()

	queue  workQueue
	timer  *time.Timer
	stopCh chan struct{}
}

// New creates a new Loop.
func New(logger *logging.Logger) *Loop {
	return &Loop{
		logger:      logger,
		sigHandlers: make(map[os.Signal]func()),
		events:      make(chan func(), 64),
		stopCh:      make(chan struct{}),
	}
}

// RegisterSignal installs a handler for sig, run in loop context.
// Must be called before Run.
func (l *Loop) RegisterSignal(sig os.Signal, fn func()) {
	l.sigHandlers[sig] = fn
}

// OnChildExit installs the child-reap handler. SIGCHLD triggers a drain
// calling non-blocking wait-any until no more children are ready; each
// reaped child is passed to fn in loop context. Must be called before Run.
func (l *Loop) OnChildExit(fn ReapFunc) {
	l.reapFn = fn
}

// Post queues fn to run on the loop goroutine. Safe to call from any
// goroutine; this is how the control server and watchers hand work to the
// loop.
func (l *Loop) Post(fn func()) {
	select {
	case l.events <- fn:
	case <-l.stopCh:
	}
}

// Schedule arms a work item to fire after its delay. Scheduling an item
// that is already pending is a no-op: there is a single in-flight instance
// per item. Must be called on the loop goroutine (or before Run).
func (l *Loop) Schedule(w *WorkItem) {
	if w.pending {
		return
	}
	w.deadline = time.Now().Add(time.Duration(w.Delay) * time.Millisecond)
	l.queue.push(w)
}

// Cancel removes a pending work item. It is guaranteed not to fire after
// Cancel returns. Cancelling an item that is not pending is a no-op.
func (l *Loop) Cancel(w *WorkItem) {
	if w.pending {
		l.queue.remove(w)
	}
}

// Stop makes Run return after the current iteration.
func (l *Loop) Stop() {
	close(l.stopCh)
}

// Run processes signals, posted events and work items until the context is
// cancelled or Stop is called. Within one iteration signals are handled
// first, then posted events, then any due work items.
func (l *Loop) Run(ctx context.Context) error {
	l.sigCh = setupSignals(l.sigHandlers)
	defer stopSignals(l.sigCh)

	l.timer = time.NewTimer(time.Hour)
	if !l.timer.Stop() {
		<-l.timer.C
	}

	l.logger.Info("rlinit event loop started (PID %d)", os.Getpid())

	for {
		l.drainSignals()
		l.drainEvents()
		l.fireDue()

		timerC := l.armTimer()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case sig := <-l.sigCh:
			l.handleSignal(sig)
		case fn := <-l.events:
			l.runCallback(fn)
		case <-timerC:
		}
	}
}

// armTimer arms the loop timer for the earliest pending deadline and
// returns its channel, or nil when no work is pending.
func (l *Loop) armTimer() <-chan time.Time {
	next := l.queue.peek()
	if next == nil {
		return nil
	}
	d := time.Until(next.deadline)
	if d < 0 {
		d = 0
	}
	if !l.timer.Stop() {
		select {
		case <-l.timer.C:
		default:
		}
	}
	l.timer.Reset(d)
	return l.timer.C
}

// fireDue runs every work item whose deadline has passed. Items with
// identical deadlines fire in non-strict order.
func (l *Loop) fireDue() {
	now := time.Now()
	for {
		next := l.queue.peek()
		if next == nil || next.deadline.After(now) {
			return
		}
		l.queue.remove(next)
		l.runCallback(next.Fn)
	}
}

func (l *Loop) drainSignals() {
	for {
		select {
		case sig := <-l.sigCh:
			l.handleSignal(sig)
		default:
			return
		}
	}
}

func (l *Loop) drainEvents() {
	for {
		select {
		case fn := <-l.events:
			l.runCallback(fn)
		default:
			return
		}
	}
}

func (l *Loop) handleSignal(sig os.Signal) {
	if sig == syscall.SIGCHLD {
		l.reapChildren()
		return
	}
	if fn, ok := l.sigHandlers[sig]; ok && fn != nil {
		fn()
	}
}

// reapChildren drains all exited children with non-blocking wait-any.
// Each reaped child is surfaced as a (pid, status) event.
func (l *Loop) reapChildren() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			// ECHILD: no children at all.
			return
		}
		if pid <= 0 {
			return
		}
		if l.reapFn != nil {
			l.reapFn(pid, status)
		}
	}
}

// runCallback runs a loop callback, recovering from panics so a buggy
// handler cannot take down PID 1.
func (l *Loop) runCallback(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Event loop callback panicked: %v", r)
		}
	}()
	fn()
}
