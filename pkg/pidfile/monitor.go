package pidfile

import (
	"strings"

	"github.com/sunlightlinux/rlinit/pkg/cond"
	"github.com/sunlightlinux/rlinit/pkg/iwatch"
	"github.com/sunlightlinux/rlinit/pkg/logging"
)

// LookupFunc maps a pidfile path to the owning service name. It returns
// false for paths no registered record claims.
type LookupFunc func(path string) (string, bool)

// Monitor watches the run directory for pidfiles and maintains the
// corresponding pid/NAME conditions. It is one of the cornerstones of the
// condition subsystem: a daemon announcing readiness via its pidfile
// unblocks everything gated on it.
type Monitor struct {
	iw     *iwatch.Watcher
	conds  *cond.Store
	lookup LookupFunc
	logger *logging.Logger
}

// NewMonitor creates a pidfile monitor using the shared watcher.
func NewMonitor(iw *iwatch.Watcher, conds *cond.Store, lookup LookupFunc, logger *logging.Logger) *Monitor {
	return &Monitor{iw: iw, conds: conds, lookup: lookup, logger: logger}
}

// Watch installs the run-directory watch. Safe to call repeatedly; a
// missing directory is retried on the next call.
func (m *Monitor) Watch() error {
	return m.iw.Add(RunDir, iwatch.DefaultMask)
}

// HandleEvent processes one watcher event, asserting or retracting the
// pid/NAME condition for pidfile changes. Must run in loop context.
func (m *Monitor) HandleEvent(ev iwatch.Event) {
	if !strings.HasSuffix(ev.Name, ".pid") {
		return
	}

	name, ok := m.lookup(ev.Name)
	if !ok {
		return
	}
	condName := "pid/" + name

	switch ev.Op {
	case iwatch.MaskCreate, iwatch.MaskModify, iwatch.MaskAttrib:
		if _, err := Read(ev.Name); err != nil {
			m.logger.Debug("pidfile %s not readable yet: %v", ev.Name, err)
			return
		}
		m.conds.Set(condName)

	case iwatch.MaskDelete, iwatch.MaskMove:
		m.conds.Clear(condName)
	}
}
