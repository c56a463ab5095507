package boot

import (
	"fmt"
	"strings"

	"github.com/sunlightlinux/rlinit/pkg/shutdown"
	"github.com/sunlightlinux/rlinit/pkg/svc"
)

// The driver implements control.Handler; every method below runs in event
// loop context, posted there by the control server.

// Runlevel changes runlevel. Levels 0 and 6 are shutdown requests and go
// through the shutdown collaborator instead of the state machine.
func (d *Driver) Runlevel(n int) error {
	switch n {
	case 0:
		d.Shutdown(shutdown.Poweroff)
	case 6:
		d.Shutdown(shutdown.Reboot)
	default:
		d.Manager.SetRunlevel(n)
	}
	return nil
}

// Reload re-parses configuration, diffs it against the registry and steps
// the state machine.
func (d *Driver) Reload() error {
	return d.Manager.Reload(d.parseConfig)
}

// Status renders the registry for the status command.
func (d *Driver) Status() string {
	var b strings.Builder

	fmt.Fprintf(&b, "runlevel %s prev %s\n",
		prevName(d.Manager.Runlevel()), prevName(d.Manager.Prevlevel()))

	for _, r := range d.Registry.All() {
		fmt.Fprintf(&b, "%-24s %-8s %-8s pid %d %s\n",
			r.ID(), r.Type, r.State(), r.PID(), r.Runlevels)
	}

	return strings.TrimRight(b.String(), "\n")
}

func prevName(level int) string {
	if level == svc.BootstrapLevel {
		return "S"
	}
	return fmt.Sprintf("%d", level)
}

// Start clears any stop request on the named service and steps it.
func (d *Driver) Start(name string) error {
	r, err := d.findService(name)
	if err != nil {
		return err
	}
	d.Manager.Start(r)
	return nil
}

// Stop requests the named service down.
func (d *Driver) Stop(name string) error {
	r, err := d.findService(name)
	if err != nil {
		return err
	}
	d.Manager.Stop(r)
	return nil
}

// Restart cycles the named service.
func (d *Driver) Restart(name string) error {
	r, err := d.findService(name)
	if err != nil {
		return err
	}
	d.Manager.Restart(r)
	return nil
}

func (d *Driver) findService(name string) (*svc.Record, error) {
	svcName, instance := name, ""
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		svcName, instance = name[:idx], name[idx+1:]
	}

	r := d.Registry.Find(svcName, instance)
	if r == nil {
		return nil, fmt.Errorf("no such service: %s", name)
	}
	return r, nil
}

// Shutdown stops all services and, once everything is down (or the poll
// deadline expires), exits the loop so PID 1 can issue the final action.
func (d *Driver) Shutdown(t shutdown.Type) {
	if d.shuttingDown {
		return
	}
	d.shuttingDown = true
	d.shutdownType = t

	d.Logger.Notice("Shutdown requested: %s", t)
	d.Manager.Shutdown()

	d.shutdownPolls = shutdownPollMax
	d.Loop.Schedule(d.shutdownItem)
}

// shutdownPollMax bounds the orderly teardown: 200 ms polls for 10 s,
// then the loop exits regardless and the kill-all sweep cleans up.
const shutdownPollMax = 50

// shutdownWorker waits for the last supervised process to exit.
func (d *Driver) shutdownWorker() {
	alive := 0
	for _, r := range d.Registry.All() {
		if r.PID() > 0 {
			alive++
		}
	}

	if alive > 0 && d.shutdownPolls > 0 {
		d.shutdownPolls--
		d.Loop.Schedule(d.shutdownItem)
		return
	}

	if alive > 0 {
		d.Logger.Warn("%d services still running, shutting down anyway", alive)
	}
	d.Loop.Stop()
}
