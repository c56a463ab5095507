// Package boot implements the bootstrap driver: the sequence that takes
// the machine from a bare kernel to the configured runlevel, and the
// steady-state glue between the event loop, the watchers, the control
// channel and the supervision state machine.
package boot

import (
	"context"
	"os"
	"syscall"

	"github.com/sunlightlinux/rlinit/pkg/cond"
	"github.com/sunlightlinux/rlinit/pkg/config"
	"github.com/sunlightlinux/rlinit/pkg/control"
	"github.com/sunlightlinux/rlinit/pkg/eventloop"
	"github.com/sunlightlinux/rlinit/pkg/fs"
	"github.com/sunlightlinux/rlinit/pkg/hook"
	"github.com/sunlightlinux/rlinit/pkg/iwatch"
	"github.com/sunlightlinux/rlinit/pkg/logging"
	"github.com/sunlightlinux/rlinit/pkg/network"
	"github.com/sunlightlinux/rlinit/pkg/pidfile"
	"github.com/sunlightlinux/rlinit/pkg/shutdown"
	"github.com/sunlightlinux/rlinit/pkg/svc"

	"github.com/sunlightlinux/rlinit/internal/util"
)

// Bootstrap timing: the worker runs every 100 ms and gives the runlevel S
// jobs 120 s to complete before the boot proceeds regardless.
const (
	crankDelay     = 10  // ms
	bootstrapTick  = 100 // ms
	finalizeDelay  = 10  // ms
	bootstrapTicks = 1200

	rcLocal = "/etc/rc.local"

	libexecDir = "/usr/libexec/rlinit"
)

// Driver owns the boot sequence and the long-lived component wiring.
type Driver struct {
	State    *config.SystemState
	Logger   *logging.Logger
	Loop     *eventloop.Loop
	Hooks    *hook.Registry
	Conds    *cond.Store
	Registry *svc.Registry
	Manager  *svc.Manager
	Bringup  *fs.Bringup
	Watcher  *iwatch.Watcher
	PIDMon   *pidfile.Monitor
	Control  *control.Server

	// Narrow collaborator contracts. Left nil when the external module
	// is absent.
	CgroupInit func()
	TTYStart   func([]config.TTYLine)

	ConfFile string
	ConfDir  string
	SockPath string

	parser *config.Parser

	crankItem     *eventloop.WorkItem
	bootstrapItem *eventloop.WorkItem
	finalizeItem  *eventloop.WorkItem
	reloadItem    *eventloop.WorkItem
	shutdownItem  *eventloop.WorkItem

	counter       int
	shutdownType  shutdown.Type
	shuttingDown  bool
	shutdownPolls int
}

// New wires up a driver with all core components.
func New(logger *logging.Logger) *Driver {
	d := &Driver{
		State:    config.NewSystemState(),
		Logger:   logger,
		Hooks:    hook.NewRegistry(),
		Conds:    cond.NewStore(),
		ConfFile: config.DefaultConfFile,
		ConfDir:  config.DefaultConfDir,
		SockPath: control.DefaultSocketPath,
	}

	d.Loop = eventloop.New(logger)
	d.Registry = svc.NewRegistry(logger)
	d.Manager = svc.NewManager(d.Registry, d.Conds, d.Loop, logger)
	d.Bringup = fs.NewBringup(d.State, logger, d.Hooks, d.sulogin)
	d.Watcher = iwatch.New(logger)
	d.PIDMon = pidfile.NewMonitor(d.Watcher, d.Conds, d.lookupPIDFile, logger)

	d.parser = &config.Parser{
		State:       d.State,
		Services:    d.Registry,
		Logger:      logger,
		Run:         d.runInteractive,
		Check:       d.Bringup.CheckDevice,
		FstabPassno: d.Bringup.Passno,
	}

	d.Conds.OnChange(d.Manager.OnConditionChange)

	d.crankItem = &eventloop.WorkItem{Name: "crank", Delay: crankDelay, Fn: d.crankWorker}
	d.bootstrapItem = &eventloop.WorkItem{Name: "bootstrap", Delay: bootstrapTick, Fn: d.bootstrapWorker}
	d.finalizeItem = &eventloop.WorkItem{Name: "finalize", Delay: finalizeDelay, Fn: d.finalize}
	d.reloadItem = &eventloop.WorkItem{Name: "conf-reload", Delay: 1000, Fn: d.confChanged}
	d.shutdownItem = &eventloop.WorkItem{Name: "shutdown-poll", Delay: 200, Fn: d.shutdownWorker}

	d.counter = bootstrapTicks

	return d
}

// Boot runs the full bootstrap sequence and then the event loop until
// shutdown. Returns the requested shutdown type once the loop exits.
func (d *Driver) Boot(ctx context.Context) shutdown.Type {
	// Need /proc, /dev and /sys before anything else: the kernel
	// command line, the console, and cgroups all live there.
	d.Bringup.EarlyInit()

	config.LoadKernelCmdline(d.State)
	if d.State.Debug {
		d.Logger.SetLevel(logging.LevelDebug)
	}

	shutdown.InitPID1(d.State.Console, d.Logger)
	d.Logger.EnableKmsg()

	// A sane environment for everything we spawn.
	os.Setenv("PATH", "/sbin:/usr/sbin:/bin:/usr/bin")
	os.Setenv("SHELL", "/bin/sh")
	os.Setenv("PWD", "/")
	if err := os.Chdir("/"); err != nil {
		d.Logger.Error("Failed cd /: %v", err)
	}

	// In case of emergency.
	if d.State.Rescue {
		shutdown.Sulogin(false, d.Logger)
	}

	d.Logger.EnableProgress(true)
	d.banner()

	d.Logger.Notice("Entering runlevel S")

	// Ignore everything until the base system is up and real handlers
	// are installed.
	eventloop.IgnoreAll()

	if d.CgroupInit != nil {
		d.CgroupInit()
	}

	d.Bringup.MountAll()

	// Conditions for the hooks that ran before the condition system
	// existed, for anyone gating on them.
	d.Conds.SetOneshot(hook.Banner.Cond())
	d.Conds.SetOneshot(hook.RootfsUp.Cond())

	if err := d.parseConfig(); err != nil {
		d.Logger.Error("Parsing configuration: %v", err)
	}

	d.registerBuiltins()
	d.Manager.SetChildEnv(d.State.ChildEnv())

	d.setupSignals()

	d.Logger.Debug("Base FS up, calling hooks ...")
	d.Hooks.Run(hook.BasefsUp)
	d.Conds.SetOneshot(hook.BasefsUp.Cond())

	d.Control = control.NewServer(d, d.Loop.Post, d.SockPath, d.Logger)
	if err := d.Control.Start(); err != nil {
		// Non-fatal: boot continues without runtime control.
		d.Logger.Error("Failed to start control channel: %v", err)
	} else {
		defer d.Control.Stop()
	}

	go d.forwardWatchEvents()

	d.Logger.Debug("Starting the big state machine ...")
	d.Loop.Schedule(d.crankItem)

	d.Logger.Debug("Starting bootstrap finalize timer ...")
	d.Loop.Schedule(d.bootstrapItem)

	if err := d.Loop.Run(ctx); err != nil && err != context.Canceled {
		d.Logger.Error("Event loop error: %v", err)
	}

	return d.shutdownType
}

// banner silences kernel console chatter and prints the OS heading.
func (d *Driver) banner() {
	d.Hooks.Run(hook.Banner)

	if heading := osHeading(); heading != "" {
		d.Logger.Progress(true, "%s", heading)
	}
}

// crankWorker performs the first step of the state machine: the runlevel
// S jobs start here. No network is available yet.
func (d *Driver) crankWorker() {
	d.Manager.StepAll(svc.FilterAny)
}

// bootstrapWorker polls for runlevel S completion every 100 ms, with a
// hard deadline. Each tick re-installs the config monitors (files may
// only now exist), steps everything, and once all waited jobs are done,
// or time is up, moves the system to its target runlevel.
func (d *Driver) bootstrapWorker() {
	d.confMonitor()
	d.serviceInit()

	d.Manager.StepAll(svc.FilterAny)

	if d.counter > 0 && !d.Manager.Completed() {
		d.counter--
		d.Loop.Schedule(d.bootstrapItem)
		return
	}

	if d.counter > 0 {
		d.Logger.Debug("All run/task jobs have completed, resuming bootstrap.")
	} else {
		d.Logger.Warn("Bootstrap timeout, resuming anyway.")
	}

	d.Loop.Schedule(d.finalizeItem)

	if d.State.Runparts != "" && util.IsDir(d.State.Runparts) && !d.State.Rescue {
		d.runParts(d.State.Runparts)
	}

	network.Bringup(d.State.Hostname, d.State.Network, d.Logger)

	level := d.State.TargetLevel()
	d.Logger.Debug("Change to runlevel %d, starting all services ...", level)
	d.Manager.SetRunlevel(level)
}

// finalize is the last stage of bootstrap: prune what never ran, call the
// late hooks, run rc.local, and bring up the respawn services (TTYs
// included) with bootstrap mode off.
func (d *Driver) finalize() {
	d.Logger.Debug("Clean up all bootstrap-only tasks/services ...")
	d.Registry.PruneBootstrap()

	d.Hooks.Run(hook.SvcUp)
	d.Conds.SetOneshot(hook.SvcUp.Cond())
	d.Manager.StepAll(svc.FilterAny)

	// SysV-style convenience for when you just don't care.
	if util.IsExecutable(rcLocal) && !d.State.Rescue {
		d.runInteractive("Calling "+rcLocal, rcLocal)
	}

	d.Hooks.Run(hook.SystemUp)
	d.Conds.SetOneshot(hook.SystemUp.Cond())
	d.Manager.StepAll(svc.FilterAny)

	d.Logger.EnableProgress(false)

	d.Manager.LeaveBootstrap()
	d.Manager.StepAll(svc.FilterRespawn)

	if d.TTYStart != nil {
		d.TTYStart(d.State.TTYs)
	}
}

// confMonitor installs inotify monitors for the configuration file and
// drop-in directory. Safe to call every tick; missing paths are retried.
func (d *Driver) confMonitor() {
	if err := d.Watcher.Init(); err != nil {
		d.Logger.Warn("Config monitoring unavailable: %v", err)
		return
	}
	d.Watcher.Add(d.ConfFile, iwatch.DefaultMask)
	d.Watcher.Add(d.ConfDir, iwatch.DefaultMask)
}

// serviceInit installs the pidfile condition monitor.
func (d *Driver) serviceInit() {
	if err := d.PIDMon.Watch(); err != nil && err != iwatch.ErrNotInitialized {
		d.Logger.Debug("pidfile monitor: %v", err)
	}
}

// forwardWatchEvents pumps watcher events into the loop.
func (d *Driver) forwardWatchEvents() {
	for ev := range d.Watcher.Events {
		event := ev
		d.Loop.Post(func() { d.handleWatchEvent(event) })
	}
}

// handleWatchEvent routes one watch event: pidfile activity feeds the
// condition store, config changes arm a debounced reload.
func (d *Driver) handleWatchEvent(ev iwatch.Event) {
	if ev.Path == pidfile.RunDir {
		d.PIDMon.HandleEvent(ev)
		return
	}
	if ev.Path == d.ConfFile || ev.Path == d.ConfDir {
		d.Logger.Info("Configuration change in %s", ev.Name)
		d.Loop.Schedule(d.reloadItem)
	}
}

// confChanged applies a debounced configuration reload.
func (d *Driver) confChanged() {
	if err := d.Manager.Reload(d.parseConfig); err != nil {
		d.Logger.Error("Reload failed: %v", err)
	}
}

// parseConfig (re-)parses the static config file plus the drop-in dir.
func (d *Driver) parseConfig() error {
	if err := d.parser.ParseFile(d.ConfFile); err != nil {
		return err
	}
	return d.parser.ParseDir(d.ConfDir)
}

// registerBuiltins registers the bundled daemons when present: the
// watchdog keepalive and the kernel event daemon.
func (d *Driver) registerBuiltins() {
	wdog := libexecDir + "/watchdogd"
	if util.IsExecutable(wdog) && util.FileExists("/dev/watchdog") {
		d.register(svc.TypeService, "[123456789] name:watchdog "+wdog+" -- Watchdog daemon")
	}

	kevent := libexecDir + "/keventd"
	if util.IsExecutable(kevent) {
		d.register(svc.TypeService, "[123456789] name:keventd "+kevent+" -- Kernel event daemon")
	}
}

func (d *Driver) register(t svc.RecordType, spec string) {
	if _, err := d.Registry.Register(t, spec, ""); err != nil {
		d.Logger.Error("Registering built-in: %v", err)
	}
}

// setupSignals installs the real PID-1 signal handlers: the SysV init
// signal set, translated into loop events.
func (d *Driver) setupSignals() {
	d.Loop.RegisterSignal(syscall.SIGHUP, func() {
		d.Logger.Notice("Received SIGHUP, reloading configuration")
		d.confChanged()
	})
	d.Loop.RegisterSignal(syscall.SIGINT, func() {
		// Ctrl+Alt+Del lands here with CAD off.
		d.Logger.Notice("Received SIGINT, rebooting")
		d.Shutdown(shutdown.Reboot)
	})
	d.Loop.RegisterSignal(syscall.SIGUSR1, func() {
		d.Logger.Notice("Received SIGUSR1, halting")
		d.Shutdown(shutdown.Halt)
	})
	d.Loop.RegisterSignal(syscall.SIGUSR2, func() {
		d.Logger.Notice("Received SIGUSR2, powering off")
		d.Shutdown(shutdown.Poweroff)
	})
	d.Loop.RegisterSignal(syscall.SIGTERM, func() {
		d.Logger.Notice("Received SIGTERM, rebooting")
		d.Shutdown(shutdown.Reboot)
	})

	d.Loop.OnChildExit(d.Manager.MarkExited)
}

// lookupPIDFile maps a pidfile path back to the owning record name for
// the condition monitor.
func (d *Driver) lookupPIDFile(path string) (string, bool) {
	for _, r := range d.Registry.All() {
		if r.PIDFile == path {
			return r.ID(), true
		}
	}
	return "", false
}

// sulogin is the unrecoverable-error fallback handed to the filesystem
// bring-up: single-user shell, reboot on exit.
func (d *Driver) sulogin() {
	shutdown.Sulogin(true, d.Logger)
}
