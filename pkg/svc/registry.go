package svc

import (
	"github.com/sunlightlinux/rlinit/pkg/logging"
)

// Registry owns all service records in declaration order, with non-owning
// secondary indexes by identity and by pid.
type Registry struct {
	records []*Record
	byID    map[string]*Record
	byPID   map[int]*Record
	logger  *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*Record),
		byPID:  make(map[int]*Record),
		logger: logger,
	}
}

// Register parses spec and adds or updates a record. The optional user is
// the default identity for the process (the `startx`/`user` directive
// pairing); an explicit user: option in the spec wins.
//
// Registering an identity that already exists updates the configuration in
// place without touching the running process; the next state-machine step
// reconciles. A changed record type means stop-then-recreate: the old
// record is marked for removal and a fresh one is appended.
func (g *Registry) Register(t RecordType, spec, user string) (*Record, error) {
	r, err := ParseSpec(t, spec)
	if err != nil {
		return nil, err
	}
	if r.User == "" {
		r.User = user
	}

	old, ok := g.byID[r.ID()]
	if ok && old.Type == r.Type {
		old.updateFrom(r)
		old.seen = true
		return old, nil
	}
	if ok {
		// Type changed between reloads: stop the old record and let a
		// fresh one take over the identity.
		g.logger.Warn("Service '%s' changed type %s -> %s, recreating",
			old.ID(), old.Type, r.Type)
		old.stopRequested = true
		old.pendingRemove = true
		old.seen = false
	}

	r.seen = true
	g.records = append(g.records, r)
	g.byID[r.ID()] = r
	return r, nil
}

// updateFrom copies configuration from a freshly parsed record, keeping
// supervision state. A changed command line flags the record for a
// graceful restart.
func (r *Record) updateFrom(n *Record) {
	if !cmdEqual(r.Cmd, n.Cmd) {
		r.needRestart = true
	}
	r.Cmd = n.Cmd
	r.Runlevels = n.Runlevels
	r.Conditions = n.Conditions
	r.PIDFile = n.PIDFile
	r.PIDFileManaged = n.PIDFileManaged
	r.User = n.User
	r.Group = n.Group
	r.WorkingDir = n.WorkingDir
	r.Cgroup = n.Cgroup
	r.Description = n.Description
	r.Bootstrap = n.Bootstrap
	r.pendingRemove = false
}

// Find locates a record by name and optional instance.
func (g *Registry) Find(name, instance string) *Record {
	id := name
	if instance != "" {
		id = name + ":" + instance
	}
	return g.byID[id]
}

// FindByPID locates the record owning a running pid.
func (g *Registry) FindByPID(pid int) *Record {
	return g.byPID[pid]
}

// All returns the records in declaration order. The returned slice is the
// registry's own; callers must not mutate it.
func (g *Registry) All() []*Record {
	return g.records
}

// Iterate calls fn for every record matching the filter, in declaration
// order.
func (g *Registry) Iterate(f TypeFilter, fn func(*Record)) {
	for _, r := range g.records {
		if f.Matches(r.Type) {
			fn(r)
		}
	}
}

// setPID records a live pid for r, keeping the pid index consistent. At
// most one live pid per record: a stale entry is dropped first.
func (g *Registry) setPID(r *Record, pid int) {
	if r.pid > 0 {
		delete(g.byPID, r.pid)
	}
	r.pid = pid
	if pid > 0 {
		g.byPID[pid] = r
	}
}

// clearPID drops the live pid of r.
func (g *Registry) clearPID(r *Record) {
	if r.pid > 0 {
		delete(g.byPID, r.pid)
	}
	r.pid = 0
}

// Remove deletes a record from the registry and its indexes.
func (g *Registry) Remove(r *Record) {
	g.clearPID(r)
	delete(g.byID, r.ID())
	for i, cur := range g.records {
		if cur == r {
			g.records = append(g.records[:i], g.records[i+1:]...)
			return
		}
	}
}

// PruneBootstrap removes bootstrap-only records that never started. Called
// when bootstrap finalizes.
func (g *Registry) PruneBootstrap() {
	var keep []*Record
	for _, r := range g.records {
		if r.Bootstrap && !r.started {
			g.logger.Debug("Pruning unstarted bootstrap record '%s'", r.ID())
			delete(g.byID, r.ID())
			continue
		}
		keep = append(keep, r)
	}
	g.records = keep
}

// BeginReload marks all records unseen ahead of a config re-parse.
func (g *Registry) BeginReload() {
	for _, r := range g.records {
		r.seen = false
	}
}

// EndReload marks records that vanished from configuration for removal.
// Terminal records are removed immediately; live ones are stopped first
// and removed once their process exits.
func (g *Registry) EndReload() {
	var keep []*Record
	for _, r := range g.records {
		if r.seen {
			keep = append(keep, r)
			continue
		}
		if r.state.Terminal() && r.pid == 0 {
			g.logger.Info("Service '%s' removed from configuration", r.ID())
			delete(g.byID, r.ID())
			continue
		}
		r.stopRequested = true
		r.pendingRemove = true
		keep = append(keep, r)
	}
	g.records = keep
}
