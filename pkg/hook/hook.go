// Package hook defines the named bootstrap points external collaborators
// attach to. The core only invokes hooks; what runs there (plugins, TTY
// setup, cgroup tweaks) is outside its contract.
package hook

// Point is a named position in the bootstrap sequence.
type Point int

const (
	Banner     Point = iota // before anything is up; you are on your own here
	RootfsUp                // root filesystem checked and remounted
	MountError              // mount -a failed
	MountPost               // after mount -a
	BasefsUp                // base filesystems mounted, config readable
	SvcUp                   // all bootstrap services have started
	SystemUp                // final hook, system fully bootstrapped

	numPoints
)

// names double as condition names: each point that has run is asserted as
// a "hook/<name>" oneshot condition.
var names = [numPoints]string{
	"banner",
	"rootfs-up",
	"mount-error",
	"mount-post",
	"basefs-up",
	"svc-up",
	"system-up",
}

func (p Point) String() string {
	if p < 0 || p >= numPoints {
		return "unknown"
	}
	return names[p]
}

// Cond returns the condition name asserted once the point has run.
func (p Point) Cond() string {
	return "hook/" + p.String()
}

// Registry holds the registered hook functions per point.
type Registry struct {
	fns [numPoints][]func()
	ran [numPoints]bool
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register attaches fn to the point. Registration order is invocation
// order.
func (g *Registry) Register(p Point, fn func()) {
	if p < 0 || p >= numPoints {
		return
	}
	g.fns[p] = append(g.fns[p], fn)
}

// Run invokes every function registered at the point and marks it ran.
func (g *Registry) Run(p Point) {
	if p < 0 || p >= numPoints {
		return
	}
	for _, fn := range g.fns[p] {
		fn()
	}
	g.ran[p] = true
}

// Ran reports whether the point has been run.
func (g *Registry) Ran(p Point) bool {
	if p < 0 || p >= numPoints {
		return false
	}
	return g.ran[p]
}
