package boot

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sunlightlinux/rlinit/internal/util"
)

// runInteractive executes a helper command with output on the console and
// a progress line describing what happened. This is how the module, mknod
// and rc.local directives run.
func (d *Driver) runInteractive(desc string, argv ...string) {
	if len(argv) == 0 {
		return
	}

	path := argv[0]
	if !filepath.IsAbs(path) {
		path = util.Which(argv[0])
		if path == "" {
			d.Logger.Progress(false, "%s", desc)
			d.Logger.Error("Command not found: %s", argv[0])
			return
		}
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = d.State.ChildEnv()

	err := cmd.Run()
	d.Logger.Progress(err == nil, "%s", desc)
	if err != nil {
		d.Logger.Warn("%s: %v", strings.Join(argv, " "), err)
	}
}

// runParts executes every executable file in dir, in lexical order, the
// way the runparts directive promises.
func (d *Driver) runParts(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.Logger.Warn("runparts %s: %v", dir, err)
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if !util.IsExecutable(path) {
			continue
		}
		d.runInteractive("Calling "+path, path)
	}
}

// osHeading builds the banner line from /etc/os-release.
func osHeading() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "PRETTY_NAME=") {
			continue
		}
		return strings.Trim(line[len("PRETTY_NAME="):], `"`)
	}
	return ""
}
