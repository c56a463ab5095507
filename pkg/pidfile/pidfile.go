// Package pidfile handles pidfile option parsing and the pidfile-driven
// condition plumbing: a daemon that writes /run/foo.pid gets the condition
// "pid/foo" asserted, so other services can gate on <pid/foo>.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RunDir is where relative pidfile names resolve to.
const RunDir = "/run"

// Parse resolves a `pid` spec option for the named service.
//
// Forms:
//
//	pid          -> /run/<name>.pid, managed
//	pid:foo      -> /run/foo.pid,    managed
//	pid:foo.pid  -> /run/foo.pid,    managed
//	pid:foo.tla  -> /run/foo.tla.pid, managed
//	pid:/abs/foo -> /abs/foo,        managed
//	pid:!...     -> as above, but rlinit does not create or remove it
//
// The '!' form is for daemons that maintain their own pidfile in a
// non-standard location; the path is only read, never written.
func Parse(name, arg string) (path string, managed bool, err error) {
	if arg == "pid" {
		return RunDir + "/" + name + ".pid", true, nil
	}

	if !strings.HasPrefix(arg, "pid:") {
		return "", false, fmt.Errorf("bad pidfile option %q", arg)
	}

	val := arg[len("pid:"):]
	managed = true
	if strings.HasPrefix(val, "!") {
		managed = false
		val = val[1:]
	}
	if val == "" {
		return "", false, fmt.Errorf("bad pidfile option %q", arg)
	}

	if strings.HasPrefix(val, "/") {
		return val, managed, nil
	}

	path = RunDir + "/" + val
	if !strings.HasSuffix(path, ".pid") {
		path += ".pid"
	}
	return path, managed, nil
}

// Read returns the PID stored in the file, or an error when the file is
// missing, empty or malformed. Only the first line is considered.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	content := strings.TrimSpace(string(data))
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = content[:idx]
	}

	pid, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("no valid pid in %s", path)
	}
	return pid, nil
}

// Write creates path containing pid. Used for managed pidfiles of daemons
// that do not write their own.
func Write(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// Remove deletes a managed pidfile, ignoring a missing file.
func Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return
	}
}
