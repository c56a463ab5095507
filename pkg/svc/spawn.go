package svc

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// SpawnFunc forks and execs a record's command, returning the child pid.
// The child is reaped centrally by the event loop's SIGCHLD drain, never
// by a per-process waiter.
type SpawnFunc func(r *Record, env []string) (int, error)

// Spawn is the default spawner. The child runs in its own session so a
// stop signal reaches the whole process group, with stdin from /dev/null
// and stdout/stderr on the console.
func Spawn(r *Record, env []string) (int, error) {
	if len(r.Cmd) == 0 {
		return 0, fmt.Errorf("no command")
	}

	argv := r.Cmd
	if r.Type == TypeSysv {
		argv = append(append([]string{}, r.Cmd...), "start")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.WorkingDir
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	attr := &syscall.SysProcAttr{Setsid: true}
	if r.User != "" {
		cred, err := lookupCredential(r.User, r.Group)
		if err != nil {
			return 0, err
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if devnull, err := os.Open(os.DevNull); err == nil {
		cmd.Stdin = devnull
		defer devnull.Close()
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid := cmd.Process.Pid

	// Release the handle: the loop's wait-any drain owns reaping, and a
	// lingering os.Process would fight it over the exit status.
	_ = cmd.Process.Release()

	return pid, nil
}

// lookupCredential resolves user and optional group names into spawn
// credentials.
func lookupCredential(username, group string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %q: %w", username, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("bad uid for %q: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("bad gid for %q: %w", username, err)
	}

	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return nil, fmt.Errorf("unknown group %q: %w", group, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return nil, fmt.Errorf("bad gid for group %q: %w", group, err)
		}
	}

	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
