package svc

import (
	"testing"
)

func TestParseSpecBasic(t *testing.T) {
	r, err := ParseSpec(TypeService, "[2345] /usr/sbin/sshd -D")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.Name != "sshd" {
		t.Errorf("expected name 'sshd', got '%s'", r.Name)
	}
	if len(r.Cmd) != 2 || r.Cmd[0] != "/usr/sbin/sshd" || r.Cmd[1] != "-D" {
		t.Errorf("bad command: %v", r.Cmd)
	}
	for _, level := range []int{2, 3, 4, 5} {
		if !r.Runlevels.Contains(level) {
			t.Errorf("mask should contain level %d", level)
		}
	}
	if r.Runlevels.Contains(1) || r.Runlevels.Contains(6) {
		t.Error("mask contains levels it should not")
	}
	if r.Bootstrap {
		t.Error("not a bootstrap record")
	}
}

func TestParseSpecDefaults(t *testing.T) {
	r, err := ParseSpec(TypeService, "/bin/daemon")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Runlevels != DefaultMask {
		t.Errorf("expected default mask, got %s", r.Runlevels)
	}
}

func TestParseSpecConditions(t *testing.T) {
	r, err := ParseSpec(TypeService, "[2345] <pid/foo,net/up> /bin/bar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Conditions) != 2 || r.Conditions[0] != "pid/foo" || r.Conditions[1] != "net/up" {
		t.Errorf("bad conditions: %v", r.Conditions)
	}
}

func TestParseSpecOptions(t *testing.T) {
	spec := "[789] name:myname :2 pid:!/run/custom.pid user:nobody group:nogroup cwd:/var/lib cgroup.system /bin/thing --flag -- A thing"
	r, err := ParseSpec(TypeService, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.Name != "myname" || r.Instance != "2" {
		t.Errorf("bad identity: %s / %s", r.Name, r.Instance)
	}
	if r.ID() != "myname:2" {
		t.Errorf("bad ID: %s", r.ID())
	}
	if r.PIDFile != "/run/custom.pid" || r.PIDFileManaged {
		t.Errorf("bad pidfile: %s managed=%v", r.PIDFile, r.PIDFileManaged)
	}
	if r.User != "nobody" || r.Group != "nogroup" {
		t.Errorf("bad credentials: %s/%s", r.User, r.Group)
	}
	if r.WorkingDir != "/var/lib" {
		t.Errorf("bad cwd: %s", r.WorkingDir)
	}
	if r.Cgroup != "system" {
		t.Errorf("bad cgroup: %s", r.Cgroup)
	}
	if r.Description != "A thing" {
		t.Errorf("bad description: %q", r.Description)
	}
	if len(r.Cmd) != 2 || r.Cmd[1] != "--flag" {
		t.Errorf("bad command: %v", r.Cmd)
	}
}

func TestParseSpecBootstrap(t *testing.T) {
	r, err := ParseSpec(TypeTask, "[S] /sbin/mkdirs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Bootstrap {
		t.Error("[S]-only record should be bootstrap")
	}
	if !r.Runlevels.Contains(BootstrapLevel) {
		t.Error("mask should contain S")
	}

	r, err = ParseSpec(TypeService, "[S2345] /bin/daemon")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Bootstrap {
		t.Error("mixed mask is not bootstrap-only")
	}
}

func TestParseSpecRejects(t *testing.T) {
	cases := []string{
		"",                    // empty spec
		"   ",                 // whitespace only
		"[2345]",              // mask but no command
		"[23x5] /bin/foo",     // bad mask character
		"[] /bin/foo",         // empty mask
		"[2345 /bin/foo",      // unterminated mask
		"<pid/foo /bin/foo",   // unterminated conditions
		"name:only",           // options but no command
	}

	for _, spec := range cases {
		if _, err := ParseSpec(TypeService, spec); err == nil {
			t.Errorf("spec %q should be rejected", spec)
		}
	}
}

func TestParseMaskBoundaries(t *testing.T) {
	mask, err := ParseMask("0123456789S")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for level := 0; level <= 9; level++ {
		if !mask.Contains(level) {
			t.Errorf("mask should contain %d", level)
		}
	}
	if !mask.Contains(BootstrapLevel) {
		t.Error("mask should contain S")
	}

	if mask.Contains(11) || mask.Contains(-1) {
		t.Error("out-of-range levels must not match")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	specs := []struct {
		t    RecordType
		spec string
	}{
		{TypeService, "[2345] /usr/sbin/sshd -D"},
		{TypeTask, "[S] /sbin/mkdirs"},
		{TypeRun, "[S] <hook/basefs-up> /sbin/setup"},
		{TypeService, "[789] name:x :i pid:/run/x.pid user:u group:g cwd:/tmp cgroup.sys /bin/x -a -b -- X daemon"},
		{TypeSysv, "[2] /etc/init.d/legacy"},
	}

	for _, tc := range specs {
		orig, err := ParseSpec(tc.t, tc.spec)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.spec, err)
		}

		again, err := ParseSpec(tc.t, Serialize(orig))
		if err != nil {
			t.Fatalf("re-parse of %q: %v", Serialize(orig), err)
		}

		if again.Name != orig.Name || again.Instance != orig.Instance {
			t.Errorf("identity drift: %s vs %s", again.ID(), orig.ID())
		}
		if again.Runlevels != orig.Runlevels {
			t.Errorf("mask drift: %s vs %s", again.Runlevels, orig.Runlevels)
		}
		if !cmdEqual(again.Cmd, orig.Cmd) {
			t.Errorf("command drift: %v vs %v", again.Cmd, orig.Cmd)
		}
		if !condsEqual(again.Conditions, orig.Conditions) {
			t.Errorf("condition drift: %v vs %v", again.Conditions, orig.Conditions)
		}
		if again.PIDFile != orig.PIDFile || again.PIDFileManaged != orig.PIDFileManaged {
			t.Errorf("pidfile drift: %s vs %s", again.PIDFile, orig.PIDFile)
		}
		if again.User != orig.User || again.Group != orig.Group ||
			again.WorkingDir != orig.WorkingDir || again.Cgroup != orig.Cgroup ||
			again.Description != orig.Description {
			t.Errorf("field drift for %q", tc.spec)
		}
		if again.Bootstrap != orig.Bootstrap {
			t.Errorf("bootstrap drift for %q", tc.spec)
		}
	}
}
