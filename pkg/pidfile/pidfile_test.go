package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseForms(t *testing.T) {
	cases := []struct {
		arg     string
		path    string
		managed bool
	}{
		{"pid", "/run/bar.pid", true},
		{"pid:foo", "/run/foo.pid", true},
		{"pid:foo.pid", "/run/foo.pid", true},
		{"pid:foo.tla", "/run/foo.tla.pid", true},
		{"pid:/tmp/foo.pid", "/tmp/foo.pid", true},
		{"pid:!foo", "/run/foo.pid", false},
		{"pid:!/run/foo.pid", "/run/foo.pid", false},
	}

	for _, tc := range cases {
		path, managed, err := Parse("bar", tc.arg)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.arg, err)
			continue
		}
		if path != tc.path {
			t.Errorf("%q: expected path %q, got %q", tc.arg, tc.path, path)
		}
		if managed != tc.managed {
			t.Errorf("%q: expected managed=%v, got %v", tc.arg, tc.managed, managed)
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, arg := range []string{"", "pid:", "pid:!", "pidfile:foo", "nonsense"} {
		if _, _, err := Parse("bar", arg); err == nil {
			t.Errorf("%q should be rejected", arg)
		}
	}
}

func TestReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")

	if err := Write(path, 1234); err != nil {
		t.Fatalf("write: %v", err)
	}

	pid, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != 1234 {
		t.Errorf("expected 1234, got %d", pid)
	}
}

func TestReadFirstLineOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")
	os.WriteFile(path, []byte("42\nsome trailing daemon state\n"), 0644)

	pid, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != 42 {
		t.Errorf("expected 42, got %d", pid)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.pid")
	os.WriteFile(empty, nil, 0644)
	if _, err := Read(empty); err == nil {
		t.Error("empty pidfile should be rejected")
	}

	bad := filepath.Join(dir, "bad.pid")
	os.WriteFile(bad, []byte("not-a-pid\n"), 0644)
	if _, err := Read(bad); err == nil {
		t.Error("malformed pidfile should be rejected")
	}

	if _, err := Read(filepath.Join(dir, "missing.pid")); err == nil {
		t.Error("missing pidfile should be an error")
	}
}
