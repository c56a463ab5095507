package cond

import "testing"

func TestUnknownIsOff(t *testing.T) {
	s := NewStore()
	if got := s.Get("pid/never"); got != Off {
		t.Errorf("unknown condition should be off, got %s", got)
	}
}

func TestSetClear(t *testing.T) {
	s := NewStore()

	s.Set("pid/sshd")
	if s.Get("pid/sshd") != On {
		t.Error("condition should be on after Set")
	}

	s.Clear("pid/sshd")
	if s.Get("pid/sshd") != Off {
		t.Error("condition should be off after Clear")
	}
}

func TestChangeNotification(t *testing.T) {
	s := NewStore()

	var changes []string
	s.OnChange(func(name string) { changes = append(changes, name) })

	s.Set("a")
	s.Set("a") // no-op, already on
	s.Clear("a")
	s.Clear("a") // no-op, already off

	if len(changes) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %v", len(changes), changes)
	}
}

func TestOneshot(t *testing.T) {
	s := NewStore()

	var observed []State
	s.OnChange(func(name string) { observed = append(observed, s.Get(name)) })

	s.SetOneshot("hook/basefs-up")

	if len(observed) < 1 || observed[0] != On {
		t.Errorf("first notification must observe the condition on: %v", observed)
	}
	if s.Get("hook/basefs-up") != Off {
		t.Error("oneshot condition should be off after propagation")
	}
}

func TestAllSet(t *testing.T) {
	s := NewStore()
	s.Set("a")
	s.Set("b")

	if !s.AllSet(nil) {
		t.Error("empty set is trivially satisfied")
	}
	if !s.AllSet([]string{"a", "b"}) {
		t.Error("all present conditions should satisfy")
	}
	if s.AllSet([]string{"a", "c"}) {
		t.Error("a missing condition must not satisfy")
	}
}

func TestAffects(t *testing.T) {
	cases := []struct {
		change string
		conds  []string
		want   bool
	}{
		{"pid/sshd", []string{"pid/sshd"}, true},
		{"pid/sshd", []string{"pid/other"}, false},
		{"pid", []string{"pid/sshd"}, true},
		{"pid/sshd", []string{"pid"}, true},
		{"net", []string{"pid/sshd"}, false},
		{"x", nil, false},
	}

	for _, tc := range cases {
		if got := Affects(tc.change, tc.conds); got != tc.want {
			t.Errorf("Affects(%q, %v) = %v, want %v", tc.change, tc.conds, got, tc.want)
		}
	}
}
