package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/sunlightlinux/rlinit/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.LevelError)
}

// run starts the loop and returns a stop function that waits for exit.
func run(t *testing.T, l *Loop) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not exit")
		}
	}
}

func TestWorkItemFires(t *testing.T) {
	l := New(testLogger())

	fired := make(chan struct{})
	l.Schedule(&WorkItem{Name: "once", Delay: 5, Fn: func() { close(fired) }})

	stop := run(t, l)
	defer stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("work item never fired")
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	l := New(testLogger())

	count := 0
	item := &WorkItem{Name: "counted", Delay: 5, Fn: func() { count++ }}

	// Scheduling a pending item is a no-op: one in-flight instance.
	l.Schedule(item)
	l.Schedule(item)
	l.Schedule(item)

	done := make(chan struct{})
	l.Schedule(&WorkItem{Name: "probe", Delay: 50, Fn: func() { close(done) }})

	stop := run(t, l)
	defer stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("probe never fired")
	}

	if count != 1 {
		t.Errorf("expected exactly 1 firing, got %d", count)
	}
}

func TestRearmFromCallback(t *testing.T) {
	l := New(testLogger())

	count := 0
	done := make(chan struct{})
	var item *WorkItem
	item = &WorkItem{Name: "tick", Delay: 2, Fn: func() {
		count++
		if count < 3 {
			l.Schedule(item)
			return
		}
		close(done)
	}}
	l.Schedule(item)

	stop := run(t, l)
	defer stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("item only fired %d times", count)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	l := New(testLogger())

	fired := false
	item := &WorkItem{Name: "doomed", Delay: 5, Fn: func() { fired = true }}
	l.Schedule(item)
	l.Cancel(item)

	done := make(chan struct{})
	l.Schedule(&WorkItem{Name: "probe", Delay: 50, Fn: func() { close(done) }})

	stop := run(t, l)
	defer stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("probe never fired")
	}

	if fired {
		t.Error("cancelled item fired")
	}
}

func TestCancelNotPendingIsNoop(t *testing.T) {
	l := New(testLogger())
	l.Cancel(&WorkItem{Name: "never-scheduled"})
}

func TestDeadlineOrdering(t *testing.T) {
	l := New(testLogger())

	var order []string
	done := make(chan struct{})

	l.Schedule(&WorkItem{Name: "late", Delay: 40, Fn: func() {
		order = append(order, "late")
		close(done)
	}})
	l.Schedule(&WorkItem{Name: "early", Delay: 5, Fn: func() {
		order = append(order, "early")
	}})

	stop := run(t, l)
	defer stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("items never fired")
	}

	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Errorf("bad firing order: %v", order)
	}
}

func TestPostRunsOnLoop(t *testing.T) {
	l := New(testLogger())

	stop := run(t, l)
	defer stop()

	done := make(chan struct{})
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("posted event never ran")
	}
}

func TestCallbackPanicIsContained(t *testing.T) {
	l := New(testLogger())

	l.Schedule(&WorkItem{Name: "bomb", Delay: 2, Fn: func() { panic("boom") }})

	done := make(chan struct{})
	l.Schedule(&WorkItem{Name: "probe", Delay: 30, Fn: func() { close(done) }})

	stop := run(t, l)
	defer stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop died with the panicking callback")
	}
}

func TestStop(t *testing.T) {
	l := New(testLogger())

	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()

	l.Post(func() { l.Stop() })

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not end the loop")
	}
}
