package checkpoint

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shardstore/snapshot/partid"
)

type recordingListener struct {
	mu    sync.Mutex
	calls []string
	id    partid.ID
	fail  string
}

func (l *recordingListener) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *recordingListener) BeforeCheckpointBegin(ctx *Context) error {
	l.record("before")
	if l.fail == "before" {
		return errors.New("boom")
	}
	ctx.RequestAllocation(l.id)
	return nil
}

func (l *recordingListener) OnMarkCheckpointBegin(ctx *Context) error {
	l.record("markBegin")
	if l.fail == "markBegin" {
		return errors.New("boom")
	}
	return nil
}

func (l *recordingListener) OnMarkCheckpointEnd(ctx *Context) error {
	l.record("markEnd")
	ctx.SetAllocatedPageCount(l.id, 7)
	if l.fail == "markEnd" {
		return errors.New("boom")
	}
	return nil
}

func (l *recordingListener) OnCheckpointBegin(ctx *Context) error {
	l.record("begin")
	if l.fail == "begin" {
		return errors.New("boom")
	}
	return nil
}

func TestCoordinatorDrivesListenerPhasesInOrder(t *testing.T) {
	c := NewCoordinator(4)
	l := &recordingListener{id: partid.ID{GroupID: 1, PartID: 2}}
	c.AddListener(l)

	fut := c.ForceCheckpoint("manual")
	select {
	case <-fut.Done():
	default:
		t.Fatalf("ForceCheckpoint should resolve synchronously")
	}
	if err := fut.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"before", "markBegin", "markEnd", "begin"}
	l.mu.Lock()
	got := append([]string(nil), l.calls...)
	l.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestCoordinatorPropagatesFirstListenerError(t *testing.T) {
	c := NewCoordinator(4)
	l := &recordingListener{id: partid.ID{GroupID: 1, PartID: 1}, fail: "markEnd"}
	c.AddListener(l)

	fut := c.ForceCheckpoint("manual")
	if err := fut.Err(); err == nil {
		t.Fatalf("expected error from OnMarkCheckpointEnd to propagate")
	}
}

func TestCoordinatorRemoveListenerStopsNotifications(t *testing.T) {
	c := NewCoordinator(4)
	l := &recordingListener{id: partid.ID{GroupID: 1, PartID: 1}}
	c.AddListener(l)
	c.RemoveListener(l)

	c.ForceCheckpoint("manual")
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.calls) != 0 {
		t.Fatalf("expected no calls after RemoveListener, got %v", l.calls)
	}
}

func TestCoordinatorScheduleTaskDrainsUnderNextPass(t *testing.T) {
	c := NewCoordinator(4)
	var ran bool
	var seenReason string
	ok := c.ScheduleTask(func(ctx *Context) {
		ran = true
		seenReason = ctx.Reason
	})
	if !ok {
		t.Fatalf("ScheduleTask should succeed on an empty queue")
	}
	c.ForceCheckpoint("pass-1")
	if !ran {
		t.Fatalf("scheduled task did not run during the next checkpoint pass")
	}
	if seenReason != "pass-1" {
		t.Fatalf("task ran under reason %q, want %q", seenReason, "pass-1")
	}

	// A second pass with nothing queued must not re-run the drained task.
	ran = false
	c.ForceCheckpoint("pass-2")
	if ran {
		t.Fatalf("task re-ran on a later pass; queue should have been drained")
	}
}

func TestCoordinatorAwaitNextWakesOnRequest(t *testing.T) {
	c := NewCoordinator(4)
	done := make(chan error, 1)
	stop := make(chan struct{})
	go func() { done <- c.AwaitNext(stop) }()

	time.Sleep(10 * time.Millisecond)
	c.WakeupForCheckpoint("go")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitNext returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("AwaitNext did not wake up after WakeupForCheckpoint")
	}
	close(stop)
}

func TestCoordinatorAwaitNextStopsOnClose(t *testing.T) {
	c := NewCoordinator(4)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- c.AwaitNext(stop) }()

	time.Sleep(10 * time.Millisecond)
	close(stop)

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error when AwaitNext is stopped before a wakeup")
		}
	case <-time.After(time.Second):
		t.Fatalf("AwaitNext did not return after stop was closed")
	}
}
