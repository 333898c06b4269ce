package correlator

import (
	"context"
	"testing"
	"time"
)

func TestRegisterResolveAwait(t *testing.T) {
	c := New(nil)
	c.Register("t1", "call-1")

	go c.Resolve("t1", "call-1", map[string]any{"ok": true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out, err := c.Await(ctx, "t1", "call-1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if out.Result["ok"] != true {
		t.Errorf("Result = %v", out.Result)
	}
}

func TestResolve_UnknownCallIsDropped(t *testing.T) {
	c := New(nil)
	// No Register call; Resolve must not panic.
	c.Resolve("t1", "unknown", nil, nil)
}

func TestResolve_Duplicate_SecondIsDropped(t *testing.T) {
	c := New(nil)
	c.Register("t1", "call-1")

	c.Resolve("t1", "call-1", map[string]any{"n": 1}, nil)
	// Second resolve for the same (task, call) has no waiter anymore.
	c.Resolve("t1", "call-1", map[string]any{"n": 2}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out, err := c.Await(ctx, "t1", "call-1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if out.Result["n"] != float64(1) && out.Result["n"] != 1 {
		t.Errorf("expected first resolve to win, got %v", out.Result)
	}
}

func TestAwait_Timeout(t *testing.T) {
	c := New(nil)
	c.Register("t1", "call-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx, "t1", "call-1")
	if err != ErrTimeout {
		t.Errorf("err = %v, want ErrTimeout", err)
	}

	// Waiter must be removed: a late resolve should be dropped, not panic.
	c.Resolve("t1", "call-1", map[string]any{"late": true}, nil)
}

func TestCancel(t *testing.T) {
	c := New(nil)
	c.Register("t1", "call-1")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := c.Await(ctx, "t1", "call-1")
		done <- err
	}()

	c.Cancel("t1", "call-1")

	select {
	case err := <-done:
		if err != ErrCancelled {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not return after Cancel")
	}
}

func TestCancelTask_CancelsAllWaitersForThatTask(t *testing.T) {
	c := New(nil)
	c.Register("t1", "call-1")
	c.Register("t1", "call-2")
	c.Register("t2", "call-3")

	c.CancelTask("t1", ErrCancelled)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := c.Await(ctx, "t1", "call-1"); err != ErrCancelled {
		t.Errorf("call-1 err = %v, want ErrCancelled", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	if _, err := c.Await(ctx2, "t1", "call-2"); err != ErrCancelled {
		t.Errorf("call-2 err = %v, want ErrCancelled", err)
	}

	// t2's waiter must be unaffected.
	go c.Resolve("t2", "call-3", map[string]any{"ok": true}, nil)
	ctx3, cancel3 := context.WithTimeout(context.Background(), time.Second)
	defer cancel3()
	if _, err := c.Await(ctx3, "t2", "call-3"); err != nil {
		t.Errorf("t2/call-3 err = %v, want nil", err)
	}
}

func TestAwait_NoPriorRegister(t *testing.T) {
	c := New(nil)
	if _, err := c.Await(context.Background(), "t1", "nope"); err == nil {
		t.Error("expected error for unregistered waiter")
	}
}
