package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoop(t *testing.T) {
	var calls atomic.Int32
	stop := Run(&Loop{
		Interval: 5 * time.Millisecond,
		Sweep: func() int {
			calls.Add(1)
			return 1
		},
		Name: "test",
	})

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 3 sweeps, got %d", calls.Load())
		}
		time.Sleep(time.Millisecond)
	}

	stop()
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Errorf("sweep ran after stop: %d -> %d", after, calls.Load())
	}

	// Idempotent.
	stop()
}

func TestLoop_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := &Loop{
		Interval: time.Millisecond,
		Sweep: func() int {
			t.Error("sweep should not run on a cancelled context")
			return 0
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Start(ctx)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
