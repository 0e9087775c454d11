package identity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestContactQueueRunsTasksAndSwallowsFailures(t *testing.T) {
	t.Parallel()
	queue := NewContactQueue(4, zaptest.NewLogger(t))

	var completed atomic.Int32
	queue.Enqueue("fails", func(ctx context.Context) error {
		completed.Add(1)
		return errors.New("mailing list down")
	})
	queue.Enqueue("panics", func(ctx context.Context) error {
		completed.Add(1)
		panic("boom")
	})
	queue.Enqueue("succeeds", func(ctx context.Context) error {
		completed.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := queue.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if completed.Load() != 3 {
		t.Fatalf("expected all three tasks to run, got %d", completed.Load())
	}
}

func TestContactQueueEnqueueNeverBlocks(t *testing.T) {
	t.Parallel()
	queue := NewContactQueue(1, zaptest.NewLogger(t))
	release := make(chan struct{})
	started := make(chan struct{})

	queue.Enqueue("blocking", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	if !queue.Enqueue("buffered", func(ctx context.Context) error { return nil }) {
		t.Fatalf("expected buffered task to be accepted")
	}

	returned := make(chan bool, 1)
	go func() {
		returned <- queue.Enqueue("overflow", func(ctx context.Context) error { return nil })
	}()
	select {
	case accepted := <-returned:
		if accepted {
			t.Fatalf("expected overflow task to be dropped")
		}
	case <-time.After(time.Second):
		t.Fatalf("enqueue blocked on a full queue")
	}

	close(release)
	if err := queue.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if queue.Enqueue("late", func(ctx context.Context) error { return nil }) {
		t.Fatalf("expected closed queue to reject tasks")
	}
}
