package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryDeliversInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewMemory()
	for _, body := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, []byte(body)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if depth, _ := q.Depth(ctx); depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}

	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if string(d.Body()) != want {
			t.Fatalf("expected %q, got %q", want, d.Body())
		}
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}

	acked, rejected, inFlight := q.Stats()
	if acked != 3 || rejected != 0 || inFlight != 0 {
		t.Fatalf("unexpected stats acked=%d rejected=%d in_flight=%d", acked, rejected, inFlight)
	}
}

func TestMemoryReleaseRedelivers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewMemory()
	_ = q.Publish(ctx, []byte("first"))
	_ = q.Publish(ctx, []byte("second"))

	d, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("in-flight task should not count toward depth, got %d", depth)
	}
	if err := d.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := d.Ack(ctx); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	again, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(again.Body()) != "first" {
		t.Fatalf("expected released task to be redelivered first, got %q", again.Body())
	}
}

func TestMemoryRejectDropsTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewMemory()
	_ = q.Publish(ctx, []byte("bad"))

	d, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if err := d.Reject(ctx); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("rejected task should not be requeued, depth %d", depth)
	}
	rejected := q.Rejected()
	if len(rejected) != 1 || string(rejected[0]) != "bad" {
		t.Fatalf("unexpected rejected bodies %q", rejected)
	}
}

func TestMemoryNextBlocksUntilPublish(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q := NewMemory()

	got := make(chan string, 1)
	go func() {
		d, err := q.Next(ctx)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- string(d.Body())
	}()

	time.Sleep(10 * time.Millisecond)
	if err := q.Publish(ctx, []byte("late")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if body := <-got; body != "late" {
		t.Fatalf("expected late, got %q", body)
	}
}

func TestMemoryWakesEveryWaitingConsumer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q := NewMemory()

	const consumers = 4
	var wg sync.WaitGroup
	errs := make(chan error, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := q.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			errs <- d.Ack(ctx)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	for i := 0; i < consumers; i++ {
		_ = q.Publish(ctx, []byte("task"))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("consumer failed: %v", err)
		}
	}
}

func TestMemoryCloseUnblocksNext(t *testing.T) {
	t.Parallel()

	q := NewMemory()
	done := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	_ = q.Close()
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Publish(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on publish after close, got %v", err)
	}
}

func TestMemoryNextHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := NewMemory().Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryNextKeepsTaskWhenCancelled(t *testing.T) {
	t.Parallel()

	q := NewMemory()
	if err := q.Publish(context.Background(), []byte("queued")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if depth, _ := q.Depth(context.Background()); depth != 1 {
		t.Fatalf("task should not be handed out after cancel, depth %d", depth)
	}
	if _, _, inFlight := q.Stats(); inFlight != 0 {
		t.Fatalf("expected nothing in flight, got %d", inFlight)
	}
}
