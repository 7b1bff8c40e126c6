package streamlog

import (
	"context"
	"testing"
	"time"
)

func TestWatcher_WaitForReturnsImmediatelyWhenAlreadyPast(t *testing.T) {
	w := newWatcher()
	w.Set(10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	off, err := w.WaitFor(ctx, 5)
	if err != nil || off != 10 {
		t.Fatalf("WaitFor = %d, %v, want 10, nil", off, err)
	}
}

func TestWatcher_WaitForWakesOnSet(t *testing.T) {
	w := newWatcher()
	done := make(chan uint64, 1)

	go func() {
		off, err := w.WaitFor(context.Background(), 0)
		if err == nil {
			done <- off
		}
	}()

	time.Sleep(20 * time.Millisecond)
	w.Set(7)

	select {
	case off := <-done:
		if off != 7 {
			t.Fatalf("woke with offset %d, want 7", off)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFor never woke")
	}
}

func TestWatcher_WaitForRespectsCancellation(t *testing.T) {
	w := newWatcher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.WaitFor(ctx, 0)
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestWatcherRegistry_GetIsStable(t *testing.T) {
	r := NewWatcherRegistry()
	a := r.Get(1)
	b := r.Get(1)
	if a != b {
		t.Fatal("expected same watcher instance for the same stream id")
	}
}

func TestWatcherRegistry_Notify(t *testing.T) {
	r := NewWatcherRegistry()
	r.Notify(1, 5)
	if r.Get(1).Offset() != 5 {
		t.Fatalf("offset = %d, want 5", r.Get(1).Offset())
	}
}
