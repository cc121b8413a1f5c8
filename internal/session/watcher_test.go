package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherObservesChangeOnce(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := store.SetSelectedIndex(ctx, "sid-1", 0); err != nil {
		t.Fatalf("SetSelectedIndex failed: %v", err)
	}

	watcher := NewWatcher(store, 10*time.Millisecond)

	var fired atomic.Int32
	var observed atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Watch(ctx, "sid-1", 0, func(index int) {
			fired.Add(1)
			observed.Store(int32(index))
		})
	}()

	// Another surface switches channels; the watcher must converge within
	// one polling interval and invalidate exactly once.
	if err := store.SetSelectedIndex(ctx, "sid-1", 2); err != nil {
		t.Fatalf("SetSelectedIndex failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("watcher never observed the change")
	}
	if observed.Load() != 2 {
		t.Fatalf("expected observed index 2, got %d", observed.Load())
	}

	// A few more ticks with no further writes must not fire again.
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected exactly one change, got %d", got)
	}

	cancel()
	<-done
}

func TestWatcherStopsOnCancel(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	watcher := NewWatcher(store, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Watch(ctx, "sid-1", 0, func(int) {})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatcherEndsWhenSessionVanishes(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := store.SetSelectedIndex(ctx, "sid-1", 0); err != nil {
		t.Fatalf("SetSelectedIndex failed: %v", err)
	}

	watcher := NewWatcher(store, 5*time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Watch(ctx, "sid-1", 0, func(int) {})
	}()

	if err := store.Delete(ctx, "sid-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not end after session deletion")
	}
}

func TestAwaitReportsChange(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SetSelectedIndex(ctx, "sid-1", 1); err != nil {
		t.Fatalf("SetSelectedIndex failed: %v", err)
	}

	watcher := NewWatcher(store, 5*time.Millisecond)

	// Caller is behind: the store already holds a different index.
	index, changed := watcher.Await(ctx, "sid-1", 0, time.Second)
	if !changed || index != 1 {
		t.Fatalf("expected change to index 1, got changed=%v index=%d", changed, index)
	}

	// Caller is current: the wait window elapses with no change.
	index, changed = watcher.Await(ctx, "sid-1", 1, 30*time.Millisecond)
	if changed || index != 1 {
		t.Fatalf("expected no change, got changed=%v index=%d", changed, index)
	}
}

func TestWatcherSurvivesMissingIndex(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session exists but no selection has been established yet.
	if err := store.CreateSession(ctx, "sid-1", testCredential(time.Hour)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	watcher := NewWatcher(store, 5*time.Millisecond)
	fired := make(chan int, 1)
	go watcher.Watch(ctx, "sid-1", -1, func(index int) { fired <- index })

	time.Sleep(20 * time.Millisecond)
	select {
	case index := <-fired:
		t.Fatalf("unexpected change before selection exists: %d", index)
	default:
	}

	if err := store.SetSelectedIndex(ctx, "sid-1", 0); err != nil {
		t.Fatalf("SetSelectedIndex failed: %v", err)
	}
	select {
	case index := <-fired:
		if index != 0 {
			t.Fatalf("expected index 0, got %d", index)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher never observed the established selection")
	}
}
