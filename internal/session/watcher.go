package session

import (
	"context"
	"log"
	"time"
)

// Watcher converges independently mounted surfaces on the same selected
// channel without shared memory: it polls the store's selected index at a
// fixed interval and reports changes. Writes stay synchronous on whichever
// surface makes them; everyone else observes within one interval.
type Watcher struct {
	store    *Store
	interval time.Duration
}

func NewWatcher(store *Store, interval time.Duration) *Watcher {
	return &Watcher{store: store, interval: interval}
}

// Watch polls sid's selected index until ctx is done. current is the
// caller's local copy; onChange fires once per observed change with the new
// index. Store read failures are logged and the poll continues; a vanished
// session ends the watch.
func (w *Watcher) Watch(ctx context.Context, sid string, current int, onChange func(index int)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		index, ok, err := w.store.SelectedIndex(ctx, sid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("session: selection poll for %s failed: %v", sid, err)
			continue
		}
		if !ok {
			// Session gone or selection not yet established.
			if exists, err := w.store.client.Exists(ctx, w.store.key(sid)).Result(); err == nil && exists == 0 {
				return
			}
			continue
		}
		if index != current {
			current = index
			onChange(index)
		}
	}
}

// Await blocks until sid's selected index differs from current, ctx is
// done, or wait elapses. It reports the latest index and whether it changed.
func (w *Watcher) Await(ctx context.Context, sid string, current int, wait time.Duration) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	latest := current
	changed := false
	w.Watch(ctx, sid, current, func(index int) {
		latest = index
		changed = true
		cancel()
	})
	return latest, changed
}
