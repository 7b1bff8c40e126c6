package streamlog

import (
	"context"
	"sync"
)

// Watcher is a per-stream "latest byte offset" cell with multi-consumer
// observation. Mutated only by the engine after a successful append;
// observed by tail readers waiting for new bytes.
type Watcher struct {
	mu     sync.Mutex
	offset uint64
	notify chan struct{}
}

func newWatcher() *Watcher {
	return &Watcher{notify: make(chan struct{})}
}

// Set advances the watcher's offset and wakes everyone waiting on it.
// A no-op if offset does not advance (out-of-order or duplicate notify).
func (w *Watcher) Set(offset uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset <= w.offset {
		return
	}
	w.offset = offset
	close(w.notify)
	w.notify = make(chan struct{})
}

// Offset returns the watcher's current known tail offset.
func (w *Watcher) Offset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// WaitFor blocks until the watcher's offset exceeds after, ctx is
// cancelled, or returns immediately if already true. Returns the
// observed offset.
func (w *Watcher) WaitFor(ctx context.Context, after uint64) (uint64, error) {
	for {
		w.mu.Lock()
		cur := w.offset
		ch := w.notify
		w.mu.Unlock()

		if cur > after {
			return cur, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// WatcherRegistry maps stream id to its Watcher. Entries are created
// lazily on first observation and never removed: per-process stream
// lifetime is long, and the engine notifies by stream id regardless of
// whether any reader currently cares.
type WatcherRegistry struct {
	mu      sync.Mutex
	streams map[StreamID]*Watcher
}

// NewWatcherRegistry creates an empty registry.
func NewWatcherRegistry() *WatcherRegistry {
	return &WatcherRegistry{streams: make(map[StreamID]*Watcher)}
}

// Get returns (creating if necessary) the watcher for stream.
func (r *WatcherRegistry) Get(stream StreamID) *Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.streams[stream]
	if !ok {
		w = newWatcher()
		r.streams[stream] = w
	}
	return w
}

// Notify advances the stream's watcher to offset, waking any waiters.
func (r *WatcherRegistry) Notify(stream StreamID, offset uint64) {
	r.Get(stream).Set(offset)
}
