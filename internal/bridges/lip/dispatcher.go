package lip

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Subscription is the opaque handle returned on registration. It owns
// nothing but its own validity flag and is used solely to unsubscribe.
type Subscription struct {
	id     uint64
	active atomic.Bool
}

// registry fans values out to subscribers in registration order.
//
// Dispatch is synchronous: it returns only after every currently
// registered callback has returned or panicked. A panicking callback is
// isolated - reported through the diagnostic logger - and never prevents
// delivery to subsequent callbacks.
//
// Unsubscribing during a dispatch does not affect the delivery already in
// progress; it only excludes the callback from subsequent dispatches.
type registry[T any] struct {
	mu      sync.RWMutex
	entries []registryEntry[T]
	nextID  uint64

	logger   Logger
	loggerMu sync.RWMutex
}

type registryEntry[T any] struct {
	sub *Subscription
	fn  func(T)
}

// subscribe registers a callback and returns its handle.
func (r *registry[T]) subscribe(fn func(T)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{id: r.nextID}
	sub.active.Store(true)
	r.entries = append(r.entries, registryEntry[T]{sub: sub, fn: fn})
	return sub
}

// unsubscribe removes a handle. Safe to call once; subsequent calls and
// nil/foreign handles are no-ops.
func (r *registry[T]) unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.sub.id == sub.id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// dispatch invokes every currently registered callback with v, in
// registration order, on the caller's goroutine.
func (r *registry[T]) dispatch(v T) {
	r.mu.RLock()
	snapshot := make([]registryEntry[T], len(r.entries))
	copy(snapshot, r.entries)
	r.mu.RUnlock()

	for _, e := range snapshot {
		r.invoke(e, v)
	}
}

// invoke runs one callback with panic isolation.
func (r *registry[T]) invoke(e registryEntry[T], v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logError("subscriber callback panic", fmt.Errorf("%v", rec))
		}
	}()
	e.fn(v)
}

// count returns the number of registered subscribers.
func (r *registry[T]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry[T]) setLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *registry[T]) logError(msg string, err error) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
