package coalesce

import (
	"time"

	"bulkgofer/internal/promise"
)

// itemKey identifies one deduplicated window entry. The zero value of C is a
// valid, distinct context key, so key-less engines simply use NoKey.
type itemKey[C comparable, K comparable] struct {
	Context C
	Input   K
}

// window is one in-progress collection of deduplicated items. It is owned
// exclusively by the engine goroutine until it fires, after which only the
// executor touches it. Every caller whose item landed in the window holds a
// reference to done.
type window[C comparable, K comparable, V any] struct {
	items     map[itemKey[C, K]]struct{}
	order     []itemKey[C, K] // arrival order, kept for stable grouping
	firstAdd  time.Time
	lastAdd   time.Time
	scheduled bool
	gen       uint64 // identifies this window's timers; stale expiries are dropped
	done      *promise.Promise[map[itemKey[C, K]]V]
}

func newWindow[C comparable, K comparable, V any](gen uint64) *window[C, K, V] {
	return &window[C, K, V]{
		items: make(map[itemKey[C, K]]struct{}),
		gen:   gen,
		done:  promise.New[map[itemKey[C, K]]V](),
	}
}

// add records the key if absent and updates the timestamps. Two callers with
// structurally equal keys share one entry and one eventual lookup.
func (w *window[C, K, V]) add(key itemKey[C, K], now time.Time) {
	if _, exists := w.items[key]; !exists {
		w.items[key] = struct{}{}
		w.order = append(w.order, key)
	}
	if w.firstAdd.IsZero() {
		w.firstAdd = now
	}
	w.lastAdd = now
}

func (w *window[C, K, V]) size() int {
	return len(w.items)
}
