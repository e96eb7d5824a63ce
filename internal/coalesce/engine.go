package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bulkgofer/internal/promise"
)

// Engine coalesces concurrent Call invocations into bulk operations.
// Instances must be created with New or NewSimple and released with Close.
type Engine[C comparable, K comparable, V any] struct {
	cfg    Config[V]
	fn     BulkFunc[C, K, V]
	timing timing
	logger zerolog.Logger

	addCh    chan addRequest[C, K, V]
	expiryCh chan uint64
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// Owned by the run goroutine. gen counts installed windows so that a
	// timer armed for an already-replaced window can be recognized and
	// ignored when its expiry message arrives.
	gen uint64
	win *window[C, K, V]
}

type addRequest[C comparable, K comparable, V any] struct {
	key   itemKey[C, K]
	reply chan *promise.Promise[map[itemKey[C, K]]V]
}

// New creates an engine around the given bulk operation. The config must
// select exactly one timing mode; debounce configs with minWait > maxWait
// are rejected rather than guessed at.
func New[C comparable, K comparable, V any](cfg Config[V], fn BulkFunc[C, K, V]) (*Engine[C, K, V], error) {
	if fn == nil {
		return nil, errNilBulkFunc
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine[C, K, V]{
		cfg:      cfg,
		fn:       fn,
		timing:   timingFromConfig(cfg),
		logger:   cfg.Logger.With().Str("component", "coalesce").Logger(),
		addCh:    make(chan addRequest[C, K, V]),
		expiryCh: make(chan uint64, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		gen:      1,
	}
	e.win = newWindow[C, K, V](e.gen)

	go e.run()
	return e, nil
}

// NewSimple creates an engine whose bulk operation has no context key.
func NewSimple[K comparable, V any](cfg Config[V], fn func(ctx context.Context, inputs []K) ([]Pair[K, V], error)) (*Engine[NoKey, K, V], error) {
	if fn == nil {
		return nil, errNilBulkFunc
	}
	return New[NoKey, K, V](cfg, func(ctx context.Context, _ NoKey, inputs []K) ([]Pair[K, V], error) {
		return fn(ctx, inputs)
	})
}

// Call registers one input in the current window and blocks until that
// window's bulk operation completes. On success it returns the output for
// this (key, input), or the configured NotFound value when the bulk
// operation omitted the input. A bulk operation error is returned to every
// caller that shared the window. Cancelling ctx abandons this caller's wait
// only; the window still fires.
func (e *Engine[C, K, V]) Call(ctx context.Context, key C, input K) (V, error) {
	var zero V

	req := addRequest[C, K, V]{
		key:   itemKey[C, K]{Context: key, Input: input},
		reply: make(chan *promise.Promise[map[itemKey[C, K]]V], 1),
	}

	select {
	case e.addCh <- req:
	case <-e.stopped:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	done := <-req.reply
	result, err := done.Wait(ctx)
	if err != nil {
		return zero, err
	}

	out, found := result[req.key]
	if !found {
		return e.cfg.NotFound, nil
	}
	return out, nil
}

// Close stops the engine. A pending window is fired first so callers already
// waiting still receive their results. Close does not wait for in-flight
// bulk operations to finish.
func (e *Engine[C, K, V]) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.stopped
}

// run is the serialization point: the only goroutine that touches window
// state. Messages are processed one at a time, in arrival order.
func (e *Engine[C, K, V]) run() {
	defer close(e.stopped)
	for {
		select {
		case <-e.stop:
			if e.win.size() > 0 {
				e.fire(e.win)
			}
			return
		case req := <-e.addCh:
			e.handleAdd(req)
		case gen := <-e.expiryCh:
			e.handleExpiry(gen)
		}
	}
}

func (e *Engine[C, K, V]) handleAdd(req addRequest[C, K, V]) {
	w := e.win
	w.add(req.key, time.Now())

	// The caller gets the window's completion handle, never the result
	// itself; it awaits the handle on its own goroutine.
	req.reply <- w.done

	if e.cfg.MaxSize > 0 && w.size() >= e.cfg.MaxSize {
		e.logger.Debug().Int("items", w.size()).Msg("window reached max size")
		e.fire(w)
		return
	}

	if !w.scheduled {
		e.scheduleOrFire(w)
	}
}

// handleExpiry re-runs the firing decision for the current window. The timer
// never decides anything itself: the window may have been extended (debounce)
// or replaced since the timer was armed, so the policy is recomputed from
// the live timestamps.
func (e *Engine[C, K, V]) handleExpiry(gen uint64) {
	w := e.win
	if gen != w.gen {
		return
	}
	w.scheduled = false
	e.scheduleOrFire(w)
}

func (e *Engine[C, K, V]) scheduleOrFire(w *window[C, K, V]) {
	rem, ok := e.timing.remaining(time.Now(), w.firstAdd, w.lastAdd)
	if !ok {
		return
	}

	if rem <= fireEpsilon {
		e.fire(w)
		return
	}

	w.scheduled = true
	gen := w.gen
	time.AfterFunc(rem, func() {
		select {
		case e.expiryCh <- gen:
		case <-e.stopped:
		}
	})
}

// fire installs a fresh window and hands the old one to the executor. The
// heavy work runs on its own goroutines so the engine can keep accepting
// adds for the new window immediately.
func (e *Engine[C, K, V]) fire(w *window[C, K, V]) {
	e.gen++
	e.win = newWindow[C, K, V](e.gen)
	go e.execute(w)
}
