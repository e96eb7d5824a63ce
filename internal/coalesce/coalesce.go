// Package coalesce merges concurrent single-item calls into bulk operations.
//
// Many callers each supply one input value; the engine collects them into a
// batch window, fires the window according to the configured timing mode
// (throttle or debounce) or when a size limit is reached, invokes the bulk
// operation once per distinct context key, and hands every caller back only
// the output for its own input.
//
// Window state is owned by a single goroutine; callers and timers talk to it
// exclusively through messages, so no locks guard the window itself.
package coalesce

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Call after the engine has been closed.
var ErrClosed = errors.New("coalesce: engine closed")

var errNilBulkFunc = errors.New("coalesce: nil bulk function")

// Pair couples one input with its output from a bulk operation.
type Pair[K comparable, V any] struct {
	Input  K
	Output V
}

// BulkFunc performs one bulk operation for a single context key. It receives
// the deduplicated inputs accumulated for that key and returns one pair per
// answerable input. Inputs omitted from the result are resolved as not found;
// duplicate inputs must not be returned. A fired window invokes BulkFunc
// concurrently, once per distinct context key, so it must be safe for that.
type BulkFunc[C comparable, K comparable, V any] func(ctx context.Context, key C, inputs []K) ([]Pair[K, V], error)

// NoKey is the context key type for engines without secondary grouping.
type NoKey = struct{}

// Config controls a single engine instance.
//
// Exactly one timing mode must be configured. Throttle mode (Wait set) fires
// a window Wait after its first add. Debounce mode (MinWaitAfterAdd set)
// extends the window by MinWaitAfterAdd after every add, never firing before
// MinWait nor later than MaxWait, both measured from the first add.
type Config[V any] struct {
	// Wait enables throttle mode when positive.
	Wait time.Duration

	// MinWaitAfterAdd enables debounce mode when positive.
	MinWaitAfterAdd time.Duration

	// MinWait is the debounce floor, measured from the first add.
	MinWait time.Duration

	// MaxWait is the debounce ceiling, measured from the first add.
	// Required in debounce mode.
	MaxWait time.Duration

	// MaxSize fires the window as soon as it holds this many distinct
	// items, if positive. 0 means unbounded.
	MaxSize int

	// NotFound is returned to a caller whose input is absent from the bulk
	// operation's result.
	NotFound V

	Logger zerolog.Logger
}

func (c *Config[V]) validate() error {
	if c.MinWaitAfterAdd > 0 {
		if c.Wait > 0 {
			return errors.New("coalesce: wait and minWaitAfterAdd are mutually exclusive")
		}
		if c.MaxWait <= 0 {
			return errors.New("coalesce: maxWait is required in debounce mode")
		}
		if c.MinWait < 0 {
			return errors.New("coalesce: minWait must not be negative")
		}
		if c.MinWait > c.MaxWait {
			return errors.New("coalesce: minWait must not exceed maxWait")
		}
		return nil
	}
	if c.Wait <= 0 {
		return errors.New("coalesce: wait must be positive in throttle mode")
	}
	return nil
}
