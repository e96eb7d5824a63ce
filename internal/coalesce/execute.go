package coalesce

import (
	"context"
	"sync"
)

// execute runs a fired window: one bulk call per distinct context key, all
// concurrent, joined before the window's promise transitions. Runs outside
// the engine goroutine so new adds are never blocked by bulk work.
func (e *Engine[C, K, V]) execute(w *window[C, K, V]) {
	groups := make(map[C][]K)
	for _, key := range w.order {
		groups[key.Context] = append(groups[key.Context], key.Input)
	}

	e.logger.Debug().
		Int("items", w.size()).
		Int("groups", len(groups)).
		Msg("executing batch")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		merged   = make(map[itemKey[C, K]]V, w.size())
		firstErr error
	)

	for ctxKey, inputs := range groups {
		wg.Add(1)
		go func(ctxKey C, inputs []K) {
			defer wg.Done()

			pairs, err := e.fn(context.Background(), ctxKey, inputs)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for _, p := range pairs {
				merged[itemKey[C, K]{Context: ctxKey, Input: p.Input}] = p.Output
			}
		}(ctxKey, inputs)
	}
	wg.Wait()

	// One failed group fails every caller in the window, including callers
	// whose own group succeeded: the window shares a single completion.
	if firstErr != nil {
		e.logger.Debug().Err(firstErr).Msg("batch failed")
		w.done.Reject(firstErr)
		return
	}

	e.logger.Debug().Int("results", len(merged)).Msg("batch completed")
	w.done.Resolve(merged)
}
