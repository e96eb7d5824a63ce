package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordingBulk records every invocation and answers each input with
// "<context>/<input>".
type recordingBulk struct {
	mu      sync.Mutex
	batches [][]string // sorted inputs per invocation
	byKey   map[string][][]string
}

func newRecordingBulk() *recordingBulk {
	return &recordingBulk{byKey: make(map[string][][]string)}
}

func (r *recordingBulk) fn(_ context.Context, key string, inputs []string) ([]Pair[string, string], error) {
	batch := make([]string, len(inputs))
	copy(batch, inputs)
	sort.Strings(batch)

	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.byKey[key] = append(r.byKey[key], batch)
	r.mu.Unlock()

	pairs := make([]Pair[string, string], 0, len(inputs))
	for _, in := range inputs {
		pairs = append(pairs, Pair[string, string]{Input: in, Output: key + "/" + in})
	}
	return pairs, nil
}

func (r *recordingBulk) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingBulk) allBatches() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.batches))
	copy(out, r.batches)
	return out
}

func newTestEngine(t *testing.T, cfg Config[string], bulk *recordingBulk) *Engine[string, string, string] {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	e, err := New[string, string, string](cfg, bulk.fn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestEngine_ThrottleSingleBatch(t *testing.T) {
	bulk := newRecordingBulk()
	e := newTestEngine(t, Config[string]{Wait: 50 * time.Millisecond}, bulk)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := fmt.Sprintf("in%d", i)
			out, err := e.Call(context.Background(), "ctx", in)
			if err != nil {
				t.Errorf("Call(%s): %v", in, err)
				return
			}
			if out != "ctx/"+in {
				t.Errorf("Call(%s) = %q", in, out)
			}
		}(i)
	}
	wg.Wait()

	if got := bulk.batchCount(); got != 1 {
		t.Fatalf("expected 1 batch, got %d: %v", got, bulk.allBatches())
	}
	if got := len(bulk.allBatches()[0]); got != callers {
		t.Fatalf("expected %d inputs in batch, got %d", callers, got)
	}
}

func TestEngine_SeparateWindowsAcrossWait(t *testing.T) {
	bulk := newRecordingBulk()
	e := newTestEngine(t, Config[string]{Wait: 40 * time.Millisecond}, bulk)

	if _, err := e.Call(context.Background(), "ctx", "first"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	// First window has fired; this call must start a new one.
	if _, err := e.Call(context.Background(), "ctx", "second"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	if got := bulk.batchCount(); got != 2 {
		t.Fatalf("expected 2 batches, got %d", got)
	}
}

func TestEngine_MaxSize(t *testing.T) {
	bulk := newRecordingBulk()
	e := newTestEngine(t, Config[string]{Wait: 50 * time.Millisecond, MaxSize: 5}, bulk)

	const callers = 12
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.Call(context.Background(), "ctx", fmt.Sprintf("in%d", i)); err != nil {
				t.Errorf("Call: %v", err)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, batch := range bulk.allBatches() {
		if len(batch) > 5 {
			t.Fatalf("batch exceeds max size: %v", batch)
		}
		total += len(batch)
	}
	if total != callers {
		t.Fatalf("expected %d inputs across batches, got %d", callers, total)
	}
}

func TestEngine_DebounceExtends(t *testing.T) {
	bulk := newRecordingBulk()
	e := newTestEngine(t, Config[string]{
		MinWaitAfterAdd: 60 * time.Millisecond,
		MinWait:         0,
		MaxWait:         2 * time.Second,
	}, bulk)

	const callers = 5
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.Call(context.Background(), "ctx", fmt.Sprintf("in%d", i)); err != nil {
				t.Errorf("Call: %v", err)
			}
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	// Adds 10ms apart never let the 60ms quiet period elapse, so every
	// caller lands in the same window.
	if got := bulk.batchCount(); got != 1 {
		t.Fatalf("expected 1 batch, got %d: %v", got, bulk.allBatches())
	}
	if got := len(bulk.allBatches()[0]); got != callers {
		t.Fatalf("expected %d inputs, got %d", callers, got)
	}
}

func TestEngine_DebounceFloor(t *testing.T) {
	bulk := newRecordingBulk()
	e := newTestEngine(t, Config[string]{
		MinWaitAfterAdd: 400 * time.Millisecond,
		MinWait:         400 * time.Millisecond,
		MaxWait:         400 * time.Millisecond,
	}, bulk)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.Call(context.Background(), "ctx", fmt.Sprintf("in%d", i)); err != nil {
				t.Errorf("Call: %v", err)
			}
		}(i)
		time.Sleep(30 * time.Millisecond)
	}
	wg.Wait()

	if got := bulk.batchCount(); got != 1 {
		t.Fatalf("expected a single batch when the floor dominates, got %d", got)
	}
}

func TestEngine_DebounceCeiling(t *testing.T) {
	bulk := newRecordingBulk()
	e := newTestEngine(t, Config[string]{
		MinWaitAfterAdd: 50 * time.Millisecond,
		MinWait:         0,
		MaxWait:         100 * time.Millisecond,
	}, bulk)

	const callers = 30
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.Call(context.Background(), "ctx", fmt.Sprintf("in%d", i)); err != nil {
				t.Errorf("Call: %v", err)
			}
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	// Continuous adds would extend forever; the ceiling forces periodic
	// flushes, but far fewer than one per call.
	got := bulk.batchCount()
	if got < 2 {
		t.Fatalf("expected the ceiling to force more than one batch, got %d", got)
	}
	if got >= callers {
		t.Fatalf("expected real coalescing, got %d batches for %d calls", got, callers)
	}
}

func TestEngine_ContextGrouping(t *testing.T) {
	bulk := newRecordingBulk()
	e := newTestEngine(t, Config[string]{Wait: 50 * time.Millisecond}, bulk)

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	for _, call := range []struct{ key, in string }{
		{"a", "1"}, {"a", "2"}, {"other", "1"}, {"other", "3"},
	} {
		wg.Add(1)
		go func(key, in string) {
			defer wg.Done()
			out, err := e.Call(context.Background(), key, in)
			if err != nil {
				t.Errorf("Call(%s,%s): %v", key, in, err)
				return
			}
			mu.Lock()
			results[key+":"+in] = out
			mu.Unlock()
		}(call.key, call.in)
	}
	wg.Wait()

	bulk.mu.Lock()
	defer bulk.mu.Unlock()
	if len(bulk.byKey["a"]) != 1 || len(bulk.byKey["other"]) != 1 {
		t.Fatalf("expected one invocation per context key, got %v", bulk.byKey)
	}
	if strings.Join(bulk.byKey["a"][0], ",") != "1,2" {
		t.Fatalf("context a received %v", bulk.byKey["a"][0])
	}
	if strings.Join(bulk.byKey["other"][0], ",") != "1,3" {
		t.Fatalf("context other received %v", bulk.byKey["other"][0])
	}
	if results["a:1"] != "a/1" || results["other:1"] != "other/1" {
		t.Fatalf("results misattributed: %v", results)
	}
}

func TestEngine_Dedup(t *testing.T) {
	bulk := newRecordingBulk()
	e := newTestEngine(t, Config[string]{Wait: 50 * time.Millisecond}, bulk)

	const callers = 6
	outs := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Call(context.Background(), "ctx", "same")
			if err != nil {
				t.Errorf("Call: %v", err)
				return
			}
			outs <- out
		}()
	}
	wg.Wait()
	close(outs)

	batches := bulk.allBatches()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected one batch with one deduplicated input, got %v", batches)
	}
	for out := range outs {
		if out != "ctx/same" {
			t.Fatalf("caller observed %q", out)
		}
	}
}

func TestEngine_NotFoundDefault(t *testing.T) {
	cfg := Config[string]{Wait: 30 * time.Millisecond, NotFound: "missing"}
	cfg.Logger = zerolog.Nop()
	e, err := New[string, string, string](cfg, func(_ context.Context, key string, inputs []string) ([]Pair[string, string], error) {
		// Answer nothing; every input resolves to the default.
		return nil, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	out, err := e.Call(context.Background(), "ctx", "absent")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "missing" {
		t.Fatalf("expected the configured default, got %q", out)
	}
}

func TestEngine_FailureSharedByWindow(t *testing.T) {
	want := errors.New("upstream unavailable")
	cfg := Config[string]{Wait: 40 * time.Millisecond}
	cfg.Logger = zerolog.Nop()
	e, err := New[string, string, string](cfg, func(_ context.Context, key string, inputs []string) ([]Pair[string, string], error) {
		if key == "bad" {
			return nil, want
		}
		pairs := make([]Pair[string, string], 0, len(inputs))
		for _, in := range inputs {
			pairs = append(pairs, Pair[string, string]{Input: in, Output: in})
		}
		return pairs, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	// One failing group fails the whole window, including the good group.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, key := range []string{"bad", "good"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := e.Call(context.Background(), key, "x")
			errs <- err
		}(key)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, want) {
			t.Fatalf("expected %v for every caller, got %v", want, err)
		}
	}
}

func TestEngine_CloseFlushesPending(t *testing.T) {
	bulk := newRecordingBulk()
	cfg := Config[string]{Wait: 10 * time.Second}
	cfg.Logger = zerolog.Nop()
	e, err := New[string, string, string](cfg, bulk.fn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		out, err := e.Call(context.Background(), "ctx", "pending")
		if err != nil {
			t.Errorf("Call: %v", err)
		}
		done <- out
	}()

	// Let the add reach the engine before closing.
	time.Sleep(50 * time.Millisecond)
	e.Close()

	select {
	case out := <-done:
		if out != "ctx/pending" {
			t.Fatalf("expected flushed result, got %q", out)
		}
	case <-time.After(time.Second):
		t.Fatal("caller still waiting after Close")
	}
}

func TestEngine_CallAfterClose(t *testing.T) {
	bulk := newRecordingBulk()
	cfg := Config[string]{Wait: 10 * time.Millisecond}
	cfg.Logger = zerolog.Nop()
	e, err := New[string, string, string](cfg, bulk.fn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Close()

	if _, err := e.Call(context.Background(), "ctx", "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEngine_ConfigValidation(t *testing.T) {
	bulk := newRecordingBulk()

	cases := []struct {
		name string
		cfg  Config[string]
	}{
		{"no mode", Config[string]{}},
		{"both modes", Config[string]{Wait: time.Millisecond, MinWaitAfterAdd: time.Millisecond, MaxWait: time.Second}},
		{"debounce without ceiling", Config[string]{MinWaitAfterAdd: time.Millisecond}},
		{"floor above ceiling", Config[string]{MinWaitAfterAdd: time.Millisecond, MinWait: 2 * time.Second, MaxWait: time.Second}},
	}
	for _, tc := range cases {
		tc.cfg.Logger = zerolog.Nop()
		if _, err := New[string, string, string](tc.cfg, bulk.fn); err == nil {
			t.Errorf("%s: expected a config error", tc.name)
		}
	}

	if _, err := New[string, string, string](Config[string]{Wait: time.Millisecond, Logger: zerolog.Nop()}, nil); err == nil {
		t.Error("expected an error for a nil bulk function")
	}
}

func TestEngine_NewSimple(t *testing.T) {
	cfg := Config[int]{Wait: 20 * time.Millisecond, Logger: zerolog.Nop()}
	e, err := NewSimple[string, int](cfg, func(_ context.Context, inputs []string) ([]Pair[string, int], error) {
		pairs := make([]Pair[string, int], 0, len(inputs))
		for _, in := range inputs {
			pairs = append(pairs, Pair[string, int]{Input: in, Output: len(in)})
		}
		return pairs, nil
	})
	if err != nil {
		t.Fatalf("NewSimple: %v", err)
	}
	defer e.Close()

	out, err := e.Call(context.Background(), NoKey{}, "four")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != 4 {
		t.Fatalf("expected 4, got %d", out)
	}
}
