// Package orchestrate composes task handles into fan-out, gather and staged
// pipeline workflows. Failures are isolated: one failed task never cancels
// its siblings.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bgtask/task"
)

// Launcher starts one task for an input and returns its handle.
type Launcher[T any] func(ctx context.Context, in T) (*task.Handle, error)

// FanOut launches one task per input, in input order. Every launched task
// is already running independently when FanOut returns. If a launch fails,
// the handles launched so far are returned with the error and keep running.
func FanOut[T any](ctx context.Context, inputs []T, launch Launcher[T]) ([]*task.Handle, error) {
	handles := make([]*task.Handle, 0, len(inputs))
	for i, in := range inputs {
		h, err := launch(ctx, in)
		if err != nil {
			return handles, fmt.Errorf("fan-out item %d: %w", i, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Gather waits for every handle to become terminal and returns the results
// in the order the handles were given. If any task did not complete, the
// error of the first such handle in that order is returned. A timeout of
// zero or less uses each handle's default wait timeout.
func Gather(ctx context.Context, handles []*task.Handle, timeout time.Duration) ([]json.RawMessage, error) {
	records := make([]task.Record, len(handles))
	errs := make([]error, len(handles))

	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *task.Handle) {
			defer wg.Done()
			records[i], errs[i] = h.Wait(ctx, timeout)
		}(i, h)
	}
	wg.Wait()

	results := make([]json.RawMessage, len(handles))
	for i := range handles {
		if errs[i] != nil {
			return nil, fmt.Errorf("gather %s: %w", handles[i], errs[i])
		}
		raw, err := records[i].Outcome()
		if err != nil {
			return nil, err
		}
		results[i] = raw
	}
	return results, nil
}

// GatherAs is Gather followed by decoding each result into T.
func GatherAs[T any](ctx context.Context, handles []*task.Handle, timeout time.Duration) ([]T, error) {
	raws, err := Gather(ctx, handles, timeout)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", handles[i], err)
		}
	}
	return out, nil
}
