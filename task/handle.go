package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultWaitTimeout applies to Wait and Result when no timeout is given
// and the handle was built without WithWaitTimeout.
const DefaultWaitTimeout = 300 * time.Second

// Handle is the caller-side view of one task. It holds only the identifier
// and a Source, so any process that knows the id can build an equivalent
// handle.
type Handle struct {
	id          string
	src         Source
	poller      *Poller
	waitTimeout time.Duration
}

type HandleOption func(*Handle)

func WithPoller(p *Poller) HandleOption {
	return func(h *Handle) { h.poller = p }
}

func WithWaitTimeout(d time.Duration) HandleOption {
	return func(h *Handle) { h.waitTimeout = d }
}

func NewHandle(id string, src Source, opts ...HandleOption) *Handle {
	h := &Handle{
		id:          id,
		src:         src,
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.poller == nil {
		h.poller = NewPoller(src)
	}
	return h
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) String() string { return fmt.Sprintf("Task(%s)", h.id) }

// Status is a single non-blocking read.
func (h *Handle) Status(ctx context.Context) (State, error) {
	rec, err := h.src.Get(ctx, h.id)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

func (h *Handle) Record(ctx context.Context) (Record, error) {
	return h.src.Get(ctx, h.id)
}

// Wait blocks until the task is terminal. A timeout of zero or less uses the
// handle's default. On ErrTimeout the task keeps running.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (Record, error) {
	return h.WaitFor(ctx, UntilTerminal(), timeout)
}

func (h *Handle) WaitFor(ctx context.Context, cond Condition, timeout time.Duration) (Record, error) {
	if timeout <= 0 {
		timeout = h.waitTimeout
	}
	return h.poller.Poll(ctx, h.id, cond, timeout)
}

// Result waits for the task and returns its cached result, or the recorded
// failure (*TaskError), or ErrCancelled. Repeated calls never re-run the work.
func (h *Handle) Result(ctx context.Context) (json.RawMessage, error) {
	return h.ResultWithin(ctx, 0)
}

// Await is Result under the name used for joining.
func (h *Handle) Await(ctx context.Context) (json.RawMessage, error) {
	return h.Result(ctx)
}

func (h *Handle) ResultWithin(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	rec, err := h.Wait(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return rec.Outcome()
}

// TryResult does not wait: before the task is terminal it returns ErrNotReady.
func (h *Handle) TryResult(ctx context.Context) (json.RawMessage, error) {
	rec, err := h.src.Get(ctx, h.id)
	if err != nil {
		return nil, err
	}
	return rec.Outcome()
}

func (h *Handle) Cancel(ctx context.Context) error {
	return h.src.Cancel(ctx, h.id)
}

// ResultAs waits for the result and decodes it into T.
func ResultAs[T any](ctx context.Context, h *Handle) (T, error) {
	var v T
	raw, err := h.Result(ctx)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode result of task %s: %w", h.id, err)
	}
	return v, nil
}
