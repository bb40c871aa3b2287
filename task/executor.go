package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"bgtask/config"

	"github.com/sirupsen/logrus"
)

// Admitter decides whether a task may start now. A non-nil error fails the
// task with FailureResource.
type Admitter interface {
	Admit(ctx context.Context) error
}

type executor struct {
	reg    *Registry
	cfg    *config.Config
	queue  chan string
	sem    chan struct{} // nil means unlimited concurrency
	admit  Admitter
	logger logrus.FieldLogger
	wg     sync.WaitGroup

	// mu orders enqueue against shutdown so nothing lands in the queue
	// after it has been drained.
	mu sync.Mutex
}

func newExecutor(reg *Registry, cfg *config.Config) *executor {
	e := &executor{
		reg:   reg,
		cfg:   cfg,
		queue: make(chan string, cfg.QueueSize),
	}
	if cfg.MaxConcurrentTasks > 0 {
		e.sem = make(chan struct{}, cfg.MaxConcurrentTasks)
	}
	return e
}

// enqueue never blocks; a full backlog is reported to the submitter.
func (e *executor) enqueue(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reg.closed.Load() {
		return ErrRegistryClosed
	}
	select {
	case e.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// workerLoop pulls tasks from the queue and runs each in its own goroutine
// once a concurrency slot is free.
func (e *executor) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case id := <-e.queue:
			if e.sem != nil {
				select {
				case e.sem <- struct{}{}:
				case <-ctx.Done():
					e.cancelQueued(id)
					e.shutdown()
					return
				}
			}
			e.wg.Add(1)
			go func(id string) {
				defer e.wg.Done()
				if e.sem != nil {
					defer func() { <-e.sem }()
				}
				e.run(ctx, id)
			}(id)
		}
	}
}

// shutdown stops accepting work and cancels everything still queued.
func (e *executor) shutdown() {
	var queued []string
	e.mu.Lock()
	e.reg.closed.Store(true)
drain:
	for {
		select {
		case id := <-e.queue:
			queued = append(queued, id)
		default:
			break drain
		}
	}
	e.mu.Unlock()

	for _, id := range queued {
		e.cancelQueued(id)
	}
	e.logger.Info("Worker loop shutting down")
}

func (e *executor) cancelQueued(id string) {
	if err := e.reg.MarkCancelled(id); err == nil {
		e.logger.WithField("task_id", id).Info("Queued task cancelled at shutdown")
	}
}

type panicError struct {
	value interface{}
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// invoke runs work, turning a panic into an error.
func invoke(ctx context.Context, work Work) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return work(ctx)
}

// run executes a single task exactly once.
func (e *executor) run(parentCtx context.Context, id string) {
	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if e.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(parentCtx, e.cfg.TaskTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	log := e.logger.WithField("task_id", id)

	work, err := e.reg.begin(id, cancel)
	if err != nil {
		e.notStarted(id, err)
		return
	}
	log.Debug("Processing task")

	if e.admit != nil {
		if err := e.admit.Admit(taskCtx); err != nil {
			log.WithError(err).Warn("Task refused by resource gate")
			e.finish(id, e.reg.MarkFailed(id, Failure{
				Kind:    FailureResource,
				Message: fmt.Sprintf("insufficient system resources: %v", err),
			}))
			return
		}
	}

	value, err := invoke(taskCtx, work)
	if err != nil {
		var pe *panicError
		switch {
		case errors.As(err, &pe):
			log.WithField("panic", pe.value).Error("Task panicked")
			e.finish(id, e.reg.MarkFailed(id, Failure{Kind: FailurePanic, Message: err.Error()}))
		case parentCtx.Err() != nil:
			log.Info("Task interrupted by shutdown")
			e.finish(id, e.reg.MarkCancelled(id))
		case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			log.Warn("Task exceeded its execution deadline")
			e.finish(id, e.reg.MarkFailed(id, Failure{
				Kind:    FailureDeadline,
				Message: fmt.Sprintf("task exceeded timeout of %s", e.cfg.TaskTimeout),
			}))
		default:
			log.WithError(err).Info("Task failed")
			e.finish(id, e.reg.MarkFailed(id, Failure{Kind: FailureError, Message: err.Error()}))
		}
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		e.finish(id, e.reg.MarkFailed(id, Failure{
			Kind:    FailureEncode,
			Message: fmt.Sprintf("could not encode result: %v", err),
		}))
		return
	}
	e.finish(id, e.reg.MarkCompleted(id, raw))
}

// notStarted handles a queued task that could not begin. Only a task
// cancelled while queued, possibly evicted since, may legitimately get here.
func (e *executor) notStarted(id string, err error) {
	log := e.logger.WithField("task_id", id).WithError(err)
	if errors.Is(err, ErrNotFound) {
		log.Debug("Task not started")
		return
	}
	if rec, getErr := e.reg.Get(context.Background(), id); getErr == nil && rec.State == StateCancelled {
		log.Debug("Task not started")
		return
	}
	log.Panic("Task registry invariant violated")
}

// finish checks the outcome of a terminal transition. A task cancelled while
// running legitimately rejects its late result; anything else is an engine
// defect.
func (e *executor) finish(id string, err error) {
	if err == nil || !errors.Is(err, ErrIllegalTransition) {
		return
	}
	if rec, getErr := e.reg.Get(context.Background(), id); getErr == nil && rec.State == StateCancelled {
		e.logger.WithField("task_id", id).Debug("Discarding outcome of cancelled task")
		return
	}
	e.logger.WithField("task_id", id).WithError(err).Panic("Task registry invariant violated")
}
