package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bgtask/config"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"
)

// Source is what a Handle needs to observe and cancel a task. The local
// Registry and the HTTP client both implement it.
type Source interface {
	Get(ctx context.Context, id string) (Record, error)
	Cancel(ctx context.Context, id string) error
}

// Notifier is implemented by sources that can signal a state change so that
// pollers wake before their interval elapses.
type Notifier interface {
	Changed(id string) (<-chan struct{}, error)
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type entry struct {
	mu      sync.Mutex
	rec     Record
	work    Work
	cancel  context.CancelFunc
	changed chan struct{}
}

// Registry is the single source of truth for task records. All state
// changes go through its Mark* operations, serialised per record.
type Registry struct {
	cfg    *config.Config
	tasks  sync.Map // id -> *entry
	exec   *executor
	sinks  MultiSink
	logger logrus.FieldLogger
	poller *Poller
	idGen  func() string
	now    func() time.Time
	closed atomic.Bool

	pollOpts []PollerOption
}

type Option func(*Registry)

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSink adds a transition sink. May be given more than once.
func WithSink(s Sink) Option {
	return func(r *Registry) { r.sinks = append(r.sinks, s) }
}

// WithAdmitter sets the gate consulted before a task starts running.
func WithAdmitter(a Admitter) Option {
	return func(r *Registry) { r.exec.admit = a }
}

func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.idGen = gen }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPollerOptions customises the poller behind handles returned by the
// registry, for example to attach an Observer.
func WithPollerOptions(opts ...PollerOption) Option {
	return func(r *Registry) { r.pollOpts = append(r.pollOpts, opts...) }
}

func NewRegistry(cfg *config.Config, opts ...Option) (*Registry, error) {
	if cfg.MaxConcurrentTasks < 0 {
		return nil, fmt.Errorf("max concurrent tasks must not be negative: %d", cfg.MaxConcurrentTasks)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative: %d", cfg.QueueSize)
	}

	r := &Registry{
		cfg:    cfg,
		logger: logrus.StandardLogger(),
		idGen:  shortuuid.New,
		now:    time.Now,
	}
	r.exec = newExecutor(r, cfg)
	for _, opt := range opts {
		opt(r)
	}
	r.exec.logger = r.logger
	r.poller = NewPoller(r, append([]PollerOption{WithPollConfig(cfg)}, r.pollOpts...)...)
	return r, nil
}

// Start launches the executor and the expiry sweep. Both stop when ctx is
// done; tasks still queued at that point are cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.logger.WithFields(logrus.Fields{
		"max_concurrent": r.cfg.MaxConcurrentTasks,
		"keep_alive":     r.cfg.ResultKeepAlive.String(),
	}).Info("Task registry started")
	go r.cleanupLoop(ctx)
	go r.exec.workerLoop(ctx)
}

// Wait blocks until every task picked up by the executor has returned.
func (r *Registry) Wait() {
	r.exec.wg.Wait()
}

// Submit registers work as a pending task and queues it for execution. The
// record is visible to Get before Submit returns; the work has not started.
func (r *Registry) Submit(ctx context.Context, name string, work Work) (string, error) {
	if r.closed.Load() {
		return "", ErrRegistryClosed
	}
	if work == nil {
		return "", errors.New("task work must not be nil")
	}

	now := r.now()
	e := &entry{
		rec: Record{
			Name:      name,
			State:     StatePending,
			CreatedAt: now,
		},
		work:    work,
		changed: make(chan struct{}),
	}
	for {
		e.rec.ID = r.idGen()
		if _, loaded := r.tasks.LoadOrStore(e.rec.ID, e); !loaded {
			break
		}
	}
	id := e.rec.ID

	// The worker cannot begin the task before the pending event is out,
	// since begin takes the same lock.
	e.mu.Lock()
	err := r.exec.enqueue(id)
	if err == nil {
		r.sinks.OnTransition(Transition{TaskID: id, Name: name, To: StatePending, Timestamp: now})
	}
	e.mu.Unlock()
	if err != nil {
		r.tasks.Delete(id)
		return "", err
	}
	r.logger.WithFields(logrus.Fields{"task_id": id, "tool": name}).Debug("Task submitted to queue")
	return id, nil
}

// Go submits work and returns a Handle bound to the new task.
func (r *Registry) Go(ctx context.Context, name string, work Work) (*Handle, error) {
	id, err := r.Submit(ctx, name, work)
	if err != nil {
		return nil, err
	}
	return r.Handle(id), nil
}

// Handle returns a handle for id. The id is not checked; operations on the
// handle report ErrNotFound for unknown ids.
func (r *Registry) Handle(id string) *Handle {
	return NewHandle(id, r, WithPoller(r.poller), WithWaitTimeout(r.cfg.DefaultWaitTimeout))
}

// load returns the live entry for id, evicting it first if it has expired.
func (r *Registry) load(id string) (*entry, bool) {
	val, ok := r.tasks.Load(id)
	if !ok {
		return nil, false
	}
	e := val.(*entry)
	e.mu.Lock()
	expired := e.expired(r.now())
	e.mu.Unlock()
	if expired {
		r.tasks.CompareAndDelete(id, e)
		return nil, false
	}
	return e, true
}

func (e *entry) expired(now time.Time) bool {
	return e.rec.ExpiresAt != nil && !now.Before(*e.rec.ExpiresAt)
}

// Get returns a snapshot of the record.
func (r *Registry) Get(ctx context.Context, id string) (Record, error) {
	e, ok := r.load(id)
	if !ok {
		return Record{}, notFoundError(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// Status is a single non-blocking read of the task's state.
func (r *Registry) Status(ctx context.Context, id string) (State, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// List returns snapshots of all live records, oldest first.
func (r *Registry) List() []Record {
	now := r.now()
	records := make([]Record, 0)
	r.tasks.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		e.mu.Lock()
		if !e.expired(now) {
			records = append(records, e.rec.clone())
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// Changed returns a channel closed on the next transition of id. For a
// terminal record the channel is already closed.
func (r *Registry) Changed(id string) (<-chan struct{}, error) {
	e, ok := r.load(id)
	if !ok {
		return nil, notFoundError(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed, nil
}

func legalTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateCompleted || to == StateFailed || to == StateCancelled
	}
	return false
}

// transition applies one lifecycle step under the record lock and emits the
// event before releasing it.
func (r *Registry) transition(id string, to State, apply func(e *entry, now time.Time)) error {
	e, ok := r.load(id)
	if !ok {
		return notFoundError(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.rec.State
	if !legalTransition(from, to) {
		return illegalTransitionError(id, from, to)
	}

	now := r.now()
	e.rec.State = to
	if apply != nil {
		apply(e, now)
	}

	ev := Transition{TaskID: id, Name: e.rec.Name, From: from, To: to, Timestamp: now}
	if to.Terminal() {
		e.rec.FinishedAt = &now
		if r.cfg.ResultKeepAlive > 0 {
			expires := now.Add(r.cfg.ResultKeepAlive)
			e.rec.ExpiresAt = &expires
		}
		if e.rec.StartedAt != nil {
			ev.Duration = now.Sub(*e.rec.StartedAt)
		}
		e.work = nil
	}

	close(e.changed)
	if to.Terminal() {
		e.changed = closedChan
	} else {
		e.changed = make(chan struct{})
	}

	r.sinks.OnTransition(ev)
	return nil
}

// begin moves a pending task to running, remembering cancel so that a later
// Cancel can interrupt the work. It returns the work to execute.
func (r *Registry) begin(id string, cancel context.CancelFunc) (Work, error) {
	var work Work
	err := r.transition(id, StateRunning, func(e *entry, now time.Time) {
		e.rec.StartedAt = &now
		e.cancel = cancel
		work = e.work
	})
	return work, err
}

func (r *Registry) MarkCompleted(id string, result json.RawMessage) error {
	if result == nil {
		result = json.RawMessage("null")
	}
	return r.transition(id, StateCompleted, func(e *entry, now time.Time) {
		e.rec.Result = result
		e.cancel = nil
	})
}

func (r *Registry) MarkFailed(id string, failure Failure) error {
	return r.transition(id, StateFailed, func(e *entry, now time.Time) {
		e.rec.Error = &failure
		e.cancel = nil
	})
}

// MarkCancelled cancels a pending or running task and signals its work to
// stop. It fails with ErrIllegalTransition on a terminal record.
func (r *Registry) MarkCancelled(id string) error {
	return r.transition(id, StateCancelled, func(e *entry, now time.Time) {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	})
}

// Cancel is the caller-facing cancellation. Cancelling a terminal task is a
// no-op and returns nil.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	err := r.MarkCancelled(id)
	if errors.Is(err, ErrIllegalTransition) {
		return nil
	}
	if err == nil {
		r.logger.WithField("task_id", id).Info("Task cancelled")
	}
	return err
}

// Sweep evicts every record whose keep-alive has passed and returns how many
// were removed.
func (r *Registry) Sweep() int {
	now := r.now()
	evicted := 0
	r.tasks.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		e.mu.Lock()
		expired := e.expired(now)
		e.mu.Unlock()
		if expired && r.tasks.CompareAndDelete(key, e) {
			evicted++
		}
		return true
	})
	return evicted
}

// cleanupLoop periodically evicts expired records.
func (r *Registry) cleanupLoop(ctx context.Context) {
	if r.cfg.ResultKeepAlive <= 0 {
		return
	}
	interval := r.cfg.ResultKeepAlive / 4 // Check 4 times per lifetime
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Cleanup loop shutting down")
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.WithField("evicted", n).Debug("Evicted expired tasks")
			}
		}
	}
}
