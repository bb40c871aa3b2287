package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bgtask/config"

	"github.com/sirupsen/logrus"
)

// MinPollInterval bounds the poll interval away from zero.
const MinPollInterval = 10 * time.Millisecond

// Condition is the target a Poller waits for.
type Condition struct {
	target State // empty means any terminal state
}

// UntilTerminal is satisfied by completed, failed or cancelled.
func UntilTerminal() Condition { return Condition{} }

// UntilState is satisfied only by s.
func UntilState(s State) Condition { return Condition{target: s} }

func (c Condition) match(s State) bool {
	if c.target == "" {
		return s.Terminal()
	}
	return s == c.target
}

func (c Condition) String() string {
	if c.target == "" {
		return "completion"
	}
	return string(c.target)
}

// Observer is notified by a Poller. OnTransition fires whenever the observed
// state differs from the previous observation (from is empty on the first
// one); OnProgress fires on every other observation.
type Observer interface {
	OnTransition(id string, from, to State, elapsed time.Duration)
	OnProgress(id string, state State, polls int, elapsed time.Duration)
	OnFinish(id string, cond Condition, rec Record, polls int, elapsed time.Duration, err error)
}

type Poller struct {
	src         Source
	interval    time.Duration
	maxInterval time.Duration
	backoff     float64
	observer    Observer
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

func WithMaxInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.maxInterval = d }
}

// WithBackoff sets the interval multiplier. 1 keeps a fixed interval.
func WithBackoff(f float64) PollerOption {
	return func(p *Poller) { p.backoff = f }
}

func WithObserver(o Observer) PollerOption {
	return func(p *Poller) { p.observer = o }
}

// WithPollConfig applies POLL_INTERVAL, MAX_POLL_INTERVAL and POLL_BACKOFF.
func WithPollConfig(cfg *config.Config) PollerOption {
	return func(p *Poller) {
		if cfg.PollInterval > 0 {
			p.interval = cfg.PollInterval
		}
		if cfg.MaxPollInterval > 0 {
			p.maxInterval = cfg.MaxPollInterval
		}
		if cfg.PollBackoff > 0 {
			p.backoff = cfg.PollBackoff
		}
	}
}

func NewPoller(src Source, opts ...PollerOption) *Poller {
	p := &Poller{
		src:         src,
		interval:    50 * time.Millisecond,
		maxInterval: time.Second,
		backoff:     1.5,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.interval < MinPollInterval {
		p.interval = MinPollInterval
	}
	if p.maxInterval < p.interval {
		p.maxInterval = p.interval
	}
	if p.backoff < 1 {
		p.backoff = 1
	}
	return p
}

func (p *Poller) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * p.backoff)
	if d > p.maxInterval {
		return p.maxInterval
	}
	return d
}

// Poll observes id until cond holds, the timeout elapses (ErrTimeout), the
// task becomes terminal without satisfying cond (ErrUnreachable) or ctx is
// done. A timeout of zero or less waits without a deadline. Polling never
// modifies the task.
func (p *Poller) Poll(ctx context.Context, id string, cond Condition, timeout time.Duration) (rec Record, err error) {
	start := time.Now()
	polls := 0
	if p.observer != nil {
		defer func() {
			p.observer.OnFinish(id, cond, rec, polls, time.Since(start), err)
		}()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	notifier, _ := p.src.(Notifier)
	interval := p.interval
	var last State

	for {
		// Subscribe before reading so a transition in between still wakes us.
		var wake <-chan struct{}
		if notifier != nil {
			if ch, err := notifier.Changed(id); err == nil {
				wake = ch
			}
		}

		rec, err = p.src.Get(ctx, id)
		if err != nil {
			return rec, err
		}
		polls++

		if p.observer != nil {
			if rec.State != last {
				p.observer.OnTransition(id, last, rec.State, time.Since(start))
			} else {
				p.observer.OnProgress(id, rec.State, polls, time.Since(start))
			}
		}
		last = rec.State

		if cond.match(rec.State) {
			return rec, nil
		}
		if rec.State.Terminal() {
			return rec, fmt.Errorf("%w: task %s is %s, wanted %s", ErrUnreachable, id, rec.State, cond)
		}

		wait := time.NewTimer(interval)
		select {
		case <-wake:
		case <-wait.C:
		case <-deadline:
			wait.Stop()
			return rec, fmt.Errorf("%w: task %s did not reach %s within %s", ErrTimeout, id, cond, timeout)
		case <-ctx.Done():
			wait.Stop()
			return rec, ctx.Err()
		}
		wait.Stop()
		interval = p.next(interval)
	}
}

// LogObserver logs every transition and at most one "still in state" line
// per throttle window for each polled task. The window runs on the wall
// clock, so concurrent polls of one task share it.
type LogObserver struct {
	logger   logrus.FieldLogger
	throttle time.Duration
	now      func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	active  int // Poll calls in progress
	lastLog time.Time
}

func NewLogObserver(logger logrus.FieldLogger, throttle time.Duration) *LogObserver {
	return &LogObserver{
		logger:   logger,
		throttle: throttle,
		now:      time.Now,
		watches:  make(map[string]*watch),
	}
}

func (o *LogObserver) watchFor(id string) *watch {
	w, ok := o.watches[id]
	if !ok {
		w = &watch{}
		o.watches[id] = w
	}
	return w
}

// OnTransition with an empty from is the first observation of a Poll call.
func (o *LogObserver) OnTransition(id string, from, to State, elapsed time.Duration) {
	o.mu.Lock()
	w := o.watchFor(id)
	if from == "" {
		w.active++
	}
	w.lastLog = o.now()
	o.mu.Unlock()

	prev := string(from)
	if prev == "" {
		prev = "unknown"
	}
	o.logger.WithFields(logrus.Fields{
		"task_id": id,
		"from":    prev,
		"to":      to,
	}).Info("Task state observed")
}

func (o *LogObserver) OnProgress(id string, state State, polls int, elapsed time.Duration) {
	o.mu.Lock()
	w := o.watchFor(id)
	now := o.now()
	due := now.Sub(w.lastLog) >= o.throttle
	if due {
		w.lastLog = now
	}
	o.mu.Unlock()

	if !due {
		return
	}
	o.logger.WithFields(logrus.Fields{
		"task_id": id,
		"state":   state,
		"polls":   polls,
		"elapsed": elapsed.Round(100 * time.Millisecond).String(),
	}).Info("Task still in progress")
}

func (o *LogObserver) OnFinish(id string, cond Condition, rec Record, polls int, elapsed time.Duration, err error) {
	o.mu.Lock()
	if w, ok := o.watches[id]; ok {
		// A Poll that never got a record never counted itself in.
		if polls > 0 && w.active > 0 {
			w.active--
		}
		if w.active == 0 {
			delete(o.watches, id)
		}
	}
	o.mu.Unlock()

	entry := o.logger.WithFields(logrus.Fields{
		"task_id": id,
		"target":  cond.String(),
		"polls":   polls,
		"elapsed": elapsed.Round(100 * time.Millisecond).String(),
	})
	if err != nil {
		entry.WithError(err).Error("Polling stopped")
		return
	}
	entry.WithField("state", rec.State).Info("Task reached target")
}
