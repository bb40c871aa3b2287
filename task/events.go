package task

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Transition is emitted on every state change of a record.
type Transition struct {
	TaskID    string    `json:"taskId"`
	Name      string    `json:"name,omitempty"`
	From      State     `json:"previousState"`
	To        State     `json:"newState"`
	Timestamp time.Time `json:"timestamp"`
	// Duration is the time spent running, set on transitions out of running.
	Duration time.Duration `json:"duration,omitempty"`
}

// Sink consumes transition events. Sinks are invoked while the record is
// locked so that every sink sees one task's transitions in order; they must
// not block or call back into the registry.
type Sink interface {
	OnTransition(Transition)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Transition)

func (f SinkFunc) OnTransition(t Transition) { f(t) }

// MultiSink fans a transition out to several sinks.
type MultiSink []Sink

func (m MultiSink) OnTransition(t Transition) {
	for _, s := range m {
		s.OnTransition(t)
	}
}

// LogSink writes transitions to a logrus logger.
type LogSink struct {
	Logger logrus.FieldLogger
}

func (s LogSink) OnTransition(t Transition) {
	entry := s.Logger.WithFields(logrus.Fields{
		"task_id": t.TaskID,
		"tool":    t.Name,
		"from":    t.From,
		"to":      t.To,
	})
	if t.Duration > 0 {
		entry = entry.WithField("duration", t.Duration.String())
	}
	if t.To.Terminal() {
		entry.Info("Task finished")
		return
	}
	entry.Debug("Task state changed")
}
