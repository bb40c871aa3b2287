package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bgtask/task"

	"github.com/sirupsen/logrus"
)

// Stage turns the gathered outputs of the previous stage into one or more
// new tasks. The first stage receives the pipeline seed.
type Stage struct {
	Name   string
	Launch func(ctx context.Context, inputs []json.RawMessage) ([]*task.Handle, error)
}

// StageReport describes one completed stage.
type StageReport struct {
	Name     string            `json:"name"`
	TaskIDs  []string          `json:"taskIds"`
	Outputs  []json.RawMessage `json:"outputs"`
	Duration time.Duration     `json:"duration"`
}

// Pipeline runs stages with a strict barrier: stage N+1 starts only after
// every task of stage N has been gathered.
type Pipeline struct {
	Stages []Stage
	// StageTimeout bounds the gather of each stage. Zero uses the handles'
	// default wait timeout.
	StageTimeout time.Duration
	Logger       logrus.FieldLogger
}

// Run executes the pipeline and returns the outputs of the last stage along
// with a report for every stage that finished.
func (p *Pipeline) Run(ctx context.Context, seed ...json.RawMessage) ([]json.RawMessage, []StageReport, error) {
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	inputs := seed
	reports := make([]StageReport, 0, len(p.Stages))
	for i, stage := range p.Stages {
		log := logger.WithFields(logrus.Fields{"stage": stage.Name, "index": i})
		start := time.Now()

		handles, err := stage.Launch(ctx, inputs)
		if err != nil {
			return nil, reports, fmt.Errorf("stage %s: launch: %w", stage.Name, err)
		}
		log.WithField("tasks", len(handles)).Info("Stage launched")

		outputs, err := Gather(ctx, handles, p.StageTimeout)
		if err != nil {
			return nil, reports, fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		ids := make([]string, len(handles))
		for j, h := range handles {
			ids[j] = h.ID()
		}
		report := StageReport{Name: stage.Name, TaskIDs: ids, Outputs: outputs, Duration: time.Since(start)}
		reports = append(reports, report)
		log.WithField("duration", report.Duration.Round(time.Millisecond).String()).Info("Stage gathered")

		inputs = outputs
	}
	return inputs, reports, nil
}

// Single adapts a launcher that consumes the whole previous output set and
// submits exactly one task.
func Single(launch func(ctx context.Context, inputs []json.RawMessage) (*task.Handle, error)) func(context.Context, []json.RawMessage) ([]*task.Handle, error) {
	return func(ctx context.Context, inputs []json.RawMessage) ([]*task.Handle, error) {
		h, err := launch(ctx, inputs)
		if err != nil {
			return nil, err
		}
		return []*task.Handle{h}, nil
	}
}
