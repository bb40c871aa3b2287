package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Demo provides the demonstration tools. Durations given to the tools are in
// units of Unit, which is one second in production and much smaller in tests.
type Demo struct {
	Unit time.Duration
}

func (d Demo) unit() time.Duration {
	if d.Unit <= 0 {
		return time.Second
	}
	return d.Unit
}

func (d Demo) scale(n float64) time.Duration {
	return time.Duration(n * float64(d.unit()))
}

// units reports an elapsed duration in tool units, rounded to two places.
func (d Demo) units(elapsed time.Duration) float64 {
	return math.Round(float64(elapsed)/float64(d.unit())*100) / 100
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type slowCalculationArgs struct {
	N int `json:"n"`
}

func (a *slowCalculationArgs) validate() error {
	if a.N < 0 {
		return errors.New("n must not be negative")
	}
	return nil
}

type SlowCalculationResult struct {
	Result          int       `json:"result"`
	ComputationTime float64   `json:"computation_time"`
	CompletedAt     time.Time `json:"completed_at"`
}

type fetchDataArgs struct {
	Source string `json:"source"`
	Delay  int    `json:"delay"`
}

func (a *fetchDataArgs) setDefaults() { a.Delay = 3 }

func (a *fetchDataArgs) validate() error {
	if a.Source == "" {
		return errors.New("source is required")
	}
	if a.Delay < 0 {
		return errors.New("delay must not be negative")
	}
	return nil
}

type FetchDataResult struct {
	Source       string    `json:"source"`
	Data         []string  `json:"data"`
	FetchedAt    time.Time `json:"fetched_at"`
	DelaySeconds int       `json:"delay_seconds"`
}

type processBatchArgs struct {
	Items              []string `json:"items"`
	ProcessTimePerItem float64  `json:"process_time_per_item"`
}

func (a *processBatchArgs) setDefaults() { a.ProcessTimePerItem = 0.5 }

func (a *processBatchArgs) validate() error {
	if a.ProcessTimePerItem < 0 {
		return errors.New("process_time_per_item must not be negative")
	}
	return nil
}

type ProcessBatchResult struct {
	ProcessedItems []string  `json:"processed_items"`
	TotalItems     int       `json:"total_items"`
	TotalTime      float64   `json:"total_time"`
	CompletedAt    time.Time `json:"completed_at"`
}

type longRunningArgs struct {
	Duration int    `json:"duration"`
	TaskName string `json:"task_name"`
}

func (a *longRunningArgs) validate() error {
	if a.TaskName == "" {
		return errors.New("task_name is required")
	}
	if a.Duration < 0 {
		return errors.New("duration must not be negative")
	}
	return nil
}

type LongRunningResult struct {
	TaskName          string    `json:"task_name"`
	RequestedDuration int       `json:"requested_duration"`
	ActualDuration    float64   `json:"actual_duration"`
	CompletedAt       time.Time `json:"completed_at"`
	Message           string    `json:"message"`
}

type messageArgs struct {
	Message string `json:"message"`
}

// Tools returns the demonstration tool set.
func (d Demo) Tools() []Tool {
	return []Tool{
		NewTool("slow_calculation", "Simulates a long-running calculation by sleeping for n seconds.", true,
			func(ctx context.Context, a slowCalculationArgs) (any, error) {
				start := time.Now()
				if err := sleepCtx(ctx, d.scale(float64(a.N))); err != nil {
					return nil, err
				}
				return SlowCalculationResult{
					Result:          a.N * a.N,
					ComputationTime: d.units(time.Since(start)),
					CompletedAt:     time.Now(),
				}, nil
			}),
		NewTool("fetch_data", "Simulates fetching data from a remote source.", true,
			func(ctx context.Context, a fetchDataArgs) (any, error) {
				if err := sleepCtx(ctx, d.scale(float64(a.Delay))); err != nil {
					return nil, err
				}
				data := make([]string, 10)
				for i := range data {
					data[i] = fmt.Sprintf("item_%d", i)
				}
				return FetchDataResult{Source: a.Source, Data: data, FetchedAt: time.Now(), DelaySeconds: a.Delay}, nil
			}),
		NewTool("process_batch", "Simulates batch processing of items.", true,
			func(ctx context.Context, a processBatchArgs) (any, error) {
				start := time.Now()
				processed := make([]string, 0, len(a.Items))
				for _, item := range a.Items {
					if err := sleepCtx(ctx, d.scale(a.ProcessTimePerItem)); err != nil {
						return nil, err
					}
					processed = append(processed, "processed_"+item)
				}
				return ProcessBatchResult{
					ProcessedItems: processed,
					TotalItems:     len(a.Items),
					TotalTime:      d.units(time.Since(start)),
					CompletedAt:    time.Now(),
				}, nil
			}),
		NewTool("long_running_task", "Sleeps for the given duration and reports how long it ran.", true,
			func(ctx context.Context, a longRunningArgs) (any, error) {
				start := time.Now()
				if err := sleepCtx(ctx, d.scale(float64(a.Duration))); err != nil {
					return nil, err
				}
				return LongRunningResult{
					TaskName:          a.TaskName,
					RequestedDuration: a.Duration,
					ActualDuration:    d.units(time.Since(start)),
					CompletedAt:       time.Now(),
					Message:           fmt.Sprintf("Task '%s' finished successfully!", a.TaskName),
				}, nil
			}),
		NewTool("quick_task", "Echoes a message with a timestamp. Not task-enabled.", false,
			func(ctx context.Context, a messageArgs) (any, error) {
				return fmt.Sprintf("Echo at %s: %s", time.Now().Format(time.RFC3339), a.Message), nil
			}),
		NewTool("instant_tool", "Responds immediately. Not task-enabled.", false,
			func(ctx context.Context, a messageArgs) (any, error) {
				return "Instant response: " + a.Message, nil
			}),
	}
}
