// Command taskdemo walks through the ways a caller can interact with
// background tasks: awaiting, polling, fire-and-forget, fan-out, repeated
// retrieval, sharing an id between sessions and staged pipelines.
//
//	taskdemo                                 # in-process registry
//	taskdemo -server http://localhost:8080   # against a running server
//	taskdemo -p fanout,research --unit 100ms
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bgtask/client"
	"bgtask/config"
	"bgtask/logging"
	"bgtask/orchestrate"
	"bgtask/task"
	"bgtask/tools"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// backend is what every pattern needs: tool calls plus handles rebuilt from
// a bare id.
type backend interface {
	tools.Submitter
	Handle(id string) *task.Handle
}

type local struct {
	*tools.Dispatcher
}

func (l local) Handle(id string) *task.Handle { return l.Registry().Handle(id) }

type demo struct {
	name string
	run  func(ctx context.Context, b backend, open func() backend) error
}

var (
	serverURL = pflag.StringP("server", "s", "", "base URL of a bgtask server; empty runs in-process")
	token     = pflag.String("token", "", "bearer token for the server")
	unit      = pflag.Duration("unit", 500*time.Millisecond, "wall time of one tool second when in-process")
	patterns  = pflag.StringSliceP("pattern", "p", []string{"all"}, "patterns to run: await, poll, fetch, fanout, multi, share, research, deep")
	query     = pflag.StringP("query", "q", "What are the latest developments in background task protocols?", "research query")

	logger logrus.FieldLogger
)

func main() {
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := logging.New(cfg)
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var open func() backend
	if *serverURL != "" {
		open = func() backend {
			return client.New(*serverURL,
				client.WithToken(*token),
				client.WithLogger(log),
				client.WithPollerOptions(task.WithPollConfig(cfg)),
			)
		}
		if err := open().(*client.Client).Ping(ctx); err != nil {
			log.Fatal(err)
		}
	} else {
		registry, err := task.NewRegistry(cfg,
			task.WithLogger(log),
			task.WithSink(task.LogSink{Logger: log}),
			task.WithPollerOptions(task.WithObserver(task.NewLogObserver(log, cfg.ProgressLogThrottle))),
		)
		if err != nil {
			log.Fatal(err)
		}
		registry.Start(ctx)
		d := local{tools.NewDispatcher(tools.StandardCatalog(*unit, log), registry)}
		open = func() backend { return d }
	}

	selected := map[string]bool{}
	for _, p := range *patterns {
		selected[strings.TrimSpace(p)] = true
	}

	failed := false
	for _, d := range demos {
		if !selected["all"] && !selected[d.name] {
			continue
		}
		fmt.Printf("\n=== %s ===\n", d.name)
		start := time.Now()
		if err := d.run(ctx, open(), open); err != nil {
			log.WithError(err).WithField("pattern", d.name).Error("Demo failed")
			failed = true
			if errors.Is(err, context.Canceled) {
				break
			}
			continue
		}
		log.WithFields(logrus.Fields{"pattern": d.name, "elapsed": time.Since(start).Round(time.Millisecond).String()}).Info("Demo finished")
	}
	if failed {
		os.Exit(1)
	}
}

var demos = []demo{
	{"await", demoAwait},
	{"poll", demoPoll},
	{"fetch", demoFetch},
	{"fanout", demoFanOut},
	{"multi", demoMultiRetrieval},
	{"share", demoShare},
	{"research", demoResearch},
	{"deep", demoDeepResearch},
}

func show(label string, raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Printf("%s: %s\n", label, raw)
		return
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Printf("%s: %s\n", label, pretty)
}

// demoAwait submits a task and immediately waits for its result.
func demoAwait(ctx context.Context, b backend, _ func() backend) error {
	h, err := b.Submit(ctx, "long_running_task", map[string]any{"duration": 2, "task_name": "quick-task"})
	if err != nil {
		return err
	}
	fmt.Printf("submitted %s\n", h)
	raw, err := h.Await(ctx)
	if err != nil {
		return err
	}
	show("result", raw)
	return nil
}

// demoPoll checks status on a fixed schedule until the task is terminal.
func demoPoll(ctx context.Context, b backend, _ func() backend) error {
	h, err := b.Submit(ctx, "slow_calculation", map[string]any{"n": 3})
	if err != nil {
		return err
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var last task.State
	for {
		st, err := h.Status(ctx)
		if err != nil {
			return err
		}
		if st != last {
			fmt.Printf("%s: %s -> %s\n", h, last, st)
			last = st
		}
		if st.Terminal() {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	raw, err := h.TryResult(ctx)
	if err != nil {
		return err
	}
	show("result", raw)
	return nil
}

// demoFetch fires a task, does unrelated work, then fetches the result
// without blocking until it is ready.
func demoFetch(ctx context.Context, b backend, _ func() backend) error {
	h, err := b.Submit(ctx, "fetch_data", map[string]any{"source": "inventory", "delay": 2})
	if err != nil {
		return err
	}
	fmt.Printf("fired %s, doing other work\n", h)

	for i := 0; ; i++ {
		raw, err := b.Call(ctx, "instant_tool", map[string]any{"message": fmt.Sprintf("side job %d", i)})
		if err != nil {
			return err
		}
		show("sync call", raw)

		raw, err = h.TryResult(ctx)
		switch {
		case err == nil:
			show("fetched", raw)
			return nil
		case !errors.Is(err, task.ErrNotReady):
			return err
		}
		select {
		case <-time.After(400 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// demoFanOut launches tasks of different lengths together; total time is
// close to the slowest one.
func demoFanOut(ctx context.Context, b backend, _ func() backend) error {
	type job struct {
		Name     string
		Duration int
	}
	jobs := []job{{"task-A", 3}, {"task-B", 2}, {"task-C", 1}}

	start := time.Now()
	handles, err := orchestrate.FanOut(ctx, jobs, func(ctx context.Context, j job) (*task.Handle, error) {
		return b.Submit(ctx, "long_running_task", map[string]any{"duration": j.Duration, "task_name": j.Name})
	})
	if err != nil {
		return err
	}
	results, err := orchestrate.GatherAs[tools.LongRunningResult](ctx, handles, 0)
	if err != nil {
		return err
	}
	for i, r := range results {
		fmt.Printf("%d. %s\n", i+1, r.Message)
	}
	fmt.Printf("all done in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// demoMultiRetrieval reads the same result several times; the work runs once.
func demoMultiRetrieval(ctx context.Context, b backend, _ func() backend) error {
	h, err := b.Submit(ctx, "process_batch", map[string]any{
		"items":                 []string{"apple", "banana", "cherry"},
		"process_time_per_item": 0.5,
	})
	if err != nil {
		return err
	}
	first, err := h.Result(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		again, err := b.Handle(h.ID()).Result(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("retrieval %d identical: %t\n", i+2, string(again) == string(first))
	}
	show("result", first)
	return nil
}

// demoShare hands a bare task id to a second session which observes the same
// task.
func demoShare(ctx context.Context, b backend, open func() backend) error {
	h, err := b.Submit(ctx, "slow_calculation", map[string]any{"n": 2})
	if err != nil {
		return err
	}
	id := h.ID()
	fmt.Printf("session 1 submitted %s\n", id)

	other := open().Handle(id)
	st, err := other.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("session 2 sees %s as %s\n", other, st)

	a, err := h.Result(ctx)
	if err != nil {
		return err
	}
	bRaw, err := other.Result(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("both sessions got the same result: %t\n", string(a) == string(bRaw))
	return nil
}

// demoResearch composes plan, parallel searches and analysis from the
// caller side.
func demoResearch(ctx context.Context, b backend, _ func() backend) error {
	report, err := tools.OrchestrateResearch(ctx, b, *query, 0, logger)
	if err != nil {
		return err
	}
	for _, s := range report.Stages {
		fmt.Printf("stage %-8s %d task(s) in %s\n", s.Name, len(s.TaskIDs), s.Duration.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println(report.Report)
	fmt.Println(strings.Repeat("=", 80))
	return nil
}

// demoDeepResearch runs the whole research flow as one long task and checks
// in while it runs.
func demoDeepResearch(ctx context.Context, b backend, _ func() backend) error {
	h, err := b.Submit(ctx, "deep_research", map[string]any{"query": *query})
	if err != nil {
		return err
	}
	if _, err := h.WaitFor(ctx, task.UntilState(task.StateRunning), 0); err != nil {
		return err
	}
	fmt.Printf("%s is running, waiting for the report\n", h)

	res, err := task.ResultAs[tools.DeepResearchResult](ctx, h)
	if err != nil {
		return err
	}
	fmt.Printf("planning %.2f, search %.2f, analysis %.2f, total %.2f (tool seconds)\n",
		res.Timing.PlanningSeconds, res.Timing.SearchSeconds, res.Timing.AnalysisSeconds, res.Timing.TotalSeconds)
	fmt.Println(res.Report)
	return nil
}
