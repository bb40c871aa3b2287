package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bgtask/orchestrate"
	"bgtask/task"

	"github.com/sirupsen/logrus"
)

const (
	planUnits     = 5
	searchUnits   = 8
	analysisUnits = 10
)

type ResearchPlan struct {
	ExecutiveSummary     string   `json:"executive_summary"`
	SearchSteps          []string `json:"search_steps"`
	AnalysisInstructions string   `json:"analysis_instructions"`
}

type SearchResult struct {
	SearchTerm string `json:"search_term"`
	Results    string `json:"results"`
	Summary    string `json:"summary"`
}

type ResearchTiming struct {
	TotalSeconds    float64 `json:"total_seconds"`
	PlanningSeconds float64 `json:"planning_seconds"`
	SearchSeconds   float64 `json:"search_seconds"`
	AnalysisSeconds float64 `json:"analysis_seconds"`
}

type DeepResearchResult struct {
	Query         string         `json:"query"`
	Plan          ResearchPlan   `json:"plan"`
	SearchResults []SearchResult `json:"search_results"`
	Report        string         `json:"report"`
	Timing        ResearchTiming `json:"timing"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// Research provides the mock research tools. Phase delays are fixed
// multiples of Unit.
type Research struct {
	Unit   time.Duration
	Logger logrus.FieldLogger
}

func (r Research) demo() Demo { return Demo{Unit: r.Unit} }

func (r Research) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}

func (r Research) plan(ctx context.Context, query string) (ResearchPlan, error) {
	r.logger().WithField("query", query).Info("Planning research")
	if err := sleepCtx(ctx, r.demo().scale(planUnits)); err != nil {
		return ResearchPlan{}, err
	}
	return ResearchPlan{
		ExecutiveSummary: "Research plan for: " + query,
		SearchSteps: []string{
			"recent developments in query topic",
			"best practices and industry standards",
			"expert opinions and analysis",
		},
		AnalysisInstructions: "Synthesize findings into comprehensive report",
	}, nil
}

func (r Research) search(ctx context.Context, term string) (SearchResult, error) {
	r.logger().WithField("search_term", term).Info("Searching")
	if err := sleepCtx(ctx, r.demo().scale(searchUnits)); err != nil {
		return SearchResult{}, err
	}
	return SearchResult{
		SearchTerm: term,
		Results:    fmt.Sprintf("Mock results for '%s': Found 42 relevant articles...", term),
		Summary:    "Summary of findings about " + term,
	}, nil
}

func (r Research) analyze(ctx context.Context, query string, results []SearchResult) (string, error) {
	r.logger().WithField("results", len(results)).Info("Analyzing research")
	if err := sleepCtx(ctx, r.demo().scale(analysisUnits)); err != nil {
		return "", err
	}
	return renderReport(query, results), nil
}

func renderReport(query string, results []SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Deep Research Report: %s\n\n", query)
	b.WriteString("## Executive Summary\n")
	fmt.Fprintf(&b, "Based on comprehensive research across multiple sources, this report synthesizes\nfindings from %d distinct search queries.\n\n", len(results))
	b.WriteString("## Key Findings\n")
	for i, res := range results {
		fmt.Fprintf(&b, "\n### Finding %d: %s\n%s\n", i+1, res.SearchTerm, res.Summary)
	}
	b.WriteString("\n## Conclusion\nThe research indicates significant developments in this area. Further investigation\nmay be warranted in specific sub-domains identified during the analysis phase.\n")
	return b.String()
}

// deepResearch runs all three phases inside one task. Searches are plain
// goroutines, not registry tasks: a running task must not wait on executor
// slots.
func (r Research) deepResearch(ctx context.Context, query string) (DeepResearchResult, error) {
	d := r.demo()
	start := time.Now()

	plan, err := r.plan(ctx, query)
	if err != nil {
		return DeepResearchResult{}, fmt.Errorf("planning: %w", err)
	}
	planTime := time.Since(start)

	searchStart := time.Now()
	results := make([]SearchResult, len(plan.SearchSteps))
	errs := make([]error, len(plan.SearchSteps))
	var wg sync.WaitGroup
	for i, step := range plan.SearchSteps {
		wg.Add(1)
		go func(i int, step string) {
			defer wg.Done()
			results[i], errs[i] = r.search(ctx, step)
		}(i, step)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return DeepResearchResult{}, fmt.Errorf("search: %w", err)
	}
	searchTime := time.Since(searchStart)

	analysisStart := time.Now()
	report, err := r.analyze(ctx, query, results)
	if err != nil {
		return DeepResearchResult{}, fmt.Errorf("analysis: %w", err)
	}
	analysisTime := time.Since(analysisStart)

	return DeepResearchResult{
		Query:         query,
		Plan:          plan,
		SearchResults: results,
		Report:        report,
		Timing: ResearchTiming{
			TotalSeconds:    d.units(time.Since(start)),
			PlanningSeconds: d.units(planTime),
			SearchSeconds:   d.units(searchTime),
			AnalysisSeconds: d.units(analysisTime),
		},
		CompletedAt: time.Now(),
	}, nil
}

type queryArgs struct {
	Query string `json:"query"`
}

func (a *queryArgs) validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return errors.New("query is required")
	}
	return nil
}

type topicArgs struct {
	Topic string `json:"topic"`
}

type webSearchArgs struct {
	SearchTerms string `json:"search_terms"`
}

func (a *webSearchArgs) validate() error {
	if a.SearchTerms == "" {
		return errors.New("search_terms is required")
	}
	return nil
}

type analyzeArgs struct {
	Query         string         `json:"query"`
	SearchResults []SearchResult `json:"search_results"`
	Instructions  string         `json:"instructions"`
}

func (a *analyzeArgs) validate() error {
	if a.Query == "" {
		return errors.New("query is required")
	}
	return nil
}

// Tools returns the research tool set.
func (r Research) Tools() []Tool {
	return []Tool{
		NewTool("plan_research", "Analyzes a query and produces a research plan.", true,
			func(ctx context.Context, a queryArgs) (any, error) {
				return r.plan(ctx, a.Query)
			}),
		NewTool("web_search", "Runs a mock web search for the given terms.", true,
			func(ctx context.Context, a webSearchArgs) (any, error) {
				return r.search(ctx, a.SearchTerms)
			}),
		NewTool("analyze_research", "Synthesizes search results into a report.", true,
			func(ctx context.Context, a analyzeArgs) (any, error) {
				return r.analyze(ctx, a.Query, a.SearchResults)
			}),
		NewTool("deep_research", "Plans, searches in parallel and analyzes in a single long-running task.", true,
			func(ctx context.Context, a queryArgs) (any, error) {
				return r.deepResearch(ctx, a.Query)
			}),
		NewTool("quick_lookup", "Quick lookup that executes immediately. Not task-enabled.", false,
			func(ctx context.Context, a topicArgs) (any, error) {
				return fmt.Sprintf("Quick lookup result for '%s': Basic information retrieved in <1s", a.Topic), nil
			}),
	}
}

// OrchestratedReport is the outcome of OrchestrateResearch.
type OrchestratedReport struct {
	Query         string                    `json:"query"`
	Plan          ResearchPlan              `json:"plan"`
	SearchResults []SearchResult            `json:"search_results"`
	Report        string                    `json:"report"`
	Stages        []orchestrate.StageReport `json:"stages"`
}

// OrchestrateResearch composes the research tools from the caller side: a
// synchronous plan call, then a pipeline of one search task per plan step
// followed by a single analysis task over the gathered searches.
func OrchestrateResearch(ctx context.Context, sub Submitter, query string, stageTimeout time.Duration, logger logrus.FieldLogger) (*OrchestratedReport, error) {
	raw, err := sub.Call(ctx, "plan_research", map[string]any{"query": query})
	if err != nil {
		return nil, fmt.Errorf("plan research: %w", err)
	}
	var plan ResearchPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	var searches []SearchResult
	p := &orchestrate.Pipeline{
		StageTimeout: stageTimeout,
		Logger:       logger,
		Stages: []orchestrate.Stage{
			{
				Name: "search",
				Launch: func(ctx context.Context, _ []json.RawMessage) ([]*task.Handle, error) {
					return orchestrate.FanOut(ctx, plan.SearchSteps, func(ctx context.Context, step string) (*task.Handle, error) {
						return sub.Submit(ctx, "web_search", map[string]any{"search_terms": step})
					})
				},
			},
			{
				Name: "analyze",
				Launch: orchestrate.Single(func(ctx context.Context, inputs []json.RawMessage) (*task.Handle, error) {
					searches = make([]SearchResult, len(inputs))
					for i, in := range inputs {
						if err := json.Unmarshal(in, &searches[i]); err != nil {
							return nil, fmt.Errorf("decode search %d: %w", i, err)
						}
					}
					return sub.Submit(ctx, "analyze_research", map[string]any{
						"query":          query,
						"search_results": searchArgs(searches),
						"instructions":   plan.AnalysisInstructions,
					})
				}),
			},
		},
	}

	out, stages, err := p.Run(ctx)
	if err != nil {
		return nil, err
	}
	var report string
	if err := json.Unmarshal(out[0], &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &OrchestratedReport{
		Query:         query,
		Plan:          plan,
		SearchResults: searches,
		Report:        report,
		Stages:        stages,
	}, nil
}

// searchArgs renders results as plain maps so they survive both in-process
// decoding and a JSON round trip to a remote server.
func searchArgs(results []SearchResult) []any {
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{
			"search_term": r.SearchTerm,
			"results":     r.Results,
			"summary":     r.Summary,
		}
	}
	return out
}
