package tools

import (
	"context"
	"testing"
	"time"

	"bgtask/task"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepResearch(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(StandardCatalog(5*time.Millisecond, logger), startDispatcher(t).Registry())
	h, err := d.Submit(context.Background(), "deep_research", map[string]any{"query": "quantum computing"})
	require.NoError(t, err)

	res, err := task.ResultAs[DeepResearchResult](context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "quantum computing", res.Query)
	assert.Len(t, res.SearchResults, 3)
	assert.Contains(t, res.Report, "# Deep Research Report: quantum computing")
	assert.Contains(t, res.Report, "### Finding 3: expert opinions and analysis")
	// Searches run in parallel, so the search phase takes about one search.
	assert.Less(t, res.Timing.SearchSeconds, float64(2*searchUnits))
	assert.GreaterOrEqual(t, res.Timing.TotalSeconds, float64(planUnits+searchUnits+analysisUnits))
}

func TestDeepResearch_RequiresQuery(t *testing.T) {
	d := startDispatcher(t)
	_, err := d.Submit(context.Background(), "deep_research", map[string]any{"query": "  "})
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestOrchestrateResearch(t *testing.T) {
	d := startDispatcher(t)
	logger, hook := test.NewNullLogger()

	report, err := OrchestrateResearch(context.Background(), d, "edge inference", 5*time.Second, logger)
	require.NoError(t, err)

	assert.Equal(t, "Research plan for: edge inference", report.Plan.ExecutiveSummary)
	require.Len(t, report.SearchResults, 3)
	for i, step := range report.Plan.SearchSteps {
		assert.Equal(t, step, report.SearchResults[i].SearchTerm, "search results keep plan order")
	}
	assert.Contains(t, report.Report, "findings from 3 distinct search queries")

	require.Len(t, report.Stages, 2)
	assert.Equal(t, "search", report.Stages[0].Name)
	assert.Len(t, report.Stages[0].TaskIDs, 3)
	assert.Equal(t, "analyze", report.Stages[1].Name)

	// Every stage task is an ordinary completed registry record.
	for _, stage := range report.Stages {
		for _, id := range stage.TaskIDs {
			st, err := d.Registry().Status(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, task.StateCompleted, st)
		}
	}
	assert.NotEmpty(t, hook.AllEntries())
}
