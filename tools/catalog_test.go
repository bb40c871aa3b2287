package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bgtask/config"
	"bgtask/task"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUnit = time.Millisecond

func startDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := config.Default()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxPollInterval = 20 * time.Millisecond
	cfg.DefaultWaitTimeout = 5 * time.Second
	logger, _ := test.NewNullLogger()

	reg, err := task.NewRegistry(cfg, task.WithLogger(logger))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg.Start(ctx)

	return NewDispatcher(StandardCatalog(testUnit, logger), reg)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("", ModeBackground)
	require.NoError(t, err)
	assert.Equal(t, ModeBackground, m)

	m, err = ParseMode("sync", ModeBackground)
	require.NoError(t, err)
	assert.Equal(t, ModeSynchronous, m)

	_, err = ParseMode("later", ModeBackground)
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	c.MustRegister(Demo{}.Tools()...)

	err := c.Register(Demo{}.Tools()[0])
	assert.Error(t, err, "duplicate names are refused")
	assert.Error(t, c.Register(Tool{Name: "nobind"}))

	list := c.List()
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Name, list[i].Name)
	}

	tool, ok := c.Lookup("quick_task")
	require.True(t, ok)
	assert.False(t, tool.TaskSupport)

	raw, err := json.Marshal(tool)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Bind")
	assert.Contains(t, string(raw), `"taskSupport":false`)
}

func TestDispatcher_Submit(t *testing.T) {
	d := startDispatcher(t)
	ctx := context.Background()

	t.Run("background result", func(t *testing.T) {
		h, err := d.Submit(ctx, "slow_calculation", map[string]any{"n": 5})
		require.NoError(t, err)
		res, err := task.ResultAs[SlowCalculationResult](ctx, h)
		require.NoError(t, err)
		assert.Equal(t, 25, res.Result)

		rec, err := h.Record(ctx)
		require.NoError(t, err)
		assert.Equal(t, "slow_calculation", rec.Name)
	})

	t.Run("defaults applied", func(t *testing.T) {
		h, err := d.Submit(ctx, "fetch_data", map[string]any{"source": "db"})
		require.NoError(t, err)
		res, err := task.ResultAs[FetchDataResult](ctx, h)
		require.NoError(t, err)
		assert.Equal(t, 3, res.DelaySeconds)
		assert.Len(t, res.Data, 10)
		assert.Equal(t, "item_9", res.Data[9])
	})

	t.Run("weakly typed arguments", func(t *testing.T) {
		h, err := d.Submit(ctx, "slow_calculation", map[string]any{"n": "3"})
		require.NoError(t, err)
		res, err := task.ResultAs[SlowCalculationResult](ctx, h)
		require.NoError(t, err)
		assert.Equal(t, 9, res.Result)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := d.Submit(ctx, "missing", nil)
		assert.ErrorIs(t, err, ErrUnknownTool)
	})

	t.Run("not task-enabled", func(t *testing.T) {
		_, err := d.Submit(ctx, "instant_tool", map[string]any{"message": "hi"})
		assert.ErrorIs(t, err, ErrTaskUnsupported)
	})

	t.Run("invalid arguments are rejected before queueing", func(t *testing.T) {
		before := len(d.Registry().List())
		_, err := d.Submit(ctx, "slow_calculation", map[string]any{"n": 1, "extra": true})
		assert.ErrorIs(t, err, ErrInvalidArguments)
		_, err = d.Submit(ctx, "fetch_data", map[string]any{})
		assert.ErrorIs(t, err, ErrInvalidArguments)
		assert.Len(t, d.Registry().List(), before)
	})
}

func TestDispatcher_Call(t *testing.T) {
	d := startDispatcher(t)
	ctx := context.Background()

	raw, err := d.Call(ctx, "instant_tool", map[string]any{"message": "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `"Instant response: hello"`, string(raw))

	// Task-enabled tools also run inline and leave no record behind.
	raw, err = d.Call(ctx, "slow_calculation", map[string]any{"n": 2})
	require.NoError(t, err)
	var res SlowCalculationResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 4, res.Result)
	assert.Empty(t, d.Registry().List())
}

func TestDispatcher_CallRecoversPanic(t *testing.T) {
	d := startDispatcher(t)
	d.Catalog().MustRegister(NewTool("explode", "panics", false, func(ctx context.Context, _ messageArgs) (any, error) {
		panic("boom")
	}))
	_, err := d.Call(context.Background(), "explode", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestDispatcher_Dispatch(t *testing.T) {
	d := startDispatcher(t)
	ctx := context.Background()

	out, err := d.Dispatch(ctx, ModeBackground, "long_running_task", map[string]any{"duration": 1, "task_name": "bg"})
	require.NoError(t, err)
	require.NotNil(t, out.Handle)
	assert.Nil(t, out.Result)
	res, err := task.ResultAs[LongRunningResult](ctx, out.Handle)
	require.NoError(t, err)
	assert.Equal(t, "Task 'bg' finished successfully!", res.Message)

	out, err = d.Dispatch(ctx, ModeSynchronous, "quick_task", map[string]any{"message": "now"})
	require.NoError(t, err)
	assert.Nil(t, out.Handle)
	assert.Contains(t, string(out.Result), "now")

	_, err = d.Dispatch(ctx, Mode("later"), "quick_task", nil)
	assert.True(t, errors.Is(err, ErrInvalidMode))
}
