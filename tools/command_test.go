package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Run("typed values", func(t *testing.T) {
		name, args, err := ParseCommand(`process_batch items='["apple","banana"]' process_time_per_item=0.1 verbose=true`)
		require.NoError(t, err)
		assert.Equal(t, "process_batch", name)
		assert.Equal(t, []any{"apple", "banana"}, args["items"])
		assert.Equal(t, 0.1, args["process_time_per_item"])
		assert.Equal(t, true, args["verbose"])
	})

	t.Run("quoted strings stay strings", func(t *testing.T) {
		_, args, err := ParseCommand(`long_running_task duration=2 task_name="quick task"`)
		require.NoError(t, err)
		assert.Equal(t, float64(2), args["duration"])
		assert.Equal(t, "quick task", args["task_name"])
	})

	t.Run("bare tool name", func(t *testing.T) {
		name, args, err := ParseCommand("instant_tool")
		require.NoError(t, err)
		assert.Equal(t, "instant_tool", name)
		assert.Empty(t, args)
	})

	t.Run("rejections", func(t *testing.T) {
		for _, cmd := range []string{
			"",
			"   ",
			"rm -rf /",
			"slow_calculation 5",
			"slow_calculation n=1 n=2",
			"slow_calculation =5",
			`slow_calculation n="unterminated`,
			"slow_calculation; n=5",
		} {
			_, _, err := ParseCommand(cmd)
			assert.Error(t, err, "command %q should be rejected", cmd)
		}
	})
}
