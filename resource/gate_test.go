package resource

import (
	"context"
	"testing"

	"bgtask/config"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestGate_Admit(t *testing.T) {
	logger, _ := test.NewNullLogger()

	t.Run("admits with zero thresholds", func(t *testing.T) {
		cfg := config.Default()
		cfg.ThrottleCPU = 0
		cfg.ThrottleFreeMem = 0
		cfg.ThrottleFreeDisk = 0

		assert.NoError(t, NewGate(cfg, logger).Admit(context.Background()))
	})

	t.Run("refuses when memory threshold cannot be met", func(t *testing.T) {
		cfg := config.Default()
		cfg.ThrottleCPU = 0
		cfg.ThrottleFreeMem = 1 << 62
		cfg.ThrottleFreeDisk = 0

		err := NewGate(cfg, logger).Admit(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not enough free memory")
	})

	t.Run("refuses when disk threshold cannot be met", func(t *testing.T) {
		cfg := config.Default()
		cfg.ThrottleCPU = 0
		cfg.ThrottleFreeMem = 0
		cfg.ThrottleFreeDisk = 1 << 62

		err := NewGate(cfg, logger).Admit(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not enough free disk space")
	})
}
