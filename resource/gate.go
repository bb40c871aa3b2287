// Package resource checks host headroom before a task is allowed to start.
package resource

import (
	"context"
	"fmt"
	"os"

	"bgtask/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Gate refuses new work when idle CPU, free memory or free disk drop below
// the configured thresholds. It implements task.Admitter.
type Gate struct {
	minIdleCPU  float64
	minFreeMem  uint64
	minFreeDisk uint64
	diskPath    string
	logger      logrus.FieldLogger
}

func NewGate(cfg *config.Config, logger logrus.FieldLogger) *Gate {
	return &Gate{
		minIdleCPU:  cfg.ThrottleCPU,
		minFreeMem:  uint64(cfg.ThrottleFreeMem),
		minFreeDisk: uint64(cfg.ThrottleFreeDisk),
		diskPath:    os.TempDir(),
		logger:      logger,
	}
}

// Admit verifies that the system has enough free resources to start a new
// task. Probes that fail are logged and skipped rather than blocking work.
func (g *Gate) Admit(ctx context.Context) error {
	// CPU usage since the previous call; the first call compares against boot.
	p, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		g.logger.WithError(err).Warn("Could not get CPU usage")
	} else if len(p) > 0 && p[0] > 100.0-g.minIdleCPU {
		return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], g.minIdleCPU)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		g.logger.WithError(err).Warn("Could not get memory usage")
	} else if vm.Available < g.minFreeMem {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, g.minFreeMem)
	}

	d, err := disk.UsageWithContext(ctx, g.diskPath)
	if err != nil {
		g.logger.WithError(err).WithField("path", g.diskPath).Warn("Could not get disk usage")
	} else if d.Free < g.minFreeDisk {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, g.minFreeDisk)
	}
	return nil
}
