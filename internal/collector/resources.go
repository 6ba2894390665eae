package collector

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/models"
)

// Resources samples CPU, memory and disk usage each tick. It is the one
// collector that runs regardless of remote configuration: baseline
// telemetry must exist even when the agent never reaches the backend.
type Resources struct {
	diskPath string
	sink     Sink
	log      *logging.Logger
}

// NewResources returns the sampler. diskPath is the volume to report free
// space for, normally the agent data directory.
func NewResources(diskPath string, sink Sink, log *logging.Logger) *Resources {
	return &Resources{
		diskPath: diskPath,
		sink:     sink,
		log:      log.Component("resources"),
	}
}

func (r *Resources) Name() string { return models.CollectorResources }

func (r *Resources) Collect(ctx context.Context) error {
	payload := map[string]any{}

	// interval 0 = usage since the previous call, which matches the tick
	// cadence without blocking the loop.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		payload["cpu_percent"] = round1(pct[0])
	} else if err != nil {
		r.log.Debug("cpu sample unavailable", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		payload["mem_used_percent"] = round1(vm.UsedPercent)
		payload["mem_available_bytes"] = vm.Available
	} else {
		r.log.Debug("memory sample unavailable", "error", err)
	}

	if du, err := disk.UsageWithContext(ctx, r.diskPath); err == nil {
		payload["disk_used_percent"] = round1(du.UsedPercent)
		payload["disk_free_bytes"] = du.Free
	} else {
		r.log.Debug("disk sample unavailable", "error", err)
	}

	if len(payload) == 0 {
		return fmt.Errorf("no resource samples available")
	}

	r.sink(models.Event{
		Type:     models.TypePerformanceSnapshot,
		Severity: models.SeverityDebug,
		Source:   r.Name(),
		Message:  "resource usage snapshot",
		Payload:  payload,
	})
	return nil
}

func (r *Resources) Close() error { return nil }

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
