package ffmpeg

import (
	"errors"
	"fmt"
	"time"

	"framestream/config"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var ErrInsufficientResources = errors.New("insufficient system resources")

// ResourceGuard refuses new decoding work when the host is short on idle
// CPU, memory or disk in the upload directory. Zero thresholds are skipped.
type ResourceGuard struct {
	IdleCPU  float64
	FreeMem  int64
	FreeDisk int64
	Dir      string
	Sample   time.Duration
}

func NewResourceGuard(cfg *config.Config) *ResourceGuard {
	return &ResourceGuard{
		IdleCPU:  cfg.ThrottleCPU,
		FreeMem:  cfg.ThrottleFreeMem,
		FreeDisk: cfg.ThrottleFreeDisk,
		Dir:      cfg.TempDir,
		Sample:   200 * time.Millisecond,
	}
}

// Check verifies that the system has enough free resources to start a new job.
// Failing to read a metric is logged and does not block the job.
func (g *ResourceGuard) Check() error {
	if g.IdleCPU > 0 {
		p, err := cpu.Percent(g.Sample, false)
		if err != nil {
			log.Warn().Err(err).Msg("could not get CPU usage")
		} else if len(p) > 0 && p[0] > (100.0-g.IdleCPU) {
			return fmt.Errorf("%w: not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%",
				ErrInsufficientResources, p[0], g.IdleCPU)
		}
	}

	if g.FreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Warn().Err(err).Msg("could not get memory usage")
		} else if vm.Available < uint64(g.FreeMem) {
			return fmt.Errorf("%w: not enough free memory. Available: %d, Required: %d",
				ErrInsufficientResources, vm.Available, g.FreeMem)
		}
	}

	if g.FreeDisk > 0 && g.Dir != "" {
		d, err := disk.Usage(g.Dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", g.Dir).Msg("could not get disk usage")
		} else if d.Free < uint64(g.FreeDisk) {
			return fmt.Errorf("%w: not enough free disk space. Available: %d, Required: %d",
				ErrInsufficientResources, d.Free, g.FreeDisk)
		}
	}
	return nil
}
