package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/disk"

	"omni-inbox/internal/core/ports"
)

// DiskUsageFunc returns used percent of the filesystem holding path
type DiskUsageFunc func(ctx context.Context, path string) (float64, error)

// GopsutilDiskUsage reads real disk usage
func GopsutilDiskUsage(ctx context.Context, path string) (float64, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}

// WatchdogOptions configures the purge job
type WatchdogOptions struct {
	Schedule  string // cron spec, e.g. "@every 10m"
	DiskPath  string
	Threshold float64 // percent
	Retention time.Duration
	BatchSize int
}

// Watchdog purges settled webhook audit logs when the disk fills up.
// Messages are never purged; they are the inbox history.
type Watchdog struct {
	logs      ports.WebhookRepository
	opts      WatchdogOptions
	diskUsage DiskUsageFunc
	cron      *cron.Cron
	now       func() time.Time
}

// NewWatchdog creates a watchdog using gopsutil for disk usage
func NewWatchdog(logs ports.WebhookRepository, opts WatchdogOptions) *Watchdog {
	return &Watchdog{
		logs:      logs,
		opts:      opts,
		diskUsage: GopsutilDiskUsage,
		now:       time.Now,
	}
}

// Start schedules the check; Stop must be called on shutdown
func (w *Watchdog) Start(ctx context.Context) error {
	w.cron = cron.New()
	_, err := w.cron.AddFunc(w.opts.Schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("PANIC recovered in watchdog", "panic", r)
			}
		}()
		if _, err := w.RunOnce(ctx); err != nil {
			slog.Error("Watchdog run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule watchdog %q: %w", w.opts.Schedule, err)
	}
	w.cron.Start()
	slog.Info("Watchdog started", "schedule", w.opts.Schedule, "threshold", w.opts.Threshold)
	return nil
}

// Stop halts scheduling and waits for a running check
func (w *Watchdog) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
}

// RunOnce checks disk usage and purges when above the threshold; returns purged rows
func (w *Watchdog) RunOnce(ctx context.Context) (int64, error) {
	usage, err := w.diskUsage(ctx, w.opts.DiskPath)
	if err != nil {
		return 0, fmt.Errorf("read disk usage: %w", err)
	}

	if usage < w.opts.Threshold {
		slog.Debug("Disk usage OK, no purge needed", "disk_percent", usage)
		return 0, nil
	}

	cutoff := w.now().Add(-w.opts.Retention)
	slog.Warn("Disk usage above threshold, purging webhook logs",
		"disk_percent", usage,
		"threshold", w.opts.Threshold,
		"cutoff", cutoff,
	)

	purged, err := w.logs.PurgeBefore(ctx, cutoff, w.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("purge webhook logs: %w", err)
	}
	slog.Info("Purged old webhook logs", "rows", purged)
	return purged, nil
}
