package worker

import (
	"log/slog"
	"sync"
	"time"
)

// Progress logs tile completion at a bounded rate so large regions do not
// flood the log with one line per tile.
type Progress struct {
	log      *slog.Logger
	regionID string
	interval time.Duration

	mu      sync.Mutex
	started time.Time
	lastLog time.Time
}

// NewProgress creates a progress logger for one region.
func NewProgress(log *slog.Logger, regionID string, interval time.Duration) *Progress {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Progress{
		log:      log,
		regionID: regionID,
		interval: interval,
		started:  time.Now(),
	}
}

// Callback returns a ProgressFunc suitable for Pool Config.
func (p *Progress) Callback() ProgressFunc {
	return p.Update
}

// Update records the completion of a task, logging when the interval elapsed
// or the region just finished.
func (p *Progress) Update(completed, total, failed int) {
	p.mu.Lock()
	now := time.Now()
	due := completed == total || now.Sub(p.lastLog) >= p.interval
	if due {
		p.lastLog = now
	}
	elapsed := now.Sub(p.started)
	p.mu.Unlock()

	if !due {
		return
	}
	p.log.Info("region tile progress",
		"region_id", p.regionID,
		"completed", completed,
		"total", total,
		"failed", failed,
		"elapsed", elapsed.Round(time.Millisecond))
}
