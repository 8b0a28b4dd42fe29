package upload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"wagateway/internal/metrics"
)

// Pruner is anything that can drop records older than a cutoff; the
// delivery journal satisfies it.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// JanitorConfig configures the periodic cleanup.
type JanitorConfig struct {
	Dir      string
	MaxAge   time.Duration // default 24h
	Interval time.Duration // default 1h

	// Optional journal retention.
	Journal          Pruner
	JournalRetention time.Duration

	Logger *slog.Logger
}

// Janitor deletes expired uploads on a fixed interval.
type Janitor struct {
	cfg    JanitorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor creates a Janitor.
func NewJanitor(cfg JanitorConfig) *Janitor {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{cfg: cfg, logger: cfg.Logger.With("component", "janitor"), now: time.Now}
}

// Start sweeps once immediately and then on every tick. Blocks until ctx is
// cancelled.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("janitor started", "dir", j.cfg.Dir, "max_age", j.cfg.MaxAge, "interval", j.cfg.Interval)
	j.Sweep(ctx)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep removes regular files older than MaxAge and returns how many were
// removed. Individual failures are logged and skipped.
func (j *Janitor) Sweep(ctx context.Context) int {
	removed := 0
	var freed uint64

	entries, err := os.ReadDir(j.cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn("cannot read upload dir", "dir", j.cfg.Dir, "err", err)
		}
	}
	cutoff := j.now().Add(-j.cfg.MaxAge)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(j.cfg.Dir, e.Name())
		if err := os.Remove(path); err != nil {
			j.logger.Error("failed to remove upload", "path", path, "err", err)
			continue
		}
		removed++
		freed += uint64(info.Size())
		j.logger.Info("upload removed", "path", path)
	}
	if removed > 0 {
		metrics.UploadsRemoved.Add(int64(removed))
		j.logger.Info("upload sweep finished", "removed", removed, "freed", humanize.IBytes(freed))
	}

	if j.cfg.Journal != nil && j.cfg.JournalRetention > 0 {
		n, err := j.cfg.Journal.Prune(ctx, j.now().Add(-j.cfg.JournalRetention))
		if err != nil {
			j.logger.Warn("journal prune failed", "err", err)
		} else if n > 0 {
			j.logger.Info("journal pruned", "rows", n)
		}
	}
	return removed
}
