package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/bootwatch/internal/core/config"
	"github.com/vietddude/bootwatch/internal/infra/storage"
	"github.com/vietddude/bootwatch/internal/metrics"
)

// Pruner deletes old run history based on retention policy.
type Pruner struct {
	cfg    config.HistoryConfig
	repo   storage.RunRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg config.HistoryConfig, repo storage.RunRepository, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		cfg:    cfg,
		repo:   repo,
		logger: logger.With("component", "pruner"),
		now:    time.Now,
	}
}

// Start schedules pruning and blocks until ctx is done.
func (p *Pruner) Start(ctx context.Context) error {
	if p.cfg.Retention <= 0 {
		return nil // Retention disabled
	}

	c := cron.New()
	if _, err := c.AddFunc(p.cfg.PruneSchedule, func() { p.Prune(ctx) }); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", p.cfg.PruneSchedule, err)
	}

	// Initial prune
	p.Prune(ctx)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Prune deletes runs older than the retention period.
func (p *Pruner) Prune(ctx context.Context) int64 {
	threshold := p.now().Add(-p.cfg.Retention)

	n, err := p.repo.DeleteRunsOlderThan(ctx, threshold)
	if err != nil {
		p.logger.Error("failed to prune run history", "before", threshold, "error", err)
		return 0
	}
	if n > 0 {
		metrics.HistoryPruned.Add(float64(n))
		p.logger.Info("pruned run history", "count", n, "before", threshold)
	}
	return n
}
