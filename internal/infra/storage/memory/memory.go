package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/infra/storage"
)

// RunRepo keeps run history in memory.
type RunRepo struct {
	mu   sync.RWMutex
	runs map[string]*domain.RunRecord
}

func NewRunRepo() *RunRepo {
	return &RunRepo{runs: make(map[string]*domain.RunRecord)}
}

func (r *RunRepo) SaveRun(ctx context.Context, run *domain.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *run
	c.Phases = slices.Clone(run.Phases)
	r.runs[run.ID] = &c
	return nil
}

func (r *RunRepo) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	c := *run
	c.Phases = slices.Clone(run.Phases)
	return &c, nil
}

func (r *RunRepo) ListRuns(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.RunRecord, 0, len(r.runs))
	for _, run := range r.runs {
		c := *run
		c.Phases = nil
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *domain.RunRecord) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RunRepo) DeleteRunsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, run := range r.runs {
		if run.StartedAt.Before(before) {
			delete(r.runs, id)
			n++
		}
	}
	return n, nil
}

func (r *RunRepo) Ping(ctx context.Context) error { return nil }
