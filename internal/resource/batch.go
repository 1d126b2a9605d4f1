package resource

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

// DegradationThreshold is the critical success ratio below which optional
// resources are not requested.
const DegradationThreshold = 0.8

// Batch is a set of requests loaded together.
type Batch struct {
	Requests []Request
	// Concurrency caps dispatches; 0 uses the critical ceiling of the active strategy.
	Concurrency int
	// Timeout bounds dispatch; 0 uses the loader default.
	Timeout time.Duration
}

// LoadBatch loads every request and returns one Result per request in input
// order. A failing request never aborts its siblings. Requests not dispatched
// before the batch timeout settle with ErrBatchTimeout; requests already
// dispatched run to their own timeouts.
func (l *Loader) LoadBatch(ctx context.Context, b Batch) []Result {
	results := make([]Result, len(b.Requests))
	if len(b.Requests) == 0 {
		return results
	}

	limit := b.Concurrency
	if limit <= 0 {
		limit = l.Strategy().Concurrency[domain.PriorityCritical]
	}
	if limit <= 0 {
		limit = 1
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = l.batchTimeout
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(limit))
	var g errgroup.Group

	for i, req := range b.Requests {
		if err := sem.Acquire(dispatchCtx, 1); err != nil {
			for j := i; j < len(b.Requests); j++ {
				results[j] = Result{
					ID:       b.Requests[j].ID,
					URL:      b.Requests[j].URL,
					Priority: b.Requests[j].Priority,
					Err:      ErrBatchTimeout,
				}
			}
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = l.LoadResource(ctx, req)
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// DegradedResult is the outcome of LoadWithProgressiveDegradation.
type DegradedResult struct {
	// Critical holds the critical-priority results in input order.
	Critical []Result
	// Optional holds every other result in input order.
	Optional     []Result
	SuccessRatio float64
	// Degraded is set when optional resources were not requested.
	Degraded bool
}

// LoadWithProgressiveDegradation loads the critical-priority resources first.
// The remaining resources are requested, at half the concurrency, only when at
// least DegradationThreshold of the critical ones succeeded.
func (l *Loader) LoadWithProgressiveDegradation(ctx context.Context, resources []Request) DegradedResult {
	var critical, optional []Request
	for _, req := range resources {
		if req.Priority == domain.PriorityCritical {
			critical = append(critical, req)
		} else {
			optional = append(optional, req)
		}
	}

	limit := l.Strategy().Concurrency[domain.PriorityCritical]

	out := DegradedResult{
		Critical: l.LoadBatch(ctx, Batch{Requests: critical, Concurrency: limit}),
	}

	ok := 0
	for _, r := range out.Critical {
		if r.OK() {
			ok++
		}
	}
	out.SuccessRatio = 1
	if len(critical) > 0 {
		out.SuccessRatio = float64(ok) / float64(len(critical))
	}

	if out.SuccessRatio < DegradationThreshold {
		out.Degraded = true
		l.logger.Warn("Skipping optional resources",
			"success_ratio", out.SuccessRatio,
			"threshold", DegradationThreshold,
			"optional", len(optional),
		)
		return out
	}

	if len(optional) > 0 {
		out.Optional = l.LoadBatch(ctx, Batch{Requests: optional, Concurrency: max(1, limit/2)})
	}
	return out
}
