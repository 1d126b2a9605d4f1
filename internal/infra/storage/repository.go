package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

var (
	// ErrRunNotFound is returned when a run doesn't exist
	ErrRunNotFound = errors.New("run not found")
)

// RunRepository handles boot run history
type RunRepository interface {
	// SaveRun persists a run and its phase records
	SaveRun(ctx context.Context, run *domain.RunRecord) error

	// GetRun retrieves a run with its phase records
	GetRun(ctx context.Context, id string) (*domain.RunRecord, error)

	// ListRuns returns the most recent runs first, without phase records
	ListRuns(ctx context.Context, limit int) ([]*domain.RunRecord, error)

	// DeleteRunsOlderThan deletes runs that started before the threshold
	DeleteRunsOlderThan(ctx context.Context, before time.Time) (int64, error)

	// Ping checks that the store is reachable
	Ping(ctx context.Context) error
}
