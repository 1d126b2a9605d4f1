package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/infra/storage"
)

type runRow struct {
	ID         string    `db:"id"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
	Mode       string    `db:"mode"`
	Success    bool      `db:"success"`
	Aborted    bool      `db:"aborted"`
	ErrorCount int       `db:"error_count"`
}

func (r runRow) toDomain() *domain.RunRecord {
	return &domain.RunRecord{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Mode:       domain.Mode(r.Mode),
		Success:    r.Success,
		Aborted:    r.Aborted,
		ErrorCount: r.ErrorCount,
	}
}

type phaseRow struct {
	RunID      string `db:"run_id"`
	PhaseID    string `db:"phase_id"`
	Status     string `db:"status"`
	Attempts   int    `db:"attempts"`
	DurationMS int64  `db:"duration_ms"`
	Error      string `db:"error"`
}

// RunRepo stores run history in PostgreSQL.
type RunRepo struct {
	db *sqlx.DB
}

func NewRunRepo(db *sqlx.DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) SaveRun(ctx context.Context, run *domain.RunRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO boot_runs (id, started_at, finished_at, mode, success, aborted, error_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.StartedAt, run.FinishedAt, string(run.Mode), run.Success, run.Aborted, run.ErrorCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, p := range run.Phases {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO boot_run_phases (run_id, phase_id, status, attempts, duration_ms, error)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, p.PhaseID, string(p.Status), p.Attempts, p.Duration.Milliseconds(), p.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert phase %s: %w", p.PhaseID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

func (r *RunRepo) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, started_at, finished_at, mode, success, aborted, error_count
		FROM boot_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var phases []phaseRow
	err = r.db.SelectContext(ctx, &phases, `
		SELECT run_id, phase_id, status, attempts, duration_ms, error
		FROM boot_run_phases WHERE run_id = $1 ORDER BY phase_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run phases: %w", err)
	}

	run := row.toDomain()
	for _, p := range phases {
		run.Phases = append(run.Phases, domain.PhaseRecord{
			RunID:    p.RunID,
			PhaseID:  p.PhaseID,
			Status:   domain.PhaseStatus(p.Status),
			Attempts: p.Attempts,
			Duration: time.Duration(p.DurationMS) * time.Millisecond,
			Error:    p.Error,
		})
	}
	return run, nil
}

func (r *RunRepo) ListRuns(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, started_at, finished_at, mode, success, aborted, error_count
		FROM boot_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]*domain.RunRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *RunRepo) DeleteRunsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM boot_runs WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}
	return n, nil
}

func (r *RunRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
