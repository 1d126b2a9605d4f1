package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/infra/storage"
)

func TestRunRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepo()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, repo.SaveRun(ctx, &domain.RunRecord{
			ID:        id,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Mode:      domain.ModeFull,
			Success:   true,
			Phases:    []domain.PhaseRecord{{RunID: id, PhaseID: "load", Status: domain.PhaseStatusCompleted, Attempts: 1}},
		}))
	}

	runs, err := repo.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, "r2", runs[1].ID)
	assert.Nil(t, runs[0].Phases)

	run, err := repo.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, run.Phases, 1)

	_, err = repo.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrRunNotFound)

	n, err := repo.DeleteRunsOlderThan(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	runs, err = repo.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r3", runs[0].ID)
}
