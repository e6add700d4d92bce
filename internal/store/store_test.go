package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/b0tShaman/neuro-seq/internal/evaluate"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndListRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results", "eval.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	first := &evaluate.Report{
		Sequences: []evaluate.SequenceResult{
			{ID: 2, Warmup: 1, Predicted: []int{5, 6}, Expected: []int{5, 7}},
			{ID: 0, Predicted: []int{1}, Expected: []int{1}},
		},
		Steps: 3, Exact: 2, MAE: 1.0 / 3, RMSE: 0.57735,
	}
	firstID, err := s.RecordRun(ctx, "models/a", first)
	require.NoError(t, err)
	_, err = uuid.Parse(firstID)
	require.NoError(t, err)

	secondID, err := s.RecordRun(ctx, "models/b", &evaluate.Report{})
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, secondID, runs[0].ID, "newest first")
	assert.Equal(t, firstID, runs[1].ID)
	assert.Equal(t, "models/a", runs[1].ModelDir)
	assert.Equal(t, 3, runs[1].Steps)
	assert.Equal(t, 2, runs[1].Exact)
	assert.InDelta(t, 1.0/3, runs[1].MAE, 1e-12)
	assert.False(t, runs[1].CreatedAt.IsZero())

	limited, err := s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	preds, err := s.Predictions(ctx, firstID)
	require.NoError(t, err)
	want := []Prediction{
		{SequenceID: 0, Step: 0, Predicted: 1, Expected: 1},
		{SequenceID: 2, Step: 1, Predicted: 5, Expected: 5},
		{SequenceID: 2, Step: 2, Predicted: 6, Expected: 7},
	}
	if diff := cmp.Diff(want, preds); diff != "" {
		t.Errorf("predictions mismatch (-want +got):\n%s", diff)
	}

	empty, err := s.Predictions(ctx, secondID)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "eval.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	id, err := s.RecordRun(ctx, "m", &evaluate.Report{Steps: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	runs, err := reopened.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
}
