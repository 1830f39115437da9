package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndSearchOrdering(t *testing.T) {
	s := NewInMemory(3)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "exact", []float32{1, 0, 0}, map[string]any{"tag": "a"}))
	require.NoError(t, s.Add(ctx, "close", []float32{0.9, 0.1, 0}, nil))
	require.NoError(t, s.Add(ctx, "orthogonal", []float32{0, 1, 0}, nil))

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, "exact", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "close", hits[1].ID)
	assert.Equal(t, "orthogonal", hits[2].ID)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-9)
	assert.Equal(t, map[string]any{"tag": "a"}, hits[0].Payload)
}

func TestSearchLimit(t *testing.T) {
	s := NewInMemory(2)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "a", []float32{1, 0}, nil))
	require.NoError(t, s.Add(ctx, "b", []float32{0.5, 0.5}, nil))
	require.NoError(t, s.Add(ctx, "c", []float32{0, 1}, nil))

	hits, err := s.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestDimensionMismatch(t *testing.T) {
	s := NewInMemory(4)
	ctx := context.Background()

	assert.ErrorIs(t, s.Add(ctx, "x", []float32{1, 2}, nil), ErrDimensionMismatch)
	_, err := s.Search(ctx, []float32{1, 2}, 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestUpsertAndDelete(t *testing.T) {
	s := NewInMemory(2)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "x", []float32{1, 0}, nil))
	require.NoError(t, s.Add(ctx, "x", []float32{0, 1}, nil))
	assert.Equal(t, 1, s.Count())

	hits, err := s.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)

	require.NoError(t, s.Delete(ctx, "x"))
	require.NoError(t, s.Delete(ctx, "missing"))
	assert.Equal(t, 0, s.Count())
}

func TestZeroVectorScoresZero(t *testing.T) {
	s := NewInMemory(2)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "zero", []float32{0, 0}, nil))
	hits, err := s.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, hits[0].Score)
}
