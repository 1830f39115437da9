// Package vector provides the embedding index used by the memory service.
// The in-memory implementation scores by cosine similarity; the interface is
// shaped so a remote vector database can be swapped in.
package vector

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
)

// ErrDimensionMismatch is returned when a vector's length does not match the
// index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Hit is one search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Store indexes embeddings by id with an attached payload.
type Store interface {
	Add(ctx context.Context, id string, vec []float32, payload map[string]any) error
	Search(ctx context.Context, vec []float32, limit int) ([]Hit, error)
	Delete(ctx context.Context, id string) error
	Count() int
}

type point struct {
	vec     []float32
	payload map[string]any
}

// InMemory is a mutex-guarded cosine similarity index.
type InMemory struct {
	mu        sync.RWMutex
	dimension int
	points    map[string]point
}

// NewInMemory creates an empty index for vectors of the given dimension.
func NewInMemory(dimension int) *InMemory {
	return &InMemory{
		dimension: dimension,
		points:    make(map[string]point),
	}
}

// Add upserts a vector under id.
func (s *InMemory) Add(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	if len(vec) != s.dimension {
		return ErrDimensionMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[id] = point{vec: append([]float32(nil), vec...), payload: payload}
	return nil
}

// Search returns up to limit hits ordered by descending cosine similarity.
// Ties break on id for deterministic output.
func (s *InMemory) Search(ctx context.Context, vec []float32, limit int) ([]Hit, error) {
	if len(vec) != s.dimension {
		return nil, ErrDimensionMismatch
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	hits := make([]Hit, 0, len(s.points))
	for id, p := range s.points {
		hits = append(hits, Hit{ID: id, Score: cosine(vec, p.vec), Payload: p.payload})
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Delete removes a vector by id. Missing ids are ignored.
func (s *InMemory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.points, id)
	return nil
}

// Count returns the number of indexed vectors.
func (s *InMemory) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

func cosine(a, b []float32) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
