// Package memory stores execution history for recall and similarity search.
// Records are written through to both the vector index and the relational
// store; a vector failure degrades search but never loses the record.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/events"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/types"
	"github.com/skeinlabs/skein/pkg/vector"
)

// patternSampleSize bounds how many records one pattern analysis scans.
const patternSampleSize = 100

// SearchResult pairs a hydrated record with its similarity to the query.
type SearchResult struct {
	RecordID   string              `json:"record_id"`
	Similarity float64             `json:"similarity"`
	Record     *types.MemoryRecord `json:"record"`
}

// PatternSummary aggregates outcomes over recent records.
type PatternSummary struct {
	Analyzed     int            `json:"analyzed"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	Categories   map[string]int `json:"categories"`
}

// Stats describes the current memory population.
type Stats struct {
	TotalRecords   int     `json:"total_records"`
	IndexedVectors int     `json:"indexed_vectors"`
	Categories     int     `json:"unique_categories"`
	AvgAccessCount float64 `json:"avg_access_count"`
}

// Service is the memory subsystem facade.
type Service struct {
	store     storage.Store
	vectors   vector.Store
	bus       *events.Bus
	threshold float64
	logger    zerolog.Logger
}

// NewService wires the memory service to its storage backends.
func NewService(cfg config.MemoryConfig, store storage.Store, vectors vector.Store, bus *events.Bus) *Service {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	return &Service{
		store:     store,
		vectors:   vectors,
		bus:       bus,
		threshold: threshold,
		logger:    log.WithComponent("memory"),
	}
}

// Store persists a record to the vector index and the relational store.
// Vector indexing is best-effort: on failure the relational write proceeds
// and the record remains recallable by id.
func (s *Service) Store(ctx context.Context, record *types.MemoryRecord) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Category == "" {
		record.Category = "general"
	}

	embedding := Embed(record.GoalSummary)
	pointID := uuid.NewString()
	if err := s.vectors.Add(ctx, pointID, embedding, map[string]any{
		"record_id": record.RecordID,
		"category":  record.Category,
		"tags":      record.ContextTags,
	}); err != nil {
		s.logger.Error().Err(err).Str("record_id", record.RecordID).Msg("vector index failed, record stored without search")
	}

	if err := s.store.SaveMemoryRecord(record); err != nil {
		return err
	}

	if s.bus != nil {
		event := types.NewEvent("memory.stored", "memory", map[string]any{
			"record_id": record.RecordID,
			"category":  record.Category,
			"tags":      record.ContextTags,
		})
		if _, err := s.bus.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Msg("memory.stored publish failed")
		}
	}

	s.logger.Info().Str("record_id", record.RecordID).Str("category", record.Category).Msg("memory persisted")
	return nil
}

// Recall fetches one record by id and bumps its access stats.
func (s *Service) Recall(ctx context.Context, recordID string) (*types.MemoryRecord, error) {
	record, err := s.store.GetMemoryRecord(recordID)
	if err != nil {
		return nil, err
	}

	record.AccessCount++
	now := time.Now().UTC()
	record.LastAccessed = &now
	if err := s.store.SaveMemoryRecord(record); err != nil {
		s.logger.Warn().Err(err).Str("record_id", recordID).Msg("access stats update failed")
	}
	return record, nil
}

// Search embeds the query, finds the top-k nearest records above the
// similarity threshold, and hydrates them from the relational store.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	hits, err := s.vectors.Search(ctx, Embed(query), limit)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < s.threshold {
			continue
		}
		recordID, _ := hit.Payload["record_id"].(string)
		if recordID == "" {
			continue
		}

		record, err := s.store.GetMemoryRecord(recordID)
		if errors.Is(err, storage.ErrNotFound) {
			// Vector point outlived its row; skip the orphan.
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{
			RecordID:   recordID,
			Similarity: hit.Score,
			Record:     record,
		})
	}

	s.logger.Debug().Str("query", query).Int("results", len(results)).Msg("memory search")
	return results, nil
}

// SimilarGoals finds past executions whose goal resembles the given one.
func (s *Service) SimilarGoals(ctx context.Context, goal string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.Search(ctx, goal, limit)
}

// LearnPatterns scans recent records and aggregates success and failure
// counts per category.
func (s *Service) LearnPatterns(ctx context.Context) (PatternSummary, error) {
	records, err := s.store.ListMemoryRecords()
	if err != nil {
		return PatternSummary{}, err
	}
	if len(records) > patternSampleSize {
		records = records[:patternSampleSize]
	}

	summary := PatternSummary{Categories: make(map[string]int)}
	for _, record := range records {
		summary.Analyzed++
		summary.Categories[record.Category]++
		if len(record.Errors) > 0 {
			summary.FailureCount++
		} else {
			summary.SuccessCount++
		}
	}
	return summary, nil
}

// Consolidate deletes records whose TTL has elapsed and returns the count.
func (s *Service) Consolidate(ctx context.Context) (int, error) {
	records, err := s.store.ListMemoryRecords()
	if err != nil {
		return 0, err
	}

	deleted := 0
	now := time.Now().UTC()
	for _, record := range records {
		if record.TTLHours <= 0 {
			continue
		}
		if now.Sub(record.CreatedAt) < time.Duration(record.TTLHours)*time.Hour {
			continue
		}
		if err := s.store.DeleteMemoryRecord(record.RecordID); err != nil {
			s.logger.Warn().Err(err).Str("record_id", record.RecordID).Msg("consolidation delete failed")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Msg("memory consolidated")
	}
	return deleted, nil
}

// MemoryStats summarizes the stored population.
func (s *Service) MemoryStats(ctx context.Context) (Stats, error) {
	records, err := s.store.ListMemoryRecords()
	if err != nil {
		return Stats{}, err
	}

	categories := make(map[string]struct{})
	totalAccess := 0
	for _, record := range records {
		categories[record.Category] = struct{}{}
		totalAccess += record.AccessCount
	}

	stats := Stats{
		TotalRecords:   len(records),
		IndexedVectors: s.vectors.Count(),
		Categories:     len(categories),
	}
	if len(records) > 0 {
		stats.AvgAccessCount = float64(totalAccess) / float64(len(records))
	}
	return stats, nil
}
