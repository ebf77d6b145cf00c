// Package patterns implements the Pattern Store (C5), the daemon's
// "reasoning bank": a persisted library of prior successful work,
// searchable either semantically (embedding cosine similarity) or by
// plain substring match, with an implicit fallback from the former to the
// latter. Grounded on the predecessor's internal/patterns/optimizer.go,
// which scored and ranked patterns by usage statistics — generalized here
// from a fixed recommendation report into the full CRUD+search surface
// SPEC_FULL.md's C5 describes.
package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jordanhubbard/loomd/internal/apperrors"
	"github.com/jordanhubbard/loomd/internal/embedding"
	"github.com/jordanhubbard/loomd/internal/ids"
	"github.com/jordanhubbard/loomd/internal/models"
	"github.com/jordanhubbard/loomd/internal/store"
)

// MinSemanticSimilarity is the cosine-similarity floor a pattern must
// clear to be returned by a semantic search (spec.md's 0.30 threshold).
const MinSemanticSimilarity = 0.30

// MaxQueryBytes is the ≤1 KiB search query constraint (spec.md §4.2);
// exceeding it fails with QueryTooLong.
const MaxQueryBytes = 1024

// Store persists and searches patterns, backed by internal/store's SQL
// layer and (optionally) internal/embedding for vectorization.
type Store struct {
	sql   *store.SQLStore
	embed *embedding.Client // nil disables semantic search; falls back to text
	clock ids.Clock
}

func NewStore(sql *store.SQLStore, embed *embedding.Client, clock ids.Clock) *Store {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Store{sql: sql, embed: embed, clock: clock}
}

// Create inserts a new pattern, computing its embedding if a client is
// configured. Embedding failures degrade to a text-only pattern rather
// than failing the write outright (spec.md's "semantic search degrades
// gracefully" requirement).
func (s *Store) Create(ctx context.Context, agentID, patternType, content string, metadata map[string]string) (*models.Pattern, error) {
	now := s.clock.Now()
	p := &models.Pattern{
		ID:          ids.New(),
		AgentID:     agentID,
		PatternType: patternType,
		Content:     content,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.embed != nil {
		if vec, err := s.embed.Embed(ctx, content); err == nil {
			p.Embedding = vec
		}
	}
	if err := s.insert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) insert(ctx context.Context, p *models.Pattern) error {
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "marshal pattern metadata", err)
	}
	embBytes, err := encodeEmbedding(p.Embedding)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "encode pattern embedding", err)
	}
	_, err = s.sql.DB().ExecContext(ctx, `
		INSERT INTO patterns (id, agent_id, pattern_type, content, embedding, success_count, failure_count, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentID, p.PatternType, p.Content, embBytes, p.SuccessCount, p.FailureCount, string(metaJSON), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "insert pattern", err)
	}
	return nil
}

// Get retrieves a pattern by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Pattern, error) {
	row := s.sql.DB().QueryRowContext(ctx, `
		SELECT id, agent_id, pattern_type, content, embedding, success_count, failure_count, metadata, created_at, updated_at
		FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.NotFound, "pattern not found").WithField("id", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "get pattern", err)
	}
	return p, nil
}

// RecordOutcome bumps success_count or failure_count for a pattern after
// it is used, feeding the success_rate invariant checked in spec.md §8.
func (s *Store) RecordOutcome(ctx context.Context, id string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	res, err := s.sql.DB().ExecContext(ctx,
		`UPDATE patterns SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
		s.clock.Now(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "record pattern outcome", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.NotFound, "pattern not found").WithField("id", id)
	}
	return nil
}

// SearchResult pairs a matched pattern with the kind of search that
// surfaced it and its match score (cosine similarity, or 1.0 for text hits).
type SearchResult struct {
	Pattern *models.Pattern
	Kind    models.SearchKind
	Score   float64
}

// Search tries semantic search first when an embedding client is
// configured, falling back to text search only when that client is
// absent or unreachable — not merely when the semantic pass returns zero
// qualifying results, which is a legitimate (if uncommon) outcome of a
// reachable embedding client. This fallback is the behavior spec.md's
// Pattern Store names explicitly rather than an error path.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if len(query) > MaxQueryBytes {
		return nil, apperrors.New(apperrors.Input, fmt.Sprintf("QueryTooLong: query exceeds %d bytes", MaxQueryBytes)).
			WithField("limit_type", "query_bytes")
	}
	if s.embed != nil {
		results, err := s.searchSemantic(ctx, query, limit)
		if err == nil {
			return results, nil
		}
	}
	return s.searchText(ctx, query, limit)
}

func (s *Store) searchSemantic(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	queryVec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.sql.DB().QueryContext(ctx, `
		SELECT id, agent_id, pattern_type, content, embedding, success_count, failure_count, metadata, created_at, updated_at
		FROM patterns WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "query patterns for semantic search", err)
	}
	defer rows.Close()

	var candidates []SearchResult
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, "scan pattern row", err)
		}
		sim := cosineSimilarity(queryVec, p.Embedding)
		if sim >= MinSemanticSimilarity {
			candidates = append(candidates, SearchResult{Pattern: p, Kind: models.SearchSemantic, Score: sim})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// searchText matches content case-insensitively by substring, ranking
// hits by success_rate DESC per spec.md's documented tie-break.
func (s *Store) searchText(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	rows, err := s.sql.DB().QueryContext(ctx, `
		SELECT id, agent_id, pattern_type, content, embedding, success_count, failure_count, metadata, created_at, updated_at
		FROM patterns`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "query patterns for text search", err)
	}
	defer rows.Close()

	needle := strings.ToLower(query)
	var matches []SearchResult
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, "scan pattern row", err)
		}
		if strings.Contains(strings.ToLower(p.Content), needle) {
			matches = append(matches, SearchResult{Pattern: p, Kind: models.SearchText, Score: successRateOrZero(p)})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func successRateOrZero(p *models.Pattern) float64 {
	if rate := p.SuccessRate(); rate != nil {
		return *rate
	}
	return 0
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row rowScanner) (*models.Pattern, error) {
	var p models.Pattern
	var embBytes []byte
	var metaJSON string
	if err := row.Scan(&p.ID, &p.AgentID, &p.PatternType, &p.Content, &embBytes, &p.SuccessCount, &p.FailureCount, &metaJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
			return nil, err
		}
	}
	vec, err := decodeEmbedding(embBytes)
	if err != nil {
		return nil, err
	}
	p.Embedding = vec
	return &p, nil
}

func encodeEmbedding(vec []float32) ([]byte, error) {
	if vec == nil {
		return nil, nil
	}
	return json.Marshal(vec)
}

func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// CountMissingEmbeddings reports how many patterns still lack an
// embedding, letting callers of Backfill confirm convergence (remaining=0).
func (s *Store) CountMissingEmbeddings(ctx context.Context) (int, error) {
	row := s.sql.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM patterns WHERE embedding IS NULL`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, "count patterns missing embeddings", err)
	}
	return n, nil
}

// Backfill recomputes embeddings for every pattern missing one, used
// after an operator enables semantic search on a store that was
// previously text-only.
func (s *Store) Backfill(ctx context.Context) (int, error) {
	if s.embed == nil {
		return 0, apperrors.New(apperrors.Policy, "no embedding client configured")
	}
	rows, err := s.sql.DB().QueryContext(ctx, `SELECT id, content FROM patterns WHERE embedding IS NULL`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, "query patterns needing backfill", err)
	}
	type pending struct{ id, content string }
	var work []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.content); err != nil {
			rows.Close()
			return 0, apperrors.Wrap(apperrors.Internal, "scan backfill row", err)
		}
		work = append(work, p)
	}
	rows.Close()

	updated := 0
	for _, p := range work {
		vec, err := s.embed.Embed(ctx, p.content)
		if err != nil {
			continue
		}
		embBytes, err := encodeEmbedding(vec)
		if err != nil {
			continue
		}
		if _, err := s.sql.DB().ExecContext(ctx, `UPDATE patterns SET embedding = ?, updated_at = ? WHERE id = ?`, embBytes, s.clock.Now(), p.id); err == nil {
			updated++
		}
	}
	return updated, nil
}
