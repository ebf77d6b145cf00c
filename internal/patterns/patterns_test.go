package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/loomd/internal/apperrors"
	"github.com/jordanhubbard/loomd/internal/embedding"
	"github.com/jordanhubbard/loomd/internal/models"
	"github.com/jordanhubbard/loomd/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loomd.db")
	sqlStore, err := store.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return NewStore(sqlStore, nil, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func TestCreateAndGet_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(context.Background(), "agent-1", "delegation_result", "did the thing", map[string]string{"role": "backend"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	got, err := s.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "did the thing", got.Content)
	assert.Equal(t, "backend", got.Metadata["role"])
}

func TestGet_UnknownIDIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, apperrors.NotFound, apperrors.KindOf(err))
}

func TestRecordOutcome_IncrementsCounts(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(context.Background(), "agent-1", "note", "x", nil)
	require.NoError(t, err)

	require.NoError(t, s.RecordOutcome(context.Background(), p.ID, true))
	require.NoError(t, s.RecordOutcome(context.Background(), p.ID, false))

	got, err := s.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.EqualValues(t, 1, got.FailureCount)
}

func TestRecordOutcome_UnknownIDIsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordOutcome(context.Background(), "does-not-exist", true)
	require.Error(t, err)
	assert.Equal(t, apperrors.NotFound, apperrors.KindOf(err))
}

func TestSearch_TextFallbackMatchesSubstringCaseInsensitively(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), "agent-1", "note", "fixed the NULL pointer bug", nil)
	require.NoError(t, err)
	_, err = s.Create(context.Background(), "agent-2", "note", "unrelated content", nil)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "null pointer", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.SearchText, results[0].Kind)
}

func TestSearch_TextRanksBySuccessRateDescending(t *testing.T) {
	s := newTestStore(t)
	weak, err := s.Create(context.Background(), "agent-1", "note", "retry strategy applied", nil)
	require.NoError(t, err)
	strong, err := s.Create(context.Background(), "agent-2", "note", "retry strategy worked great", nil)
	require.NoError(t, err)

	require.NoError(t, s.RecordOutcome(context.Background(), weak.ID, false))
	require.NoError(t, s.RecordOutcome(context.Background(), strong.ID, true))

	results, err := s.Search(context.Background(), "retry strategy", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, strong.ID, results[0].Pattern.ID)
}

func TestSearch_RespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.Create(context.Background(), "agent-1", "note", fmt.Sprintf("shared needle %d", i), nil)
		require.NoError(t, err)
	}
	results, err := s.Search(context.Background(), "needle", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

// fakeEmbeddingServer returns a deterministic one-hot vector derived
// from the first letter of the requested text, just enough to exercise the
// semantic search path end to end against a real embedding.Client.
func fakeEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Embedding []float32 `json:"embedding"`
		}
		var data []item
		for _, text := range req.Input {
			data = append(data, item{Embedding: vectorFor(text)})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
}

// vectorFor gives any text starting with 'm' (e.g. "match ...") the
// vector [1,0], and anything else the orthogonal [0,1], so cosine similarity
// cleanly separates the two groups in tests.
func vectorFor(text string) []float32 {
	if len(text) > 0 && text[0] == 'm' {
		return []float32{1, 0}
	}
	return []float32{0, 1}
}

func TestSearch_SemanticPreferredOverText(t *testing.T) {
	srv := fakeEmbeddingServer(t)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "loomd.db")
	sqlStore, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer sqlStore.Close()

	embedClient := embedding.NewClient(srv.URL, "", "test-model", 5*time.Second)
	s := NewStore(sqlStore, embedClient, fixedClock{t: time.Now()})

	_, err = s.Create(context.Background(), "agent-1", "note", "match this content", nil)
	require.NoError(t, err)
	_, err = s.Create(context.Background(), "agent-2", "note", "other content", nil)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "match query", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.SearchSemantic, results[0].Kind)
	assert.Contains(t, results[0].Pattern.Content, "match this content")
}

func TestBackfill_SkipsWithoutEmbeddingClient(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Backfill(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.Policy, apperrors.KindOf(err))
}

func TestBackfill_PopulatesMissingEmbeddings(t *testing.T) {
	srv := fakeEmbeddingServer(t)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "loomd.db")
	sqlStore, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer sqlStore.Close()

	textOnly := NewStore(sqlStore, nil, fixedClock{t: time.Now()})
	p, err := textOnly.Create(context.Background(), "agent-1", "note", "match this content", nil)
	require.NoError(t, err)

	embedClient := embedding.NewClient(srv.URL, "", "test-model", 5*time.Second)
	withEmbed := NewStore(sqlStore, embedClient, fixedClock{t: time.Now()})

	updated, err := withEmbed.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	got, err := withEmbed.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Embedding)
}
