package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/loomd/internal/models"
	"github.com/jordanhubbard/loomd/internal/orchestrator"
	"github.com/jordanhubbard/loomd/internal/patterns"
	"github.com/jordanhubbard/loomd/internal/registry"
	"github.com/jordanhubbard/loomd/internal/rl"
	"github.com/jordanhubbard/loomd/internal/store"
	"github.com/jordanhubbard/loomd/internal/tasks"
	"github.com/jordanhubbard/loomd/internal/tokens"
)

// newPatternStoreForTest builds a real SQLite-backed pattern store (no
// embedding client, so Search always falls back to text matching),
// mirroring internal/patterns/patterns_test.go's own fixture.
func newPatternStoreForTest(t *testing.T) *patterns.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loomd.db")
	sqlStore, err := store.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return patterns.NewStore(sqlStore, nil, nil)
}

func newTestServer() (*Server, *http.ServeMux) {
	taskStore := tasks.NewStore(nil)
	reg := registry.New()
	ledger := tokens.NewLedger()
	rlRegistry := rl.NewRegistry()
	rlBuffer := rl.NewBuffer(100)
	orch := orchestrator.New(nil, reg, taskStore, ledger, nil, rlRegistry, rlBuffer, "q_learning")
	s := NewServer(taskStore, reg, nil, ledger, orch)
	s.RL = rlRegistry
	s.Buffer = rlBuffer
	s.Version = "test"
	return s, s.Mux()
}

func newTestServerWithPatterns(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()
	patternStore := newPatternStoreForTest(t)
	taskStore := tasks.NewStore(nil)
	reg := registry.New()
	ledger := tokens.NewLedger()
	rlRegistry := rl.NewRegistry()
	rlBuffer := rl.NewBuffer(100)
	orch := orchestrator.New(nil, reg, taskStore, ledger, patternStore, rlRegistry, rlBuffer, "q_learning")
	s := NewServer(taskStore, reg, patternStore, ledger, orch)
	s.RL = rlRegistry
	s.Buffer = rlBuffer
	return s, s.Mux()
}

func TestHandleCreateTask_RejectsMissingDescription(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(createTaskRequest{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateTask_RejectsOversizedDescription(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(createTaskRequest{Description: strings.Repeat("x", MaxDescriptionBytes+1)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "description_bytes", resp.Fields["limit_type"])
}

func TestHandleCreateTask_AcceptsDescriptionAtExactLimit(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(createTaskRequest{Description: strings.Repeat("x", MaxDescriptionBytes)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleDelegate_RejectsInvalidRole(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(delegateRequest{Description: "x", Role: "not-a-role"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/delegate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDelegate_AcceptsValidRequest(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(delegateRequest{Description: "ship the feature", Role: models.RoleBackend})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/delegate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleGetTask_NotFound(t *testing.T) {
	_, mux := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", string(resp.Kind))
}

func TestHandleListTasks_FiltersByState(t *testing.T) {
	s, mux := newTestServer()
	task, err := s.Tasks.Create("x", models.PriorityLow)
	require.NoError(t, err)
	s.Tasks.Transition(task.ID, models.TaskAssigned)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?state=assigned", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got []*models.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, task.ID, got[0].ID)
}

func TestHandleGetAgent_NotFound(t *testing.T) {
	_, mux := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth_ReportsHealthyWithNoChecksRegistered(t *testing.T) {
	_, mux := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHandleTokenRecommendations_EmptyLedgerReturnsEmptyArray(t *testing.T) {
	_, mux := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens/recommendations", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var recs []tokens.Recommendation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	assert.Empty(t, recs)
}

func TestHandleTokenRecommendations_FlagsHighBurnAgent(t *testing.T) {
	s, mux := newTestServer()
	s.Ledger.RecordUsage("agent-1", 20000, 10000, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens/recommendations", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var recs []tokens.Recommendation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "agent-1", recs[0].AgentID)
}

func TestHandleStatus_ReportsCountsAndAlgorithm(t *testing.T) {
	s, mux := newTestServer()
	_, err := s.Tasks.Create("x", models.PriorityNormal)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 1, resp.TasksPending)
	assert.Equal(t, "q_learning", resp.Algorithm)
}

func TestHandleActivity_ListsConnectedWorkers(t *testing.T) {
	_, mux := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/activity", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var entries []activityEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Empty(t, entries)
}

func TestHandleWorkloads_ReturnsEmptyWorkerListWhenNoneConnected(t *testing.T) {
	_, mux := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workloads", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp workloadsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Workers)
	assert.Equal(t, 0, resp.TotalInFlight)
}

func TestHandleACPStatus_ReportsZeroConnectedWithNoHub(t *testing.T) {
	_, mux := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/acp/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp acpStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Connected)
	assert.Empty(t, resp.AgentIDs)
}

func TestHandleBroadcast_RejectsWhenHubNotConfigured(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(broadcastRequest{Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/broadcast", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleBroadcast_RejectsOversizedMessage(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(broadcastRequest{Message: strings.Repeat("x", MaxBroadcastBytes+1)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/broadcast", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "broadcast_bytes", resp.Fields["limit_type"])
}

func TestHandlePubsubBroadcast_RejectsWhenEventsNotConfigured(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(broadcastRequest{Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pubsub/broadcast", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleTokenAnalyze_RejectsOversizedContent(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(tokenAnalyzeRequest{Content: strings.Repeat("x", tokens.MaxContentBytes+1)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tokens/analyze", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "content_bytes", resp.Fields["limit_type"])
}

func TestHandleTokenCompress_ReducesContentAndRecordsSavings(t *testing.T) {
	s, mux := newTestServer()
	body, _ := json.Marshal(tokenCompressRequest{
		Content:         strings.Repeat("repeated line\n", 50),
		Strategies:      []string{"deduplicate"},
		TargetReduction: 0.1,
		AgentID:         "agent-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tokens/compress", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp tokens.CompressResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.TokensSaved, int64(0))

	snapshot := s.Ledger.Snapshot("agent-1")
	assert.Greater(t, snapshot.CompressionSavings, int64(0))
}

func TestHandleRLStats_ReflectsBufferAndAlgorithm(t *testing.T) {
	s, mux := newTestServer()
	s.Buffer.Add(models.Experience{Reward: 1.0})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rl/stats", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp rlStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "q_learning", resp.Algorithm)
	assert.EqualValues(t, 1, resp.Steps)
	assert.Equal(t, 1, resp.BufferSize)
}

func TestHandleRLSwitchAlgorithm_RejectsUnknownAlgorithm(t *testing.T) {
	_, mux := newTestServer()
	body, _ := json.Marshal(rlAlgorithmRequest{Algorithm: "not-an-algorithm"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rl/algorithm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRLSwitchAlgorithm_AcceptsKnownAlgorithm(t *testing.T) {
	s, mux := newTestServer()
	body, _ := json.Marshal(rlAlgorithmRequest{Algorithm: "dqn"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rl/algorithm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dqn", s.Orchestrator.CurrentAlgorithm())
}

func TestHandleRLGetAndSetParams_RoundTrips(t *testing.T) {
	_, mux := newTestServer()

	body, _ := json.Marshal(map[string]float64{"epsilon": 0.5})
	setReq := httptest.NewRequest(http.MethodPost, "/api/v1/rl/params", bytes.NewReader(body))
	setRec := httptest.NewRecorder()
	mux.ServeHTTP(setRec, setReq)
	assert.Equal(t, http.StatusOK, setRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/rl/params", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
	var params map[string]float64
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &params))
	assert.Equal(t, 0.5, params["epsilon"])
}

func TestHandleMemorySearch_RejectsQueryOverLimit(t *testing.T) {
	_, mux := newTestServerWithPatterns(t)
	body, _ := json.Marshal(memorySearchRequest{Query: strings.Repeat("x", patterns.MaxQueryBytes+1)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/memory/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "QueryTooLong")
	assert.Equal(t, "query_bytes", resp.Fields["limit_type"])
}

func TestHandleMemorySearch_FindsTextMatch(t *testing.T) {
	s, mux := newTestServerWithPatterns(t)
	_, err := s.Patterns.Create(context.Background(), "agent-1", "delegation_result", "deployed the backend service", nil)
	require.NoError(t, err)

	body, _ := json.Marshal(memorySearchRequest{Query: "backend"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/memory/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var results []memorySearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, models.SearchText, results[0].SearchType)
}

func TestHandleMemoryBackfill_NoEmbeddingClientReturnsPolicyError(t *testing.T) {
	_, mux := newTestServerWithPatterns(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/memory/backfill-embeddings", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleHealth_DegradesOnFailingDependency(t *testing.T) {
	s, mux := newTestServer()
	s.RegisterHealthCheck("store", func(ctx context.Context) error {
		return errors.New("store unreachable")
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}
