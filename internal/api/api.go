// Package api implements the Ingress API (C13): every endpoint named in
// spec.md §6.1 under /api/v1, plus /health and /metrics. Grounded on the
// predecessor's internal/api/server_test.go (respondJSON/respondError/
// parseJSON helpers) and internal/api/handlers_patterns.go's handler
// shape, generalized from the predecessor's pattern-analysis-only surface
// to the full task/agent/pattern/token/rl/acp surface this daemon exposes.
package api

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/jordanhubbard/loomd/internal/apperrors"
	"github.com/jordanhubbard/loomd/internal/auth"
	"github.com/jordanhubbard/loomd/internal/hub"
	"github.com/jordanhubbard/loomd/internal/models"
	"github.com/jordanhubbard/loomd/internal/orchestrator"
	"github.com/jordanhubbard/loomd/internal/patterns"
	"github.com/jordanhubbard/loomd/internal/registry"
	"github.com/jordanhubbard/loomd/internal/rl"
	"github.com/jordanhubbard/loomd/internal/store"
	"github.com/jordanhubbard/loomd/internal/tasks"
	"github.com/jordanhubbard/loomd/internal/tokens"
)

// HealthChecker reports whether a dependency the /health endpoint cares
// about is reachable. Implementations must never panic; a down-but-
// configured dependency degrades the response, it doesn't 500 it.
type HealthChecker func(ctx context.Context) error

// MaxDescriptionBytes is the ≤100 KiB task description limit (spec.md
// §6.1's size limits table).
const MaxDescriptionBytes = 100 * 1024

// MaxBroadcastBytes is the ≤10 KiB broadcast payload limit.
const MaxBroadcastBytes = 10 * 1024

// allRoles enumerates the closed AgentRole set, shared by every handler
// that needs to walk the registry role-by-role.
var allRoles = []models.AgentRole{
	models.RoleCoordinator, models.RoleFrontend, models.RoleBackend,
	models.RoleDBA, models.RoleDevOps, models.RoleSecurity, models.RoleQA,
}

// Server wires every component the API surfaces into http.Handlers.
type Server struct {
	Tasks        *tasks.Store
	Registry     *registry.Registry
	Patterns     *patterns.Store
	Ledger       *tokens.Ledger
	Orchestrator *orchestrator.Orchestrator
	RL           *rl.Registry
	Buffer       *rl.Buffer
	Hub          *hub.Hub
	Events       *store.KVStore

	Version string
	ACPPort int
	StartedAt time.Time

	healthChecks map[string]HealthChecker
	healthCache  *healthCache
	rng          *rand.Rand
}

func NewServer(taskStore *tasks.Store, reg *registry.Registry, patternStore *patterns.Store, ledger *tokens.Ledger, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		Tasks:        taskStore,
		Registry:     reg,
		Patterns:     patternStore,
		Ledger:       ledger,
		Orchestrator: orch,
		StartedAt:    time.Now(),
		healthChecks: make(map[string]HealthChecker),
		healthCache:  newHealthCache(5 * time.Second),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterHealthCheck adds a named dependency check that /health composes.
func (s *Server) RegisterHealthCheck(name string, check HealthChecker) {
	s.healthChecks[name] = check
}

// Mux builds the full routing table. Callers wrap it with auth.Middleware.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /api/v1/delegate", s.handleDelegate)

	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/v1/agents", s.handleSpawnAgent)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("GET /api/v1/agents/{id}/tokens", s.handleAgentTokens)
	mux.HandleFunc("GET /api/v1/activity", s.handleActivity)
	mux.HandleFunc("GET /api/v1/workloads", s.handleWorkloads)

	mux.HandleFunc("POST /api/v1/patterns", s.handleCreatePattern)
	mux.HandleFunc("GET /api/v1/patterns/search", s.handleSearchPatterns)
	mux.HandleFunc("POST /api/v1/memory/search", s.handleMemorySearch)
	mux.HandleFunc("POST /api/v1/memory/backfill-embeddings", s.handleMemoryBackfill)

	mux.HandleFunc("GET /api/v1/rl/stats", s.handleRLStats)
	mux.HandleFunc("POST /api/v1/rl/train", s.handleRLTrain)
	mux.HandleFunc("POST /api/v1/rl/algorithm", s.handleRLSwitchAlgorithm)
	mux.HandleFunc("GET /api/v1/rl/params", s.handleRLGetParams)
	mux.HandleFunc("POST /api/v1/rl/params", s.handleRLSetParams)

	mux.HandleFunc("POST /api/v1/tokens/analyze", s.handleTokenAnalyze)
	mux.HandleFunc("POST /api/v1/tokens/compress", s.handleTokenCompress)
	mux.HandleFunc("GET /api/v1/tokens/metrics", s.handleTokenMetrics)
	mux.HandleFunc("GET /api/v1/tokens/recommendations", s.handleTokenRecommendations)

	mux.HandleFunc("GET /api/v1/acp/status", s.handleACPStatus)
	mux.HandleFunc("POST /api/v1/broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /api/v1/pubsub/broadcast", s.handlePubsubBroadcast)

	return mux
}

// --- tasks ---

type createTaskRequest struct {
	Description string              `json:"description"`
	Priority    models.TaskPriority `json:"priority"`
	TimeoutMs   int64               `json:"timeout_ms,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Description == "" {
		respondError(w, apperrors.New(apperrors.Input, "description is required"))
		return
	}
	if len(req.Description) > MaxDescriptionBytes {
		respondError(w, apperrors.New(apperrors.Input, "description exceeds 100 KiB limit").WithField("limit_type", "description_bytes"))
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}

	task, err := s.Tasks.Create(req.Description, req.Priority)
	if err != nil {
		respondError(w, err)
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		s.Orchestrator.Run(ctx, task.ID, timeout)
	}()

	respondJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statePtr *models.TaskState
	if raw := r.URL.Query().Get("state"); raw != "" {
		state := models.TaskState(raw)
		statePtr = &state
	}
	respondJSON(w, http.StatusOK, s.Tasks.List(statePtr))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Tasks.Get(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Orchestrator.Cancel(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	task, err := s.Tasks.Get(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// delegateRequest drives POST /api/v1/delegate, the direct role-targeted
// path that bypasses coordinator planning but not the dispatch/account/
// persist/learn pipeline (see SPEC_FULL.md's "single dispatch path"
// redesign note).
type delegateRequest struct {
	Description string           `json:"description"`
	Role        models.AgentRole `json:"role"`
	Context     string           `json:"context,omitempty"`
	Priority    models.TaskPriority `json:"priority"`
	TimeoutMs   int64            `json:"timeout_ms,omitempty"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Description == "" {
		respondError(w, apperrors.New(apperrors.Input, "description is required"))
		return
	}
	if len(req.Description) > MaxDescriptionBytes {
		respondError(w, apperrors.New(apperrors.Input, "description exceeds 100 KiB limit").WithField("limit_type", "description_bytes"))
		return
	}
	if !models.ValidRole(req.Role) {
		respondError(w, apperrors.New(apperrors.Input, "role is invalid or missing"))
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}

	task, err := s.Tasks.Create(req.Description, req.Priority)
	if err != nil {
		respondError(w, err)
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		s.Orchestrator.Delegate(ctx, task.ID, req.Role, req.Description, req.Context, timeout)
	}()

	respondJSON(w, http.StatusAccepted, task)
}

// --- status ---

type statusResponse struct {
	Version        string `json:"version"`
	AgentCount     int    `json:"agent_count"`
	TasksPending   int    `json:"tasks_pending"`
	TasksCompleted int    `json:"tasks_completed"`
	Algorithm      string `json:"algorithm"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending := models.TaskPending
	completed := models.TaskCompleted
	resp := statusResponse{
		Version:        s.Version,
		AgentCount:     s.Registry.Count(),
		TasksPending:   len(s.Tasks.List(&pending)),
		TasksCompleted: len(s.Tasks.List(&completed)),
		UptimeSeconds:  int64(time.Since(s.StartedAt).Seconds()),
	}
	if s.Orchestrator != nil {
		resp.Algorithm = s.Orchestrator.CurrentAlgorithm()
	}
	respondJSON(w, http.StatusOK, resp)
}

// --- agents ---

type agentView struct {
	AgentID      string           `json:"agent_id"`
	Role         models.AgentRole `json:"role"`
	InFlight     int              `json:"in_flight"`
	SuccessCount int64            `json:"success_count"`
	FailureCount int64            `json:"failure_count"`
	SuccessRate  *float64         `json:"success_rate"`
	ConnectedAt  time.Time        `json:"connected_at"`
}

func toAgentView(w *registry.Worker) agentView {
	return agentView{
		AgentID:      w.AgentID,
		Role:         w.Role,
		InFlight:     w.InFlight,
		SuccessCount: w.SuccessCount,
		FailureCount: w.FailureCount,
		SuccessRate:  w.SuccessRate(),
		ConnectedAt:  w.ConnectedAt,
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var views []agentView
	for _, role := range allRoles {
		for _, worker := range s.Registry.ByRole(role) {
			views = append(views, toAgentView(worker))
		}
	}
	if views == nil {
		views = []agentView{}
	}
	respondJSON(w, http.StatusOK, views)
}

// spawnAgentRequest is the best-effort "spawn an external worker" request
// (spec.md §6.1). This daemon has no process-supervision layer of its own
// (workers are independent processes that dial in over ACP), so spawning
// is implemented as recording an expected-worker hint other operational
// tooling can act on; it never fabricates a live session.
type spawnAgentRequest struct {
	Role    models.AgentRole `json:"role"`
	Command string           `json:"command,omitempty"`
}

type spawnAgentResponse struct {
	Role      models.AgentRole `json:"role"`
	Requested bool             `json:"requested"`
	Message   string           `json:"message"`
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnAgentRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if !models.ValidRole(req.Role) {
		respondError(w, apperrors.New(apperrors.Input, "role is invalid or missing"))
		return
	}
	respondJSON(w, http.StatusAccepted, spawnAgentResponse{
		Role:      req.Role,
		Requested: true,
		Message:   "spawn is best-effort: connect a worker process for this role over ACP to fulfil it",
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.Registry.Get(r.PathValue("id"))
	if !ok {
		respondError(w, apperrors.New(apperrors.NotFound, "agent not found"))
		return
	}
	respondJSON(w, http.StatusOK, toAgentView(worker))
}

func (s *Server) handleAgentTokens(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Ledger.Snapshot(r.PathValue("id")))
}

type activityEntry struct {
	AgentID      string    `json:"agent_id"`
	Role         models.AgentRole `json:"role"`
	LastActiveAt time.Time `json:"last_active_at"`
	InFlight     int       `json:"in_flight"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var entries []activityEntry
	for _, role := range allRoles {
		for _, worker := range s.Registry.ByRole(role) {
			entries = append(entries, activityEntry{
				AgentID:      worker.AgentID,
				Role:         worker.Role,
				LastActiveAt: worker.LastActiveAt,
				InFlight:     worker.InFlight,
			})
		}
	}
	if entries == nil {
		entries = []activityEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// MaxInFlightPerWorker is the advisory capacity figure /workloads reports
// each worker against; it is not itself enforced as a hard cap anywhere
// in the dispatch path.
const MaxInFlightPerWorker = 5

type workloadEntry struct {
	AgentID  string `json:"agent_id"`
	InFlight int    `json:"in_flight"`
	Max      int    `json:"max"`
}

type workloadsResponse struct {
	Workers         []workloadEntry `json:"workers"`
	TotalInFlight   int             `json:"total_in_flight"`
	TotalCapacity   int             `json:"total_capacity"`
}

func (s *Server) handleWorkloads(w http.ResponseWriter, r *http.Request) {
	resp := workloadsResponse{Workers: []workloadEntry{}}
	for _, role := range allRoles {
		for _, worker := range s.Registry.ByRole(role) {
			resp.Workers = append(resp.Workers, workloadEntry{
				AgentID:  worker.AgentID,
				InFlight: worker.InFlight,
				Max:      MaxInFlightPerWorker,
			})
			resp.TotalInFlight += worker.InFlight
			resp.TotalCapacity += MaxInFlightPerWorker
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleTokenRecommendations surfaces agents whose token burn rate
// warrants a compression strategy, generalized from the predecessor's
// cost-optimization advisory shape (internal/patterns/optimizer.go) to
// the Token Service's per-agent ledgers.
func (s *Server) handleTokenRecommendations(w http.ResponseWriter, r *http.Request) {
	recs := tokens.Recommend(s.Ledger.All())
	if recs == nil {
		recs = []tokens.Recommendation{}
	}
	respondJSON(w, http.StatusOK, recs)
}

// --- patterns / memory ---

type createPatternRequest struct {
	AgentID     string            `json:"agent_id"`
	PatternType string            `json:"pattern_type"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreatePattern(w http.ResponseWriter, r *http.Request) {
	var req createPatternRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Content == "" {
		respondError(w, apperrors.New(apperrors.Input, "content is required"))
		return
	}
	p, err := s.Patterns.Create(r.Context(), req.AgentID, req.PatternType, req.Content, req.Metadata)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleSearchPatterns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, apperrors.New(apperrors.Input, "q query parameter is required"))
		return
	}
	limit := 10
	results, err := s.Patterns.Search(r.Context(), query, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

type memorySearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type memorySearchResult struct {
	Pattern    *models.Pattern   `json:"pattern"`
	SearchType models.SearchKind `json:"search_type"`
	Score      float64           `json:"score"`
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	var req memorySearchRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Query == "" {
		respondError(w, apperrors.New(apperrors.Input, "query is required"))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := s.Patterns.Search(r.Context(), req.Query, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]memorySearchResult, len(results))
	for i, res := range results {
		out[i] = memorySearchResult{Pattern: res.Pattern, SearchType: res.Kind, Score: res.Score}
	}
	respondJSON(w, http.StatusOK, out)
}

type backfillResponse struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Remaining int `json:"remaining"`
}

func (s *Server) handleMemoryBackfill(w http.ResponseWriter, r *http.Request) {
	processed, err := s.Patterns.Backfill(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	remaining, err := s.Patterns.CountMissingEmbeddings(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, backfillResponse{Processed: processed, Remaining: remaining})
}

// --- rl ---

type rlStatsResponse struct {
	Algorithm   string  `json:"algorithm"`
	Steps       int64   `json:"steps"`
	TotalReward float64 `json:"total_reward"`
	BufferSize  int     `json:"buffer_size"`
}

func (s *Server) handleRLStats(w http.ResponseWriter, r *http.Request) {
	var steps int64
	var totalReward float64
	var bufferSize int
	if s.Buffer != nil {
		steps, totalReward = s.Buffer.Stats()
		bufferSize = s.Buffer.Len()
	}
	algorithm := ""
	if s.Orchestrator != nil {
		algorithm = s.Orchestrator.CurrentAlgorithm()
	}
	respondJSON(w, http.StatusOK, rlStatsResponse{
		Algorithm:   algorithm,
		Steps:       steps,
		TotalReward: totalReward,
		BufferSize:  bufferSize,
	})
}

type rlTrainResponse struct {
	BatchSize int  `json:"batch_size"`
	Trained   bool `json:"trained"`
}

func (s *Server) handleRLTrain(w http.ResponseWriter, r *http.Request) {
	if s.RL == nil || s.Buffer == nil {
		respondError(w, apperrors.New(apperrors.Policy, "RL service not configured"))
		return
	}
	algorithm := s.Orchestrator.CurrentAlgorithm()
	alg, err := s.RL.Get(algorithm)
	if err != nil {
		respondError(w, err)
		return
	}
	if s.Buffer.Len() == 0 {
		respondJSON(w, http.StatusOK, rlTrainResponse{BatchSize: 0, Trained: false})
		return
	}
	batch := s.Buffer.Sample(rl.DefaultTrainBatchSize, s.rng)
	if err := alg.Update(batch); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rlTrainResponse{BatchSize: len(batch), Trained: true})
}

type rlAlgorithmRequest struct {
	Algorithm string `json:"algorithm"`
}

func (s *Server) handleRLSwitchAlgorithm(w http.ResponseWriter, r *http.Request) {
	var req rlAlgorithmRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.Orchestrator.SetAlgorithm(req.Algorithm); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"algorithm": req.Algorithm})
}

func (s *Server) handleRLGetParams(w http.ResponseWriter, r *http.Request) {
	alg, err := s.RL.Get(s.Orchestrator.CurrentAlgorithm())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alg.Parameters())
}

func (s *Server) handleRLSetParams(w http.ResponseWriter, r *http.Request) {
	var params map[string]float64
	if err := parseJSON(r, &params); err != nil {
		respondError(w, err)
		return
	}
	alg, err := s.RL.Get(s.Orchestrator.CurrentAlgorithm())
	if err != nil {
		respondError(w, err)
		return
	}
	if err := alg.SetParameters(params); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alg.Parameters())
}

// --- tokens ---

type tokenAnalyzeRequest struct {
	Content string `json:"content"`
	AgentID string `json:"agent_id,omitempty"`
}

func (s *Server) handleTokenAnalyze(w http.ResponseWriter, r *http.Request) {
	var req tokenAnalyzeRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.Content) > tokens.MaxContentBytes {
		respondError(w, apperrors.New(apperrors.Input, "content exceeds 1 MiB limit").WithField("limit_type", "content_bytes"))
		return
	}
	respondJSON(w, http.StatusOK, tokens.Analyze(req.Content))
}

type tokenCompressRequest struct {
	Content         string   `json:"content"`
	Strategies      []string `json:"strategies,omitempty"`
	TargetReduction float64  `json:"target_reduction,omitempty"`
	AgentID         string   `json:"agent_id,omitempty"`
}

func (s *Server) handleTokenCompress(w http.ResponseWriter, r *http.Request) {
	var req tokenCompressRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.Content) > tokens.MaxContentBytes {
		respondError(w, apperrors.New(apperrors.Input, "content exceeds 1 MiB limit").WithField("limit_type", "content_bytes"))
		return
	}
	result := tokens.Compress(req.Content, req.Strategies, req.TargetReduction)
	if req.AgentID != "" {
		s.Ledger.RecordCompressionSavings(req.AgentID, result.TokensSaved)
	}
	respondJSON(w, http.StatusOK, result)
}

type tokenMetricsResponse struct {
	Ledgers []models.TokenLedger `json:"ledgers"`
}

func (s *Server) handleTokenMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, tokenMetricsResponse{Ledgers: s.Ledger.All()})
}

// --- acp / broadcast ---

type acpStatusResponse struct {
	Port      int      `json:"port"`
	Connected int      `json:"connected"`
	AgentIDs  []string `json:"agent_ids"`
}

func (s *Server) handleACPStatus(w http.ResponseWriter, r *http.Request) {
	resp := acpStatusResponse{Port: s.ACPPort, AgentIDs: []string{}}
	for _, role := range allRoles {
		for _, worker := range s.Registry.ByRole(role) {
			resp.AgentIDs = append(resp.AgentIDs, worker.AgentID)
		}
	}
	resp.Connected = len(resp.AgentIDs)
	respondJSON(w, http.StatusOK, resp)
}

type broadcastRequest struct {
	Message string `json:"message"`
}

type broadcastResponse struct {
	Delivered int `json:"delivered"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.Message) > MaxBroadcastBytes {
		respondError(w, apperrors.New(apperrors.Input, "broadcast message exceeds 10 KiB limit").WithField("limit_type", "broadcast_bytes"))
		return
	}
	if s.Hub == nil {
		respondError(w, apperrors.New(apperrors.Policy, "hub not configured"))
		return
	}
	notif, err := hub.NewNotification("broadcast", map[string]string{"message": req.Message})
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.Internal, "build broadcast notification", err))
		return
	}
	s.Hub.Broadcast(notif)
	s.publishBroadcast(r.Context(), req.Message)
	respondJSON(w, http.StatusOK, broadcastResponse{Delivered: s.Registry.Count()})
}

func (s *Server) handlePubsubBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.Message) > MaxBroadcastBytes {
		respondError(w, apperrors.New(apperrors.Input, "broadcast message exceeds 10 KiB limit").WithField("limit_type", "broadcast_bytes"))
		return
	}
	if s.Events == nil {
		respondError(w, apperrors.New(apperrors.Policy, "event channel not configured"))
		return
	}
	if err := s.publishBroadcast(r.Context(), req.Message); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"published": true})
}

func (s *Server) publishBroadcast(ctx context.Context, message string) error {
	if s.Events == nil {
		return nil
	}
	if err := s.Events.Publish(ctx, "cca:broadcast", message); err != nil {
		return apperrors.Wrap(apperrors.Internal, "publish broadcast", err)
	}
	return nil
}

// --- helpers (respondJSON/respondError/parseJSON track the predecessor's
// internal/api/server_test.go contract) ---

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error  string            `json:"error"`
	Kind   apperrors.Kind    `json:"kind"`
	Fields map[string]string `json:"fields,omitempty"`
}

func respondError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := statusForKind(kind)
	resp := errorResponse{Error: err.Error(), Kind: kind}
	var ae *apperrors.Error
	if e, ok := err.(*apperrors.Error); ok {
		ae = e
		resp.Fields = ae.Fields
	}
	respondJSON(w, status, resp)
}

func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.Input:
		return http.StatusBadRequest
	case apperrors.Auth:
		return http.StatusUnauthorized
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.Conflict:
		return http.StatusConflict
	case apperrors.Timeout:
		return http.StatusGatewayTimeout
	case apperrors.Policy:
		return http.StatusTooManyRequests
	case apperrors.Transport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.Input, "invalid request body", err)
	}
	return nil
}

// principalOrNil recovers the auth.Principal attached by auth.Middleware,
// for handlers that want to log or scope by caller identity.
func principalOrNil(r *http.Request) *auth.Principal {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil
	}
	return &p
}
