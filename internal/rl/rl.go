// Package rl implements the RL Service (C8): an algorithm registry
// (tabular Q-learning functional; dqn/ppo registered as placeholders), a
// fixed-size FIFO experience buffer, reward shaping, and a cron-driven
// training loop that periodically persists the experiences it trains on.
// Grounded on the
// predecessor's internal/routing/router.go scoring-by-policy shape
// (scoreCandidates ranks workers by a weighted feature vector); this
// package turns that one-shot scoring into a learned, updated policy.
package rl

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/jordanhubbard/loomd/internal/apperrors"
	"github.com/jordanhubbard/loomd/internal/models"
	"github.com/jordanhubbard/loomd/internal/store"
)

// MaxExperienceBufferSize bounds the FIFO replay buffer per spec.md.
const MaxExperienceBufferSize = 10_000

// DefaultTrainBatchSize is the spec's default training batch size for an
// on-demand training step (spec.md §4.4).
const DefaultTrainBatchSize = 32

// Algorithm is anything that can pick an action given a state and learn
// from recorded experiences. Parameters/SetParameters expose the
// algorithm's tunables (e.g. a Q-learning table's learning rate) to the
// GET/POST /api/v1/rl/params control surface.
type Algorithm interface {
	Name() string
	SelectAction(state map[string]float64, candidates []models.Action) models.Action
	Update(batch []models.Experience) error
	Parameters() map[string]float64
	SetParameters(params map[string]float64) error
}

// Registry holds the fixed algorithm set; SPEC_FULL.md's domain stack
// names q_learning as the only functional implementation for this
// version, with dqn/ppo registered as placeholders whose Update accepts a
// batch without learning from it and whose SetParameters returns an
// apperrors.Policy error.
type Registry struct {
	mu         sync.RWMutex
	algorithms map[string]Algorithm
}

func NewRegistry() *Registry {
	r := &Registry{algorithms: make(map[string]Algorithm)}
	r.Register(NewQLearning(0.1, 0.9, 0.1))
	r.Register(&placeholderAlgorithm{name: "dqn"})
	r.Register(&placeholderAlgorithm{name: "ppo"})
	return r
}

func (r *Registry) Register(alg Algorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.algorithms[alg.Name()] = alg
}

func (r *Registry) Get(name string) (Algorithm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alg, ok := r.algorithms[name]
	if !ok {
		return nil, apperrors.New(apperrors.Input, "unknown algorithm").WithField("algorithm", name)
	}
	return alg, nil
}

type placeholderAlgorithm struct{ name string }

func (p *placeholderAlgorithm) Name() string { return p.name }

func (p *placeholderAlgorithm) SelectAction(state map[string]float64, candidates []models.Action) models.Action {
	if len(candidates) == 0 {
		return models.Action{}
	}
	return candidates[0]
}

func (p *placeholderAlgorithm) Update([]models.Experience) error {
	return nil
}

func (p *placeholderAlgorithm) Parameters() map[string]float64 { return map[string]float64{} }

func (p *placeholderAlgorithm) SetParameters(map[string]float64) error {
	return apperrors.New(apperrors.Policy, "algorithm not yet implemented").WithField("algorithm", p.name)
}

// stateKey turns a feature map into a stable string key for the Q-table.
// Features are quantized to one decimal place so nearby float states
// share a table entry, matching the predecessor router's coarse
// candidate-scoring buckets.
func stateKey(state map[string]float64) string {
	encoded, _ := json.Marshal(quantize(state))
	return string(encoded)
}

func quantize(state map[string]float64) map[string]float64 {
	q := make(map[string]float64, len(state))
	for k, v := range state {
		q[k] = math.Round(v*10) / 10
	}
	return q
}

func actionKey(a models.Action) string {
	encoded, _ := json.Marshal(a)
	return string(encoded)
}

// QLearning is a tabular Q-learning policy: a Q-table keyed by
// (quantized state, action), an epsilon-greedy exploration policy, and
// the standard Bellman update.
type QLearning struct {
	mu      sync.Mutex
	q       map[string]map[string]float64
	actions map[string]models.Action // actionKey -> Action, to recover actions from the table
	alpha   float64                  // learning rate
	gamma   float64                  // discount factor
	epsilon float64                  // exploration rate
	rng     *rand.Rand
}

func NewQLearning(alpha, gamma, epsilon float64) *QLearning {
	return &QLearning{
		q:       make(map[string]map[string]float64),
		actions: make(map[string]models.Action),
		alpha:   alpha,
		gamma:   gamma,
		epsilon: epsilon,
		rng:     rand.New(rand.NewSource(1)),
	}
}

func (q *QLearning) Name() string { return "q_learning" }

// SelectAction picks the best-known action for state with probability
// 1-epsilon, else a uniformly random candidate. An empty candidate list
// returns the zero Action.
func (q *QLearning) SelectAction(state map[string]float64, candidates []models.Action) models.Action {
	if len(candidates) == 0 {
		return models.Action{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.rng.Float64() < q.epsilon {
		return candidates[q.rng.Intn(len(candidates))]
	}

	key := stateKey(state)
	best := candidates[0]
	bestValue := math.Inf(-1)
	for _, candidate := range candidates {
		value := q.q[key][actionKey(candidate)]
		if value > bestValue {
			bestValue = value
			best = candidate
		}
	}
	return best
}

// Update applies the Bellman equation to each experience in batch:
// Q(s,a) += alpha * (reward + gamma * max_a' Q(s',a') - Q(s,a)).
func (q *QLearning) Update(batch []models.Experience) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, exp := range batch {
		sKey := stateKey(exp.State)
		aKey := actionKey(exp.Action)
		q.actions[aKey] = exp.Action

		if q.q[sKey] == nil {
			q.q[sKey] = make(map[string]float64)
		}
		current := q.q[sKey][aKey]

		nextBest := 0.0
		if !exp.Done {
			nextKey := stateKey(exp.NextState)
			for _, value := range q.q[nextKey] {
				if value > nextBest {
					nextBest = value
				}
			}
		}
		q.q[sKey][aKey] = current + q.alpha*(exp.Reward+q.gamma*nextBest-current)
	}
	return nil
}

// Parameters returns the tunable hyperparameters driving SelectAction/Update.
func (q *QLearning) Parameters() map[string]float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]float64{"alpha": q.alpha, "gamma": q.gamma, "epsilon": q.epsilon}
}

// SetParameters updates any of alpha/gamma/epsilon present in params,
// leaving the others unchanged.
func (q *QLearning) SetParameters(params map[string]float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v, ok := params["alpha"]; ok {
		q.alpha = v
	}
	if v, ok := params["gamma"]; ok {
		q.gamma = v
	}
	if v, ok := params["epsilon"]; ok {
		q.epsilon = v
	}
	return nil
}

// RewardWeights configures the components of Reward's shaping function.
type RewardWeights struct {
	TokenBonusPerTokenSaved float64
	SpeedBonusPerMsSaved    float64
	BaseSuccess             float64
	BaseFailure             float64
}

// DefaultRewardWeights gives +1.0 on success, -1.0 on failure, and linear
// bonuses of 0.001 per token saved and 0.0001 per ms under the timeout.
var DefaultRewardWeights = RewardWeights{
	TokenBonusPerTokenSaved: 0.001,
	SpeedBonusPerMsSaved:    0.0001,
	BaseSuccess:             1.0,
	BaseFailure:             -1.0,
}

// Reward computes base +/- success reward plus a token_bonus for tokens
// saved via compression and a speed_bonus for completing faster than the
// task's configured timeout.
func Reward(weights RewardWeights, success bool, tokensSaved, msUnderTimeout int64) float64 {
	base := weights.BaseFailure
	if success {
		base = weights.BaseSuccess
	}
	tokenBonus := float64(tokensSaved) * weights.TokenBonusPerTokenSaved
	speedBonus := 0.0
	if msUnderTimeout > 0 {
		speedBonus = float64(msUnderTimeout) * weights.SpeedBonusPerMsSaved
	}
	return base + tokenBonus + speedBonus
}

// Buffer is a fixed-capacity FIFO experience replay buffer.
type Buffer struct {
	mu          sync.Mutex
	items       []models.Experience
	cap         int
	totalAdded  int64
	totalReward float64
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = MaxExperienceBufferSize
	}
	return &Buffer{cap: capacity}
}

// Add appends an experience, evicting the oldest entry once at capacity.
func (b *Buffer) Add(exp models.Experience) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.cap {
		b.items = b.items[1:]
	}
	b.items = append(b.items, exp)
	b.totalAdded++
	b.totalReward += exp.Reward
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Stats reports the lifetime count of experiences ever added (unaffected
// by FIFO eviction) and their summed reward, for GET /api/v1/rl/stats.
func (b *Buffer) Stats() (steps int64, totalReward float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalAdded, b.totalReward
}

// Sample draws n experiences uniformly at random without replacement. If
// n exceeds the buffer's size, the whole buffer is returned.
func (b *Buffer) Sample(n int, rng *rand.Rand) []models.Experience {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.items) {
		out := make([]models.Experience, len(b.items))
		copy(out, b.items)
		return out
	}
	idx := rng.Perm(len(b.items))[:n]
	out := make([]models.Experience, n)
	for i, j := range idx {
		out[i] = b.items[j]
	}
	return out
}

// Trainer periodically samples the buffer, updates an algorithm, and
// persists the result via store, driven by a cron schedule
// (robfig/cron/v3, matching the predecessor's scheduling dependency).
type Trainer struct {
	registry  *Registry
	buffer    *Buffer
	sql       *store.SQLStore
	algorithm string
	batchSize int
	rng       *rand.Rand
	cron      *cron.Cron
}

func NewTrainer(registry *Registry, buffer *Buffer, sql *store.SQLStore, algorithm string, batchSize int) *Trainer {
	return &Trainer{
		registry:  registry,
		buffer:    buffer,
		sql:       sql,
		algorithm: algorithm,
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(2)),
		cron:      cron.New(),
	}
}

// Start schedules a training tick at the given cron spec (e.g. "@every
// 5m") and begins running it. Callers must call Stop on shutdown.
func (t *Trainer) Start(spec string) error {
	_, err := t.cron.AddFunc(spec, func() {
		_ = t.Tick(context.Background())
	})
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "schedule rl training", err)
	}
	t.cron.Start()
	return nil
}

func (t *Trainer) Stop() {
	t.cron.Stop()
}

// Tick samples one batch from the buffer, applies it to the configured
// algorithm, and persists the raw experiences for audit/replay.
func (t *Trainer) Tick(ctx context.Context) error {
	if t.buffer.Len() == 0 {
		return nil
	}
	batch := t.buffer.Sample(t.batchSize, t.rng)
	alg, err := t.registry.Get(t.algorithm)
	if err != nil {
		return err
	}
	if err := alg.Update(batch); err != nil {
		return err
	}
	return t.persist(ctx, batch)
}

func (t *Trainer) persist(ctx context.Context, batch []models.Experience) error {
	if t.sql == nil {
		return nil
	}
	for _, exp := range batch {
		stateJSON, err := json.Marshal(exp.State)
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, "marshal experience state", err)
		}
		actionJSON, err := json.Marshal(exp.Action)
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, "marshal experience action", err)
		}
		nextStateJSON, err := json.Marshal(exp.NextState)
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, "marshal experience next state", err)
		}
		_, err = t.sql.DB().ExecContext(ctx, `
			INSERT INTO rl_experiences (id, algorithm, state_json, action_json, reward, next_state_json, done, recorded_at)
			VALUES (lower(hex(randomblob(16))), ?, ?, ?, ?, ?, ?, ?)`,
			t.algorithm, string(stateJSON), string(actionJSON), exp.Reward, string(nextStateJSON), exp.Done, exp.RecordedAt)
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, "persist experience", err)
		}
	}
	return nil
}
