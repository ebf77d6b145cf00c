// Package tasks implements Task Lifecycle management (C11): a sharded
// concurrent map keyed by task ID, monotonic state transitions, and a
// periodic sweeper that cancels overdue tasks and evicts old terminal
// ones. There is no direct predecessor analogue for this specifically
// (see DESIGN.md's stdlib justification) — its sharding and
// locking shape follows the predecessor's internal/dispatch/dispatcher.go
// status tracking, generalized from one global SystemStatus to many
// independent per-task records.
package tasks

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/loomd/internal/apperrors"
	"github.com/jordanhubbard/loomd/internal/ids"
	"github.com/jordanhubbard/loomd/internal/models"
)

// ShardCount is the number of independent lock-protected buckets the
// task map is split across, bounding lock contention under concurrent
// task creation.
const ShardCount = 16

// MaxTasks caps total retained tasks (terminal + non-terminal) per spec.md.
const MaxTasks = 10_000

// MaxDescriptionBytes is the ≤100 KiB task description limit (spec.md
// §6.1's size limits table). Enforced here too, not just at the ingress
// handler, so any future caller of Create gets the same guarantee.
const MaxDescriptionBytes = 100 * 1024

// TerminalTTL is how long a terminal task is retained before the sweeper
// evicts it.
const TerminalTTL = time.Hour

// SweepInterval is how often the sweeper runs.
const SweepInterval = 60 * time.Second

// transitions enumerates the only state pairs allowed; a task's state is
// monotonic along this graph and any non-terminal state may additionally
// jump straight to Failed or Cancelled.
var transitions = map[models.TaskState]map[models.TaskState]bool{
	models.TaskPending: {
		models.TaskAssigned:  true,
		models.TaskFailed:    true,
		models.TaskCancelled: true,
	},
	models.TaskAssigned: {
		models.TaskInProgress: true,
		models.TaskFailed:     true,
		models.TaskCancelled:  true,
	},
	models.TaskInProgress: {
		models.TaskCompleted: true,
		models.TaskFailed:    true,
		models.TaskCancelled: true,
	},
}

type shard struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// Store is the sharded, concurrent task table.
type Store struct {
	shards     [ShardCount]*shard
	clock      ids.Clock
	count      int64 // approximate; guarded by countMu
	countMu    sync.Mutex
	onCancel   func(task *models.Task)
	deadline   func(task *models.Task) time.Duration
}

func NewStore(clock ids.Clock) *Store {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	s := &Store{clock: clock}
	for i := range s.shards {
		s.shards[i] = &shard{tasks: make(map[string]*models.Task)}
	}
	return s
}

// OnCancel registers a callback invoked when the sweeper force-cancels an
// overdue task, so the Orchestrator can notify the assigned worker.
func (s *Store) OnCancel(fn func(task *models.Task)) { s.onCancel = fn }

// SetDeadlineFunc configures how long a task may run before the sweeper
// cancels it (keyed by the task's own fields, e.g. priority-based SLAs).
func (s *Store) SetDeadlineFunc(fn func(task *models.Task) time.Duration) { s.deadline = fn }

func (s *Store) shardFor(taskID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return s.shards[h.Sum32()%ShardCount]
}

// Create inserts a new pending task, rejecting the write once MaxTasks is
// reached.
func (s *Store) Create(description string, priority models.TaskPriority) (*models.Task, error) {
	if len(description) > MaxDescriptionBytes {
		return nil, apperrors.New(apperrors.Input, "description exceeds 100 KiB limit").WithField("limit_type", "description_bytes")
	}

	s.countMu.Lock()
	if s.count >= MaxTasks {
		s.countMu.Unlock()
		return nil, apperrors.New(apperrors.Policy, "task retention limit reached").WithField("limit", "10000")
	}
	s.count++
	s.countMu.Unlock()

	now := s.clock.Now()
	task := &models.Task{
		ID:          ids.New(),
		Description: description,
		Priority:    priority,
		State:       models.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sh := s.shardFor(task.ID)
	sh.mu.Lock()
	sh.tasks[task.ID] = task
	sh.mu.Unlock()
	return task, nil
}

// Get returns a copy of the task record for id.
func (s *Store) Get(id string) (*models.Task, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	task, ok := sh.tasks[id]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "task not found").WithField("task_id", id)
	}
	copyTask := *task
	return &copyTask, nil
}

// Transition moves a task to newState, enforcing the monotonic state
// graph. Transitioning into a terminal state stamps TerminatedAt.
func (s *Store) Transition(id string, newState models.TaskState, opts ...TransitionOption) (*models.Task, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	task, ok := sh.tasks[id]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "task not found").WithField("task_id", id)
	}
	if task.State.Terminal() {
		return nil, apperrors.New(apperrors.Conflict, "task already in a terminal state").
			WithField("task_id", id).WithField("state", string(task.State))
	}
	if !transitions[task.State][newState] {
		return nil, apperrors.New(apperrors.Conflict, "invalid state transition").
			WithField("from", string(task.State)).WithField("to", string(newState))
	}

	now := s.clock.Now()
	task.State = newState
	task.UpdatedAt = now
	for _, opt := range opts {
		opt(task)
	}
	if newState.Terminal() {
		terminatedAt := now
		task.TerminatedAt = &terminatedAt
	}
	copyTask := *task
	return &copyTask, nil
}

// TransitionOption mutates a task alongside a state transition, e.g.
// attaching output or an error message.
type TransitionOption func(*models.Task)

func WithOutput(output string) TransitionOption {
	return func(t *models.Task) { t.Output = output }
}

func WithError(errMsg string) TransitionOption {
	return func(t *models.Task) { t.Error = errMsg }
}

func WithAssignedAgent(agentID string) TransitionOption {
	return func(t *models.Task) { t.AssignedAgent = agentID }
}

func WithUsage(tokensUsed, durationMs int64) TransitionOption {
	return func(t *models.Task) {
		t.TokensUsed = tokensUsed
		t.DurationMs = durationMs
	}
}

// Cancel transitions a task to Cancelled and invokes onCancel if set, so
// the Orchestrator can notify whatever worker is mid-delegation.
func (s *Store) Cancel(id string) (*models.Task, error) {
	task, err := s.Transition(id, models.TaskCancelled)
	if err != nil {
		return nil, err
	}
	if s.onCancel != nil {
		s.onCancel(task)
	}
	return task, nil
}

// List returns a snapshot of all tasks, optionally filtered by state,
// ordered by creation time ascending.
func (s *Store) List(state *models.TaskState) []*models.Task {
	var out []*models.Task
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, task := range sh.tasks {
			if state != nil && task.State != *state {
				continue
			}
			copyTask := *task
			out = append(out, &copyTask)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep runs one pass: cancels non-terminal tasks past their deadline and
// evicts terminal tasks older than TerminalTTL. Returns (cancelled, evicted).
func (s *Store) Sweep() (cancelled, evicted int) {
	now := s.clock.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, task := range sh.tasks {
			if task.State.Terminal() {
				if task.TerminatedAt != nil && now.Sub(*task.TerminatedAt) >= TerminalTTL {
					delete(sh.tasks, id)
					s.decrementCount()
					evicted++
				}
				continue
			}
			if s.deadline == nil {
				continue
			}
			if now.Sub(task.CreatedAt) < s.deadline(task) {
				continue
			}
			task.State = models.TaskCancelled
			task.UpdatedAt = now
			terminatedAt := now
			task.TerminatedAt = &terminatedAt
			task.Error = "deadline exceeded"
			cancelled++
			if s.onCancel != nil {
				copyTask := *task
				go s.onCancel(&copyTask)
			}
		}
		sh.mu.Unlock()
	}
	return cancelled, evicted
}

func (s *Store) decrementCount() {
	s.countMu.Lock()
	if s.count > 0 {
		s.count--
	}
	s.countMu.Unlock()
}

// StartSweeper runs Sweep on SweepInterval until stop is closed.
func (s *Store) StartSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
