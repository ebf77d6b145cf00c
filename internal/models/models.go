// Package models holds the shared data model entities described in the
// spec's Data Model section: AgentRole, WorkerSession, Task, Delegation,
// DelegationResult, Pattern, Experience and TokenLedger. Ownership is
// split across components (see each component's package doc) but the
// types themselves live here so nobody needs an import cycle to share
// them.
package models

import "time"

// AgentRole is the closed enumeration used for routing and permissions.
type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleFrontend    AgentRole = "frontend"
	RoleBackend     AgentRole = "backend"
	RoleDBA         AgentRole = "dba"
	RoleDevOps      AgentRole = "devops"
	RoleSecurity    AgentRole = "security"
	RoleQA          AgentRole = "qa"
)

// ValidRole reports whether role is one of the closed enumeration values.
func ValidRole(role AgentRole) bool {
	switch role {
	case RoleCoordinator, RoleFrontend, RoleBackend, RoleDBA, RoleDevOps, RoleSecurity, RoleQA:
		return true
	default:
		return false
	}
}

// TaskPriority orders competing tasks; higher values win ties in schedulers
// that care about priority.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityNormal   TaskPriority = "normal"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// TaskState is the task lifecycle state machine. Transitions are monotonic
// along Pending->Assigned->InProgress->{Completed|Failed|Cancelled}; any
// non-terminal state may go directly to Failed or Cancelled.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskAssigned   TaskState = "assigned"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
)

// Terminal reports whether a state is one of the terminal states a task
// never transitions out of.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is a client-submitted unit of work.
type Task struct {
	ID            string       `json:"task_id"`
	Description   string       `json:"description"`
	Priority      TaskPriority `json:"priority"`
	State         TaskState    `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	TerminatedAt  *time.Time   `json:"terminated_at,omitempty"`
	AssignedAgent string       `json:"assigned_agent,omitempty"`
	Output        string       `json:"output,omitempty"`
	Error         string       `json:"error,omitempty"`
	TokensUsed    int64        `json:"tokens_used"`
	DurationMs    int64        `json:"duration_ms"`
}

// Delegation is a role-targeted subtask derived from a task.
type Delegation struct {
	ID            string        `json:"delegation_id"`
	ParentTaskID  string        `json:"parent_task_id"`
	Role          AgentRole     `json:"role"`
	TaskText      string        `json:"task"`
	ContextText   string        `json:"context,omitempty"`
	TimeoutMs     int64         `json:"timeout_ms"`
	Attempt       int           `json:"attempt"`
}

// DefaultDelegationTimeoutMs is the spec's default per-delegation timeout.
const DefaultDelegationTimeoutMs = 60_000

// MaxDelegationAttempts caps attempts at 2: the original send plus one retry.
const MaxDelegationAttempts = 2

// DelegationResult is what a worker's taskResult carries back.
type DelegationResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	TokensUsed int64  `json:"tokens_used"`
	DurationMs int64  `json:"duration_ms"`
}

// Pattern is a persisted piece of prior successful work, collectively the
// "reasoning bank" the Pattern Store manages.
type Pattern struct {
	ID            string            `json:"id"`
	AgentID       string            `json:"agent_id,omitempty"`
	PatternType   string            `json:"pattern_type"`
	Content       string            `json:"content"`
	Embedding     []float32         `json:"embedding,omitempty"`
	SuccessCount  int64             `json:"success_count"`
	FailureCount  int64             `json:"failure_count"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// SuccessRate returns success_count/(success_count+failure_count), or nil
// when the denominator is zero (the invariant in spec.md §3/§8).
func (p *Pattern) SuccessRate() *float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return nil
	}
	rate := float64(p.SuccessCount) / float64(total)
	return &rate
}

// SearchKind tags how a memory search result was produced.
type SearchKind string

const (
	SearchSemantic SearchKind = "semantic"
	SearchText     SearchKind = "text"
)

// Action is the RL action space: route to a role, allocate a token
// budget, reuse a pattern, compress context with a strategy, or a
// composite of several of the above.
type Action struct {
	Kind      string   `json:"kind"` // route_to_agent | allocate_tokens | use_pattern | compress_context | composite
	Role      AgentRole `json:"role,omitempty"`
	Budget    int64     `json:"budget,omitempty"`
	PatternID string    `json:"pattern_id,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Composite []Action  `json:"composite,omitempty"`
}

func RouteToAgent(role AgentRole) Action   { return Action{Kind: "route_to_agent", Role: role} }
func AllocateTokens(budget int64) Action   { return Action{Kind: "allocate_tokens", Budget: budget} }
func UsePattern(id string) Action          { return Action{Kind: "use_pattern", PatternID: id} }
func CompressContext(strategy string) Action { return Action{Kind: "compress_context", Strategy: strategy} }

// Experience is an RL tuple (state, action, reward, next_state, done).
type Experience struct {
	State     map[string]float64 `json:"state"`
	Action    Action             `json:"action"`
	Reward    float64            `json:"reward"`
	NextState map[string]float64 `json:"next_state"`
	Done      bool               `json:"done"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// TokenLedger holds running per-agent token accounting.
type TokenLedger struct {
	AgentID            string `json:"agent_id"`
	InputTokens        int64  `json:"input_tokens"`
	OutputTokens       int64  `json:"output_tokens"`
	ContextTokens      int64  `json:"context_tokens"`
	MessageCount       int64  `json:"message_count"`
	PeakContextTokens  int64  `json:"peak_context_tokens"`
	CompressionSavings int64  `json:"compression_savings"`
}
