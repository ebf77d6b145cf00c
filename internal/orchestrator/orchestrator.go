// Package orchestrator implements the Orchestrator (C12): the single
// dispatch path every task runs through — plan (ask a coordinator worker
// for a delegation plan), dispatch each delegation to a worker, aggregate
// results, account tokens, persist a pattern, feed the RL service, then
// finalize task state. Grounded on the predecessor's
// internal/dispatch/dispatcher.go (DispatchOnce's readiness check,
// candidate filtering, and status bookkeeping), generalized from a
// single global dispatch loop into a per-task, coordinator-planned
// delegation pipeline. There is deliberately no second, bypassing code
// path — see SPEC_FULL.md's "Two execution paths" redesign flag; even
// the direct-delegation entry point (Delegate, behind POST
// /api/v1/delegate) runs through the same dispatch/account/persist/learn
// pipeline as a coordinator-planned task, just skipping the Plan step.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/loomd/internal/apperrors"
	"github.com/jordanhubbard/loomd/internal/hub"
	"github.com/jordanhubbard/loomd/internal/ids"
	"github.com/jordanhubbard/loomd/internal/models"
	"github.com/jordanhubbard/loomd/internal/patterns"
	"github.com/jordanhubbard/loomd/internal/registry"
	"github.com/jordanhubbard/loomd/internal/rl"
	"github.com/jordanhubbard/loomd/internal/store"
	"github.com/jordanhubbard/loomd/internal/tasks"
	"github.com/jordanhubbard/loomd/internal/tokens"
)

// tracer emits spans around plan/dispatch/delegation, per SPEC_FULL.md's
// OpenTelemetry wiring. otel.Tracer falls back to a no-op implementation
// when main hasn't configured a TracerProvider, so this is always safe.
var tracer = otel.Tracer("github.com/jordanhubbard/loomd/internal/orchestrator")

// Orchestrator wires together every component a task delegation touches.
type Orchestrator struct {
	Hub       *hub.Hub
	Registry  *registry.Registry
	Tasks     *tasks.Store
	Ledger    *tokens.Ledger
	Patterns  *patterns.Store
	RL        *rl.Registry
	Buffer    *rl.Buffer
	Algorithm string

	RewardWeights rl.RewardWeights

	// Events is an optional redis-backed publisher for the "cca:tasks"
	// broadcast channel (SPEC_FULL.md's domain stack). Left nil, task
	// outcomes simply aren't broadcast — every other part of dispatch
	// still works without Redis configured.
	Events *store.KVStore

	algoMu sync.Mutex
}

// taskEvent is the payload published on "cca:tasks" whenever a task
// reaches a terminal state, for any out-of-process listener (a CLI
// watch command, a dashboard) subscribing to that channel.
type taskEvent struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

func (o *Orchestrator) publishTaskEvent(ctx context.Context, taskID, state string) {
	if o.Events == nil {
		return
	}
	payload, err := json.Marshal(taskEvent{TaskID: taskID, State: state})
	if err != nil {
		return
	}
	o.Events.Publish(ctx, "cca:tasks", string(payload))
}

// New builds an Orchestrator from its component dependencies.
func New(h *hub.Hub, reg *registry.Registry, taskStore *tasks.Store, ledger *tokens.Ledger, patternStore *patterns.Store, rlRegistry *rl.Registry, buffer *rl.Buffer, algorithm string) *Orchestrator {
	return &Orchestrator{
		Hub:           h,
		Registry:      reg,
		Tasks:         taskStore,
		Ledger:        ledger,
		Patterns:      patternStore,
		RL:            rlRegistry,
		Buffer:        buffer,
		Algorithm:     algorithm,
		RewardWeights: rl.DefaultRewardWeights,
	}
}

// CurrentAlgorithm returns the name of the RL algorithm currently
// driving routing decisions.
func (o *Orchestrator) CurrentAlgorithm() string {
	o.algoMu.Lock()
	defer o.algoMu.Unlock()
	return o.Algorithm
}

// SetAlgorithm atomically switches the active RL algorithm, preserving
// the experience buffer (spec.md §4.4). It rejects unknown algorithm names.
func (o *Orchestrator) SetAlgorithm(name string) error {
	if _, err := o.RL.Get(name); err != nil {
		return err
	}
	o.algoMu.Lock()
	o.Algorithm = name
	o.algoMu.Unlock()
	return nil
}

// delegationResponse is the wire shape a worker's response to a
// "taskAssign" delegation RPC carries, matching models.DelegationResult.
type delegationResponse struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	TokensUsed int64  `json:"tokens_used"`
	DurationMs int64  `json:"duration_ms"`
}

// coordinatorPlan is the strict JSON shape a coordinator worker's
// taskAssign reply must parse into (spec.md §4.8 step 2).
type coordinatorPlan struct {
	Action      string           `json:"action"` // "delegate" | "error"
	Delegations []planDelegation `json:"delegations,omitempty"`
	Parallel    bool             `json:"parallel,omitempty"`
	FailFast    bool             `json:"fail_fast,omitempty"`
	Summary     string           `json:"summary,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// planDelegation is one entry of a coordinator's delegation plan.
type planDelegation struct {
	Role      models.AgentRole `json:"role"`
	Task      string           `json:"task"`
	Context   string           `json:"context,omitempty"`
	TimeoutMs int64            `json:"timeout_ms,omitempty"`
}

// delegationOutcome is the per-delegation result of dispatchAll, carrying
// enough to Aggregate/Account/Learn without re-touching the registry.
type delegationOutcome struct {
	delegation models.Delegation
	agentID    string
	result     delegationResponse
	err        error
}

// reprompt is the clarifying instruction sent to a coordinator whose
// first reply failed strict parsing (spec.md §4.8 step 2's one retry).
const reprompt = `Your previous reply could not be parsed. Reply with exactly one JSON object: {"action":"delegate","delegations":[{"role":"...","task":"...","context":"..."}],"summary":"..."} or {"action":"error","error":"...","summary":"..."}.`

// Run executes the full C12 pipeline for a task already created in
// Pending state: plan (ask a coordinator worker for a delegation plan) ->
// dispatch -> aggregate -> account -> persist pattern -> learn ->
// finalize.
func (o *Orchestrator) Run(ctx context.Context, taskID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Duration(models.DefaultDelegationTimeoutMs) * time.Millisecond
	}

	ctx, span := tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("task_id", taskID),
	))
	defer span.End()

	task, err := o.Tasks.Get(taskID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if task.State.Terminal() {
		err := apperrors.New(apperrors.Conflict, "task already terminal").WithField("task_id", taskID)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	plan, err := o.plan(ctx, task)
	if err != nil {
		o.failBeforeDispatch(ctx, task, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := o.runWithPlan(ctx, task, plan, timeout); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Delegate directly dispatches a single role-targeted delegation without
// asking a coordinator for a plan (POST /api/v1/delegate's backing
// method). It still runs through dispatchAll/finalize like a
// coordinator-planned Run, so token accounting, pattern persistence, and
// RL learning are never bypassed.
func (o *Orchestrator) Delegate(ctx context.Context, taskID string, role models.AgentRole, taskText, contextText string, timeout time.Duration) error {
	task, err := o.Tasks.Get(taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return apperrors.New(apperrors.Conflict, "task already terminal").WithField("task_id", taskID)
	}
	if !models.ValidRole(role) {
		return apperrors.New(apperrors.Input, "role is invalid or missing")
	}

	plan := &coordinatorPlan{
		Action:      "delegate",
		Delegations: []planDelegation{{Role: role, Task: taskText, Context: contextText}},
	}
	return o.runWithPlan(ctx, task, plan, timeout)
}

func (o *Orchestrator) runWithPlan(ctx context.Context, task *models.Task, plan *coordinatorPlan, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Duration(models.DefaultDelegationTimeoutMs) * time.Millisecond
	}
	outcomes := o.dispatchAll(ctx, task, plan, timeout)
	return o.finalize(ctx, task, plan, outcomes)
}

// plan asks a coordinator worker for a delegation plan (spec.md §4.8 step
// 2): NoCoordinator if none is connected, one retry with a clarifying
// re-prompt on a strict-parse failure, PlanInvalid if the retry also
// fails or the plan names no usable delegations.
func (o *Orchestrator) plan(ctx context.Context, task *models.Task) (*coordinatorPlan, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.plan", trace.WithAttributes(
		attribute.String("task_id", task.ID),
	))
	defer span.End()

	coordinator, err := o.Registry.Pick(models.RoleCoordinator)
	if err != nil {
		planErr := apperrors.New(apperrors.NotFound, "NoCoordinator: no coordinator worker connected").WithField("task_id", task.ID)
		span.SetStatus(codes.Error, planErr.Error())
		return nil, planErr
	}

	planCtx, cancel := context.WithTimeout(ctx, time.Duration(models.DefaultDelegationTimeoutMs)*time.Millisecond)
	defer cancel()

	p, err := o.requestPlan(planCtx, coordinator, task.Description, false)
	if err != nil {
		p, err = o.requestPlan(planCtx, coordinator, task.Description, true)
		if err != nil {
			planErr := apperrors.Wrap(apperrors.Internal, "PlanInvalid: coordinator plan failed strict parse twice", err).
				WithField("agent_id", coordinator.AgentID)
			span.SetStatus(codes.Error, planErr.Error())
			return nil, planErr
		}
	}

	if p.Action == "error" {
		planErr := apperrors.New(apperrors.Internal, "coordinator declined the task: "+p.Error).WithField("agent_id", coordinator.AgentID)
		span.SetStatus(codes.Error, planErr.Error())
		return nil, planErr
	}
	if p.Action != "delegate" || len(p.Delegations) == 0 {
		planErr := apperrors.New(apperrors.Internal, "PlanInvalid: coordinator plan names no delegations").WithField("agent_id", coordinator.AgentID)
		span.SetStatus(codes.Error, planErr.Error())
		return nil, planErr
	}
	for i := range p.Delegations {
		if !models.ValidRole(p.Delegations[i].Role) {
			planErr := apperrors.New(apperrors.Internal, "PlanInvalid: delegation names an unknown role").WithField("role", string(p.Delegations[i].Role))
			span.SetStatus(codes.Error, planErr.Error())
			return nil, planErr
		}
	}
	return p, nil
}

// requestPlan sends one taskAssign request to coordinator and strictly
// parses the reply. reprompt appends the clarifying instruction the
// spec's one retry uses.
func (o *Orchestrator) requestPlan(ctx context.Context, coordinator *registry.Worker, description string, askAgain bool) (*coordinatorPlan, error) {
	params := map[string]interface{}{"task": description}
	if askAgain {
		params["instruction"] = reprompt
	}
	resp, err := coordinator.Session.SendRequest(ctx, "taskAssign", params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Transport, "coordinator plan request failed", err)
	}
	if resp.Error != nil {
		return nil, apperrors.New(apperrors.Transport, resp.Error.Message)
	}

	var p coordinatorPlan
	dec := json.NewDecoder(bytes.NewReader(resp.Result))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, apperrors.Wrap(apperrors.Input, "coordinator reply is not a valid plan", err)
	}
	return &p, nil
}

// dispatchAll runs plan.Delegations either sequentially or, when
// plan.Parallel is set, concurrently; fail_fast cancels remaining
// delegations once one fails (spec.md §4.8 steps 3-4).
func (o *Orchestrator) dispatchAll(ctx context.Context, task *models.Task, plan *coordinatorPlan, defaultTimeout time.Duration) []delegationOutcome {
	if task.State == models.TaskPending {
		o.Tasks.Transition(task.ID, models.TaskAssigned)
	}
	o.Tasks.Transition(task.ID, models.TaskInProgress)

	outcomes := make([]delegationOutcome, len(plan.Delegations))

	if plan.Parallel {
		dispatchCtx, cancelAll := context.WithCancel(ctx)
		defer cancelAll()
		var tripped int32
		var wg sync.WaitGroup
		for i, d := range plan.Delegations {
			wg.Add(1)
			go func(i int, d planDelegation) {
				defer wg.Done()
				if plan.FailFast && atomic.LoadInt32(&tripped) == 1 {
					outcomes[i] = cancelledOutcome(task.ID, d)
					return
				}
				outcomes[i] = o.dispatchOne(dispatchCtx, task, d, defaultTimeout)
				if plan.FailFast && outcomes[i].err != nil {
					if atomic.CompareAndSwapInt32(&tripped, 0, 1) {
						cancelAll()
					}
				}
			}(i, d)
		}
		wg.Wait()
		return outcomes
	}

	for i, d := range plan.Delegations {
		if plan.FailFast && i > 0 && outcomes[i-1].err != nil {
			outcomes[i] = cancelledOutcome(task.ID, d)
			continue
		}
		outcomes[i] = o.dispatchOne(ctx, task, d, defaultTimeout)
	}
	return outcomes
}

func cancelledOutcome(taskID string, d planDelegation) delegationOutcome {
	return delegationOutcome{
		delegation: toDelegation(taskID, d, 1),
		err:        apperrors.New(apperrors.Conflict, "delegation cancelled: fail_fast triggered by an earlier failure"),
	}
}

// dispatchOne resolves a worker for d.Role and sends the delegation,
// retrying at most once on a different candidate if the failure is a
// transport failure (Timeout, Disconnected, or ChannelFull all surface as
// apperrors.Transport/Timeout here) — spec.md §4.8 step 3.
func (o *Orchestrator) dispatchOne(ctx context.Context, task *models.Task, d planDelegation, defaultTimeout time.Duration) delegationOutcome {
	timeout := defaultTimeout
	if d.TimeoutMs > 0 {
		timeout = time.Duration(d.TimeoutMs) * time.Millisecond
	}

	excluded := make(map[string]bool)
	var lastOutcome delegationOutcome
	for attempt := 1; attempt <= models.MaxDelegationAttempts; attempt++ {
		delegation := toDelegation(task.ID, d, attempt)

		worker, err := o.Registry.PickExcluding(d.Role, excluded)
		if err != nil {
			return delegationOutcome{delegation: delegation, err: err}
		}

		outcome := o.sendDelegation(ctx, task, delegation, worker, timeout)
		lastOutcome = outcome
		if outcome.err == nil || !retryableTransport(outcome.err) {
			return outcome
		}
		excluded[worker.AgentID] = true
	}
	return lastOutcome
}

func retryableTransport(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.Transport, apperrors.Timeout:
		return true
	default:
		return false
	}
}

// sendDelegation performs one dispatch attempt: workload accounting,
// the taskAssign RPC, and per-delegation token accounting.
func (o *Orchestrator) sendDelegation(ctx context.Context, task *models.Task, delegation models.Delegation, worker *registry.Worker, timeout time.Duration) delegationOutcome {
	ctx, span := tracer.Start(ctx, "orchestrator.delegate", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("delegation_id", delegation.ID),
		attribute.String("role", string(delegation.Role)),
		attribute.Int("attempt", delegation.Attempt),
	))
	defer span.End()

	o.Registry.IncrementInFlight(worker.AgentID)

	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := worker.Session.SendRequest(dispatchCtx, "taskAssign", map[string]interface{}{
		"delegation_id": delegation.ID,
		"task_id":       task.ID,
		"task":          delegation.TaskText,
		"context":       delegation.ContextText,
		"attempt":       delegation.Attempt,
	})
	elapsed := time.Since(start)
	if err != nil {
		o.Registry.DecrementInFlight(worker.AgentID, false)
		kind := apperrors.Transport
		if dispatchCtx.Err() == context.DeadlineExceeded {
			kind = apperrors.Timeout
		}
		outErr := apperrors.Wrap(kind, "delegation request failed", err).WithField("agent_id", worker.AgentID)
		span.SetStatus(codes.Error, outErr.Error())
		return delegationOutcome{delegation: delegation, agentID: worker.AgentID, err: outErr}
	}
	if resp.Error != nil {
		o.Registry.DecrementInFlight(worker.AgentID, false)
		outErr := apperrors.New(apperrors.Transport, resp.Error.Message).WithField("agent_id", worker.AgentID)
		span.SetStatus(codes.Error, outErr.Error())
		return delegationOutcome{delegation: delegation, agentID: worker.AgentID, err: outErr}
	}

	var result delegationResponse
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		o.Registry.DecrementInFlight(worker.AgentID, false)
		outErr := apperrors.Wrap(apperrors.Internal, "parse delegation response", err)
		span.SetStatus(codes.Error, outErr.Error())
		return delegationOutcome{delegation: delegation, agentID: worker.AgentID, err: outErr}
	}
	if result.TokensUsed == 0 && result.Output != "" {
		result.TokensUsed = tokens.Estimate(result.Output)
	}
	if result.DurationMs == 0 {
		result.DurationMs = elapsed.Milliseconds()
	}

	o.Registry.DecrementInFlight(worker.AgentID, result.Success)
	o.Ledger.RecordUsage(worker.AgentID, 0, result.TokensUsed, 0)

	if !result.Success {
		outErr := apperrors.New(apperrors.Internal, result.Error).WithField("agent_id", worker.AgentID)
		span.SetStatus(codes.Error, outErr.Error())
		return delegationOutcome{delegation: delegation, agentID: worker.AgentID, result: result, err: outErr}
	}
	span.SetStatus(codes.Ok, "")
	return delegationOutcome{delegation: delegation, agentID: worker.AgentID, result: result}
}

func toDelegation(taskID string, d planDelegation, attempt int) models.Delegation {
	timeoutMs := d.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = models.DefaultDelegationTimeoutMs
	}
	return models.Delegation{
		ID:           ids.New(),
		ParentTaskID: taskID,
		Role:         d.Role,
		TaskText:     d.Task,
		ContextText:  d.Context,
		TimeoutMs:    timeoutMs,
		Attempt:      attempt,
	}
}

// finalize aggregates per-delegation outcomes (concatenated output,
// success iff all delegations succeeded), persists a pattern on success,
// records an RL experience, and transitions the task to its terminal
// state (spec.md §4.8 steps 4-8).
func (o *Orchestrator) finalize(ctx context.Context, task *models.Task, plan *coordinatorPlan, outcomes []delegationOutcome) error {
	ctx, span := tracer.Start(ctx, "orchestrator.finalize", trace.WithAttributes(
		attribute.String("task_id", task.ID),
	))
	defer span.End()

	var outputs []string
	var firstAgent string
	var firstErr error
	allSucceeded := len(outcomes) > 0
	var totalTokens, totalDuration int64

	for _, oc := range outcomes {
		if oc.agentID != "" && firstAgent == "" {
			firstAgent = oc.agentID
		}
		if oc.err != nil {
			allSucceeded = false
			if firstErr == nil {
				firstErr = oc.err
			}
			continue
		}
		outputs = append(outputs, oc.result.Output)
		totalTokens += oc.result.TokensUsed
		totalDuration += oc.result.DurationMs
	}
	aggregatedOutput := strings.Join(outputs, "\n")

	var patternID string
	if allSucceeded && o.Patterns != nil && aggregatedOutput != "" {
		if p, err := o.Patterns.Create(ctx, firstAgent, "delegation_result", aggregatedOutput, map[string]string{
			"task_id": task.ID,
		}); err == nil {
			patternID = p.ID
			o.Patterns.RecordOutcome(ctx, p.ID, true)
		}
	}

	o.recordExperience(task, plan, outcomes, allSucceeded, patternID)

	if !allSucceeded {
		if firstErr == nil {
			firstErr = apperrors.New(apperrors.Internal, "delegation failed")
		}
		o.Tasks.Transition(task.ID, models.TaskFailed,
			tasks.WithAssignedAgent(firstAgent),
			tasks.WithError(firstErr.Error()),
			tasks.WithUsage(totalTokens, totalDuration))
		span.SetStatus(codes.Error, firstErr.Error())
		o.publishTaskEvent(ctx, task.ID, string(models.TaskFailed))
		return firstErr
	}

	_, err := o.Tasks.Transition(task.ID, models.TaskCompleted,
		tasks.WithAssignedAgent(firstAgent),
		tasks.WithOutput(aggregatedOutput),
		tasks.WithUsage(totalTokens, totalDuration))
	if err == nil {
		o.publishTaskEvent(ctx, task.ID, string(models.TaskCompleted))
	}
	return err
}

// failBeforeDispatch handles a Plan-step failure (NoCoordinator or
// PlanInvalid): the task never reaches Dispatch, but it still records a
// negative-reward experience and transitions to Failed.
func (o *Orchestrator) failBeforeDispatch(ctx context.Context, task *models.Task, planErr error) {
	o.Tasks.Transition(task.ID, models.TaskFailed, tasks.WithError(planErr.Error()))
	if o.Buffer != nil {
		o.Buffer.Add(models.Experience{
			State:      map[string]float64{"priority": priorityScore(task.Priority)},
			Action:     models.Action{Kind: "route_to_agent"},
			Reward:     o.RewardWeights.BaseFailure,
			NextState:  map[string]float64{},
			Done:       true,
			RecordedAt: task.UpdatedAt,
		})
	}
	o.publishTaskEvent(ctx, task.ID, string(models.TaskFailed))
}

func (o *Orchestrator) recordExperience(task *models.Task, plan *coordinatorPlan, outcomes []delegationOutcome, success bool, patternID string) {
	if o.Buffer == nil {
		return
	}
	var totalDuration, totalTimeout int64
	for _, oc := range outcomes {
		totalDuration += oc.result.DurationMs
		totalTimeout += oc.delegation.TimeoutMs
	}
	msUnderTimeout := totalTimeout - totalDuration
	if msUnderTimeout < 0 {
		msUnderTimeout = 0
	}
	reward := rl.Reward(o.RewardWeights, success, 0, msUnderTimeout)

	var role models.AgentRole
	if len(plan.Delegations) > 0 {
		role = plan.Delegations[0].Role
	}
	action := models.RouteToAgent(role)
	if patternID != "" {
		action = models.UsePattern(patternID)
	}

	o.Buffer.Add(models.Experience{
		State: map[string]float64{
			"priority": priorityScore(task.Priority),
		},
		Action:     action,
		Reward:     reward,
		NextState:  map[string]float64{},
		Done:       true,
		RecordedAt: task.UpdatedAt,
	})
}

func priorityScore(p models.TaskPriority) float64 {
	switch p {
	case models.PriorityCritical:
		return 3
	case models.PriorityHigh:
		return 2
	case models.PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Cancel cancels a task and, if it is mid-delegation on a worker,
// notifies that worker via a "cancel" notification so it can stop work.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	task, err := o.Tasks.Get(taskID)
	if err != nil {
		return err
	}
	if task.AssignedAgent != "" {
		if worker, ok := o.Registry.Get(task.AssignedAgent); ok {
			notif, err := hub.NewNotification("cancel", map[string]string{"task_id": taskID})
			if err == nil {
				worker.Session.Enqueue(notif)
			}
		}
	}
	_, err = o.Tasks.Cancel(taskID)
	return err
}
