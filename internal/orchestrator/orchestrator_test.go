package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/loomd/internal/hub"
	"github.com/jordanhubbard/loomd/internal/models"
	"github.com/jordanhubbard/loomd/internal/registry"
	"github.com/jordanhubbard/loomd/internal/rl"
	"github.com/jordanhubbard/loomd/internal/tasks"
	"github.com/jordanhubbard/loomd/internal/tokens"
)

// testFleet wires a Hub, Registry, and a set of fake ACP workers that
// answer "taskAssign" requests with a scripted handler, for exercising the
// Orchestrator's plan/dispatch pipeline end to end without a real worker
// process.
type testFleet struct {
	hub     *hub.Hub
	reg     *registry.Registry
	conns   []*websocket.Conn
	servers []*httptest.Server

	// notified, when set before connect, receives the agent ID of every
	// fake worker that is sent a "cancel" notification.
	notified chan string
}

func newTestFleet() *testFleet {
	return &testFleet{hub: hub.NewHub(nil), reg: registry.New()}
}

// connect registers a worker of role that answers every taskAssign request
// by calling handler with the decoded params.
func (f *testFleet) connect(t *testing.T, agentID string, role models.AgentRole, handler func(params map[string]interface{}) interface{}) {
	t.Helper()
	var serverSession *hub.Session
	ready := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := f.hub.Accept(w, r, agentID, string(role), nil)
		require.NoError(t, err)
		serverSession = s
		close(ready)
	}))
	f.servers = append(f.servers, server)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	f.conns = append(f.conns, clientConn)

	go func() {
		for {
			_, data, err := clientConn.ReadMessage()
			if err != nil {
				return
			}
			var msg hub.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Method == "cancel" && f.notified != nil {
				f.notified <- agentID
			}
			if msg.Method != "taskAssign" || msg.ID == nil {
				continue
			}
			var params map[string]interface{}
			json.Unmarshal(msg.Params, &params)
			resp, _ := hub.NewResult(*msg.ID, handler(params))
			respData, _ := json.Marshal(resp)
			clientConn.WriteMessage(websocket.TextMessage, respData)
		}
	}()

	<-ready
	f.reg.Register(&registry.Worker{
		AgentID:     agentID,
		Role:        role,
		Session:     serverSession,
		ConnectedAt: time.Now(),
	})
}

// closeWorker severs the i'th connected worker's socket mid-flight, to
// simulate a disconnect between a delegation request and its reply.
func (f *testFleet) closeWorker(i int) {
	f.conns[i].Close()
}

func (f *testFleet) cleanup() {
	for _, c := range f.conns {
		c.Close()
	}
	for _, s := range f.servers {
		s.Close()
	}
}

func newOrchestrator(f *testFleet, taskStore *tasks.Store) *Orchestrator {
	return New(f.hub, f.reg, taskStore, tokens.NewLedger(), nil, rl.NewRegistry(), rl.NewBuffer(100), "q_learning")
}

// coordinatorPlanHandler builds a taskAssign handler for a coordinator
// worker that always replies with the same delegation plan.
func coordinatorPlanHandler(plan coordinatorPlan) func(map[string]interface{}) interface{} {
	return func(params map[string]interface{}) interface{} {
		return plan
	}
}

func backendSuccessHandler(output string, tokensUsed int64) func(map[string]interface{}) interface{} {
	return func(params map[string]interface{}) interface{} {
		return delegationResponse{Success: true, Output: output, TokensUsed: tokensUsed, DurationMs: 5}
	}
}

func TestOrchestrator_RunPlansDispatchesAndCompletes(t *testing.T) {
	f := newTestFleet()
	defer f.cleanup()

	f.connect(t, "coordinator-1", models.RoleCoordinator, coordinatorPlanHandler(coordinatorPlan{
		Action:      "delegate",
		Delegations: []planDelegation{{Role: models.RoleBackend, Task: "implement the thing"}},
	}))
	f.connect(t, "backend-1", models.RoleBackend, backendSuccessHandler("result text", 42))

	taskStore := tasks.NewStore(nil)
	task, err := taskStore.Create("do the thing", models.PriorityNormal)
	require.NoError(t, err)

	o := newOrchestrator(f, taskStore)
	require.NoError(t, o.Run(context.Background(), task.ID, 5*time.Second))

	final, err := taskStore.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, final.State)
	assert.Equal(t, "result text", final.Output)
	assert.EqualValues(t, 42, final.TokensUsed)
}

func TestOrchestrator_RunFailsWithNoCoordinator(t *testing.T) {
	f := newTestFleet()
	defer f.cleanup()
	f.connect(t, "backend-1", models.RoleBackend, backendSuccessHandler("ignored", 1))

	taskStore := tasks.NewStore(nil)
	task, err := taskStore.Create("do the thing", models.PriorityNormal)
	require.NoError(t, err)

	o := newOrchestrator(f, taskStore)
	err = o.Run(context.Background(), task.ID, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoCoordinator")

	final, getErr := taskStore.Get(task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.TaskFailed, final.State)
}

func TestOrchestrator_RunFailsOnInvalidPlan(t *testing.T) {
	f := newTestFleet()
	defer f.cleanup()
	f.connect(t, "coordinator-1", models.RoleCoordinator, coordinatorPlanHandler(coordinatorPlan{
		Action: "delegate", // no delegations named
	}))

	taskStore := tasks.NewStore(nil)
	task, err := taskStore.Create("do the thing", models.PriorityNormal)
	require.NoError(t, err)

	o := newOrchestrator(f, taskStore)
	err = o.Run(context.Background(), task.ID, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PlanInvalid")
}

func TestOrchestrator_RunFailsTaskWhenDelegationFails(t *testing.T) {
	f := newTestFleet()
	defer f.cleanup()
	f.connect(t, "coordinator-1", models.RoleCoordinator, coordinatorPlanHandler(coordinatorPlan{
		Action:      "delegate",
		Delegations: []planDelegation{{Role: models.RoleBackend, Task: "do it"}},
	}))
	f.connect(t, "backend-1", models.RoleBackend, func(map[string]interface{}) interface{} {
		return delegationResponse{Success: false, Error: "worker blew up"}
	})

	taskStore := tasks.NewStore(nil)
	task, err := taskStore.Create("do the thing", models.PriorityNormal)
	require.NoError(t, err)

	o := newOrchestrator(f, taskStore)
	err = o.Run(context.Background(), task.ID, 5*time.Second)
	assert.Error(t, err)

	final, getErr := taskStore.Get(task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.TaskFailed, final.State)
}

func TestOrchestrator_RunRetriesOnSecondCandidateAfterDisconnect(t *testing.T) {
	f := newTestFleet()
	defer f.cleanup()
	f.connect(t, "coordinator-1", models.RoleCoordinator, coordinatorPlanHandler(coordinatorPlan{
		Action:      "delegate",
		Delegations: []planDelegation{{Role: models.RoleBackend, Task: "do it", TimeoutMs: 500}},
	}))
	// backend-1 (index 1) never replies and gets disconnected; backend-2
	// (index 2) succeeds on the retry.
	f.connect(t, "backend-1", models.RoleBackend, func(map[string]interface{}) interface{} {
		f.closeWorker(1)
		select {} // never respond
	})
	f.connect(t, "backend-2", models.RoleBackend, backendSuccessHandler("recovered", 7))

	taskStore := tasks.NewStore(nil)
	task, err := taskStore.Create("do the thing", models.PriorityNormal)
	require.NoError(t, err)

	o := newOrchestrator(f, taskStore)
	err = o.Run(context.Background(), task.ID, 2*time.Second)
	require.NoError(t, err)

	final, getErr := taskStore.Get(task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.TaskCompleted, final.State)
	assert.Equal(t, "recovered", final.Output)
}

func TestOrchestrator_RunRejectsAlreadyTerminalTask(t *testing.T) {
	f := newTestFleet()
	defer f.cleanup()

	taskStore := tasks.NewStore(nil)
	task, err := taskStore.Create("x", models.PriorityNormal)
	require.NoError(t, err)
	taskStore.Transition(task.ID, models.TaskFailed)

	o := newOrchestrator(f, taskStore)
	err = o.Run(context.Background(), task.ID, time.Second)
	assert.Error(t, err)
}

func TestOrchestrator_DelegateBypassesCoordinatorButStillAccounts(t *testing.T) {
	f := newTestFleet()
	defer f.cleanup()
	f.connect(t, "backend-1", models.RoleBackend, backendSuccessHandler("direct result", 9))

	taskStore := tasks.NewStore(nil)
	task, err := taskStore.Create("do the thing directly", models.PriorityNormal)
	require.NoError(t, err)

	o := newOrchestrator(f, taskStore)
	require.NoError(t, o.Delegate(context.Background(), task.ID, models.RoleBackend, "do the thing directly", "", 5*time.Second))

	final, err := taskStore.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, final.State)
	assert.Equal(t, "direct result", final.Output)
	assert.EqualValues(t, 9, final.TokensUsed)
}

func TestOrchestrator_CancelNotifiesAssignedWorker(t *testing.T) {
	f := newTestFleet()
	defer f.cleanup()
	f.notified = make(chan string, 1)
	f.connect(t, "backend-1", models.RoleBackend, backendSuccessHandler("ignored", 1))

	taskStore := tasks.NewStore(nil)
	task, err := taskStore.Create("x", models.PriorityNormal)
	require.NoError(t, err)
	taskStore.Transition(task.ID, models.TaskAssigned, tasks.WithAssignedAgent("backend-1"))

	o := newOrchestrator(f, taskStore)
	require.NoError(t, o.Cancel(context.Background(), task.ID))

	final, err := taskStore.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, final.State)

	select {
	case got := <-f.notified:
		assert.Equal(t, "backend-1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("assigned worker was not sent a cancel notification")
	}
}
