package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/eventbus"
	"github.com/cogloop/cogloop/internal/executor"
	"github.com/cogloop/cogloop/internal/graphstore"
	"github.com/cogloop/cogloop/internal/intervention"
	"github.com/cogloop/cogloop/internal/llmclient"
	"github.com/cogloop/cogloop/internal/planner"
	"github.com/cogloop/cogloop/internal/reflector"
	"github.com/cogloop/cogloop/internal/schemas"
	"github.com/cogloop/cogloop/internal/toolhost"
)

type fakeTransport struct{ reply string }

func (f *fakeTransport) Generate(ctx context.Context, model string, req schemas.GenerationRequest) (string, error) {
	return f.reply, nil
}

func newHarness(t *testing.T, plannerReply, executorReply, reflectorReply string) *Scheduler {
	t.Helper()
	logger := zap.NewNop()
	store := graphstore.NewInMemory(logger)
	bus := eventbus.New(logger, 32, 32)

	plannerRouter := llmclient.NewRouterForTest(config.LLMRouterConfig{PlannerModel: "pm", SchemaRetries: 1}, &fakeTransport{reply: plannerReply})
	executorRouter := llmclient.NewRouterForTest(config.LLMRouterConfig{ExecutorModel: "em", SchemaRetries: 1}, &fakeTransport{reply: executorReply})
	reflectorRouter := llmclient.NewRouterForTest(config.LLMRouterConfig{ReflectorModel: "rm", SchemaRetries: 1}, &fakeTransport{reply: reflectorReply})

	toolSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"ok"}`))
	}))
	t.Cleanup(toolSrv.Close)

	tools := toolhost.New(toolhost.Config{Endpoint: toolSrv.URL}, logger, toolSrv.Client())

	pDriver := planner.New(plannerRouter, store, logger)
	eDriver := executor.New(executorRouter, store, tools, logger)
	rDriver := reflector.New(reflectorRouter, store, logger)
	gate := intervention.New(intervention.Config{AutoApprove: true}, logger)

	return New(store, bus, pDriver, eDriver, rDriver, gate, nil, nil, config.SchedulerConfig{MaxParallelActions: 2, StepBudget: 50, ReplanLimit: 3}, logger)
}

func TestSchedulerRunsSingleTaskToSuccess(t *testing.T) {
	plannerReply := `{"thought":"start","graph_operations":[{"command":"ADD_NODE","node_data":{"id":"root","kind":"root","description":"recon target","status":"pending"}}],"goal_achieved":false}`
	executorReply := `{"thought":"done","execution_operations":[],"is_subtask_complete":true}`
	reflectorReply := `{"audit_result":{"status":"passed","completion_check":"met"},"global_mission_accomplished":true}`

	sched := newHarness(t, plannerReply, executorReply, reflectorReply)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := sched.Run(ctx, "op-1", "recon target.example.com")
	require.NoError(t, err)
	assert.Equal(t, schemas.OpSucceeded, status)
}

func TestSchedulerStallsWhenNoTasksAndGoalUnmet(t *testing.T) {
	plannerReply := `{"thought":"stuck","graph_operations":[],"goal_achieved":false}`
	sched := newHarness(t, plannerReply, "", "")
	sched.cfg.ReplanLimit = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := sched.Run(ctx, "op-2", "unreachable goal")
	require.NoError(t, err)
	assert.Equal(t, schemas.OpStalled, status)
}
