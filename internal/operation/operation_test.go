package operation

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
	"github.com/cogloop/cogloop/internal/schemas"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	toolSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"ok"}`))
	}))
	t.Cleanup(toolSrv.Close)

	cfg := config.Config{}
	cfg.Graph.Type = "in-memory"
	cfg.ToolHost.Endpoint = toolSrv.URL
	cfg.Intervention.AutoApprove = true
	cfg.Scheduler.MaxParallelActions = 2
	cfg.Scheduler.StepBudget = 20
	cfg.Scheduler.ReplanLimit = 2
	cfg.LLM.PlannerModel = "m"
	cfg.LLM.ExecutorModel = "m"
	cfg.LLM.ReflectorModel = "m"
	cfg.LLM.Models = map[string]config.LLMModelConfig{"m": {Model: "m", APIKey: "unused-test-key"}}

	rt, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	return rt
}

func TestInjectTaskAndSnapshot(t *testing.T) {
	rt := testRuntime(t)
	ctx := context.Background()

	err := rt.InjectTask(ctx, schemas.TaskNode{ID: "root", Kind: schemas.KindRoot, Description: "recon target"})
	require.NoError(t, err)

	view, _, err := rt.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, view.Tasks, "root")
}

func TestAbortUnknownOperationErrors(t *testing.T) {
	rt := testRuntime(t)
	err := rt.AbortOperation("does-not-exist")
	assert.Error(t, err)
}

func TestStartOperationRegistersHandleImmediately(t *testing.T) {
	rt := testRuntime(t)
	// Cancel the parent before the scheduler's first tick so the run
	// terminates quickly regardless of LLM transport availability.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := rt.StartOperation(ctx, "goal", StartOptions{})
	require.NotEmpty(t, h.ID)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	status, err := h.Wait(waitCtx)
	require.Error(t, err) // the operation itself ended on the pre-cancelled context
	assert.Equal(t, schemas.OpAborted, status)
}

func TestStartOperationOptsOverrideIndependentlyOfRuntimeDefaults(t *testing.T) {
	rt := testRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hitl := true
	h1 := rt.StartOperation(ctx, "goal-a", StartOptions{MaxParallel: 1, StepBudget: 5, HITL: &hitl})
	h2 := rt.StartOperation(ctx, "goal-b", StartOptions{})
	require.NotEqual(t, h1.ID, h2.ID)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	_, err1 := h1.Wait(waitCtx)
	_, err2 := h2.Wait(waitCtx)
	require.Error(t, err1)
	require.Error(t, err2)
}
