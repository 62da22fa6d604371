package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/schemas"
)

func newTestStore(t *testing.T) *InMemoryGraphStore {
	t.Helper()
	return NewInMemory(zap.NewNop())
}

func addTask(t *testing.T, s *InMemoryGraphStore, id string, deps ...string) {
	t.Helper()
	res, err := s.Apply(context.Background(), []schemas.GraphCommand{{
		Command: schemas.CmdAddNode,
		NodeData: &schemas.TaskNode{
			ID:           id,
			Kind:         schemas.KindTask,
			Description:  "task " + id,
			Dependencies: deps,
		},
	}})
	require.NoError(t, err)
	require.True(t, res.OK, "%+v", res.Rejected)
}

func TestAddNodeRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, "t1")

	res, err := s.Apply(context.Background(), []schemas.GraphCommand{{
		Command:  schemas.CmdAddNode,
		NodeData: &schemas.TaskNode{ID: "t1", Kind: schemas.KindTask},
	}})
	require.NoError(t, err)
	require.False(t, res.OK)
	assert.Equal(t, schemas.RejectDuplicateID, res.Rejected[0].Reason)
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, "a")
	addTask(t, s, "b", "a")

	res, err := s.Apply(context.Background(), []schemas.GraphCommand{{
		Command: schemas.CmdAddEdge,
		Source:  "b",
		Target:  "a",
	}})
	require.NoError(t, err)
	require.False(t, res.OK)
	assert.Equal(t, schemas.RejectCycle, res.Rejected[0].Reason)
}

func TestBatchIsAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, "a")

	res, err := s.Apply(context.Background(), []schemas.GraphCommand{
		{Command: schemas.CmdAddNode, NodeData: &schemas.TaskNode{ID: "new-1", Kind: schemas.KindTask}},
		{Command: schemas.CmdAddNode, NodeData: &schemas.TaskNode{ID: "a", Kind: schemas.KindTask}}, // duplicate
	})
	require.NoError(t, err)
	require.False(t, res.OK)

	view, _, _ := s.Snapshot(context.Background())
	_, exists := view.Tasks["new-1"]
	assert.False(t, exists, "partial batch must not commit any command")
}

func TestTerminalStatusIsSticky(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, "a")
	require.NoError(t, s.Dispatch(context.Background(), "a"))
	require.NoError(t, s.CompleteTask(context.Background(), "a", schemas.StatusCompleted, "", ""))

	err := s.CompleteTask(context.Background(), "a", schemas.StatusFailed, schemas.FailureL3, "reasoning error")
	assert.Error(t, err)
}

func TestReadyTasksRequiresAllDepsCompleted(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, "a")
	addTask(t, s, "b", "a")

	ready, err := s.ReadyTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ready)

	require.NoError(t, s.Dispatch(context.Background(), "a"))
	require.NoError(t, s.CompleteTask(context.Background(), "a", schemas.StatusCompleted, "", ""))

	ready, err = s.ReadyTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ready)
}

func TestReadyTasksExcludesFailedDependency(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, "a")
	addTask(t, s, "b", "a")

	require.NoError(t, s.Dispatch(context.Background(), "a"))
	require.NoError(t, s.CompleteTask(context.Background(), "a", schemas.StatusFailed, schemas.FailureL1, "boom"))

	ready, err := s.ReadyTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ready, "a dependent of a failed task must not become ready by default")
}

func TestAppendActionRejectedAfterTaskTerminal(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, "a")
	require.NoError(t, s.Dispatch(context.Background(), "a"))
	require.NoError(t, s.CompleteTask(context.Background(), "a", schemas.StatusCompleted, "", ""))

	err := s.AppendAction(context.Background(), schemas.ActionNode{ID: "act-1", TaskID: "a", ToolName: "noop"})
	assert.Error(t, err)
}

func TestVulnerabilityRequiresInboundSupports(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Apply(context.Background(), []schemas.GraphCommand{{
		Command: schemas.CmdAddCausalNode,
		ID:      "vuln-1",
		Variant: schemas.CausalVulnerability,
	}})
	require.NoError(t, err)
	require.False(t, res.OK)
	assert.Equal(t, schemas.RejectInvariantViolation, res.Rejected[0].Reason)
}

func TestValidatesEdgePromotesToConfirmed(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Apply(context.Background(), []schemas.GraphCommand{
		{Command: schemas.CmdAddCausalNode, ID: "fact-1", Variant: schemas.CausalKeyFact},
		{Command: schemas.CmdAddCausalNode, ID: "hyp-1", Variant: schemas.CausalHypothesis},
		{Command: schemas.CmdAddCausalEdge, Source: "fact-1", Target: "hyp-1", Relation: string(schemas.RelationSupports)},
	})
	require.NoError(t, err)
	require.True(t, res.OK, "%+v", res.Rejected)

	res, err = s.Apply(context.Background(), []schemas.GraphCommand{
		{Command: schemas.CmdAddCausalNode, ID: "vuln-1", Variant: schemas.CausalHypothesis},
		{Command: schemas.CmdAddCausalEdge, Source: "hyp-1", Target: "vuln-1", Relation: string(schemas.RelationSupports)},
		{Command: schemas.CmdUpdateNode, ID: "vuln-1", Updates: []byte(`{"variant":"Vulnerability"}`)},
	})
	require.NoError(t, err)
	require.True(t, res.OK, "%+v", res.Rejected)

	res, err = s.Apply(context.Background(), []schemas.GraphCommand{
		{Command: schemas.CmdAddCausalNode, ID: "ev-1", Variant: schemas.CausalEvidence},
		{Command: schemas.CmdAddCausalEdge, Source: "ev-1", Target: "vuln-1", Relation: string(schemas.RelationValidates)},
	})
	require.NoError(t, err)
	require.True(t, res.OK, "%+v", res.Rejected)

	_, causal, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.CausalConfirmedVulnerability, causal.Nodes["vuln-1"].Variant)
}

func TestConfidenceCannotDecreaseWithoutRationale(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Apply(context.Background(), []schemas.GraphCommand{
		{Command: schemas.CmdAddCausalNode, ID: "fact-1", Variant: schemas.CausalKeyFact, Confidence: 0.8},
	})
	require.NoError(t, err)
	require.True(t, res.OK)

	res, err = s.Apply(context.Background(), []schemas.GraphCommand{
		{Command: schemas.CmdUpdateNode, ID: "fact-1", Updates: []byte(`{"confidence":0.3}`)},
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, "a")

	view, _, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	mutated := view.Tasks["a"]
	mutated.Description = "mutated outside store"
	view.Tasks["a"] = mutated

	fresh, _, _ := s.Snapshot(context.Background())
	assert.Equal(t, "task a", fresh.Tasks["a"].Description)
}
