package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/graphstore"
	"github.com/cogloop/cogloop/internal/schemas"
)

func TestBuildPromptIncludesGoalAndGraphState(t *testing.T) {
	store := graphstore.NewInMemory(zap.NewNop())
	res, err := store.Apply(context.Background(), []schemas.GraphCommand{{
		Command:  schemas.CmdAddNode,
		NodeData: &schemas.TaskNode{ID: "root", Kind: schemas.KindRoot, Description: "recon the target"},
	}})
	require.NoError(t, err)
	require.True(t, res.OK)

	taskView, causalView, err := store.Snapshot(context.Background())
	require.NoError(t, err)

	prompt := buildPrompt("find vulnerabilities in example.com", "root", taskView, causalView)
	assert.Contains(t, prompt, "find vulnerabilities in example.com")
	assert.Contains(t, prompt, "root")
	assert.Contains(t, prompt, "recon the target")
}

func TestBuildPromptHandlesEmptyGraph(t *testing.T) {
	prompt := buildPrompt("scan target", "", schemas.TaskGraphView{}, schemas.CausalGraphView{})
	assert.Contains(t, prompt, "No task graph exists yet")
	assert.Contains(t, prompt, "(empty)")
}
