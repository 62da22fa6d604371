package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/schemas"
)

func TestCheckpointDisabledIsNoOp(t *testing.T) {
	a, err := New(config.CheckpointConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	err = a.Checkpoint(context.Background(), "op-1", schemas.TaskGraphView{}, schemas.CausalGraphView{})
	require.NoError(t, err)
}

func TestCheckpointCommitsSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	a, err := New(config.CheckpointConfig{Enabled: true, RepoPath: dir}, zap.NewNop())
	require.NoError(t, err)

	tasks := schemas.TaskGraphView{Tasks: map[string]schemas.TaskNode{
		"root": {ID: "root", Kind: schemas.KindRoot, Description: "recon"},
	}}
	err = a.Checkpoint(context.Background(), "op-1", tasks, schemas.CausalGraphView{})
	require.NoError(t, err)

	body, err := os.ReadFile(filepath.Join(dir, "op-1", "snapshot.json"))
	require.NoError(t, err)
	var doc snapshotDoc
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "op-1", doc.OpID)
	assert.Contains(t, doc.Tasks.Tasks, "root")

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.NotEmpty(t, head.Hash().String())
}

func TestCheckpointSecondCallProducesSecondCommit(t *testing.T) {
	dir := t.TempDir()
	a, err := New(config.CheckpointConfig{Enabled: true, RepoPath: dir}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, a.Checkpoint(context.Background(), "op-1", schemas.TaskGraphView{Tasks: map[string]schemas.TaskNode{"a": {ID: "a"}}}, schemas.CausalGraphView{}))
	require.NoError(t, a.Checkpoint(context.Background(), "op-1", schemas.TaskGraphView{Tasks: map[string]schemas.TaskNode{"a": {ID: "a"}, "b": {ID: "b"}}}, schemas.CausalGraphView{}))

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commits, err := repo.Log(&git.LogOptions{From: head.Hash()})
	require.NoError(t, err)

	count := 0
	err = commits.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
