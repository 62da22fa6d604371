// Package checkpoint persists durable operation snapshots as commits in a
// local git repository (go-git/v5), one commit per checkpoint, so an
// operation's task DAG and causal graph history survive a crash and can be
// diffed like any other artifact (§6.4).
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/schemas"
)

// snapshotDoc is the on-disk shape of one checkpoint commit's payload.
type snapshotDoc struct {
	OpID      string                  `json:"op_id"`
	Tasks     schemas.TaskGraphView   `json:"tasks"`
	Causal    schemas.CausalGraphView `json:"causal"`
}

// Archiver commits a snapshot to a git working tree on every checkpoint.
type Archiver struct {
	cfg    config.CheckpointConfig
	logger *zap.Logger
	repo   *git.Repository
}

// New opens (or initializes) the checkpoint repository at cfg.RepoPath. If
// checkpointing is disabled, the returned Archiver's Checkpoint is a no-op.
func New(cfg config.CheckpointConfig, logger *zap.Logger) (*Archiver, error) {
	a := &Archiver{cfg: cfg, logger: logger.Named("checkpoint")}
	if !cfg.Enabled {
		return a, nil
	}

	if err := os.MkdirAll(cfg.RepoPath, 0o755); err != nil {
		return nil, corerr.Wrap(corerr.KindFatal, "create checkpoint repo path", err)
	}

	repo, err := git.PlainOpen(cfg.RepoPath)
	if err != nil {
		repo, err = git.PlainInit(cfg.RepoPath, false)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindFatal, "init checkpoint repo", err)
		}
	}
	a.repo = repo
	return a, nil
}

// Checkpoint writes the current task and causal graph views to
// <opID>/snapshot.json in the working tree and commits the change. It is
// safe to call repeatedly; each call whose snapshot differs from the last
// committed one produces one commit, and an unchanged snapshot commits nothing.
func (a *Archiver) Checkpoint(ctx context.Context, opID string, tasks schemas.TaskGraphView, causal schemas.CausalGraphView) error {
	if !a.cfg.Enabled || a.repo == nil {
		return nil
	}

	doc := snapshotDoc{OpID: opID, Tasks: tasks, Causal: causal}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return corerr.Wrap(corerr.KindFatal, "marshal checkpoint snapshot", err)
	}

	wt, err := a.repo.Worktree()
	if err != nil {
		return corerr.Wrap(corerr.KindFatal, "open checkpoint worktree", err)
	}

	relDir := opID
	absDir := filepath.Join(a.cfg.RepoPath, relDir)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return corerr.Wrap(corerr.KindFatal, "create checkpoint op dir", err)
	}
	relPath := filepath.Join(relDir, "snapshot.json")
	if err := os.WriteFile(filepath.Join(a.cfg.RepoPath, relPath), body, 0o644); err != nil {
		return corerr.Wrap(corerr.KindFatal, "write checkpoint snapshot", err)
	}

	if _, err := wt.Add(relPath); err != nil {
		return corerr.Wrap(corerr.KindFatal, "stage checkpoint snapshot", err)
	}

	sig := &object.Signature{
		Name:  a.cfg.AuthorName,
		Email: a.cfg.AuthorEmail,
		When:  time.Now(),
	}
	if sig.Name == "" {
		sig.Name = "cogloop-scheduler"
	}
	if sig.Email == "" {
		sig.Email = "cogloop@localhost"
	}

	msg := fmt.Sprintf("checkpoint: %s (%d tasks, %d causal nodes)", opID, len(tasks.Tasks), len(causal.Nodes))
	if _, err := wt.Commit(msg, &git.CommitOptions{Author: sig}); err != nil {
		if err == git.ErrEmptyCommit {
			return nil
		}
		return corerr.Wrap(corerr.KindFatal, "commit checkpoint", err)
	}

	if a.cfg.PushOnFinalize && a.cfg.RemoteURL != "" {
		if _, err := a.repo.Remote("origin"); err != nil {
			if _, err := a.repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{a.cfg.RemoteURL}}); err != nil {
				a.logger.Warn("create checkpoint remote failed", zap.Error(err))
			}
		}
		if err := a.repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin"}); err != nil && err != git.NoErrAlreadyUpToDate {
			a.logger.Warn("push checkpoint failed", zap.Error(err))
		}
	}

	a.logger.Info("checkpoint committed", zap.String("op_id", opID), zap.String("path", relPath))
	return nil
}
