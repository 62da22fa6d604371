// Package planner implements the Planner Driver (C5): it turns the current
// task DAG and causal graph into a prompt, asks the LLM Client for a batch
// of graph mutation commands, and hands that batch to the Scheduler for the
// intervention-gated apply step. Grounded on the original decompose/re-plan
// prompt-construction flow (goal + causal graph summary + planning history)
// but restructured around a single structured-reply round trip instead of
// the original's free-form prompt renderer hierarchy.
package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/graphstore"
	"github.com/cogloop/cogloop/internal/llmclient"
	"github.com/cogloop/cogloop/internal/schemas"
)

const systemPrompt = `You are the Planner in an autonomous Planner-Executor-Reflector security research loop.
Decompose the mission goal into a task DAG using ADD_NODE/ADD_EDGE graph operations.
Reply with a single JSON object matching the required schema. Never invent tool results.`

// Driver runs one planning round: build prompt, ask the LLM, return the
// proposed reply for the Scheduler to route through the Intervention Gate.
type Driver struct {
	router *llmclient.Router
	store  graphstore.Store
	logger *zap.Logger
}

func New(router *llmclient.Router, store graphstore.Store, logger *zap.Logger) *Driver {
	return &Driver{router: router, store: store, logger: logger.Named("planner")}
}

// Plan produces the next PlannerReply for the mission goal. rootID names the
// root task node the plan hangs off of; on the first call rootID is empty
// and the Driver expects the reply to include the root ADD_NODE itself.
func (d *Driver) Plan(ctx context.Context, goal string, rootID string) (schemas.PlannerReply, error) {
	taskView, causalView, err := d.store.Snapshot(ctx)
	if err != nil {
		return schemas.PlannerReply{}, corerr.Wrap(corerr.KindTransport, "snapshot graph for planning", err)
	}

	prompt := buildPrompt(goal, rootID, taskView, causalView)

	var reply schemas.PlannerReply
	if err := d.router.AskJSON(ctx, schemas.RolePlanner, systemPrompt, prompt, &reply); err != nil {
		return schemas.PlannerReply{}, err
	}
	return reply, nil
}

func buildPrompt(goal, rootID string, taskView schemas.TaskGraphView, causalView schemas.CausalGraphView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission goal: %s\n\n", goal)
	if rootID == "" {
		b.WriteString("No task graph exists yet. Propose the root task and its immediate children.\n\n")
	} else {
		fmt.Fprintf(&b, "Root task id: %s\n\n", rootID)
	}

	b.WriteString("## Current task DAG\n")
	if len(taskView.Tasks) == 0 {
		b.WriteString("(empty)\n")
	}
	for id, t := range taskView.Tasks {
		fmt.Fprintf(&b, "- %s [%s] status=%s deps=%v: %s\n", id, t.Kind, t.Status, t.Dependencies, t.Description)
	}

	b.WriteString("\n## Causal/belief graph summary\n")
	if len(causalView.Nodes) == 0 {
		b.WriteString("(empty)\n")
	}
	for id, n := range causalView.Nodes {
		status := ""
		if n.Deprecated {
			status = " (deprecated)"
		}
		fmt.Fprintf(&b, "- %s [%s] confidence=%.2f%s\n", id, n.Variant, n.Confidence, status)
	}

	b.WriteString("\nRespond with graph_operations describing how to extend the task DAG, and set goal_achieved=true only once every branch is terminal and the mission goal is met.\n")
	return b.String()
}
