// Package reflector implements the Reflector Driver (C7): it audits one
// finished subtask, commits its staged causal nodes, assigns a failure
// attribution when the subtask did not pass, and decides whether the
// mission goal has been met. Grounded on the teacher-pack's audit/attribution
// split, generalized to the L0-L5 failure taxonomy of §4.7.
package reflector

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/graphstore"
	"github.com/cogloop/cogloop/internal/llmclient"
	"github.com/cogloop/cogloop/internal/schemas"
)

const systemPrompt = `You are the Reflector in an autonomous Planner-Executor-Reflector security research loop.
Audit the finished subtask's transcript against its completion criteria. Decide whether staged causal
nodes should be committed, assign a failure attribution level (L0-L5) if the subtask failed, and decide
whether the overall mission is accomplished. Reply with a single JSON object matching the required schema.`

// Verdict is the Scheduler-facing outcome of one reflection.
type Verdict struct {
	Reply         schemas.ReflectorReply
	NextTaskState schemas.TaskStatus
}

// Driver runs reflection rounds for one operation.
type Driver struct {
	router *llmclient.Router
	store  graphstore.Store
	logger *zap.Logger
}

func New(router *llmclient.Router, store graphstore.Store, logger *zap.Logger) *Driver {
	return &Driver{router: router, store: store, logger: logger.Named("reflector")}
}

// Reflect audits task using its terminal-bound execution transcript and any
// staged causal nodes from the Executor, commits the causal graph updates it
// approves, and returns the verdict. Enforces P6: a task already marked
// Reflected is a no-op.
func (d *Driver) Reflect(ctx context.Context, task schemas.TaskNode, transcript []string, staged []schemas.CausalNode) (Verdict, error) {
	if task.Reflected {
		return Verdict{}, nil
	}

	prompt := buildPrompt(task, transcript, staged)

	var reply schemas.ReflectorReply
	if err := d.router.AskJSON(ctx, schemas.RoleReflector, systemPrompt, prompt, &reply); err != nil {
		return Verdict{}, err
	}

	if len(reply.CausalGraphUpdates) > 0 {
		res, err := d.store.Apply(ctx, reply.CausalGraphUpdates)
		if err != nil {
			return Verdict{}, err
		}
		if !res.OK {
			d.logger.Warn("reflector causal graph updates rejected", zap.Any("rejections", res.Rejected))
		}
	}

	if err := d.store.MarkReflected(ctx, task.ID); err != nil {
		return Verdict{}, err
	}

	next := deriveNextState(reply)
	return Verdict{Reply: reply, NextTaskState: next}, nil
}

// deriveNextState maps the audit verdict onto the task's terminal status.
// The Scheduler owns the retry/re-plan/abort routing table for each
// FailureLevel (§4.7); this only decides the leaf task's own status.
func deriveNextState(reply schemas.ReflectorReply) schemas.TaskStatus {
	if reply.AuditResult.Status == "passed" {
		return schemas.StatusCompleted
	}
	if reply.FailureAttribution != nil && reply.FailureAttribution.Level == schemas.FailureL5 {
		return schemas.StatusAborted
	}
	return schemas.StatusFailed
}

// RoutingAction is the Scheduler-level response to a failure attribution
// (§4.7's routing table: L0/L1 retry, L2 parent re-plan, L3/L4 operation
// re-plan, L5 abort).
type RoutingAction string

const (
	RouteRetry           RoutingAction = "retry"
	RouteParentReplan    RoutingAction = "parent-replan"
	RouteOperationReplan RoutingAction = "operation-replan"
	RouteAbort           RoutingAction = "abort"
	RouteNone            RoutingAction = "none"
)

// Route maps a FailureAttribution to the Scheduler's next action.
func Route(fa *schemas.FailureAttribution) RoutingAction {
	if fa == nil {
		return RouteNone
	}
	switch fa.Level {
	case schemas.FailureL0, schemas.FailureL1:
		return RouteRetry
	case schemas.FailureL2:
		return RouteParentReplan
	case schemas.FailureL3, schemas.FailureL4:
		return RouteOperationReplan
	case schemas.FailureL5:
		return RouteAbort
	default:
		return RouteNone
	}
}

// HardVeto reports whether this verdict should end the operation
// immediately as succeeded (§4.7's hard veto): a committed
// ConfirmedVulnerability plus a global mission-accomplished declaration.
func HardVeto(reply schemas.ReflectorReply, causal schemas.CausalGraphView) bool {
	if !reply.GlobalMissionAccomplished {
		return false
	}
	for _, n := range causal.Nodes {
		if n.Variant == schemas.CausalConfirmedVulnerability {
			return true
		}
	}
	return false
}

func buildPrompt(task schemas.TaskNode, transcript []string, staged []schemas.CausalNode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Description)
	fmt.Fprintf(&b, "Completion criteria: %s\n\n", task.CompletionCriteria)

	b.WriteString("## Execution transcript\n")
	if len(transcript) == 0 {
		b.WriteString("(empty)\n")
	}
	for _, line := range transcript {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n## Staged causal nodes awaiting commit\n")
	if len(staged) == 0 {
		b.WriteString("(none)\n")
	}
	for _, n := range staged {
		fmt.Fprintf(&b, "- %s [%s] confidence=%.2f\n", n.ID, n.Variant, n.Confidence)
	}
	return b.String()
}
