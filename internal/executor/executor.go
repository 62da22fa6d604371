// Package executor implements the Executor Driver (C6): it asks the LLM for
// one step's tool invocations, dispatches them through the Tool Host
// Client, appends the resulting action nodes to the task DAG, and detects
// an LLM stuck repeating the same call. Context compression is grounded on
// the original executor's threshold-triggered "compress everything but the
// last few turns into one LLM-authored summary" loop.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/graphstore"
	"github.com/cogloop/cogloop/internal/llmclient"
	"github.com/cogloop/cogloop/internal/schemas"
	"github.com/cogloop/cogloop/internal/toolhost"
)

const systemPrompt = `You are the Executor in an autonomous Planner-Executor-Reflector security research loop.
You have been assigned exactly one task. Decide which tools to call to make progress on it.
Reply with a single JSON object matching the required schema. Set is_subtask_complete=true only when the task's completion_criteria is met.`

const (
	defaultHistoryLimit  = 20 // messages before compression triggers
	defaultRecentKeep    = 6  // most recent messages preserved verbatim across compression
	repeatedActionLimit  = 2  // identical tool+args calls tolerated before the step is refused
	haltTaskTool         = "halt_task" // meta-tool: LLM signals subtask completion without a real dispatch
)

// StepResult is the outcome of one RunStep call.
type StepResult struct {
	Reply      schemas.ExecutorReply
	ActionIDs  []string
	Repeated   bool
	RepeatedOn string
}

// Driver runs execution steps for one operation. It is not safe for
// concurrent use on the same taskID (the Scheduler must not dispatch two
// concurrent steps for one task), but distinct taskIDs may run concurrently
// since per-task history lives in its own map entry.
type Driver struct {
	router *llmclient.Router
	store  graphstore.Store
	tools  *toolhost.Client
	logger *zap.Logger

	mu       chan struct{} // binary semaphore guarding the history maps
	history  map[string][]string
	seenCall map[string]map[string]int
}

func New(router *llmclient.Router, store graphstore.Store, tools *toolhost.Client, logger *zap.Logger) *Driver {
	d := &Driver{
		router:   router,
		store:    store,
		tools:    tools,
		logger:   logger.Named("executor"),
		mu:       make(chan struct{}, 1),
		history:  make(map[string][]string),
		seenCall: make(map[string]map[string]int),
	}
	d.mu <- struct{}{}
	return d
}

func (d *Driver) lock()   { <-d.mu }
func (d *Driver) unlock() { d.mu <- struct{}{} }

// History returns a snapshot of taskID's recorded execution transcript, in
// the same compressed-or-not form the Executor itself prompts from. The
// Scheduler threads this into the Reflector so audits see the actual
// execution transcript rather than nothing (§4.6 step 6, §4.7).
func (d *Driver) History(taskID string) []string {
	d.lock()
	defer d.unlock()
	return append([]string(nil), d.history[taskID]...)
}

// RunStep asks the LLM for one step on task, dispatches any proposed tool
// calls, and records the resulting action nodes.
func (d *Driver) RunStep(ctx context.Context, task schemas.TaskNode) (StepResult, error) {
	prompt, err := d.buildPrompt(ctx, task)
	if err != nil {
		return StepResult{}, err
	}

	var reply schemas.ExecutorReply
	if err := d.router.AskJSON(ctx, schemas.RoleExecutor, systemPrompt, prompt, &reply); err != nil {
		return StepResult{}, err
	}

	d.recordHistory(task.ID, "assistant", reply.Thought)

	result := StepResult{Reply: reply}
	for _, op := range reply.ExecutionOperations {
		if op.Tool == haltTaskTool {
			result.Reply.IsSubtaskComplete = true
			d.recordHistory(task.ID, "system", "halt_task invoked: ending subtask")
			break
		}

		key := canonicalCall(op)

		d.lock()
		if d.seenCall[task.ID] == nil {
			d.seenCall[task.ID] = make(map[string]int)
		}
		d.seenCall[task.ID][key]++
		count := d.seenCall[task.ID][key]
		seq := 0
		for _, c := range d.seenCall[task.ID] {
			seq += c
		}
		d.unlock()

		if count > repeatedActionLimit {
			result.Repeated = true
			result.RepeatedOn = key
			d.recordHistory(task.ID, "system", fmt.Sprintf("refused to repeat identical call to %s: already attempted %d times with no new information", op.Tool, count-1))
			continue
		}

		actionID := fmt.Sprintf("%s-act-%d", task.ID, seq)
		args, err := json.Marshal(op.Params)
		if err != nil {
			return result, corerr.Wrap(corerr.KindValidation, "encode tool args", err)
		}

		if err := d.store.AppendAction(ctx, schemas.ActionNode{
			ID:       actionID,
			TaskID:   task.ID,
			ToolName: op.Tool,
			ToolArgs: args,
		}); err != nil {
			return result, err
		}
		result.ActionIDs = append(result.ActionIDs, actionID)

		callResult, err := d.tools.CallTool(ctx, op.Tool, args)
		status := schemas.StatusCompleted
		observation := callResult.Observation
		var resultBytes []byte
		if err != nil {
			status = schemas.StatusFailed
			observation = err.Error()
		} else {
			resultBytes = callResult.Result
			if callResult.IsError {
				status = schemas.StatusFailed
			}
		}

		if cerr := d.store.CompleteAction(ctx, actionID, status, resultBytes, observation, callResult.Truncated); cerr != nil {
			return result, cerr
		}
		d.recordHistory(task.ID, "tool", fmt.Sprintf("%s -> %s", op.Tool, observation))
	}

	return result, nil
}

func canonicalCall(op schemas.ExecutionOperation) string {
	// encoding/json marshals map keys in sorted order, so this is a stable
	// canonicalization of the call regardless of the order the LLM emitted
	// the parameters in.
	args, _ := json.Marshal(op.Params)
	return op.Tool + ":" + string(args)
}

func (d *Driver) recordHistory(taskID, role, content string) {
	if content == "" {
		return
	}
	d.lock()
	defer d.unlock()
	d.history[taskID] = append(d.history[taskID], fmt.Sprintf("[%s] %s", role, content))
	if len(d.history[taskID]) > defaultHistoryLimit {
		d.compressLocked(taskID)
	}
}

// compressLocked collapses everything but the most recent defaultRecentKeep
// entries into a single summary line. Caller must hold the lock. A real LLM
// summarization call is intentionally not made here: the Driver has no
// access to a context free of the in-flight RunStep's own ctx, so
// compression is a cheap deterministic fold rather than a second model
// round trip, matching the original's "final fallback" path when
// summarization itself is unavailable.
func (d *Driver) compressLocked(taskID string) {
	entries := d.history[taskID]
	if len(entries) <= defaultRecentKeep {
		return
	}
	older := entries[:len(entries)-defaultRecentKeep]
	recent := entries[len(entries)-defaultRecentKeep:]
	summary := fmt.Sprintf("[summary] compressed %d earlier turns: %s", len(older), strings.Join(older, " | "))
	if len(summary) > 2000 {
		summary = summary[:2000] + "...(truncated)"
	}
	d.history[taskID] = append([]string{summary}, recent...)
}

// buildPrompt assembles the task description and completion criteria, the
// tool catalog discovered from the Tool Host, a slice of the causal graph
// pruned to this task's ancestors and descendants, and the bounded recent
// message history (§4.6 step 1).
func (d *Driver) buildPrompt(ctx context.Context, task schemas.TaskNode) (string, error) {
	toolSpecs, err := d.tools.ListTools(ctx)
	if err != nil {
		return "", err
	}
	taskView, causalView, err := d.store.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	ancestors, err := d.store.Ancestors(ctx, task.ID)
	if err != nil {
		return "", err
	}
	descendants, err := d.store.Descendants(ctx, task.ID)
	if err != nil {
		return "", err
	}
	related := make(map[string]bool, len(ancestors)+len(descendants)+1)
	related[task.ID] = true
	for _, id := range ancestors {
		related[id] = true
	}
	for _, id := range descendants {
		related[id] = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Description)
	if task.CompletionCriteria != "" {
		fmt.Fprintf(&b, "Completion criteria: %s\n", task.CompletionCriteria)
	}

	b.WriteString("\n## Available tools\n")
	if len(toolSpecs) == 0 {
		b.WriteString("(none registered)\n")
	}
	for _, t := range toolSpecs {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	fmt.Fprintf(&b, "- %s: end this subtask; equivalent to is_subtask_complete=true\n", haltTaskTool)

	b.WriteString("\n## Causal graph (pruned to this task's ancestors/descendants)\n")
	pruned := 0
	for id, n := range causalView.Nodes {
		act, ok := taskView.Actions[n.SourceActionID]
		if !ok || !related[act.TaskID] {
			continue
		}
		status := ""
		if n.Deprecated {
			status = " (deprecated)"
		}
		fmt.Fprintf(&b, "- %s [%s] confidence=%.2f%s\n", id, n.Variant, n.Confidence, status)
		pruned++
	}
	if pruned == 0 {
		b.WriteString("(none relevant)\n")
	}

	b.WriteString("\n## History\n")

	d.lock()
	hist := append([]string(nil), d.history[task.ID]...)
	d.unlock()

	if len(hist) == 0 {
		b.WriteString("(no prior steps)\n")
	}
	for _, h := range hist {
		b.WriteString(h)
		b.WriteString("\n")
	}
	return b.String(), nil
}
