// Package graphstore implements the dual-graph state store: the task DAG and
// the causal/belief graph, behind a single Store interface so the Scheduler,
// Planner, Executor and Reflector drivers never depend on whether the graph
// lives in memory or in Postgres. Grounded on the now-superseded in-memory
// and Postgres knowledge-graph implementations from the teacher pack, with
// the SQL layer upgraded from database/sql to pgx/v5 per the domain stack.
package graphstore

import (
	"context"

	"github.com/cogloop/cogloop/internal/eventbus"
	"github.com/cogloop/cogloop/internal/schemas"
)

// Store is the sole shared writable state of an operation. All mutation
// through Apply is atomic per batch: either every command in the batch
// commits, or none does and the rejections explain why (§3.4).
type Store interface {
	// Apply validates and, if the whole batch is valid, commits a sequence
	// of GraphCommands under a single lock. Returns which commands (if any)
	// were rejected; a non-empty Rejected list means nothing in the batch
	// was applied.
	Apply(ctx context.Context, batch []schemas.GraphCommand) (schemas.ApplyResult, error)

	// Dispatch transitions a pending, ready task to in_progress. It is the
	// Scheduler's own state transition, not a Planner mutation command.
	Dispatch(ctx context.Context, taskID string) error

	// CompleteTask records a terminal (or stalled) status for a task per I2.
	CompleteTask(ctx context.Context, taskID string, status schemas.TaskStatus, failureLevel schemas.FailureLevel, rationale string) error

	// MarkReflected sets the in-memory dedup guard used to enforce P6 (a
	// task is reflected on at most once per terminal transition).
	MarkReflected(ctx context.Context, taskID string) error

	// AppendAction appends a new action node owned by taskID. Fails per I4
	// if the parent task is already terminal.
	AppendAction(ctx context.Context, action schemas.ActionNode) error

	// CompleteAction records the result of a dispatched action.
	CompleteAction(ctx context.Context, actionID string, status schemas.TaskStatus, result []byte, observation string, truncated bool) error

	// ReadyTasks returns the ids of pending tasks whose dependencies have all
	// completed successfully (I3), in ascending creation order. A dependency
	// that failed or was deprecated does not satisfy readiness by default;
	// only an explicit Planner retain/prune of the dependent changes that.
	ReadyTasks(ctx context.Context) ([]string, error)

	// Neighbors, Ancestors and Descendants answer task-DAG traversal queries
	// used by the Planner/Executor/Reflector drivers to build context.
	Neighbors(ctx context.Context, id string) ([]string, error)
	Ancestors(ctx context.Context, id string) ([]string, error)
	Descendants(ctx context.Context, id string) ([]string, error)

	// Snapshot returns a deep-enough copy of both graphs, safe to read
	// without holding any lock (§6.1 snapshot).
	Snapshot(ctx context.Context) (schemas.TaskGraphView, schemas.CausalGraphView, error)

	// Close releases any underlying resources (connection pools, etc).
	Close(ctx context.Context) error

	// SetBus attaches the operation's event broker so Apply can publish
	// graph.changed/graph.rejected events (C1). Called once by the Runtime
	// at operation-store construction time.
	SetBus(bus *eventbus.Broker)
}
