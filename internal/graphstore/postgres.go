package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/eventbus"
	"github.com/cogloop/cogloop/internal/schemas"
)

// pgxIface is the subset of pgxpool.Pool used here, satisfied by both
// *pgxpool.Pool and pgxmock's pool mock in tests, so Apply's transaction
// logic can be exercised without a real database.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresGraphStore is a Store backed by two JSONB tables (task_nodes,
// causal_nodes) plus their edge tables, grounded on the JSONB-property /
// ON CONFLICT upsert shape of the teacher's Postgres knowledge graph but
// rebuilt on pgx/v5's pgxpool instead of database/sql, and with every
// mutating query run inside a single transaction so Apply keeps its
// all-or-nothing batch semantics under concurrent writers.
type PostgresGraphStore struct {
	logger *zap.Logger
	pool   pgxIface
	bus    *eventbus.Broker
}

// SetBus attaches the operation's event broker so Apply can publish
// graph.changed/graph.rejected events (C1). Left unset, Apply publishes
// nothing.
func (s *PostgresGraphStore) SetBus(bus *eventbus.Broker) {
	s.bus = bus
}

// NewPostgres connects a pgxpool.Pool using dsn and ensures the schema
// exists.
func NewPostgres(ctx context.Context, logger *zap.Logger, dsn string) (*PostgresGraphStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindTransport, "connect postgres graph store", err)
	}
	store := &PostgresGraphStore{logger: logger.Named("graphstore.postgres"), pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresWithPool builds a PostgresGraphStore over an already-open pool,
// skipping migration. Used by tests to inject a pgxmock pool.
func NewPostgresWithPool(logger *zap.Logger, pool pgxIface) *PostgresGraphStore {
	return &PostgresGraphStore{logger: logger.Named("graphstore.postgres"), pool: pool}
}

func (s *PostgresGraphStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_nodes (
			id TEXT PRIMARY KEY,
			properties JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS task_edges (
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			PRIMARY KEY (source, target)
		)`,
		`CREATE TABLE IF NOT EXISTS action_nodes (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			properties JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS causal_nodes (
			id TEXT PRIMARY KEY,
			variant TEXT NOT NULL,
			properties JSONB NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS causal_edges (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			relation TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return corerr.Wrap(corerr.KindTransport, "migrate graph store schema", err)
		}
	}
	return nil
}

func (s *PostgresGraphStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// loadAll pulls the whole graph into memory inside tx, mirroring
// InMemoryGraphStore's workingCopy so the same applyOne/hasCycle validation
// logic can be reused without duplicating invariant enforcement between the
// two Store implementations.
func (s *PostgresGraphStore) loadAll(ctx context.Context, tx pgx.Tx) (workingCopy, error) {
	w := workingCopy{
		tasks:       make(map[string]schemas.TaskNode),
		actions:     make(map[string]schemas.ActionNode),
		causalNodes: make(map[string]schemas.CausalNode),
	}

	rows, err := tx.Query(ctx, `SELECT properties FROM task_nodes ORDER BY created_at`)
	if err != nil {
		return w, corerr.Wrap(corerr.KindTransport, "load task nodes", err)
	}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return w, corerr.Wrap(corerr.KindTransport, "scan task node", err)
		}
		var n schemas.TaskNode
		if err := json.Unmarshal(raw, &n); err != nil {
			rows.Close()
			return w, corerr.Wrap(corerr.KindInvariant, "decode task node", err)
		}
		w.tasks[n.ID] = n
		w.taskOrder = append(w.taskOrder, n.ID)
	}
	rows.Close()

	rows, err = tx.Query(ctx, `SELECT source, target FROM task_edges`)
	if err != nil {
		return w, corerr.Wrap(corerr.KindTransport, "load task edges", err)
	}
	for rows.Next() {
		var e schemas.TaskEdge
		if err := rows.Scan(&e.Source, &e.Target); err != nil {
			rows.Close()
			return w, corerr.Wrap(corerr.KindTransport, "scan task edge", err)
		}
		w.taskEdges = append(w.taskEdges, e)
	}
	rows.Close()

	rows, err = tx.Query(ctx, `SELECT properties FROM action_nodes`)
	if err != nil {
		return w, corerr.Wrap(corerr.KindTransport, "load action nodes", err)
	}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return w, corerr.Wrap(corerr.KindTransport, "scan action node", err)
		}
		var a schemas.ActionNode
		if err := json.Unmarshal(raw, &a); err != nil {
			rows.Close()
			return w, corerr.Wrap(corerr.KindInvariant, "decode action node", err)
		}
		w.actions[a.ID] = a
	}
	rows.Close()

	rows, err = tx.Query(ctx, `SELECT properties FROM causal_nodes`)
	if err != nil {
		return w, corerr.Wrap(corerr.KindTransport, "load causal nodes", err)
	}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return w, corerr.Wrap(corerr.KindTransport, "scan causal node", err)
		}
		var n schemas.CausalNode
		if err := json.Unmarshal(raw, &n); err != nil {
			rows.Close()
			return w, corerr.Wrap(corerr.KindInvariant, "decode causal node", err)
		}
		w.causalNodes[n.ID] = n
	}
	rows.Close()

	rows, err = tx.Query(ctx, `SELECT id, source, target, relation, confidence, created_at FROM causal_edges`)
	if err != nil {
		return w, corerr.Wrap(corerr.KindTransport, "load causal edges", err)
	}
	for rows.Next() {
		var e schemas.CausalEdge
		var relation string
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &relation, &e.Confidence, &e.CreatedAt); err != nil {
			rows.Close()
			return w, corerr.Wrap(corerr.KindTransport, "scan causal edge", err)
		}
		e.Relation = schemas.CausalRelation(relation)
		w.causalEdges = append(w.causalEdges, e)
	}
	rows.Close()

	return w, nil
}

// Apply loads the full graph, replays the batch through the same
// invariant-checking applyOne used by InMemoryGraphStore, and — if the
// whole batch validates — persists the working copy back inside the same
// transaction with per-table upserts, keeping this store's invariants
// bit-for-bit identical to the in-memory one.
func (s *PostgresGraphStore) Apply(ctx context.Context, batch []schemas.GraphCommand) (schemas.ApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return schemas.ApplyResult{}, corerr.Wrap(corerr.KindTransport, "begin apply tx", err)
	}
	defer tx.Rollback(ctx)

	w, err := s.loadAll(ctx, tx)
	if err != nil {
		return schemas.ApplyResult{}, err
	}

	var rejections []schemas.Rejection
	for i, cmd := range batch {
		if reason, detail, ok := applyOne(&w, cmd); !ok {
			rejections = append(rejections, schemas.Rejection{Index: i, Reason: reason, Detail: detail})
		}
	}
	if len(rejections) > 0 {
		if s.bus != nil {
			s.bus.Post(ctx, schemas.EventGraphRejected, "", rejections)
		}
		return schemas.ApplyResult{OK: false, Rejected: rejections}, nil
	}

	if err := s.persist(ctx, tx, w); err != nil {
		return schemas.ApplyResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return schemas.ApplyResult{}, corerr.Wrap(corerr.KindTransport, "commit apply tx", err)
	}
	if s.bus != nil {
		s.bus.Post(ctx, schemas.EventGraphChanged, "", batch)
	}
	return schemas.ApplyResult{OK: true}, nil
}

func (s *PostgresGraphStore) persist(ctx context.Context, tx pgx.Tx, w workingCopy) error {
	for _, t := range w.tasks {
		props, err := json.Marshal(t)
		if err != nil {
			return corerr.Wrap(corerr.KindInvariant, "encode task node", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_nodes (id, properties, status) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET properties = EXCLUDED.properties, status = EXCLUDED.status
		`, t.ID, props, string(t.Status)); err != nil {
			return corerr.Wrap(corerr.KindTransport, "upsert task node", err)
		}
	}
	for _, e := range w.taskEdges {
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_edges (source, target) VALUES ($1, $2)
			ON CONFLICT (source, target) DO NOTHING
		`, e.Source, e.Target); err != nil {
			return corerr.Wrap(corerr.KindTransport, "upsert task edge", err)
		}
	}
	for _, a := range w.actions {
		props, err := json.Marshal(a)
		if err != nil {
			return corerr.Wrap(corerr.KindInvariant, "encode action node", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO action_nodes (id, task_id, properties, status) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET properties = EXCLUDED.properties, status = EXCLUDED.status
		`, a.ID, a.TaskID, props, string(a.Status)); err != nil {
			return corerr.Wrap(corerr.KindTransport, "upsert action node", err)
		}
	}
	for _, n := range w.causalNodes {
		props, err := json.Marshal(n)
		if err != nil {
			return corerr.Wrap(corerr.KindInvariant, "encode causal node", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO causal_nodes (id, variant, properties, confidence) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET variant = EXCLUDED.variant, properties = EXCLUDED.properties, confidence = EXCLUDED.confidence
		`, n.ID, string(n.Variant), props, n.Confidence); err != nil {
			return corerr.Wrap(corerr.KindTransport, "upsert causal node", err)
		}
	}
	for _, e := range w.causalEdges {
		if _, err := tx.Exec(ctx, `
			INSERT INTO causal_edges (id, source, target, relation, confidence, created_at) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET confidence = EXCLUDED.confidence
		`, e.ID, e.Source, e.Target, string(e.Relation), e.Confidence, e.CreatedAt); err != nil {
			return corerr.Wrap(corerr.KindTransport, "upsert causal edge", err)
		}
	}
	return nil
}

func (s *PostgresGraphStore) Dispatch(ctx context.Context, taskID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return corerr.Wrap(corerr.KindTransport, "begin dispatch tx", err)
	}
	defer tx.Rollback(ctx)
	w, err := s.loadAll(ctx, tx)
	if err != nil {
		return err
	}
	task, ok := w.tasks[taskID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown task "+taskID)
	}
	if task.Status != schemas.StatusPending {
		return corerr.New(corerr.KindInvariant, "task not pending: "+taskID)
	}
	now := time.Now().UTC()
	task.Status = schemas.StatusInProgress
	task.StartedAt = &now
	w.tasks[taskID] = task
	if err := s.persist(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresGraphStore) CompleteTask(ctx context.Context, taskID string, status schemas.TaskStatus, failureLevel schemas.FailureLevel, rationale string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return corerr.Wrap(corerr.KindTransport, "begin complete-task tx", err)
	}
	defer tx.Rollback(ctx)
	w, err := s.loadAll(ctx, tx)
	if err != nil {
		return err
	}
	task, ok := w.tasks[taskID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown task "+taskID)
	}
	if !isValidTransition(task.Status, status) {
		return corerr.New(corerr.KindInvariant, fmt.Sprintf("invalid transition %s -> %s", task.Status, status))
	}
	now := time.Now().UTC()
	task.Status = status
	task.FailureLevel = failureLevel
	task.FailureRationale = rationale
	if status.IsTerminal() {
		task.CompletedAt = &now
	}
	w.tasks[taskID] = task
	if err := s.persist(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresGraphStore) MarkReflected(ctx context.Context, taskID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return corerr.Wrap(corerr.KindTransport, "begin mark-reflected tx", err)
	}
	defer tx.Rollback(ctx)
	w, err := s.loadAll(ctx, tx)
	if err != nil {
		return err
	}
	task, ok := w.tasks[taskID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown task "+taskID)
	}
	task.Reflected = true
	w.tasks[taskID] = task
	if err := s.persist(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresGraphStore) AppendAction(ctx context.Context, action schemas.ActionNode) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return corerr.Wrap(corerr.KindTransport, "begin append-action tx", err)
	}
	defer tx.Rollback(ctx)
	w, err := s.loadAll(ctx, tx)
	if err != nil {
		return err
	}
	task, ok := w.tasks[action.TaskID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown parent task "+action.TaskID)
	}
	if task.Status.IsTerminal() {
		return corerr.New(corerr.KindInvariant, "parent task already terminal (I4): "+action.TaskID)
	}
	if action.Status == "" {
		action.Status = schemas.StatusInProgress
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	w.actions[action.ID] = action
	if err := s.persist(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresGraphStore) CompleteAction(ctx context.Context, actionID string, status schemas.TaskStatus, result []byte, observation string, truncated bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return corerr.Wrap(corerr.KindTransport, "begin complete-action tx", err)
	}
	defer tx.Rollback(ctx)
	w, err := s.loadAll(ctx, tx)
	if err != nil {
		return err
	}
	action, ok := w.actions[actionID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown action "+actionID)
	}
	now := time.Now().UTC()
	action.Status = status
	action.Result = result
	action.Observation = observation
	action.Truncated = truncated
	action.CompletedAt = &now
	w.actions[actionID] = action
	if err := s.persist(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresGraphStore) ReadyTasks(ctx context.Context) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindTransport, "begin ready-tasks tx", err)
	}
	defer tx.Rollback(ctx)
	w, err := s.loadAll(ctx, tx)
	if err != nil {
		return nil, err
	}
	var ready []string
	for _, id := range w.taskOrder {
		t := w.tasks[id]
		if t.Status != schemas.StatusPending {
			continue
		}
		allSatisfied := true
		for _, dep := range t.Dependencies {
			d, ok := w.tasks[dep]
			if !ok || d.Status != schemas.StatusCompleted {
				// A failed or deprecated dependency does not satisfy
				// readiness by default (I3); only the Planner can retain
				// or prune the dependent to make it eligible again.
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

func (s *PostgresGraphStore) Neighbors(ctx context.Context, id string) ([]string, error) {
	return s.traverse(ctx, id, true, true)
}

func (s *PostgresGraphStore) Ancestors(ctx context.Context, id string) ([]string, error) {
	return s.traverse(ctx, id, true, false)
}

func (s *PostgresGraphStore) Descendants(ctx context.Context, id string) ([]string, error) {
	return s.traverse(ctx, id, false, true)
}

func (s *PostgresGraphStore) traverse(ctx context.Context, id string, upstream, downstream bool) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindTransport, "begin traverse tx", err)
	}
	defer tx.Rollback(ctx)
	w, err := s.loadAll(ctx, tx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	if upstream && downstream {
		for _, e := range w.taskEdges {
			if e.Source == id {
				set[e.Target] = true
			}
			if e.Target == id {
				set[e.Source] = true
			}
		}
	} else {
		adj := make(map[string][]string)
		for _, e := range w.taskEdges {
			if upstream {
				adj[e.Target] = append(adj[e.Target], e.Source)
			} else {
				adj[e.Source] = append(adj[e.Source], e.Target)
			}
		}
		var walk func(string)
		walk = func(n string) {
			for _, next := range adj[n] {
				if !set[next] {
					set[next] = true
					walk(next)
				}
			}
		}
		walk(id)
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *PostgresGraphStore) Snapshot(ctx context.Context) (schemas.TaskGraphView, schemas.CausalGraphView, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return schemas.TaskGraphView{}, schemas.CausalGraphView{}, corerr.Wrap(corerr.KindTransport, "begin snapshot tx", err)
	}
	defer tx.Rollback(ctx)
	w, err := s.loadAll(ctx, tx)
	if err != nil {
		return schemas.TaskGraphView{}, schemas.CausalGraphView{}, err
	}

	tv := schemas.TaskGraphView{Tasks: w.tasks, Actions: w.actions, Edges: w.taskEdges}
	cv := schemas.CausalGraphView{Nodes: w.causalNodes, Edges: w.causalEdges}
	return tv, cv, nil
}
