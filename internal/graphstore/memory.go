package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/eventbus"
	"github.com/cogloop/cogloop/internal/schemas"
)

// InMemoryGraphStore holds both graphs behind a single RWMutex. It is the
// default Store for local runs and the fixture used by every driver's unit
// tests; PostgresGraphStore trades this lock for row-level transactions with
// the same semantics.
type InMemoryGraphStore struct {
	logger *zap.Logger
	bus    *eventbus.Broker

	mu sync.RWMutex

	tasks      map[string]schemas.TaskNode
	taskOrder  []string // creation order, for stable ReadyTasks iteration
	actions    map[string]schemas.ActionNode
	taskEdges  []schemas.TaskEdge

	causalNodes map[string]schemas.CausalNode
	causalEdges []schemas.CausalEdge
}

// NewInMemory constructs an empty InMemoryGraphStore.
func NewInMemory(logger *zap.Logger) *InMemoryGraphStore {
	return &InMemoryGraphStore{
		logger:      logger.Named("graphstore.memory"),
		tasks:       make(map[string]schemas.TaskNode),
		actions:     make(map[string]schemas.ActionNode),
		causalNodes: make(map[string]schemas.CausalNode),
	}
}

func (s *InMemoryGraphStore) Close(context.Context) error { return nil }

// SetBus attaches the operation's event broker so Apply can publish
// graph.changed/graph.rejected events (C1). Left unset, Apply publishes
// nothing; the Runtime wires this in once per operation store.
func (s *InMemoryGraphStore) SetBus(bus *eventbus.Broker) {
	s.bus = bus
}

// --- Apply -----------------------------------------------------------------

// workingCopy is a scratch clone of the store's state that commands are
// applied against before either committing or being discarded wholesale,
// giving Apply its all-or-nothing batch semantics.
type workingCopy struct {
	tasks       map[string]schemas.TaskNode
	taskOrder   []string
	actions     map[string]schemas.ActionNode
	taskEdges   []schemas.TaskEdge
	causalNodes map[string]schemas.CausalNode
	causalEdges []schemas.CausalEdge
}

func (s *InMemoryGraphStore) snapshotForWrite() workingCopy {
	w := workingCopy{
		tasks:       make(map[string]schemas.TaskNode, len(s.tasks)),
		taskOrder:   append([]string(nil), s.taskOrder...),
		actions:     make(map[string]schemas.ActionNode, len(s.actions)),
		taskEdges:   append([]schemas.TaskEdge(nil), s.taskEdges...),
		causalNodes: make(map[string]schemas.CausalNode, len(s.causalNodes)),
		causalEdges: append([]schemas.CausalEdge(nil), s.causalEdges...),
	}
	for k, v := range s.tasks {
		w.tasks[k] = v
	}
	for k, v := range s.actions {
		w.actions[k] = v
	}
	for k, v := range s.causalNodes {
		w.causalNodes[k] = v
	}
	return w
}

func (s *InMemoryGraphStore) commit(w workingCopy) {
	s.tasks = w.tasks
	s.taskOrder = w.taskOrder
	s.actions = w.actions
	s.taskEdges = w.taskEdges
	s.causalNodes = w.causalNodes
	s.causalEdges = w.causalEdges
}

func (s *InMemoryGraphStore) Apply(ctx context.Context, batch []schemas.GraphCommand) (schemas.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.snapshotForWrite()
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
	s.commit(w)
	if s.bus != nil {
		s.bus.Post(ctx, schemas.EventGraphChanged, "", batch)
	}
	return schemas.ApplyResult{OK: true}, nil
}

func applyOne(w *workingCopy, cmd schemas.GraphCommand) (schemas.RejectReason, string, bool) {
	switch cmd.Command {
	case schemas.CmdAddNode:
		return applyAddNode(w, cmd)
	case schemas.CmdUpdateNode:
		return applyUpdateNode(w, cmd)
	case schemas.CmdAddEdge:
		return applyAddEdge(w, cmd)
	case schemas.CmdDeprecateNode:
		return applyDeprecateNode(w, cmd)
	case schemas.CmdAddCausalNode:
		return applyAddCausalNode(w, cmd)
	case schemas.CmdAddCausalEdge:
		return applyAddCausalEdge(w, cmd)
	default:
		return schemas.RejectInvariantViolation, fmt.Sprintf("unknown command %q", cmd.Command), false
	}
}

func applyAddNode(w *workingCopy, cmd schemas.GraphCommand) (schemas.RejectReason, string, bool) {
	if cmd.NodeData == nil || cmd.NodeData.ID == "" {
		return schemas.RejectInvariantViolation, "node_data.id is required", false
	}
	n := *cmd.NodeData
	if _, exists := w.tasks[n.ID]; exists {
		return schemas.RejectDuplicateID, n.ID, false
	}
	if _, exists := w.causalNodes[n.ID]; exists {
		return schemas.RejectDuplicateID, n.ID, false
	}
	for _, dep := range n.Dependencies {
		if _, ok := w.tasks[dep]; !ok {
			return schemas.RejectUnknownID, dep, false
		}
	}
	if n.Status == "" {
		n.Status = schemas.StatusPending
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	w.tasks[n.ID] = n
	w.taskOrder = append(w.taskOrder, n.ID)
	for _, dep := range n.Dependencies {
		w.taskEdges = append(w.taskEdges, schemas.TaskEdge{Source: dep, Target: n.ID})
	}
	return "", "", true
}

func applyUpdateNode(w *workingCopy, cmd schemas.GraphCommand) (schemas.RejectReason, string, bool) {
	if cmd.ID == "" {
		return schemas.RejectInvariantViolation, "id is required", false
	}
	if task, ok := w.tasks[cmd.ID]; ok {
		if task.Status.IsTerminal() {
			// Terminal tasks may still gain artifacts/rationale but never
			// change status again (I2 stickiness).
			var probe struct {
				Status *schemas.TaskStatus `json:"status"`
			}
			_ = json.Unmarshal(cmd.Updates, &probe)
			if probe.Status != nil && *probe.Status != task.Status {
				return schemas.RejectTerminalViolation, cmd.ID, false
			}
		}
		merged, err := mergeTaskNode(task, cmd.Updates)
		if err != nil {
			return schemas.RejectInvariantViolation, err.Error(), false
		}
		if !isValidTransition(task.Status, merged.Status) {
			return schemas.RejectTerminalViolation, fmt.Sprintf("%s -> %s", task.Status, merged.Status), false
		}
		w.tasks[cmd.ID] = merged
		return "", "", true
	}
	if node, ok := w.causalNodes[cmd.ID]; ok {
		merged, err := mergeCausalNode(node, cmd.Updates)
		if err != nil {
			return schemas.RejectInvariantViolation, err.Error(), false
		}
		if merged.Confidence < node.Confidence {
			return schemas.RejectInvariantViolation, "confidence may not decrease without an explicit rationale", false
		}
		if merged.Variant != node.Variant {
			if merged.Variant == schemas.CausalVulnerability && !hasInboundRelation(w.causalEdges, cmd.ID, schemas.RelationSupports) {
				return schemas.RejectInvariantViolation, "Vulnerability requires an inbound supports edge (C1)", false
			}
			if merged.Variant == schemas.CausalConfirmedVulnerability && !hasInboundRelation(w.causalEdges, cmd.ID, schemas.RelationValidates) {
				return schemas.RejectInvariantViolation, "ConfirmedVulnerability requires an inbound validates edge (C2)", false
			}
		}
		w.causalNodes[cmd.ID] = merged
		return "", "", true
	}
	for i, e := range w.causalEdges {
		if e.ID == cmd.ID {
			var patch struct {
				Confidence *float64 `json:"confidence"`
				Rationale  string   `json:"rationale"`
			}
			if err := json.Unmarshal(cmd.Updates, &patch); err != nil {
				return schemas.RejectInvariantViolation, err.Error(), false
			}
			if patch.Confidence != nil {
				if *patch.Confidence < e.Confidence && patch.Rationale == "" {
					return schemas.RejectInvariantViolation, "lowering edge confidence requires a rationale", false
				}
				w.causalEdges[i].Confidence = *patch.Confidence
			}
			return "", "", true
		}
	}
	return schemas.RejectUnknownID, cmd.ID, false
}

func applyAddEdge(w *workingCopy, cmd schemas.GraphCommand) (schemas.RejectReason, string, bool) {
	if _, ok := w.tasks[cmd.Source]; !ok {
		return schemas.RejectUnknownID, cmd.Source, false
	}
	if _, ok := w.tasks[cmd.Target]; !ok {
		return schemas.RejectUnknownID, cmd.Target, false
	}
	candidate := append(append([]schemas.TaskEdge(nil), w.taskEdges...), schemas.TaskEdge{Source: cmd.Source, Target: cmd.Target})
	if hasCycle(candidate) {
		return schemas.RejectCycle, fmt.Sprintf("%s -> %s", cmd.Source, cmd.Target), false
	}
	w.taskEdges = candidate
	target := w.tasks[cmd.Target]
	target.Dependencies = append(target.Dependencies, cmd.Source)
	w.tasks[cmd.Target] = target
	return "", "", true
}

func applyDeprecateNode(w *workingCopy, cmd schemas.GraphCommand) (schemas.RejectReason, string, bool) {
	if task, ok := w.tasks[cmd.ID]; ok {
		if task.Status == schemas.StatusCompleted {
			return schemas.RejectTerminalViolation, cmd.ID, false
		}
		task.Status = schemas.StatusDeprecated
		task.FailureRationale = cmd.Reason
		now := time.Now().UTC()
		task.CompletedAt = &now
		w.tasks[cmd.ID] = task
		return "", "", true
	}
	if node, ok := w.causalNodes[cmd.ID]; ok {
		node.Deprecated = true
		node.DeprecateReason = cmd.Reason
		w.causalNodes[cmd.ID] = node
		return "", "", true
	}
	return schemas.RejectUnknownID, cmd.ID, false
}

func applyAddCausalNode(w *workingCopy, cmd schemas.GraphCommand) (schemas.RejectReason, string, bool) {
	id := cmd.ID
	if id == "" {
		return schemas.RejectInvariantViolation, "id is required", false
	}
	if _, exists := w.causalNodes[id]; exists {
		return schemas.RejectDuplicateID, id, false
	}
	if cmd.Variant == schemas.CausalVulnerability {
		if !hasInboundRelation(w.causalEdges, id, schemas.RelationSupports) {
			return schemas.RejectInvariantViolation, "Vulnerability requires an inbound supports edge (C1)", false
		}
	}
	w.causalNodes[id] = schemas.CausalNode{
		ID:         id,
		Variant:    cmd.Variant,
		Fields:     cmd.Fields,
		Confidence: cmd.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	return "", "", true
}

func applyAddCausalEdge(w *workingCopy, cmd schemas.GraphCommand) (schemas.RejectReason, string, bool) {
	if _, ok := w.causalNodes[cmd.Source]; !ok {
		return schemas.RejectUnknownID, cmd.Source, false
	}
	if _, ok := w.causalNodes[cmd.Target]; !ok {
		return schemas.RejectUnknownID, cmd.Target, false
	}
	relation := schemas.CausalRelation(cmd.Relation)
	if relation == schemas.RelationValidates {
		target := w.causalNodes[cmd.Target]
		if target.Variant != schemas.CausalVulnerability {
			return schemas.RejectInvariantViolation, "validates edges target only Vulnerability nodes (C2)", false
		}
	}
	edge := schemas.CausalEdge{
		ID:         fmt.Sprintf("%s->%s:%s", cmd.Source, cmd.Target, relation),
		Source:     cmd.Source,
		Target:     cmd.Target,
		Relation:   relation,
		Confidence: cmd.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	w.causalEdges = append(w.causalEdges, edge)

	if relation == schemas.RelationValidates {
		target := w.causalNodes[cmd.Target]
		target.Variant = schemas.CausalConfirmedVulnerability
		w.causalNodes[cmd.Target] = target
	}
	return "", "", true
}

// isValidTransition enforces I2: forward-only, terminal states are sticky.
func isValidTransition(from, to schemas.TaskStatus) bool {
	if to == "" || from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	switch from {
	case schemas.StatusPending:
		return to == schemas.StatusInProgress || to.IsTerminal() || to == schemas.StatusStalled
	case schemas.StatusInProgress:
		return to.IsTerminal() || to == schemas.StatusStalled
	case schemas.StatusStalled:
		return to == schemas.StatusInProgress || to.IsTerminal()
	default:
		return false
	}
}

func hasInboundRelation(edges []schemas.CausalEdge, target string, rel schemas.CausalRelation) bool {
	for _, e := range edges {
		if e.Target == target && e.Relation == rel {
			return true
		}
	}
	return false
}

// hasCycle runs a plain DFS colour-marking cycle check over the task DAG's
// dependency edges (source must complete before target).
func hasCycle(edges []schemas.TaskEdge) bool {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.Target] = append(adj[e.Target], e.Source) // walk target -> its deps
	}
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(string) bool
	visit = func(n string) bool {
		switch color[n] {
		case grey:
			return true
		case black:
			return false
		}
		color[n] = grey
		for _, dep := range adj[n] {
			if visit(dep) {
				return true
			}
		}
		color[n] = black
		return false
	}
	seen := make(map[string]bool)
	for _, e := range edges {
		for _, n := range []string{e.Source, e.Target} {
			if !seen[n] {
				seen[n] = true
				if visit(n) {
					return true
				}
			}
		}
	}
	return false
}

func mergeTaskNode(base schemas.TaskNode, patch json.RawMessage) (schemas.TaskNode, error) {
	if len(patch) == 0 {
		return base, nil
	}
	b, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	var current map[string]interface{}
	if err := json.Unmarshal(b, &current); err != nil {
		return base, err
	}
	var delta map[string]interface{}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return base, err
	}
	for k, v := range delta {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return base, err
	}
	var out schemas.TaskNode
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, err
	}
	return out, nil
}

func mergeCausalNode(base schemas.CausalNode, patch json.RawMessage) (schemas.CausalNode, error) {
	if len(patch) == 0 {
		return base, nil
	}
	b, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	var current map[string]interface{}
	if err := json.Unmarshal(b, &current); err != nil {
		return base, err
	}
	var delta map[string]interface{}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return base, err
	}
	for k, v := range delta {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return base, err
	}
	var out schemas.CausalNode
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, err
	}
	return out, nil
}

// --- direct scheduler/executor transitions ----------------------------------

func (s *InMemoryGraphStore) Dispatch(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown task "+taskID)
	}
	if task.Status != schemas.StatusPending {
		return corerr.New(corerr.KindInvariant, "task not pending: "+taskID)
	}
	now := time.Now().UTC()
	task.Status = schemas.StatusInProgress
	task.StartedAt = &now
	s.tasks[taskID] = task
	return nil
}

func (s *InMemoryGraphStore) CompleteTask(ctx context.Context, taskID string, status schemas.TaskStatus, failureLevel schemas.FailureLevel, rationale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown task "+taskID)
	}
	if task.Status.IsTerminal() {
		return corerr.New(corerr.KindInvariant, "task already terminal: "+taskID)
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
	s.tasks[taskID] = task
	return nil
}

func (s *InMemoryGraphStore) MarkReflected(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown task "+taskID)
	}
	task.Reflected = true
	s.tasks[taskID] = task
	return nil
}

func (s *InMemoryGraphStore) AppendAction(ctx context.Context, action schemas.ActionNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[action.TaskID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown parent task "+action.TaskID)
	}
	if task.Status.IsTerminal() {
		return corerr.New(corerr.KindInvariant, "parent task already terminal (I4): "+action.TaskID)
	}
	if _, exists := s.actions[action.ID]; exists {
		return corerr.New(corerr.KindInvariant, "duplicate action id "+action.ID)
	}
	if action.Status == "" {
		action.Status = schemas.StatusInProgress
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	s.actions[action.ID] = action
	return nil
}

func (s *InMemoryGraphStore) CompleteAction(ctx context.Context, actionID string, status schemas.TaskStatus, result []byte, observation string, truncated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.actions[actionID]
	if !ok {
		return corerr.New(corerr.KindInvariant, "unknown action "+actionID)
	}
	now := time.Now().UTC()
	action.Status = status
	action.Result = result
	action.Observation = observation
	action.Truncated = truncated
	action.CompletedAt = &now
	s.actions[actionID] = action
	return nil
}

// --- queries -----------------------------------------------------------------

func (s *InMemoryGraphStore) ReadyTasks(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ready []string
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.Status != schemas.StatusPending {
			continue
		}
		allSatisfied := true
		for _, dep := range t.Dependencies {
			d, ok := s.tasks[dep]
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

func (s *InMemoryGraphStore) Neighbors(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]bool)
	for _, e := range s.taskEdges {
		if e.Source == id {
			set[e.Target] = true
		}
		if e.Target == id {
			set[e.Source] = true
		}
	}
	return sortedKeys(set), nil
}

func (s *InMemoryGraphStore) Ancestors(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	adj := make(map[string][]string)
	for _, e := range s.taskEdges {
		adj[e.Target] = append(adj[e.Target], e.Source)
	}
	set := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, p := range adj[n] {
			if !set[p] {
				set[p] = true
				walk(p)
			}
		}
	}
	walk(id)
	return sortedKeys(set), nil
}

func (s *InMemoryGraphStore) Descendants(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	adj := make(map[string][]string)
	for _, e := range s.taskEdges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	set := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, c := range adj[n] {
			if !set[c] {
				set[c] = true
				walk(c)
			}
		}
	}
	walk(id)
	return sortedKeys(set), nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *InMemoryGraphStore) Snapshot(ctx context.Context) (schemas.TaskGraphView, schemas.CausalGraphView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tv := schemas.TaskGraphView{
		Tasks:   make(map[string]schemas.TaskNode, len(s.tasks)),
		Actions: make(map[string]schemas.ActionNode, len(s.actions)),
		Edges:   append([]schemas.TaskEdge(nil), s.taskEdges...),
	}
	for k, v := range s.tasks {
		tv.Tasks[k] = v.Clone()
	}
	for k, v := range s.actions {
		tv.Actions[k] = v.Clone()
	}

	cv := schemas.CausalGraphView{
		Nodes: make(map[string]schemas.CausalNode, len(s.causalNodes)),
		Edges: append([]schemas.CausalEdge(nil), s.causalEdges...),
	}
	for k, v := range s.causalNodes {
		cv.Nodes[k] = v.Clone()
	}
	return tv, cv, nil
}
