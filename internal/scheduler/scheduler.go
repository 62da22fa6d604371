// Package scheduler implements the top-level Planner-Executor-Reflector
// state machine (C9): INIT -> PLAN -> [intervention] -> APPLY -> DISPATCH ->
// EXECUTE* (parallel) -> REFLECT -> {RE-PLAN|TERMINATE|CONTINUE} -> FINALIZE,
// generalized from the teacher's single actionLoop into an explicit phase
// machine with an errgroup-managed Executor worker pool.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/eventbus"
	"github.com/cogloop/cogloop/internal/executor"
	"github.com/cogloop/cogloop/internal/graphstore"
	"github.com/cogloop/cogloop/internal/intervention"
	"github.com/cogloop/cogloop/internal/planner"
	"github.com/cogloop/cogloop/internal/reflector"
	"github.com/cogloop/cogloop/internal/schemas"
)

// Checkpointer persists a durable snapshot at scheduler-chosen milestones.
// Implemented outside this package (a git-backed archiver) so the Scheduler
// never depends on a specific storage backend.
type Checkpointer interface {
	Checkpoint(ctx context.Context, opID string, task schemas.TaskGraphView, causal schemas.CausalGraphView) error
}

// Reporter files an external report when the Reflector's hard veto fires.
type Reporter interface {
	Report(ctx context.Context, opID string, causal schemas.CausalGraphView) error
}

type phase string

const (
	phasePlan     phase = "plan"
	phaseDispatch phase = "dispatch"
	phaseAwait    phase = "await"
	phaseFinalize phase = "finalize"
)

type taskResult struct {
	taskID     string
	status     schemas.TaskStatus
	err        error
	transcript []string
	staged     []schemas.CausalNode
}

// Scheduler drives one operation end to end.
type Scheduler struct {
	store       graphstore.Store
	bus         *eventbus.Broker
	planner     *planner.Driver
	executor    *executor.Driver
	reflector   *reflector.Driver
	gate        *intervention.Manager
	checkpoint  Checkpointer
	reporter    Reporter
	cfg         config.SchedulerConfig
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New builds a Scheduler. checkpoint and reporter may be nil to disable
// those side effects.
func New(
	store graphstore.Store,
	bus *eventbus.Broker,
	plannerDriver *planner.Driver,
	executorDriver *executor.Driver,
	reflectorDriver *reflector.Driver,
	gate *intervention.Manager,
	checkpoint Checkpointer,
	reporter Reporter,
	cfg config.SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	if cfg.MaxParallelActions <= 0 {
		cfg.MaxParallelActions = 4
	}
	if cfg.ReplanLimit <= 0 {
		cfg.ReplanLimit = 5
	}
	if cfg.SubtaskStepBudget <= 0 {
		cfg.SubtaskStepBudget = 40
	}
	return &Scheduler{
		store:      store,
		bus:        bus,
		planner:    plannerDriver,
		executor:   executorDriver,
		reflector:  reflectorDriver,
		gate:       gate,
		checkpoint: checkpoint,
		reporter:   reporter,
		cfg:        cfg,
		logger:     logger.Named("scheduler"),
		tracer:     otel.Tracer("github.com/cogloop/cogloop/internal/scheduler"),
	}
}

// Run drives the operation's P-E-R loop to completion, returning its
// terminal status.
func (s *Scheduler) Run(ctx context.Context, opID, goal string) (schemas.OperationStatus, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(attribute.String("op_id", opID)))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	dispatchCh := make(chan string, s.cfg.MaxParallelActions*2)
	resultCh := make(chan taskResult, s.cfg.MaxParallelActions*2)

	for i := 0; i < s.cfg.MaxParallelActions; i++ {
		g.Go(func() error {
			s.runWorker(gctx, dispatchCh, resultCh)
			return nil
		})
	}
	defer func() {
		close(dispatchCh)
		_ = g.Wait()
	}()

	var (
		rootID       string
		goalAchieved bool
		replanCount  int
		inconclusive int
		inFlight     int
		steps        int
		terminal     schemas.OperationStatus
	)

	cur := phasePlan
	for {
		if err := ctx.Err(); err != nil {
			s.bus.Post(ctx, schemas.EventOperationAborted, "", map[string]string{"reason": err.Error()})
			return schemas.OpAborted, corerr.Wrap(corerr.KindCancelled, "operation cancelled", err)
		}
		steps++
		if s.cfg.StepBudget > 0 && steps > s.cfg.StepBudget {
			terminal = schemas.OpStalled
			cur = phaseFinalize
		}

		switch cur {
		case phasePlan:
			cur, terminal = s.runPlanPhase(ctx, opID, goal, &rootID, &goalAchieved)

		case phaseDispatch:
			cur, terminal = s.runDispatchPhase(ctx, dispatchCh, &inFlight, goalAchieved, &replanCount)

		case phaseAwait:
			select {
			case res := <-resultCh:
				inFlight--
				cur, terminal = s.handleResult(ctx, opID, res, &goalAchieved, &replanCount, &inconclusive)
			case <-gctx.Done():
				return schemas.OpFailed, corerr.Wrap(corerr.KindFatal, "executor worker pool failed", gctx.Err())
			case <-ctx.Done():
				continue
			}

		case phaseFinalize:
			s.finalize(ctx, opID, terminal)
			return terminal, nil
		}
	}
}

func (s *Scheduler) runPlanPhase(ctx context.Context, opID, goal string, rootID *string, goalAchieved *bool) (phase, schemas.OperationStatus) {
	ctx, span := s.tracer.Start(ctx, "scheduler.plan")
	defer span.End()
	s.bus.Post(ctx, schemas.EventPhaseChanged, schemas.RolePlanner, schemas.PhasePlanning)

	reply, err := s.planner.Plan(ctx, goal, *rootID)
	if err != nil {
		s.logger.Error("planner failed", zap.Error(err))
		return phaseFinalize, schemas.OpFailed
	}

	decision, err := s.gate.RequestApproval(ctx, opID, reply.GraphOperations)
	if err != nil {
		s.logger.Error("intervention gate failed", zap.Error(err))
		return phaseFinalize, schemas.OpAborted
	}

	batch := reply.GraphOperations
	switch decision.Action {
	case schemas.InterventionReject:
		s.logger.Info("planner batch rejected by intervention gate", zap.String("reason", decision.Reason))
		return phasePlan, ""
	case schemas.InterventionModify:
		batch = decision.Batch
	}

	if len(batch) > 0 {
		res, err := s.store.Apply(ctx, batch)
		if err != nil {
			return phaseFinalize, schemas.OpFailed
		}
		if !res.OK {
			s.logger.Warn("planner batch rejected by graph store", zap.Any("rejections", res.Rejected))
		}
		if *rootID == "" {
			for _, cmd := range batch {
				if cmd.Command == schemas.CmdAddNode && cmd.NodeData != nil && cmd.NodeData.Kind == schemas.KindRoot {
					*rootID = cmd.NodeData.ID
				}
			}
		}
	}

	*goalAchieved = reply.GoalAchieved
	if len(batch) == 0 && !reply.GoalAchieved {
		return phaseFinalize, schemas.OpStalled
	}
	return phaseDispatch, ""
}

func (s *Scheduler) runDispatchPhase(ctx context.Context, dispatchCh chan<- string, inFlight *int, goalAchieved bool, replanCount *int) (phase, schemas.OperationStatus) {
	s.bus.Post(ctx, schemas.EventPhaseChanged, "", schemas.PhaseExecuting)

	ready, err := s.store.ReadyTasks(ctx)
	if err != nil {
		return phaseFinalize, schemas.OpFailed
	}

	dispatchedNow := 0
	for _, id := range ready {
		if *inFlight >= s.cfg.MaxParallelActions {
			break
		}
		if err := s.store.Dispatch(ctx, id); err != nil {
			continue
		}
		dispatchCh <- id
		*inFlight++
		dispatchedNow++
	}

	if *inFlight == 0 && dispatchedNow == 0 {
		if goalAchieved {
			return phaseFinalize, schemas.OpSucceeded
		}
		*replanCount++
		if *replanCount > s.cfg.ReplanLimit {
			return phaseFinalize, schemas.OpStalled
		}
		return phasePlan, ""
	}
	return phaseAwait, ""
}

func (s *Scheduler) handleResult(ctx context.Context, opID string, res taskResult, goalAchieved *bool, replanCount, inconclusive *int) (phase, schemas.OperationStatus) {
	ctx, span := s.tracer.Start(ctx, "scheduler.reflect", trace.WithAttributes(attribute.String("task_id", res.taskID)))
	defer span.End()
	s.bus.Post(ctx, schemas.EventPhaseChanged, schemas.RoleReflector, schemas.PhaseReflecting)

	view, causal, err := s.store.Snapshot(ctx)
	if err != nil {
		return phaseFinalize, schemas.OpFailed
	}
	task, ok := view.Tasks[res.taskID]
	if !ok {
		return phaseDispatch, ""
	}

	verdict, err := s.reflector.Reflect(ctx, task, res.transcript, res.staged)
	if err != nil {
		s.logger.Error("reflector failed", zap.Error(err))
		return phaseFinalize, schemas.OpFailed
	}
	if verdict.Reply.AuditResult.Status == "" {
		// already-reflected no-op (P6)
		return phaseDispatch, ""
	}

	if ai := verdict.Reply.AttackIntelligence; ai != "" {
		artifacts := append(append([]string(nil), task.Artifacts...), ai)
		patch, _ := json.Marshal(map[string]interface{}{"artifacts": artifacts})
		if _, err := s.store.Apply(ctx, []schemas.GraphCommand{{Command: schemas.CmdUpdateNode, ID: res.taskID, Updates: patch}}); err != nil {
			s.logger.Warn("append attack intelligence artifact failed", zap.Error(err))
		}
	}

	if err := s.store.CompleteTask(ctx, res.taskID, verdict.NextTaskState, attributionLevel(verdict.Reply.FailureAttribution), attributionRationale(verdict.Reply.FailureAttribution)); err != nil {
		s.logger.Warn("complete task after reflection failed", zap.Error(err))
	}

	_, causal, _ = s.store.Snapshot(ctx)
	if reflector.HardVeto(verdict.Reply, causal) {
		s.bus.Post(ctx, schemas.EventMissionAccomplished, schemas.RoleReflector, res.taskID)
		if s.reporter != nil {
			if err := s.reporter.Report(ctx, opID, causal); err != nil {
				s.logger.Warn("filing vulnerability report failed", zap.Error(err))
			}
		}
		return phaseFinalize, schemas.OpSucceeded
	}

	if verdict.Reply.GlobalMissionAccomplished {
		*goalAchieved = true
	}

	switch verdict.Reply.AuditResult.Status {
	case "inconclusive":
		*inconclusive++
	default:
		*inconclusive = 0
	}
	if *inconclusive >= 3 {
		*inconclusive = 0
		return phasePlan, ""
	}

	switch reflector.Route(verdict.Reply.FailureAttribution) {
	case reflector.RouteAbort:
		return phaseFinalize, schemas.OpFailed
	case reflector.RouteParentReplan, reflector.RouteOperationReplan:
		*replanCount++
		if *replanCount > s.cfg.ReplanLimit {
			return phaseFinalize, schemas.OpStalled
		}
		return phasePlan, ""
	}

	return phaseDispatch, ""
}

func (s *Scheduler) finalize(ctx context.Context, opID string, status schemas.OperationStatus) {
	view, causal, err := s.store.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("finalize snapshot failed", zap.Error(err))
		return
	}
	if s.checkpoint != nil {
		if err := s.checkpoint.Checkpoint(ctx, opID, view, causal); err != nil {
			s.logger.Warn("finalize checkpoint failed", zap.Error(err))
		}
	}
	s.bus.Post(ctx, schemas.EventPhaseChanged, "", fmt.Sprintf("finalized:%s", status))
}

func (s *Scheduler) runWorker(ctx context.Context, dispatchCh <-chan string, resultCh chan<- taskResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID, ok := <-dispatchCh:
			if !ok {
				return
			}
			s.runTaskToCompletion(ctx, taskID, resultCh)
		}
	}
}

func (s *Scheduler) runTaskToCompletion(ctx context.Context, taskID string, resultCh chan<- taskResult) {
	steps := 0
	for {
		steps++
		if s.cfg.SubtaskStepBudget > 0 && steps > s.cfg.SubtaskStepBudget {
			_ = s.store.CompleteTask(ctx, taskID, schemas.StatusFailed, schemas.FailureL4, fmt.Sprintf("subtask step budget exceeded: %d steps", s.cfg.SubtaskStepBudget))
			resultCh <- taskResult{taskID: taskID, status: schemas.StatusFailed}
			return
		}

		view, _, err := s.store.Snapshot(ctx)
		if err != nil {
			resultCh <- taskResult{taskID: taskID, err: err}
			return
		}
		task, ok := view.Tasks[taskID]
		if !ok || task.Status.IsTerminal() {
			resultCh <- taskResult{taskID: taskID, status: task.Status}
			return
		}

		step, err := s.executor.RunStep(ctx, task)
		if err != nil {
			s.logger.Error("executor step failed", zap.String("task_id", taskID), zap.Error(err))
			_ = s.store.CompleteTask(ctx, taskID, schemas.StatusFailed, schemas.FailureL1, err.Error())
			resultCh <- taskResult{taskID: taskID, status: schemas.StatusFailed, err: err}
			return
		}
		if step.Repeated {
			_ = s.store.CompleteTask(ctx, taskID, schemas.StatusFailed, schemas.FailureL2, "repeated identical tool call: "+step.RepeatedOn)
			resultCh <- taskResult{taskID: taskID, status: schemas.StatusFailed}
			return
		}
		s.bus.Post(ctx, schemas.EventStepCompleted, schemas.RoleExecutor, map[string]interface{}{"task_id": taskID, "action_ids": step.ActionIDs})

		if step.Reply.IsSubtaskComplete {
			resultCh <- taskResult{
				taskID:     taskID,
				status:     schemas.StatusInProgress, // reflector assigns the terminal status
				transcript: s.executor.History(taskID),
				staged:     step.Reply.StagedCausalNodes,
			}
			return
		}

		if ctx.Err() != nil {
			resultCh <- taskResult{taskID: taskID, status: schemas.StatusAborted}
			return
		}
	}
}

func attributionLevel(fa *schemas.FailureAttribution) schemas.FailureLevel {
	if fa == nil {
		return schemas.FailureNone
	}
	return fa.Level
}

func attributionRationale(fa *schemas.FailureAttribution) string {
	if fa == nil {
		return ""
	}
	return fa.Rationale
}
