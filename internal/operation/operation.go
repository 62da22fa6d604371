// Package operation wires the graph store, event broker, LLM router, tool
// host, the three cognitive drivers, the intervention gate and the
// scheduler into one runnable unit, and exposes the external API of §6.1:
// start_operation, abort_operation, subscribe, submit_intervention,
// inject_task and snapshot.
package operation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/checkpoint"
	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/eventbus"
	"github.com/cogloop/cogloop/internal/executor"
	"github.com/cogloop/cogloop/internal/graphstore"
	"github.com/cogloop/cogloop/internal/intervention"
	"github.com/cogloop/cogloop/internal/llmclient"
	"github.com/cogloop/cogloop/internal/planner"
	"github.com/cogloop/cogloop/internal/reflector"
	"github.com/cogloop/cogloop/internal/report"
	"github.com/cogloop/cogloop/internal/scheduler"
	"github.com/cogloop/cogloop/internal/schemas"
	"github.com/cogloop/cogloop/internal/toolhost"
)

// Handle is a single running (or finished) operation, as returned by
// Runtime.StartOperation.
type Handle struct {
	ID     string
	cancel context.CancelFunc
	gate   *intervention.Manager // this operation's own gate; may differ from Runtime.gate per StartOptions.HITL

	mu     sync.Mutex
	status schemas.OperationStatus
	err    error
	done   chan struct{}
}

// Status returns the current or terminal status of the operation.
func (h *Handle) Status() (schemas.OperationStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

// Wait blocks until the operation reaches a terminal status or ctx is done.
func (h *Handle) Wait(ctx context.Context) (schemas.OperationStatus, error) {
	select {
	case <-h.done:
		return h.Status()
	case <-ctx.Done():
		return schemas.OpRunning, ctx.Err()
	}
}

func (h *Handle) finish(status schemas.OperationStatus, err error) {
	h.mu.Lock()
	h.status = status
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Runtime is the process-wide set of dependencies shared across operations:
// one graph store, one event broker, one LLM router, one tool host client.
// Each operation gets its own Scheduler and Handle; it gets its own
// intervention Manager only when StartOptions.HITL is set, and otherwise
// shares the Runtime-wide one.
type Runtime struct {
	cfg    config.Config
	logger *zap.Logger

	store  graphstore.Store
	bus    *eventbus.Broker
	tools  *toolhost.Client
	gate   *intervention.Manager
	router *llmclient.Router

	planner   *planner.Driver
	executor  *executor.Driver
	reflector *reflector.Driver

	checkpoint *checkpoint.Archiver
	reporter   *report.Reporter

	mu   sync.Mutex
	ops  map[string]*Handle
}

// New builds a Runtime, connecting to Postgres if cfg.Graph.Type is
// "postgres", otherwise using the in-memory graph store.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	var store graphstore.Store
	if cfg.Graph.Type == "postgres" {
		pg, err := graphstore.NewPostgres(ctx, logger, cfg.Graph.Postgres.DSN())
		if err != nil {
			return nil, corerr.Wrap(corerr.KindFatal, "connect graph store", err)
		}
		store = pg
	} else {
		store = graphstore.NewInMemory(logger)
	}

	bus := eventbus.New(logger, cfg.EventBus.SubscriberQueueSize, cfg.EventBus.ReplayBufferSize)
	store.SetBus(bus)

	router, err := llmclient.NewRouter(ctx, cfg.LLM, logger, bus, schemas.OutputDefault)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindFatal, "build llm router", err)
	}

	tools := toolhost.New(toolhost.Config{
		Endpoint:         cfg.ToolHost.Endpoint,
		CallTimeout:      cfg.ToolHost.CallTimeout,
		MaxRetries:       cfg.ToolHost.MaxRetries,
		MaxResponseBytes: cfg.ToolHost.MaxResponseBytes,
		InitialBackoff:   cfg.ToolHost.InitialBackoff,
		MaxBackoff:       cfg.ToolHost.MaxBackoff,
	}, logger, nil)

	gate := intervention.New(intervention.Config{
		SigningKey:  []byte(cfg.Intervention.JWTSigningKey),
		CallbackTTL: cfg.Intervention.CallbackTTL,
		Timeout:     cfg.Intervention.Timeout,
		AutoApprove: cfg.Intervention.AutoApprove || !cfg.Intervention.Enabled,
	}, logger)
	gate.SetBus(bus)

	ckpt, err := checkpoint.New(cfg.Checkpoint, logger)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindFatal, "build checkpoint archiver", err)
	}
	reporter := report.New(cfg.Report, logger)

	return &Runtime{
		cfg:        cfg,
		logger:     logger.Named("operation"),
		store:      store,
		bus:        bus,
		tools:      tools,
		gate:       gate,
		router:     router,
		planner:    planner.New(router, store, logger),
		executor:   executor.New(router, store, tools, logger),
		reflector:  reflector.New(router, store, logger),
		checkpoint: ckpt,
		reporter:   reporter,
		ops:        make(map[string]*Handle),
	}, nil
}

// StartOptions configures a single operation independently of any other
// operation concurrently running on the same Runtime (§3.4's operation
// independence; §6.1's start_operation(goal, opts)). Zero values inherit the
// Runtime-wide defaults from Config.
type StartOptions struct {
	// MaxParallel overrides SchedulerConfig.MaxParallelActions. 0 inherits.
	MaxParallel int
	// StepBudget overrides SchedulerConfig.StepBudget. 0 inherits.
	StepBudget int
	// ReplanLimit overrides SchedulerConfig.ReplanLimit. 0 inherits.
	ReplanLimit int
	// HITL overrides whether Planner batches block on human approval. nil
	// inherits InterventionConfig.Enabled/AutoApprove; true requires
	// approval (no auto-approve); false auto-approves every batch.
	HITL *bool
	// Models overrides the model name used for one or more roles.
	Models map[schemas.Role]string
	// OutputMode overrides how much detail llm.request/llm.response events
	// carry for this operation. Empty inherits the Runtime default.
	OutputMode schemas.OutputMode
}

// StartOperation begins a new operation pursuing goal and returns a Handle
// immediately; the P-E-R loop runs on its own goroutine. opts scopes this
// operation's parallelism, budget, HITL behavior, per-role models and output
// verbosity independently of every other operation sharing this Runtime.
func (r *Runtime) StartOperation(parent context.Context, goal string, opts StartOptions) *Handle {
	opID := "op-" + uuid.NewString()
	ctx, cancel := context.WithCancel(parent)

	schedCfg := r.cfg.Scheduler
	if opts.MaxParallel > 0 {
		schedCfg.MaxParallelActions = opts.MaxParallel
	}
	if opts.StepBudget > 0 {
		schedCfg.StepBudget = opts.StepBudget
	}
	if opts.ReplanLimit > 0 {
		schedCfg.ReplanLimit = opts.ReplanLimit
	}

	gate := r.gate
	if opts.HITL != nil {
		gate = intervention.New(intervention.Config{
			SigningKey:  []byte(r.cfg.Intervention.JWTSigningKey),
			CallbackTTL: r.cfg.Intervention.CallbackTTL,
			Timeout:     r.cfg.Intervention.Timeout,
			AutoApprove: !*opts.HITL,
		}, r.logger)
		gate.SetBus(r.bus)
	}

	h := &Handle{ID: opID, cancel: cancel, gate: gate, status: schemas.OpRunning, done: make(chan struct{})}
	r.mu.Lock()
	r.ops[opID] = h
	r.mu.Unlock()

	pDriver, eDriver, rDriver := r.planner, r.executor, r.reflector
	if len(opts.Models) > 0 || opts.OutputMode != "" {
		opRouter := r.router.WithRoleModels(opts.Models, opts.OutputMode)
		pDriver = planner.New(opRouter, r.store, r.logger)
		eDriver = executor.New(opRouter, r.store, r.tools, r.logger)
		rDriver = reflector.New(opRouter, r.store, r.logger)
	}

	sched := scheduler.New(r.store, r.bus, pDriver, eDriver, rDriver, gate, r.checkpoint, r.reporter, schedCfg, r.logger)

	go func() {
		status, err := sched.Run(ctx, opID, goal)
		if err != nil {
			r.logger.Error("operation ended with error", zap.String("op_id", opID), zap.Error(err))
		}
		h.finish(status, err)
	}()

	return h
}

// AbortOperation cancels a running operation's context. The scheduler stops
// at its next loop check and waits for in-flight workers to return; no
// grace deadline is applied to that wait.
func (r *Runtime) AbortOperation(opID string) error {
	r.mu.Lock()
	h, ok := r.ops[opID]
	r.mu.Unlock()
	if !ok {
		return corerr.New(corerr.KindValidation, fmt.Sprintf("unknown operation %q", opID))
	}
	h.cancel()
	return nil
}

// Subscribe returns a live event channel and its unsubscribe func, optionally
// replaying from fromSeq (§6.3). A nil fromSeq starts from the current head.
func (r *Runtime) Subscribe(subscriberID string, fromSeq *uint64) (<-chan schemas.Event, func()) {
	return r.bus.Subscribe(subscriberID, fromSeq)
}

// SubmitIntervention resolves a pending Planner-batch approval request.
// Operations started with a StartOptions.HITL override run against their
// own intervention.Manager rather than the Runtime-wide gate, so this tries
// every gate currently in play and returns the first successful resolution.
func (r *Runtime) SubmitIntervention(requestID, token string, decision schemas.InterventionDecision) error {
	r.mu.Lock()
	gates := map[*intervention.Manager]struct{}{r.gate: {}}
	for _, h := range r.ops {
		gates[h.gate] = struct{}{}
	}
	r.mu.Unlock()

	var lastErr error
	for g := range gates {
		if err := g.SubmitDecision(requestID, token, decision); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// InjectTask appends an externally supplied task node directly into the
// task DAG, bypassing the Planner (§6.1's inject_task).
func (r *Runtime) InjectTask(ctx context.Context, task schemas.TaskNode) error {
	res, err := r.store.Apply(ctx, []schemas.GraphCommand{{Command: schemas.CmdAddNode, NodeData: &task}})
	if err != nil {
		return err
	}
	if !res.OK {
		return corerr.New(corerr.KindInvariant, fmt.Sprintf("inject_task rejected: %+v", res.Rejected))
	}
	return nil
}

// Snapshot returns the current task DAG and causal graph views (§6.1's
// snapshot).
func (r *Runtime) Snapshot(ctx context.Context) (schemas.TaskGraphView, schemas.CausalGraphView, error) {
	return r.store.Snapshot(ctx)
}

// Close releases the runtime's shared resources.
func (r *Runtime) Close(ctx context.Context) error {
	return r.store.Close(ctx)
}
