package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crew/internal/actions"
	"github.com/rendis/crew/internal/expressions"
	"github.com/rendis/crew/internal/logging"
	"github.com/rendis/crew/internal/metrics"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/pkg/schema"
)

// Default tick delays. The short pause after a transition lets the team
// appear to think between steps.
const (
	DefaultTransitionDelay = 2 * time.Second
	DefaultIdleDelay       = 5 * time.Second
)

// DefinitionLookup resolves workflow definitions by id.
type DefinitionLookup interface {
	Get(id string) (*schema.WorkflowDefinition, error)
}

// ActionLookup resolves actions by id.
type ActionLookup interface {
	Get(id string) (actions.Action, error)
}

// GuardChecker evaluates transition guards against a scope built by
// expressions.GuardScope.
type GuardChecker interface {
	CheckAll(ctx context.Context, guards []schema.Guard, scope map[string]any) (bool, *schema.Guard, error)
}

// Config tunes the engine.
type Config struct {
	TransitionDelay time.Duration
	IdleDelay       time.Duration
	PoolSize        int
}

// Deps are the engine's collaborators. Scheduler, Hub and Metrics may be nil.
type Deps struct {
	Instances   store.InstanceStore
	Tickets     store.TicketStore
	Users       store.UserStore
	Comments    store.CommentStore
	Definitions DefinitionLookup
	Actions     ActionLookup
	Guards      GuardChecker
	Scheduler   TickScheduler
	Hub         streaming.Hub
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	Now         func() time.Time
}

// Engine drives workflow instances through their definitions: it runs the
// actions bound to the current state, applies transitions, persists the
// context after every step and schedules the next tick.
type Engine struct {
	cfg       Config
	deps      Deps
	scheduler TickScheduler
	pool      *TickPool
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	executing map[string]struct{}
	locks     map[string]*sync.Mutex
}

// New builds an engine. Call Close to stop pending ticks and drain the pool.
func New(cfg Config, deps Deps) *Engine {
	if cfg.TransitionDelay <= 0 {
		cfg.TransitionDelay = DefaultTransitionDelay
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sched := deps.Scheduler
	if sched == nil {
		sched = NewTimerScheduler()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		scheduler: sched,
		pool:      NewTickPool(cfg.PoolSize, logger),
		logger:    logger.With("component", "engine"),
		ctx:       ctx,
		cancel:    cancel,
		executing: make(map[string]struct{}),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Close cancels every pending tick and waits for running ones.
func (e *Engine) Close() {
	e.scheduler.CancelAll()
	e.cancel()
	e.pool.Shutdown()
}

// Wait blocks until every submitted tick has finished.
func (e *Engine) Wait() {
	e.pool.Wait()
}

func (e *Engine) now() time.Time {
	if e.deps.Now != nil {
		return e.deps.Now()
	}
	return time.Now().UTC()
}

// --- re-entrancy and persistence guards ---

func (e *Engine) tryAcquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.executing[id]; busy {
		return false
	}
	e.executing[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executing, id)
}

// IsExecuting reports whether a tick for id is running.
func (e *Engine) IsExecuting(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.executing[id]
	return busy
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// persist saves inst. Lifecycle writes made since inst was loaded win: a
// stored pause or failure replaces an active status held in memory, stored
// metadata keys replace in-memory ones, and the version never goes back.
func (e *Engine) persist(ctx context.Context, inst *store.WorkflowInstance) error {
	l := e.lockFor(inst.ID)
	l.Lock()
	defer l.Unlock()

	stored, err := e.deps.Instances.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if inst.Status == schema.WorkflowStatusActive && stored.Status != schema.WorkflowStatusActive {
		inst.Status = stored.Status
	}
	if len(stored.Context.Metadata) > 0 {
		if inst.Context.Metadata == nil {
			inst.Context.Metadata = make(map[string]any, len(stored.Context.Metadata))
		}
		for k, v := range stored.Context.Metadata {
			inst.Context.Metadata[k] = v
		}
	}
	if inst.Context.Version <= stored.Context.Version {
		inst.Context.Version = stored.Context.Version + 1
	}
	inst.CurrentState = inst.Context.CurrentState
	inst.UpdatedAt = e.now()
	return e.deps.Instances.SaveInstance(ctx, inst)
}

// --- scheduling ---

// ScheduleTick queues an ExecuteWorkflow call for id after delay, replacing
// any tick already pending for it.
func (e *Engine) ScheduleTick(id string, delay time.Duration) {
	e.scheduler.Schedule(id, delay, func() {
		if n := e.pool.InFlight(id); n > 0 {
			e.logger.Debug("tick queued behind another", "instance_id", id, "in_flight", n)
		}
		err := e.pool.Submit(e.ctx, id, func(ctx context.Context) error {
			_, err := e.ExecuteWorkflow(ctx, id)
			return err
		})
		if err != nil {
			e.logger.Warn("tick not submitted", "instance_id", id, "error", err)
		}
	})
	e.deps.Metrics.ScheduledTicks(e.scheduler.Pending())
}

func (e *Engine) cancelTick(id string) {
	e.scheduler.Cancel(id)
	e.deps.Metrics.ScheduledTicks(e.scheduler.Pending())
}

// --- public contract ---

// GetInstance loads an instance.
func (e *Engine) GetInstance(ctx context.Context, id string) (*store.WorkflowInstance, error) {
	return e.deps.Instances.GetInstance(ctx, id)
}

// ListInstances lists instances matching filter.
func (e *Engine) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.WorkflowInstance, error) {
	return e.deps.Instances.ListInstances(ctx, filter)
}

// StartWorkflow creates an instance of definitionID for (ticketID, agentID)
// and schedules its first tick. If the pair already has an active or paused
// instance, that instance is returned unchanged. Unresolvable definitions,
// tickets or agents and missing capabilities return a nil instance with the
// reason as error.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID, ticketID, agentID string) (*store.WorkflowInstance, error) {
	ctx = logging.WithIDs(ctx, "", ticketID, agentID)

	existing, err := e.deps.Instances.FindOpenInstance(ctx, ticketID, agentID)
	if err == nil {
		e.logger.DebugContext(ctx, "workflow already open", "instance_id", existing.ID)
		return existing, nil
	}
	if !schema.IsNotFound(err) {
		return nil, err
	}

	def, err := e.deps.Definitions.Get(definitionID)
	if err != nil {
		e.logger.WarnContext(ctx, "cannot start workflow", "definition", definitionID, "error", err)
		return nil, err
	}
	if _, err := e.deps.Tickets.GetTicket(ctx, ticketID); err != nil {
		e.logger.WarnContext(ctx, "cannot start workflow", "error", err)
		return nil, err
	}
	agent, err := e.deps.Users.GetUser(ctx, agentID)
	if err != nil {
		e.logger.WarnContext(ctx, "cannot start workflow", "error", err)
		return nil, err
	}
	if !agent.HasCapabilities(def.RequiredCapabilities) {
		err := schema.NewErrorf(schema.ErrCodeCapabilityMissing,
			"agent %s lacks capabilities %v required by %s", agentID, def.RequiredCapabilities, def.ID)
		e.logger.WarnContext(ctx, "cannot start workflow", "error", err)
		return nil, err
	}

	now := e.now()
	wfCtx := schema.NewWorkflowContext(def, ticketID, agentID, now)
	inst := &store.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		AgentID:      agentID,
		TicketID:     ticketID,
		Status:       schema.WorkflowStatusActive,
		CurrentState: def.InitialState,
		Context:      *wfCtx,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.deps.Instances.CreateInstance(ctx, inst); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			// Lost a creation race; the winner is the open instance.
			return e.deps.Instances.FindOpenInstance(ctx, ticketID, agentID)
		}
		return nil, err
	}

	e.logger.InfoContext(ctx, "workflow started", "instance_id", inst.ID, "definition", def.ID)
	e.deps.Metrics.Lifecycle("started")
	e.emit(ctx, inst)
	e.ScheduleTick(inst.ID, 0)
	return inst, nil
}

// ExecuteWorkflow runs one tick. If a tick for the same instance is already
// running it returns (nil, nil) at once. Inactive instances are returned
// as-is.
func (e *Engine) ExecuteWorkflow(ctx context.Context, instanceID string) (*store.WorkflowInstance, error) {
	if !e.tryAcquire(instanceID) {
		e.deps.Metrics.WorkflowTick(metrics.TickSkipped)
		return nil, nil
	}
	defer e.release(instanceID)

	ctx = logging.WithInstanceID(ctx, instanceID)
	inst, err := e.deps.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		e.logger.WarnContext(ctx, "tick for unknown instance", "error", err)
		return nil, err
	}
	if inst.Status != schema.WorkflowStatusActive {
		return inst, nil
	}
	ctx = logging.WithIDs(ctx, "", inst.TicketID, inst.AgentID)

	def, err := e.deps.Definitions.Get(inst.DefinitionID)
	if err != nil {
		return e.failInstance(ctx, inst, "workflow definition "+inst.DefinitionID+" is no longer registered", true)
	}
	ticket, err := e.deps.Tickets.GetTicket(ctx, inst.TicketID)
	if err != nil {
		return e.failInstance(ctx, inst, "ticket is gone", false)
	}
	agent, err := e.deps.Users.GetUser(ctx, inst.AgentID)
	if err != nil {
		return e.failInstance(ctx, inst, "agent is gone", true)
	}

	outcome := metrics.TickIdle
	for _, actionID := range def.StateActions[inst.CurrentState] {
		next, moved, stop := e.runAction(ctx, inst, def, ticket, agent, actionID)
		inst = next
		if moved {
			outcome = metrics.TickTransition
		}
		if stop {
			if !moved && outcome == metrics.TickIdle {
				outcome = metrics.TickActionError
			}
			break
		}
	}

	switch inst.Status {
	case schema.WorkflowStatusActive:
		delay := e.cfg.IdleDelay
		if outcome == metrics.TickTransition {
			delay = e.cfg.TransitionDelay
		}
		e.ScheduleTick(inst.ID, delay)
	case schema.WorkflowStatusCompleted:
		outcome = metrics.TickCompleted
	}
	e.deps.Metrics.WorkflowTick(outcome)
	return inst, nil
}

// runAction executes one action and records it. stop ends the tick, moved
// reports a successful transition.
func (e *Engine) runAction(ctx context.Context, inst *store.WorkflowInstance, def *schema.WorkflowDefinition,
	ticket *store.Ticket, agent *store.User, actionID string) (_ *store.WorkflowInstance, moved, stop bool) {
	state := inst.Context.CurrentState

	act, err := e.deps.Actions.Get(actionID)
	if err != nil {
		e.recordFailure(ctx, inst, actionID, state, err)
		return inst, false, true
	}
	snapshot, err := inst.Context.Clone()
	if err != nil {
		e.recordFailure(ctx, inst, actionID, state, err)
		return inst, false, true
	}

	out, err := act.Execute(ctx, actions.Input{
		InstanceID: inst.ID,
		Ticket:     ticket,
		Agent:      agent,
		Context:    snapshot,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "action failed", "action", actionID, "state", state, "error", err)
		e.recordFailure(ctx, inst, actionID, state, err)
		return inst, false, true
	}

	status := schema.ActionStatusCompleted
	if !out.Success {
		status = schema.ActionStatusFailed
	}
	now := e.now()
	inst.Context.MergeStateData(out.StateUpdates(), now)
	inst.Context.AppendHistory(schema.ActionHistoryEntry{
		ActionID:  actionID,
		Timestamp: now,
		State:     state,
		Status:    status,
		Notes:     out.Notes,
	})
	if err := e.persist(ctx, inst); err != nil {
		e.logger.ErrorContext(ctx, "persist after action failed", "action", actionID, "error", err)
		return inst, false, true
	}
	e.emit(ctx, inst)

	if out.NextState == "" {
		if !out.Success {
			e.logger.InfoContext(ctx, "action reported failure", "action", actionID, "state", state, "notes", out.Notes)
		}
		// A failed action ends the tick; the state's remaining actions wait.
		return inst, false, !out.Success
	}
	if inst.Status != schema.WorkflowStatusActive {
		// Paused or failed while the action ran; the transition waits for resume.
		return inst, false, true
	}
	next, err := e.transition(ctx, inst, def, out.NextState, out.Trigger, nil)
	if err != nil {
		e.logger.InfoContext(ctx, "transition not taken", "to", out.NextState, "trigger", out.Trigger, "reason", err)
		return inst, false, true
	}
	return next, true, true
}

func (e *Engine) recordFailure(ctx context.Context, inst *store.WorkflowInstance, actionID, state string, cause error) {
	inst.Context.AppendHistory(schema.ActionHistoryEntry{
		ActionID:  actionID,
		Timestamp: e.now(),
		State:     state,
		Status:    schema.ActionStatusFailed,
		Notes:     cause.Error(),
	})
	if err := e.persist(ctx, inst); err != nil {
		e.logger.ErrorContext(ctx, "persist after action failure failed", "action", actionID, "error", err)
	}
}

// TransitionWorkflow moves an active instance to toState if a transition
// (current, toState, trigger) is declared and all its guards accept the
// context with contextUpdates merged in. On rejection the instance is left
// untouched and the error says why.
func (e *Engine) TransitionWorkflow(ctx context.Context, instanceID, toState, trigger string, contextUpdates map[string]any) (*store.WorkflowInstance, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)
	inst, err := e.deps.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.deps.Definitions.Get(inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	next, err := e.transition(ctx, inst, def, toState, trigger, contextUpdates)
	if err != nil {
		e.logger.InfoContext(ctx, "transition rejected", "to", toState, "trigger", trigger, "reason", err)
		return nil, err
	}
	return next, nil
}

func (e *Engine) transition(ctx context.Context, inst *store.WorkflowInstance, def *schema.WorkflowDefinition,
	toState, trigger string, updates map[string]any) (*store.WorkflowInstance, error) {
	if inst.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "instance is %s", inst.Status).WithInstance(inst.ID)
	}
	from := inst.Context.CurrentState
	tr, ok := def.FindTransition(from, toState, trigger)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"no transition %s -> %s on %q", from, toState, trigger).WithInstance(inst.ID)
	}

	scope := expressions.GuardScope(&inst.Context, updates)
	passed, rejected, gerr := e.deps.Guards.CheckAll(ctx, tr.Guards, scope)
	if !passed {
		name := ""
		if rejected != nil {
			name = rejected.Name
		}
		cerr := schema.NewErrorf(schema.ErrCodeGuardRejected,
			"guard %q rejected %s -> %s", name, from, toState).WithInstance(inst.ID)
		if gerr != nil {
			cerr = cerr.WithCause(gerr)
		}
		return nil, cerr
	}

	now := e.now()
	inst.Context.MergeStateData(updates, now)

	if toState == schema.StateFailed {
		return e.failInstance(ctx, inst, "guard-gated failure in state "+from, true)
	}

	inst.Context.MoveTo(toState, now)
	if def.IsFinal(toState) {
		inst.Status = schema.WorkflowStatusCompleted
	}
	if err := e.persist(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "workflow transitioned", "from", from, "to", toState, "trigger", trigger)
	e.deps.Metrics.Transition(from, toState)
	e.emit(ctx, inst)

	if inst.Status == schema.WorkflowStatusCompleted {
		e.onCompleted(ctx, inst, def)
	}
	return inst, nil
}

func (e *Engine) emit(ctx context.Context, inst *store.WorkflowInstance) {
	streaming.Emit(ctx, e.deps.Hub, streaming.Event{
		Name:       schema.EventWorkflowUpdated,
		TicketID:   inst.TicketID,
		InstanceID: inst.ID,
		Payload: map[string]any{
			"id":            inst.ID,
			"definition_id": inst.DefinitionID,
			"agent_id":      inst.AgentID,
			"status":        inst.Status,
			"current_state": inst.Context.CurrentState,
			"version":       inst.Context.Version,
		},
	})
}
