// Package orchestrator turns ticket lifecycle events into workflow lifecycle
// calls: assignment starts work, status changes pause, resume or discard it,
// and a restart picks active work back up.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/crew/internal/logging"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/taskflow"
	"github.com/rendis/crew/internal/workflow"
	"github.com/rendis/crew/pkg/schema"
)

// Engine is the workflow engine surface the orchestrator drives.
type Engine interface {
	StartWorkflow(ctx context.Context, definitionID, ticketID, agentID string) (*store.WorkflowInstance, error)
	PauseWorkflow(ctx context.Context, instanceID, reason string) (*store.WorkflowInstance, error)
	ResumeWorkflow(ctx context.Context, instanceID string) (*store.WorkflowInstance, error)
	FailWorkflow(ctx context.Context, instanceID, reason string) (*store.WorkflowInstance, error)
	DiscardWorkflow(ctx context.Context, instanceID, reason string) (*store.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.WorkflowInstance, error)
	ScheduleTick(instanceID string, delay time.Duration)
}

// Deps are the orchestrator's collaborators. TaskDeps and TaskConfig build
// the task loop for open-ended tickets.
type Deps struct {
	Engine     Engine
	Tickets    store.TicketStore
	TaskDeps   taskflow.Deps
	TaskConfig taskflow.Config
	Logger     *slog.Logger
}

// Assignment reports what an assignment started. At most one of Instance
// and Task is set; both are nil when nothing could be started.
type Assignment struct {
	Instance *store.WorkflowInstance
	Task     *taskflow.Task
}

type runningTask struct {
	task   *taskflow.Task
	cancel context.CancelFunc
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*runningTask // keyed by ticket and agent
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:   deps,
		logger: deps.Logger.With("component", "orchestrator"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*runningTask),
	}
}

// Close cancels running tasks and waits for them to stop.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until every started task has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func taskKey(ticketID, agentID string) string { return ticketID + "/" + agentID }

// OnTicketAssigned handles an assignee change. The previous assignee's open
// work on the ticket is failed; the new assignee gets a workflow chosen by
// ticket type, or the task loop for open-ended tickets.
func (o *Orchestrator) OnTicketAssigned(ctx context.Context, ticketID, assigneeID, previousID string) (*Assignment, error) {
	ctx = logging.WithTicketID(ctx, ticketID)

	if previousID != "" && previousID != assigneeID {
		o.stopAgentWork(ctx, ticketID, previousID, fmt.Sprintf("ticket reassigned to %s", orNobody(assigneeID)))
	}
	if assigneeID == "" {
		return &Assignment{}, nil
	}

	ticket, err := o.deps.Tickets.GetTicket(ctx, ticketID)
	if err != nil {
		if schema.IsNotFound(err) {
			o.logger.WarnContext(ctx, "assigned ticket not found")
			return &Assignment{}, nil
		}
		return nil, err
	}
	switch ticket.Status {
	case schema.TicketStatusDone, schema.TicketStatusClosed:
		o.logger.InfoContext(ctx, "ticket already finished, not starting work", "status", ticket.Status)
		return &Assignment{}, nil
	}

	defID := workflow.DefinitionForTicketType(ticket.Type)
	if defID == "" {
		return &Assignment{Task: o.RunTask(ctx, ticketID, assigneeID)}, nil
	}

	inst, err := o.deps.Engine.StartWorkflow(ctx, defID, ticketID, assigneeID)
	if err != nil {
		// Unresolvable definitions, tickets, agents or capabilities are
		// logged and dropped.
		o.logger.WarnContext(ctx, "workflow not started", "definition_id", defID, "agent_id", assigneeID, "error", err)
		return &Assignment{}, nil
	}
	if ticket.Status == schema.TicketStatusBlocked && inst.Status == schema.WorkflowStatusActive {
		if paused, err := o.deps.Engine.PauseWorkflow(ctx, inst.ID, "ticket blocked"); err == nil {
			inst = paused
		}
	}
	return &Assignment{Instance: inst}, nil
}

// OnTicketStatusChanged pauses work on a blocked ticket, resumes it when
// the ticket moves back to todo or in_progress, and discards it when the
// ticket is done or closed from outside the workflow.
func (o *Orchestrator) OnTicketStatusChanged(ctx context.Context, ticketID, oldStatus, newStatus string) error {
	ctx = logging.WithTicketID(ctx, ticketID)
	if oldStatus == newStatus {
		return nil
	}

	open, err := o.openInstances(ctx, ticketID)
	if err != nil {
		return err
	}

	switch newStatus {
	case schema.TicketStatusBlocked:
		for _, inst := range open {
			if inst.Status != schema.WorkflowStatusActive {
				continue
			}
			if _, err := o.deps.Engine.PauseWorkflow(ctx, inst.ID, "ticket blocked"); err != nil {
				o.logger.WarnContext(ctx, "pause failed", "instance_id", inst.ID, "error", err)
			}
		}
	case schema.TicketStatusTodo, schema.TicketStatusInProgress:
		for _, inst := range open {
			if inst.Status != schema.WorkflowStatusPaused {
				continue
			}
			if _, err := o.deps.Engine.ResumeWorkflow(ctx, inst.ID); err != nil {
				o.logger.WarnContext(ctx, "resume failed", "instance_id", inst.ID, "error", err)
			}
		}
	case schema.TicketStatusDone, schema.TicketStatusClosed:
		reason := "ticket marked " + newStatus
		for _, inst := range open {
			o.discard(ctx, inst, reason)
		}
		o.stopTasks(ticketID, "")
	}
	return nil
}

// OnTicketDeleted discards all open work on the ticket.
func (o *Orchestrator) OnTicketDeleted(ctx context.Context, ticketID string) error {
	ctx = logging.WithTicketID(ctx, ticketID)
	open, err := o.openInstances(ctx, ticketID)
	if err != nil {
		return err
	}
	for _, inst := range open {
		o.discard(ctx, inst, "ticket deleted")
	}
	o.stopTasks(ticketID, "")
	return nil
}

// ResumeInFlight schedules a tick for every active instance, typically at
// process start. Paused instances stay paused. Returns the number resumed.
func (o *Orchestrator) ResumeInFlight(ctx context.Context) (int, error) {
	status := schema.WorkflowStatusActive
	active, err := o.deps.Engine.ListInstances(ctx, store.InstanceFilter{Status: &status})
	if err != nil {
		return 0, err
	}
	for _, inst := range active {
		o.deps.Engine.ScheduleTick(inst.ID, 0)
	}
	o.logger.InfoContext(ctx, "resumed in-flight workflows", "count", len(active))
	return len(active), nil
}

// RunTask starts the task loop for (ticket, agent) in the background. A
// task already running for the pair is returned instead.
func (o *Orchestrator) RunTask(ctx context.Context, ticketID, agentID string) *taskflow.Task {
	key := taskKey(ticketID, agentID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if rt, ok := o.tasks[key]; ok && !rt.task.State().Status.IsTerminal() {
		return rt.task
	}

	taskCtx, cancel := context.WithCancel(o.ctx)
	taskCtx = logging.WithIDs(taskCtx, "", ticketID, agentID)
	task := taskflow.New(o.deps.TaskConfig, o.deps.TaskDeps, ticketID, agentID)
	o.tasks[key] = &runningTask{task: task, cancel: cancel}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		state, err := task.Execute(taskCtx)
		if err != nil {
			o.logger.WarnContext(taskCtx, "task ended with error", "error", err)
			return
		}
		o.logger.InfoContext(taskCtx, "task finished", "status", state.Status)
	}()
	o.logger.InfoContext(ctx, "task started", "ticket_id", ticketID, "agent_id", agentID)
	return task
}

// Task returns the most recent task for (ticket, agent).
func (o *Orchestrator) Task(ticketID, agentID string) (*taskflow.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.tasks[taskKey(ticketID, agentID)]
	if !ok {
		return nil, false
	}
	return rt.task, true
}

func (o *Orchestrator) openInstances(ctx context.Context, ticketID string) ([]*store.WorkflowInstance, error) {
	all, err := o.deps.Engine.ListInstances(ctx, store.InstanceFilter{TicketID: ticketID})
	if err != nil {
		return nil, err
	}
	var open []*store.WorkflowInstance
	for _, inst := range all {
		if inst.Status.IsOpen() {
			open = append(open, inst)
		}
	}
	return open, nil
}

func (o *Orchestrator) discard(ctx context.Context, inst *store.WorkflowInstance, reason string) {
	if _, err := o.deps.Engine.DiscardWorkflow(ctx, inst.ID, reason); err != nil {
		o.logger.WarnContext(ctx, "discard failed", "instance_id", inst.ID, "error", err)
	}
}

// stopAgentWork fails the agent's open instance on the ticket and cancels
// its task.
func (o *Orchestrator) stopAgentWork(ctx context.Context, ticketID, agentID, reason string) {
	open, err := o.openInstances(ctx, ticketID)
	if err != nil {
		o.logger.WarnContext(ctx, "list instances failed", "error", err)
	}
	for _, inst := range open {
		if inst.AgentID != agentID {
			continue
		}
		if _, err := o.deps.Engine.FailWorkflow(ctx, inst.ID, reason); err != nil {
			o.logger.WarnContext(ctx, "fail workflow failed", "instance_id", inst.ID, "error", err)
		}
	}
	o.stopTasks(ticketID, agentID)
}

// stopTasks cancels running tasks on the ticket; an empty agentID matches
// every agent.
func (o *Orchestrator) stopTasks(ticketID, agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, rt := range o.tasks {
		st := rt.task.State()
		if st.TicketID != ticketID || (agentID != "" && st.AgentID != agentID) {
			continue
		}
		rt.cancel()
		delete(o.tasks, key)
	}
}

func orNobody(id string) string {
	if id == "" {
		return "nobody"
	}
	return id
}
