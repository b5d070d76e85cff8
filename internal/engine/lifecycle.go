package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crew/internal/logging"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/pkg/schema"
)

// Metadata keys written by lifecycle operations.
const (
	MetaPauseReason   = "pause_reason"
	MetaFailureReason = "failure_reason"
	MetaFailedState   = "failed_in_state"
	MetaDiscarded     = "discarded"
	MetaResumedAt     = "resumed_at"
)

// PauseWorkflow stops ticking an active instance. Pausing a paused instance
// is a no-op; any other status is an invalid transition.
func (e *Engine) PauseWorkflow(ctx context.Context, instanceID, reason string) (*store.WorkflowInstance, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)
	inst, err := e.updateStatus(ctx, instanceID, func(inst *store.WorkflowInstance) (bool, error) {
		if inst.Status == schema.WorkflowStatusPaused {
			return false, nil
		}
		if err := checkStatusChange(instanceID, inst.Status, schema.WorkflowStatusPaused); err != nil {
			return false, err
		}
		inst.Status = schema.WorkflowStatusPaused
		inst.Context.SetMetadata(MetaPauseReason, reason, e.now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.cancelTick(instanceID)
	e.logger.InfoContext(ctx, "workflow paused", "reason", reason)
	e.deps.Metrics.Lifecycle(string(schema.WorkflowStatusPaused))
	return inst, nil
}

// ResumeWorkflow reactivates a paused instance and ticks it right away.
func (e *Engine) ResumeWorkflow(ctx context.Context, instanceID string) (*store.WorkflowInstance, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)
	inst, err := e.updateStatus(ctx, instanceID, func(inst *store.WorkflowInstance) (bool, error) {
		if inst.Status == schema.WorkflowStatusActive {
			return false, nil
		}
		if err := checkStatusChange(instanceID, inst.Status, schema.WorkflowStatusActive); err != nil {
			return false, err
		}
		inst.Status = schema.WorkflowStatusActive
		delete(inst.Context.Metadata, MetaPauseReason)
		now := e.now()
		inst.Context.SetMetadata(MetaResumedAt, now.Format(time.RFC3339Nano), now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "workflow resumed")
	e.deps.Metrics.Lifecycle("resumed")
	e.ScheduleTick(instanceID, 0)
	return inst, nil
}

// FailWorkflow marks an open instance failed and posts a failure comment
// on its ticket.
func (e *Engine) FailWorkflow(ctx context.Context, instanceID, reason string) (*store.WorkflowInstance, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)
	inst, err := e.deps.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}
	return e.failInstance(ctx, inst, reason, true)
}

// DiscardWorkflow fails an open instance without commenting. It is used
// when the ticket itself went away or was closed.
func (e *Engine) DiscardWorkflow(ctx context.Context, instanceID, reason string) (*store.WorkflowInstance, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)
	inst, err := e.deps.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}
	inst.Context.SetMetadata(MetaDiscarded, true, e.now())
	return e.failInstance(ctx, inst, reason, false)
}

// updateStatus applies mutate to the freshly loaded instance under its
// persistence lock. mutate reports whether anything changed.
func (e *Engine) updateStatus(ctx context.Context, instanceID string, mutate func(*store.WorkflowInstance) (bool, error)) (*store.WorkflowInstance, error) {
	l := e.lockFor(instanceID)
	l.Lock()
	defer l.Unlock()

	inst, err := e.deps.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	changed, err := mutate(inst)
	if err != nil || !changed {
		return inst, err
	}
	inst.UpdatedAt = e.now()
	if err := e.deps.Instances.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.emit(ctx, inst)
	return inst, nil
}

// failInstance moves inst to failed, keeping the state it failed in.
func (e *Engine) failInstance(ctx context.Context, inst *store.WorkflowInstance, reason string, comment bool) (*store.WorkflowInstance, error) {
	now := e.now()
	inst.Status = schema.WorkflowStatusFailed
	inst.Context.SetMetadata(MetaFailureReason, reason, now)
	inst.Context.SetMetadata(MetaFailedState, inst.Context.CurrentState, now)

	l := e.lockFor(inst.ID)
	l.Lock()
	inst.CurrentState = inst.Context.CurrentState
	inst.UpdatedAt = now
	err := e.deps.Instances.SaveInstance(ctx, inst)
	l.Unlock()
	if err != nil {
		return nil, err
	}

	e.cancelTick(inst.ID)
	e.logger.WarnContext(ctx, "workflow failed", "state", inst.Context.CurrentState, "reason", reason)
	e.deps.Metrics.Lifecycle(string(schema.WorkflowStatusFailed))
	e.emit(ctx, inst)
	if comment {
		e.comment(ctx, inst, fmt.Sprintf("Workflow **%s** failed in state `%s`: %s",
			inst.DefinitionID, inst.Context.CurrentState, reason))
	}
	return inst, nil
}

// onCompleted closes out the ticket once the workflow reaches a final state.
func (e *Engine) onCompleted(ctx context.Context, inst *store.WorkflowInstance, def *schema.WorkflowDefinition) {
	e.cancelTick(inst.ID)
	e.deps.Metrics.Lifecycle(string(schema.WorkflowStatusCompleted))
	e.logger.InfoContext(ctx, "workflow completed", "definition", def.ID)

	if err := e.deps.Tickets.UpdateTicketStatus(ctx, inst.TicketID, schema.TicketStatusDone); err != nil {
		e.logger.WarnContext(ctx, "ticket not closed", "error", err)
	} else {
		streaming.Emit(ctx, e.deps.Hub, streaming.Event{
			Name:       schema.EventTicketUpdated,
			TicketID:   inst.TicketID,
			InstanceID: inst.ID,
			Payload:    map[string]any{"id": inst.TicketID, "status": schema.TicketStatusDone},
		})
	}
	e.comment(ctx, inst, fmt.Sprintf("Workflow **%s** completed. Ticket marked as done.", def.Name))
}

func (e *Engine) comment(ctx context.Context, inst *store.WorkflowInstance, content string) {
	if e.deps.Comments == nil {
		return
	}
	c := &store.Comment{
		ID:        uuid.New().String(),
		TicketID:  inst.TicketID,
		UserID:    inst.AgentID,
		Content:   content,
		CreatedAt: e.now(),
	}
	if err := e.deps.Comments.CreateComment(ctx, c); err != nil {
		e.logger.WarnContext(ctx, "workflow comment not saved", "error", err)
		return
	}
	streaming.Emit(ctx, e.deps.Hub, streaming.Event{
		Name:       schema.EventCommentNew,
		TicketID:   inst.TicketID,
		InstanceID: inst.ID,
		Payload:    c,
	})
}
