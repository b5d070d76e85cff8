package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crew/internal/diagram"
	"github.com/rendis/crew/internal/orchestrator"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/pkg/schema"
)

// handleCreateTicket creates a ticket and, when an assignee is given,
// starts work on it.
func (s *Server) handleCreateTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil || title == "" {
		return mcp.NewToolResultError("title is required"), nil
	}
	s.captureSession(ctx, req.GetString("user_id", ""))

	now := s.deps.Now()
	ticket := &store.Ticket{
		ID:          uuid.New().String(),
		Title:       title,
		Description: req.GetString("description", ""),
		Type:        req.GetString("type", ""),
		Status:      schema.TicketStatusTodo,
		AssigneeID:  req.GetString("assignee_id", ""),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.CreateTicket(ctx, ticket); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create ticket: %v", err)), nil
	}
	s.emitTicket(ctx, ticket)

	out := map[string]any{"ticket": ticket}
	if ticket.AssigneeID != "" {
		asg, err := s.deps.Orchestrator.OnTicketAssigned(ctx, ticket.ID, ticket.AssigneeID, "")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ticket created but assignment failed: %v", err)), nil
		}
		out["assignment"] = assignmentView(asg)
	}
	return marshalResult(out)
}

// handleAssignTicket changes a ticket's assignee and hands the change to
// the orchestrator.
func (s *Server) handleAssignTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticketID, err := req.RequireString("ticket_id")
	if err != nil {
		return mcp.NewToolResultError("ticket_id is required"), nil
	}
	assigneeID := req.GetString("assignee_id", "")
	s.captureSession(ctx, req.GetString("user_id", ""))

	ticket, err := s.deps.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ticket lookup failed: %v", err)), nil
	}
	previousID := ticket.AssigneeID
	if assigneeID != previousID {
		if err := s.deps.Store.UpdateTicket(ctx, ticketID, store.TicketUpdate{AssigneeID: &assigneeID}); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to update ticket: %v", err)), nil
		}
		ticket.AssigneeID = assigneeID
		s.emitTicket(ctx, ticket)
	}

	asg, err := s.deps.Orchestrator.OnTicketAssigned(ctx, ticketID, assigneeID, previousID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("assignment failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ticket_id":   ticketID,
		"assignee_id": assigneeID,
		"previous_id": previousID,
		"assignment":  assignmentView(asg),
	})
}

// handleSetTicketStatus moves a ticket and lets the orchestrator pause,
// resume or discard the work on it.
func (s *Server) handleSetTicketStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticketID, err := req.RequireString("ticket_id")
	if err != nil {
		return mcp.NewToolResultError("ticket_id is required"), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("status is required"), nil
	}
	if !schema.IsValidTicketStatus(status) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
	}
	s.captureSession(ctx, req.GetString("user_id", ""))

	ticket, err := s.deps.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ticket lookup failed: %v", err)), nil
	}
	oldStatus := ticket.Status
	if oldStatus != status {
		if err := s.deps.Store.UpdateTicketStatus(ctx, ticketID, status); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to update ticket: %v", err)), nil
		}
		ticket.Status = status
		s.emitTicket(ctx, ticket)
	}
	if err := s.deps.Orchestrator.OnTicketStatusChanged(ctx, ticketID, oldStatus, status); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status change handling failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ticket_id":  ticketID,
		"old_status": oldStatus,
		"status":     status,
	})
}

// handleDeleteTicket discards open work before removing the ticket.
func (s *Server) handleDeleteTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticketID, err := req.RequireString("ticket_id")
	if err != nil {
		return mcp.NewToolResultError("ticket_id is required"), nil
	}
	if _, err := s.deps.Store.GetTicket(ctx, ticketID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ticket lookup failed: %v", err)), nil
	}
	if err := s.deps.Orchestrator.OnTicketDeleted(ctx, ticketID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("discarding work failed: %v", err)), nil
	}
	if err := s.deps.Store.DeleteTicket(ctx, ticketID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete ticket: %v", err)), nil
	}
	streaming.Emit(ctx, s.deps.Hub, streaming.Event{
		Name:     schema.EventTicketUpdated,
		TicketID: ticketID,
		Payload:  map[string]any{"deleted": true},
	})
	return marshalResult(map[string]any{"ok": true, "ticket_id": ticketID})
}

// handlePostMessage stores a human message and schedules agent replies.
func (s *Server) handlePostMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channelID, err := req.RequireString("channel_id")
	if err != nil {
		return mcp.NewToolResultError("channel_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	content, err := req.RequireString("content")
	if err != nil || content == "" {
		return mcp.NewToolResultError("content is required"), nil
	}
	parentID := req.GetString("thread_parent_id", "")
	s.captureSession(ctx, userID)

	if _, err := s.deps.Store.GetChannel(ctx, channelID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("channel lookup failed: %v", err)), nil
	}
	if parentID != "" {
		parent, err := s.deps.Store.GetMessage(ctx, parentID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("thread parent lookup failed: %v", err)), nil
		}
		if parent.ChannelID != channelID {
			return mcp.NewToolResultError("thread parent belongs to another channel"), nil
		}
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ChannelID:      channelID,
		UserID:         userID,
		Content:        content,
		ThreadParentID: parentID,
		CreatedAt:      s.deps.Now(),
	}
	if err := s.deps.Store.CreateMessage(ctx, msg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store message: %v", err)), nil
	}
	streaming.Emit(ctx, s.deps.Hub, streaming.Event{
		Name:      schema.EventMessageNew,
		ChannelID: channelID,
		Payload:   msg,
	})

	scheduled, err := s.deps.Agents.HandleIncomingMessage(ctx, msg)
	if err != nil {
		s.logger.WarnContext(ctx, "scheduling replies failed", "message_id", msg.ID, "error", err)
	}
	return marshalResult(map[string]any{
		"message":           msg,
		"replies_scheduled": scheduled,
	})
}

// handleWorkflowStatus returns one instance, looked up by ID or by its
// (ticket, agent) pair.
func (s *Server) handleWorkflowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID := req.GetString("instance_id", "")
	ticketID := req.GetString("ticket_id", "")
	agentID := req.GetString("agent_id", "")

	if instanceID != "" {
		inst, err := s.deps.Instances.GetInstance(ctx, instanceID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		return marshalResult(inst)
	}
	if ticketID == "" || agentID == "" {
		return mcp.NewToolResultError("instance_id, or ticket_id with agent_id, is required"), nil
	}

	list, err := s.deps.Instances.ListInstances(ctx, store.InstanceFilter{TicketID: ticketID, AgentID: agentID})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("no workflow for ticket %s and agent %s", ticketID, agentID)), nil
	}
	// Prefer the open instance; otherwise the most recently updated one.
	best := list[0]
	for _, inst := range list[1:] {
		switch {
		case inst.Status.IsOpen() && !best.Status.IsOpen():
			best = inst
		case inst.Status.IsOpen() == best.Status.IsOpen() && inst.UpdatedAt.After(best.UpdatedAt):
			best = inst
		}
	}
	return marshalResult(best)
}

// handleRunTask starts the task loop, or reports the running task.
func (s *Server) handleRunTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticketID, err := req.RequireString("ticket_id")
	if err != nil {
		return mcp.NewToolResultError("ticket_id is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	if req.GetString("status_only", "") == "true" {
		task, ok := s.deps.Orchestrator.Task(ticketID, agentID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no task for ticket %s and agent %s", ticketID, agentID)), nil
		}
		return marshalResult(task.State())
	}

	if _, err := s.deps.Store.GetTicket(ctx, ticketID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ticket lookup failed: %v", err)), nil
	}
	task := s.deps.Orchestrator.RunTask(ctx, ticketID, agentID)
	return marshalResult(task.State())
}

// handleQuery lists stored resources.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "instances":
		return s.queryInstances(ctx, filter)
	case "tickets":
		return s.queryTickets(ctx, filter)
	case "comments":
		return s.queryComments(ctx, filter)
	case "messages":
		return s.queryMessages(ctx, filter)
	case "agents":
		return s.queryAgents(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource: %s", resource)), nil
	}
}

func (s *Server) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		TicketID: extractString(filter, "ticket_id"),
		AgentID:  extractString(filter, "agent_id"),
		Limit:    extractInt(filter, "limit", 0),
	}
	if st := extractString(filter, "status"); st != "" {
		status := schema.WorkflowStatus(st)
		f.Status = &status
	}
	instances, err := s.deps.Instances.ListInstances(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"instances": nonNil(instances)})
}

func (s *Server) queryTickets(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tickets, err := s.deps.Store.ListTickets(ctx, store.TicketFilter{
		Status:     extractString(filter, "status"),
		AssigneeID: extractString(filter, "assignee_id"),
		Limit:      extractInt(filter, "limit", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"tickets": nonNil(tickets)})
}

func (s *Server) queryComments(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ticketID := extractString(filter, "ticket_id")
	if ticketID == "" {
		return mcp.NewToolResultError("filter.ticket_id is required for comments"), nil
	}
	comments, err := s.deps.Store.ListComments(ctx, ticketID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"comments": nonNil(comments)})
}

func (s *Server) queryMessages(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	var (
		messages []*store.Message
		err      error
	)
	if parentID := extractString(filter, "thread_parent_id"); parentID != "" {
		messages, err = s.deps.Store.GetThreadMessages(ctx, parentID)
	} else {
		channelID := extractString(filter, "channel_id")
		if channelID == "" {
			return mcp.NewToolResultError("filter.channel_id or filter.thread_parent_id is required for messages"), nil
		}
		messages, err = s.deps.Store.GetChannelMessages(ctx, channelID, extractInt(filter, "limit", 50))
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"messages": nonNil(messages)})
}

func (s *Server) queryAgents(ctx context.Context) (*mcp.CallToolResult, error) {
	users, err := s.deps.Store.ListUsers(ctx, true)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"agents": nonNil(users)})
}

// handleDefinitions lists registered definitions with their states.
func (s *Server) handleDefinitions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs := s.deps.Definitions.List()
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]any{
			"id":                    d.ID,
			"name":                  d.Name,
			"type":                  d.Type,
			"description":           d.Description,
			"initial_state":         d.InitialState,
			"final_states":          d.FinalStates,
			"required_capabilities": d.RequiredCapabilities,
		})
	}
	return marshalResult(map[string]any{"definitions": out})
}

// handleDiagram draws a definition, overlaid with an instance's progress
// when instance_id is given.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}

	defID := req.GetString("definition_id", "")
	instanceID := req.GetString("instance_id", "")
	if defID == "" && instanceID == "" {
		return mcp.NewToolResultError("at least one of definition_id or instance_id is required"), nil
	}

	var (
		wctx   *schema.WorkflowContext
		status schema.WorkflowStatus
	)
	if instanceID != "" {
		inst, err := s.deps.Instances.GetInstance(ctx, instanceID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance not found: %v", err)), nil
		}
		defID = inst.DefinitionID
		wctx = &inst.Context
		status = inst.Status
	}

	def, err := s.deps.Definitions.Get(defID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", err)), nil
	}
	model, err := diagram.Build(def, wctx, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Helpers ---

func (s *Server) emitTicket(ctx context.Context, t *store.Ticket) {
	streaming.Emit(ctx, s.deps.Hub, streaming.Event{
		Name:     schema.EventTicketUpdated,
		TicketID: t.ID,
		Payload:  t,
	})
}

// assignmentView summarizes what an assignment started.
func assignmentView(a *orchestrator.Assignment) map[string]any {
	out := map[string]any{"started": "none"}
	if a == nil {
		return out
	}
	switch {
	case a.Instance != nil:
		out["started"] = "workflow"
		out["instance_id"] = a.Instance.ID
		out["definition_id"] = a.Instance.DefinitionID
		out["status"] = a.Instance.Status
		out["current_state"] = a.Instance.CurrentState
	case a.Task != nil:
		out["started"] = "task"
		out["status"] = a.Task.State().Status
	}
	return out
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return defaultVal
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// captureSession maps the user to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
