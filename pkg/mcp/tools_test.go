package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crew/internal/orchestrator"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/store/memstore"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/internal/taskflow"
	"github.com/rendis/crew/internal/workflow"
	"github.com/rendis/crew/pkg/schema"
)

// --- Fakes ---

type statusChange struct{ ticketID, from, to string }

type fakeOrchestrator struct {
	mu        sync.Mutex
	assigned  [][3]string // ticket, assignee, previous
	statuses  []statusChange
	deleted   []string
	tasks     map[string]*taskflow.Task
	assignErr error
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{tasks: map[string]*taskflow.Task{}}
}

func (f *fakeOrchestrator) OnTicketAssigned(_ context.Context, ticketID, assigneeID, previousID string) (*orchestrator.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, [3]string{ticketID, assigneeID, previousID})
	if f.assignErr != nil {
		return nil, f.assignErr
	}
	if assigneeID == "" {
		return &orchestrator.Assignment{}, nil
	}
	return &orchestrator.Assignment{Instance: &store.WorkflowInstance{
		ID:           "inst-" + ticketID,
		DefinitionID: workflow.TicketResolution,
		TicketID:     ticketID,
		AgentID:      assigneeID,
		Status:       schema.WorkflowStatusActive,
		CurrentState: "analysis",
	}}, nil
}

func (f *fakeOrchestrator) OnTicketStatusChanged(_ context.Context, ticketID, oldStatus, newStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusChange{ticketID, oldStatus, newStatus})
	return nil
}

func (f *fakeOrchestrator) OnTicketDeleted(_ context.Context, ticketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ticketID)
	return nil
}

func (f *fakeOrchestrator) RunTask(_ context.Context, ticketID, agentID string) *taskflow.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ticketID + "/" + agentID
	if t, ok := f.tasks[key]; ok {
		return t
	}
	t := taskflow.New(taskflow.Config{}, taskflow.Deps{}, ticketID, agentID)
	f.tasks[key] = t
	return t
}

func (f *fakeOrchestrator) Task(ticketID, agentID string) (*taskflow.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[ticketID+"/"+agentID]
	return t, ok
}

type fakeResponders struct {
	received []*store.Message
	n        int
}

func (f *fakeResponders) HandleIncomingMessage(_ context.Context, msg *store.Message) (int, error) {
	f.received = append(f.received, msg)
	return f.n, nil
}

type notification struct {
	userID  string
	payload map[string]any
}

type fakeNotifier struct {
	sent []notification
}

func (f *fakeNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	f.sent = append(f.sent, notification{userID, payload})
	return nil
}

type fixture struct {
	srv    *Server
	store  *memstore.Store
	orch   *fakeOrchestrator
	agents *fakeResponders
	hub    *streaming.MemoryHub
}

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateChannel(ctx, &store.Channel{ID: "general", Name: "general"}))
	require.NoError(t, st.CreateChannel(ctx, &store.Channel{ID: "random", Name: "random"}))
	require.NoError(t, st.CreateTicket(ctx, &store.Ticket{ID: "t-1", Title: "Fix login", Type: "bug", Status: schema.TicketStatusTodo, AssigneeID: "dev-ana"}))

	reg := workflow.NewRegistry(nil)
	require.NoError(t, workflow.RegisterBuiltins(reg))

	f := &fixture{
		store:  st,
		orch:   newFakeOrchestrator(),
		agents: &fakeResponders{n: 2},
		hub:    streaming.NewMemoryHub(),
	}
	f.srv = NewServer(ServerDeps{
		Store:        st,
		Instances:    st,
		Orchestrator: f.orch,
		Agents:       f.agents,
		Definitions:  reg,
		Hub:          f.hub,
		Now:          func() time.Time { return fixedNow },
	})
	return f
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Tickets ---

func TestCreateTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	events, cancel, err := f.hub.Subscribe(ctx, streaming.EventFilter{Names: []string{schema.EventTicketUpdated}})
	require.NoError(t, err)
	defer cancel()

	result, err := f.srv.handleCreateTicket(ctx, buildRequest("crew.create_ticket", map[string]any{
		"title":       "Add search",
		"type":        "feature",
		"assignee_id": "dev-ana",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Ticket     store.Ticket   `json:"ticket"`
		Assignment map[string]any `json:"assignment"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "Add search", out.Ticket.Title)
	assert.Equal(t, schema.TicketStatusTodo, out.Ticket.Status)
	assert.Equal(t, "workflow", out.Assignment["started"])

	stored, err := f.store.GetTicket(ctx, out.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev-ana", stored.AssigneeID)

	require.Len(t, f.orch.assigned, 1)
	assert.Equal(t, [3]string{out.Ticket.ID, "dev-ana", ""}, f.orch.assigned[0])

	select {
	case ev := <-events:
		assert.Equal(t, out.Ticket.ID, ev.TicketID)
	default:
		t.Fatal("expected ticket:updated event")
	}
}

func TestCreateTicket_Unassigned(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleCreateTicket(context.Background(), buildRequest("crew.create_ticket", map[string]any{
		"title": "Write docs",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Empty(t, f.orch.assigned)
}

func TestCreateTicket_AssignmentFails(t *testing.T) {
	f := newFixture(t)
	f.orch.assignErr = schema.NewError(schema.ErrCodeStore, "db down")

	result, err := f.srv.handleCreateTicket(context.Background(), buildRequest("crew.create_ticket", map[string]any{
		"title":       "Add search",
		"assignee_id": "dev-ana",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "db down")

	tickets, err := f.store.ListTickets(context.Background(), store.TicketFilter{AssigneeID: "dev-ana"})
	require.NoError(t, err)
	assert.Len(t, tickets, 2, "ticket is kept even when assignment fails")
}

func TestCreateTicket_MissingTitle(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleCreateTicket(context.Background(), buildRequest("crew.create_ticket", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAssignTicket_Reassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.srv.handleAssignTicket(ctx, buildRequest("crew.assign_ticket", map[string]any{
		"ticket_id":   "t-1",
		"assignee_id": "qa-kim",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "dev-ana", out["previous_id"])

	stored, err := f.store.GetTicket(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "qa-kim", stored.AssigneeID)
	require.Len(t, f.orch.assigned, 1)
	assert.Equal(t, [3]string{"t-1", "qa-kim", "dev-ana"}, f.orch.assigned[0])
}

func TestAssignTicket_Unassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.srv.handleAssignTicket(ctx, buildRequest("crew.assign_ticket", map[string]any{
		"ticket_id": "t-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	stored, err := f.store.GetTicket(ctx, "t-1")
	require.NoError(t, err)
	assert.Empty(t, stored.AssigneeID)

	var out struct {
		Assignment map[string]any `json:"assignment"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "none", out.Assignment["started"])
}

func TestAssignTicket_UnknownTicket(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleAssignTicket(context.Background(), buildRequest("crew.assign_ticket", map[string]any{
		"ticket_id":   "missing",
		"assignee_id": "dev-ana",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, f.orch.assigned)
}

func TestSetTicketStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.srv.handleSetTicketStatus(ctx, buildRequest("crew.set_ticket_status", map[string]any{
		"ticket_id": "t-1",
		"status":    schema.TicketStatusBlocked,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	stored, err := f.store.GetTicket(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, schema.TicketStatusBlocked, stored.Status)
	require.Len(t, f.orch.statuses, 1)
	assert.Equal(t, statusChange{"t-1", schema.TicketStatusTodo, schema.TicketStatusBlocked}, f.orch.statuses[0])
}

func TestSetTicketStatus_Invalid(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleSetTicketStatus(context.Background(), buildRequest("crew.set_ticket_status", map[string]any{
		"ticket_id": "t-1",
		"status":    "archived",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, f.orch.statuses)
}

func TestDeleteTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.srv.handleDeleteTicket(ctx, buildRequest("crew.delete_ticket", map[string]any{"ticket_id": "t-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, []string{"t-1"}, f.orch.deleted)
	_, err = f.store.GetTicket(ctx, "t-1")
	assert.True(t, schema.IsNotFound(err))

	result, err = f.srv.handleDeleteTicket(ctx, buildRequest("crew.delete_ticket", map[string]any{"ticket_id": "t-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Len(t, f.orch.deleted, 1)
}

// --- Messages ---

func TestPostMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.srv.handlePostMessage(ctx, buildRequest("crew.post_message", map[string]any{
		"channel_id": "general",
		"user_id":    "human-sam",
		"content":    "anyone looked at the login bug?",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Message          store.Message `json:"message"`
		RepliesScheduled int           `json:"replies_scheduled"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 2, out.RepliesScheduled)
	assert.True(t, fixedNow.Equal(out.Message.CreatedAt))

	require.Len(t, f.agents.received, 1)
	assert.Equal(t, out.Message.ID, f.agents.received[0].ID)

	msgs, err := f.store.GetChannelMessages(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "human-sam", msgs[0].UserID)
}

func TestPostMessage_ThreadParentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateMessage(ctx, &store.Message{ID: "m-1", ChannelID: "random", UserID: "pm-lee", Content: "lunch?"}))

	tests := []struct {
		name   string
		parent string
	}{
		{"unknown parent", "nope"},
		{"parent in other channel", "m-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.srv.handlePostMessage(ctx, buildRequest("crew.post_message", map[string]any{
				"channel_id":       "general",
				"user_id":          "human-sam",
				"content":          "re",
				"thread_parent_id": tt.parent,
			}))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
	assert.Empty(t, f.agents.received)
}

func TestPostMessage_UnknownChannel(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handlePostMessage(context.Background(), buildRequest("crew.post_message", map[string]any{
		"channel_id": "nowhere",
		"user_id":    "human-sam",
		"content":    "hello",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestNotifyThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := &fakeNotifier{}
	f.srv.notifier = n

	for _, m := range []*store.Message{
		{ID: "p", ChannelID: "general", UserID: "human-sam", Content: "deploy today?"},
		{ID: "r1", ChannelID: "general", UserID: "dev-ana", Content: "yes", ThreadParentID: "p"},
		{ID: "r2", ChannelID: "general", UserID: "human-sam", Content: "great", ThreadParentID: "p"},
		{ID: "r3", ChannelID: "general", UserID: "pm-lee", Content: "after standup", ThreadParentID: "p"},
	} {
		require.NoError(t, f.store.CreateMessage(ctx, m))
	}

	f.srv.notifyThread(ctx, &store.Message{ID: "r3", ChannelID: "general", UserID: "pm-lee", Content: "after standup", ThreadParentID: "p"})

	require.Len(t, n.sent, 2)
	assert.Equal(t, "human-sam", n.sent[0].userID)
	assert.Equal(t, "dev-ana", n.sent[1].userID)
	assert.Equal(t, "r3", n.sent[0].payload["message_id"])
}

func TestForwardThreadReplies_NoHub(t *testing.T) {
	s := NewServer(ServerDeps{})
	assert.NoError(t, s.ForwardThreadReplies(context.Background()))
}

func TestMCPNotifier_NotConnected(t *testing.T) {
	s := NewServer(ServerDeps{})
	assert.NoError(t, s.notifier.Notify(context.Background(), "human-sam", map[string]any{"x": 1}))
}

// --- Workflows and tasks ---

func seedInstance(t *testing.T, st *memstore.Store, id string, status schema.WorkflowStatus, updated time.Time) {
	t.Helper()
	require.NoError(t, st.CreateInstance(context.Background(), &store.WorkflowInstance{
		ID:           id,
		DefinitionID: workflow.BugInvestigation,
		TicketID:     "t-1",
		AgentID:      "dev-ana",
		Status:       status,
		CurrentState: "analysis",
		Context:      schema.WorkflowContext{TicketID: "t-1", AgentID: "dev-ana", CurrentState: "analysis"},
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}))
}

func TestWorkflowStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedInstance(t, f.store, "old", schema.WorkflowStatusFailed, fixedNow.Add(-2*time.Hour))
	seedInstance(t, f.store, "open", schema.WorkflowStatusPaused, fixedNow.Add(-3*time.Hour))
	seedInstance(t, f.store, "newer-failed", schema.WorkflowStatusFailed, fixedNow.Add(-time.Hour))

	t.Run("by id", func(t *testing.T) {
		result, err := f.srv.handleWorkflowStatus(ctx, buildRequest("crew.workflow_status", map[string]any{"instance_id": "old"}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		var inst store.WorkflowInstance
		unmarshalResult(t, result, &inst)
		assert.Equal(t, "old", inst.ID)
	})

	t.Run("by pair prefers open", func(t *testing.T) {
		result, err := f.srv.handleWorkflowStatus(ctx, buildRequest("crew.workflow_status", map[string]any{
			"ticket_id": "t-1",
			"agent_id":  "dev-ana",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		var inst store.WorkflowInstance
		unmarshalResult(t, result, &inst)
		assert.Equal(t, "open", inst.ID)
	})

	t.Run("missing args", func(t *testing.T) {
		result, err := f.srv.handleWorkflowStatus(ctx, buildRequest("crew.workflow_status", map[string]any{"ticket_id": "t-1"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("unknown id", func(t *testing.T) {
		result, err := f.srv.handleWorkflowStatus(ctx, buildRequest("crew.workflow_status", map[string]any{"instance_id": "nope"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestRunTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.srv.handleRunTask(ctx, buildRequest("crew.run_task", map[string]any{
		"ticket_id":   "t-1",
		"agent_id":    "dev-ana",
		"status_only": "true",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "no task yet")

	result, err = f.srv.handleRunTask(ctx, buildRequest("crew.run_task", map[string]any{
		"ticket_id": "t-1",
		"agent_id":  "dev-ana",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var state taskflow.TaskState
	unmarshalResult(t, result, &state)
	assert.Equal(t, taskflow.TaskPlanning, state.Status)
	assert.Equal(t, "t-1", state.TicketID)

	result, err = f.srv.handleRunTask(ctx, buildRequest("crew.run_task", map[string]any{
		"ticket_id":   "t-1",
		"agent_id":    "dev-ana",
		"status_only": "true",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Len(t, f.orch.tasks, 1)
}

func TestRunTask_UnknownTicket(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleRunTask(context.Background(), buildRequest("crew.run_task", map[string]any{
		"ticket_id": "missing",
		"agent_id":  "dev-ana",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, f.orch.tasks)
}

// --- Query ---

func TestQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedInstance(t, f.store, "i-1", schema.WorkflowStatusActive, fixedNow)
	require.NoError(t, f.store.CreateComment(ctx, &store.Comment{ID: "c-1", TicketID: "t-1", UserID: "dev-ana", Content: "on it"}))
	require.NoError(t, f.store.UpsertUser(ctx, &store.User{ID: "dev-ana", Name: "Ana", IsAgent: true}))
	require.NoError(t, f.store.UpsertUser(ctx, &store.User{ID: "human-sam", Name: "Sam"}))
	require.NoError(t, f.store.CreateMessage(ctx, &store.Message{ID: "m-1", ChannelID: "general", UserID: "human-sam", Content: "hi"}))
	require.NoError(t, f.store.CreateMessage(ctx, &store.Message{ID: "m-2", ChannelID: "general", UserID: "dev-ana", Content: "hey", ThreadParentID: "m-1"}))

	tests := []struct {
		name   string
		args   map[string]any
		key    string
		count  int
		errors bool
	}{
		{"instances", map[string]any{"resource": "instances", "filter": map[string]any{"status": "active"}}, "instances", 1, false},
		{"instances none", map[string]any{"resource": "instances", "filter": map[string]any{"status": "paused"}}, "instances", 0, false},
		{"tickets", map[string]any{"resource": "tickets", "filter": map[string]any{"assignee_id": "dev-ana"}}, "tickets", 1, false},
		{"comments", map[string]any{"resource": "comments", "filter": map[string]any{"ticket_id": "t-1"}}, "comments", 1, false},
		{"comments need ticket", map[string]any{"resource": "comments"}, "", 0, true},
		{"channel messages", map[string]any{"resource": "messages", "filter": map[string]any{"channel_id": "general"}}, "messages", 1, false},
		{"thread messages", map[string]any{"resource": "messages", "filter": map[string]any{"thread_parent_id": "m-1"}}, "messages", 2, false},
		{"messages need scope", map[string]any{"resource": "messages"}, "", 0, true},
		{"agents", map[string]any{"resource": "agents"}, "agents", 1, false},
		{"unknown", map[string]any{"resource": "widgets"}, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.srv.handleQuery(ctx, buildRequest("crew.query", tt.args))
			require.NoError(t, err)
			if tt.errors {
				assert.True(t, result.IsError)
				return
			}
			require.False(t, result.IsError, extractText(t, result))
			var out map[string][]json.RawMessage
			unmarshalResult(t, result, &out)
			assert.Len(t, out[tt.key], tt.count)
		})
	}
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"a": float64(5), "b": 7, "c": "9", "d": "x"}
	assert.Equal(t, 5, extractInt(filter, "a", 0))
	assert.Equal(t, 7, extractInt(filter, "b", 0))
	assert.Equal(t, 9, extractInt(filter, "c", 0))
	assert.Equal(t, 3, extractInt(filter, "d", 3))
	assert.Equal(t, 4, extractInt(nil, "a", 4))
}

// --- Definitions and diagrams ---

func TestDefinitions(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleDefinitions(context.Background(), buildRequest("crew.definitions", nil))
	require.NoError(t, err)
	var out struct {
		Definitions []map[string]any `json:"definitions"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Definitions, 3)
	ids := []any{out.Definitions[0]["id"], out.Definitions[1]["id"], out.Definitions[2]["id"]}
	assert.Contains(t, ids, workflow.CodeReview)
	assert.Contains(t, ids, workflow.BugInvestigation)
	assert.Contains(t, ids, workflow.TicketResolution)
}

func TestDiagram(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedInstance(t, f.store, "i-1", schema.WorkflowStatusPaused, fixedNow)

	t.Run("definition mermaid", func(t *testing.T) {
		result, err := f.srv.handleDiagram(ctx, buildRequest("crew.diagram", map[string]any{
			"definition_id": workflow.TicketResolution,
			"format":        "mermaid",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		text := extractText(t, result)
		assert.Contains(t, text, "stateDiagram-v2")
		assert.NotContains(t, text, "classDef")
	})

	t.Run("instance ascii", func(t *testing.T) {
		result, err := f.srv.handleDiagram(ctx, buildRequest("crew.diagram", map[string]any{
			"instance_id": "i-1",
			"format":      "ascii",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		assert.Contains(t, extractText(t, result), "[PAUSED]")
	})

	t.Run("bad format", func(t *testing.T) {
		result, err := f.srv.handleDiagram(ctx, buildRequest("crew.diagram", map[string]any{
			"definition_id": workflow.TicketResolution,
			"format":        "image",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("nothing to draw", func(t *testing.T) {
		result, err := f.srv.handleDiagram(ctx, buildRequest("crew.diagram", map[string]any{"format": "ascii"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("unknown definition", func(t *testing.T) {
		result, err := f.srv.handleDiagram(ctx, buildRequest("crew.diagram", map[string]any{
			"definition_id": "nope",
			"format":        "ascii",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}
