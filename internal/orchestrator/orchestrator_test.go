package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crew/internal/llm"
	"github.com/rendis/crew/internal/llm/llmtest"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/store/memstore"
	"github.com/rendis/crew/internal/taskflow"
	"github.com/rendis/crew/internal/tools"
	"github.com/rendis/crew/internal/workflow"
	"github.com/rendis/crew/pkg/schema"
)

// fakeEngine keeps instances in memory and records lifecycle calls.
type fakeEngine struct {
	mu        sync.Mutex
	seq       int
	instances map[string]*store.WorkflowInstance
	ticks     []string
	reasons   map[string]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{instances: map[string]*store.WorkflowInstance{}, reasons: map[string]string{}}
}

func (f *fakeEngine) StartWorkflow(_ context.Context, defID, ticketID, agentID string) (*store.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if agentID == "ghost" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not found", agentID)
	}
	for _, inst := range f.instances {
		if inst.TicketID == ticketID && inst.AgentID == agentID && inst.Status.IsOpen() {
			cp := *inst
			return &cp, nil
		}
	}
	f.seq++
	inst := &store.WorkflowInstance{
		ID: fmt.Sprintf("i%d", f.seq), DefinitionID: defID, TicketID: ticketID, AgentID: agentID,
		Status: schema.WorkflowStatusActive, CurrentState: "analysis",
	}
	f.instances[inst.ID] = inst
	cp := *inst
	return &cp, nil
}

func (f *fakeEngine) setStatus(id string, status schema.WorkflowStatus, reason string) (*store.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %q not found", id)
	}
	inst.Status = status
	f.reasons[id] = reason
	cp := *inst
	return &cp, nil
}

func (f *fakeEngine) PauseWorkflow(_ context.Context, id, reason string) (*store.WorkflowInstance, error) {
	return f.setStatus(id, schema.WorkflowStatusPaused, reason)
}

func (f *fakeEngine) ResumeWorkflow(_ context.Context, id string) (*store.WorkflowInstance, error) {
	return f.setStatus(id, schema.WorkflowStatusActive, "resumed")
}

func (f *fakeEngine) FailWorkflow(_ context.Context, id, reason string) (*store.WorkflowInstance, error) {
	return f.setStatus(id, schema.WorkflowStatusFailed, reason)
}

func (f *fakeEngine) DiscardWorkflow(_ context.Context, id, reason string) (*store.WorkflowInstance, error) {
	return f.setStatus(id, schema.WorkflowStatusFailed, "discarded: "+reason)
}

func (f *fakeEngine) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*store.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.WorkflowInstance
	for _, inst := range f.instances {
		if filter.TicketID != "" && inst.TicketID != filter.TicketID {
			continue
		}
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeEngine) ScheduleTick(id string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, id)
}

func (f *fakeEngine) get(id string) store.WorkflowInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.instances[id]
}

// blockingLLM never answers until the caller gives up.
type blockingLLM struct{}

func (blockingLLM) Chat(ctx context.Context, _ []llm.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingLLM) ChatWithTools(ctx context.Context, _ []llm.Message, _ []llm.ToolDefinition) (*llm.ToolResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	orch   *Orchestrator
	engine *fakeEngine
	store  *memstore.Store
}

func newFixture(t *testing.T, svc llm.Service) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateChannel(ctx, &store.Channel{ID: "general", Name: "general"}))
	for _, tk := range []*store.Ticket{
		{ID: "bug-1", Title: "Crash on save", Type: workflow.TicketTypeBug, Status: schema.TicketStatusTodo},
		{ID: "rev-1", Title: "Review auth PR", Type: workflow.TicketTypeReview, Status: schema.TicketStatusTodo},
		{ID: "feat-1", Title: "Dark mode", Type: "feature", Status: schema.TicketStatusInProgress},
		{ID: "blocked-1", Title: "Waiting on vendor", Status: schema.TicketStatusBlocked},
		{ID: "done-1", Title: "Old work", Status: schema.TicketStatusDone},
		{ID: "task-1", Title: "Announce release", Type: workflow.TicketTypeTask, Status: schema.TicketStatusTodo},
	} {
		require.NoError(t, st.CreateTicket(ctx, tk))
	}
	require.NoError(t, st.UpsertUser(ctx, &store.User{
		ID: "pm-lee", Name: "Lee", IsAgent: true, Capabilities: []string{tools.CapabilityChat, tools.CapabilityTickets},
	}))

	reg := tools.NewRegistry(nil, nil, nil)
	require.NoError(t, tools.RegisterDefaults(reg, tools.Deps{Messages: st, Comments: st, Tickets: st}))

	eng := newFakeEngine()
	o := New(Deps{
		Engine:  eng,
		Tickets: st,
		TaskDeps: taskflow.Deps{
			LLM: svc, Tools: reg, Tickets: st, Users: st, Comments: st,
			Sleep: func(context.Context, time.Duration) error { return nil },
		},
	})
	t.Cleanup(o.Close)
	return &fixture{orch: o, engine: eng, store: st}
}

func TestOnTicketAssigned_Routing(t *testing.T) {
	f := newFixture(t, llmtest.New())
	ctx := context.Background()

	tests := []struct {
		ticket string
		defID  string
	}{
		{"bug-1", workflow.BugInvestigation},
		{"rev-1", workflow.CodeReview},
		{"feat-1", workflow.TicketResolution},
	}
	for _, tt := range tests {
		t.Run(tt.ticket, func(t *testing.T) {
			a, err := f.orch.OnTicketAssigned(ctx, tt.ticket, "dev-ana", "")
			require.NoError(t, err)
			require.NotNil(t, a.Instance)
			assert.Nil(t, a.Task)
			assert.Equal(t, tt.defID, a.Instance.DefinitionID)
			assert.Equal(t, schema.WorkflowStatusActive, a.Instance.Status)
		})
	}
}

func TestOnTicketAssigned_Idempotent(t *testing.T) {
	f := newFixture(t, llmtest.New())
	ctx := context.Background()

	first, err := f.orch.OnTicketAssigned(ctx, "bug-1", "dev-ana", "")
	require.NoError(t, err)
	second, err := f.orch.OnTicketAssigned(ctx, "bug-1", "dev-ana", "dev-ana")
	require.NoError(t, err)
	assert.Equal(t, first.Instance.ID, second.Instance.ID)
}

func TestOnTicketAssigned_Reassignment(t *testing.T) {
	f := newFixture(t, llmtest.New())
	ctx := context.Background()

	first, err := f.orch.OnTicketAssigned(ctx, "feat-1", "dev-ana", "")
	require.NoError(t, err)
	second, err := f.orch.OnTicketAssigned(ctx, "feat-1", "dev-bo", "dev-ana")
	require.NoError(t, err)

	prev := f.engine.get(first.Instance.ID)
	assert.Equal(t, schema.WorkflowStatusFailed, prev.Status)
	assert.Equal(t, "ticket reassigned to dev-bo", f.engine.reasons[prev.ID])
	assert.NotEqual(t, first.Instance.ID, second.Instance.ID)
	assert.Equal(t, schema.WorkflowStatusActive, second.Instance.Status)

	// Unassigning only stops the previous work.
	third, err := f.orch.OnTicketAssigned(ctx, "feat-1", "", "dev-bo")
	require.NoError(t, err)
	assert.Nil(t, third.Instance)
	assert.Equal(t, "ticket reassigned to nobody", f.engine.reasons[second.Instance.ID])
}

func TestOnTicketAssigned_NothingToStart(t *testing.T) {
	f := newFixture(t, llmtest.New())
	ctx := context.Background()

	for _, tc := range []struct{ ticket, agent string }{
		{"done-1", "dev-ana"},
		{"missing", "dev-ana"},
		{"bug-1", "ghost"},
	} {
		a, err := f.orch.OnTicketAssigned(ctx, tc.ticket, tc.agent, "")
		require.NoError(t, err, tc.ticket)
		assert.Nil(t, a.Instance, tc.ticket)
		assert.Nil(t, a.Task, tc.ticket)
	}
}

func TestOnTicketAssigned_BlockedStartsPaused(t *testing.T) {
	f := newFixture(t, llmtest.New())
	a, err := f.orch.OnTicketAssigned(context.Background(), "blocked-1", "dev-ana", "")
	require.NoError(t, err)
	require.NotNil(t, a.Instance)
	assert.Equal(t, schema.WorkflowStatusPaused, a.Instance.Status)
}

func TestOnTicketStatusChanged(t *testing.T) {
	f := newFixture(t, llmtest.New())
	ctx := context.Background()
	a, err := f.orch.OnTicketAssigned(ctx, "feat-1", "dev-ana", "")
	require.NoError(t, err)
	id := a.Instance.ID

	require.NoError(t, f.orch.OnTicketStatusChanged(ctx, "feat-1", schema.TicketStatusInProgress, schema.TicketStatusBlocked))
	assert.Equal(t, schema.WorkflowStatusPaused, f.engine.get(id).Status)

	require.NoError(t, f.orch.OnTicketStatusChanged(ctx, "feat-1", schema.TicketStatusBlocked, schema.TicketStatusReview))
	assert.Equal(t, schema.WorkflowStatusPaused, f.engine.get(id).Status, "review leaves work as is")

	require.NoError(t, f.orch.OnTicketStatusChanged(ctx, "feat-1", schema.TicketStatusReview, schema.TicketStatusTodo))
	assert.Equal(t, schema.WorkflowStatusActive, f.engine.get(id).Status)

	require.NoError(t, f.orch.OnTicketStatusChanged(ctx, "feat-1", schema.TicketStatusTodo, schema.TicketStatusClosed))
	assert.Equal(t, schema.WorkflowStatusFailed, f.engine.get(id).Status)
	assert.Equal(t, "discarded: ticket marked closed", f.engine.reasons[id])
}

func TestOnTicketDeleted(t *testing.T) {
	f := newFixture(t, llmtest.New())
	ctx := context.Background()
	a, err := f.orch.OnTicketAssigned(ctx, "bug-1", "dev-ana", "")
	require.NoError(t, err)
	b, err := f.orch.OnTicketAssigned(ctx, "bug-1", "dev-bo", "")
	require.NoError(t, err)

	require.NoError(t, f.orch.OnTicketDeleted(ctx, "bug-1"))
	assert.Equal(t, schema.WorkflowStatusFailed, f.engine.get(a.Instance.ID).Status)
	assert.Equal(t, schema.WorkflowStatusFailed, f.engine.get(b.Instance.ID).Status)
	assert.Equal(t, "discarded: ticket deleted", f.engine.reasons[a.Instance.ID])
}

func TestResumeInFlight(t *testing.T) {
	f := newFixture(t, llmtest.New())
	ctx := context.Background()
	a, _ := f.orch.OnTicketAssigned(ctx, "bug-1", "dev-ana", "")
	b, _ := f.orch.OnTicketAssigned(ctx, "rev-1", "dev-ana", "")
	c, _ := f.orch.OnTicketAssigned(ctx, "blocked-1", "dev-ana", "")
	require.NotNil(t, c.Instance)

	n, err := f.orch.ResumeInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{a.Instance.ID, b.Instance.ID}, f.engine.ticks)
}

func TestOpenEndedTicketRunsTask(t *testing.T) {
	svc := llmtest.New(
		llmtest.Reply{Text: "1. Tell the team"},
		llmtest.Reply{ToolCalls: []llm.ToolCall{{
			Name: tools.SendMessage, Arguments: map[string]any{"channelId": "general", "content": "v2 is out"},
		}}},
		llmtest.Reply{Text: "Completed successfully, proceed."},
	)
	f := newFixture(t, svc)
	ctx := context.Background()

	a, err := f.orch.OnTicketAssigned(ctx, "task-1", "pm-lee", "")
	require.NoError(t, err)
	require.NotNil(t, a.Task)
	assert.Nil(t, a.Instance)

	f.orch.Wait()
	st := a.Task.State()
	assert.Equal(t, taskflow.TaskCompleted, st.Status)
	assert.Equal(t, 1, st.Succeeded())

	got, ok := f.orch.Task("task-1", "pm-lee")
	require.True(t, ok)
	assert.Same(t, a.Task, got)
}

func TestRunTask_ReturnsRunningTask(t *testing.T) {
	f := newFixture(t, blockingLLM{})
	ctx := context.Background()

	first := f.orch.RunTask(ctx, "task-1", "pm-lee")
	second := f.orch.RunTask(ctx, "task-1", "pm-lee")
	assert.Same(t, first, second)
}

func TestTicketDeletionCancelsTask(t *testing.T) {
	f := newFixture(t, blockingLLM{})
	ctx := context.Background()

	task := f.orch.RunTask(ctx, "task-1", "pm-lee")
	require.NoError(t, f.orch.OnTicketDeleted(ctx, "task-1"))
	f.orch.Wait()

	assert.Equal(t, taskflow.TaskFailed, task.State().Status)
	_, ok := f.orch.Task("task-1", "pm-lee")
	assert.False(t, ok)

	comments, err := f.store.ListComments(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Content, "Task failed")
}
