package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/store/memstore"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/internal/validation"
	"github.com/rendis/crew/pkg/schema"
)

type fixture struct {
	reg   *Registry
	store *memstore.Store
	hub   *streaming.MemoryHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateChannel(ctx, &store.Channel{ID: "general", Name: "general"}))
	require.NoError(t, st.CreateTicket(ctx, &store.Ticket{ID: "t1", Title: "Fix login", Status: schema.TicketStatusTodo}))

	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	hub := streaming.NewMemoryHub()
	reg := NewRegistry(v, nil, nil)
	require.NoError(t, RegisterDefaults(reg, Deps{
		Messages: st, Comments: st, Tickets: st, Hub: hub,
		Now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}))
	return &fixture{reg: reg, store: st, hub: hub}
}

func TestRequiredError(t *testing.T) {
	assert.EqualError(t, requiredError([]string{"channelId", "content"}), "channelId and content are required")
	assert.EqualError(t, requiredError([]string{"a", "b", "c"}), "a, b and c are required")
	assert.EqualError(t, requiredError([]string{"id"}), "id is required")
	assert.NoError(t, requiredError(nil))
}

func TestRegistry_DuplicateAndLookup(t *testing.T) {
	f := newFixture(t)
	err := f.reg.Register(&sendMessageTool{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = f.reg.Get("nope")
	assert.True(t, schema.IsNotFound(err))
	assert.Equal(t, []string{AddTicketComment, SendMessage, UpdateTicketStatus}, f.reg.Names())
	assert.Error(t, f.reg.Register(nil))
}

func TestRegistry_DefinitionsFilteredByCapability(t *testing.T) {
	f := newFixture(t)
	assert.Len(t, f.reg.Definitions(nil), 3)

	chatOnly := f.reg.Definitions([]string{CapabilityChat})
	require.Len(t, chatOnly, 1)
	assert.Equal(t, SendMessage, chatOnly[0].Name)
	assert.Equal(t, "object", chatOnly[0].Parameters["type"])

	assert.Empty(t, f.reg.Definitions([]string{}))
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, cancel, err := f.hub.Subscribe(ctx, streaming.EventFilter{ChannelID: "general"})
	require.NoError(t, err)
	defer cancel()

	res, err := f.reg.Execute(ctx, SendMessage, Call{
		AgentID: "dev-ana",
		Args:    map[string]any{"channelId": "general", "content": "on it"},
	})
	require.NoError(t, err)
	assert.Equal(t, "message sent", res.Summary)

	msgs, err := f.store.GetChannelMessages(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "dev-ana", msgs[0].UserID)
	assert.Equal(t, res.Data["messageId"], msgs[0].ID)

	evt := <-events
	assert.Equal(t, schema.EventMessageNew, evt.Name)
}

func TestSendMessage_MissingArgs(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Execute(context.Background(), SendMessage, Call{Args: map[string]any{"channelId": "general"}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeToolFailed))
	assert.Contains(t, err.Error(), "channelId and content are required")

	_, err = f.reg.Execute(context.Background(), SendMessage, Call{Args: map[string]any{"channelId": " ", "content": "x"}})
	assert.Contains(t, err.Error(), "channelId and content are required")
}

func TestSendMessage_UnknownChannel(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Execute(context.Background(), SendMessage, Call{Args: map[string]any{"channelId": "random", "content": "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel random not found")
}

func TestAddTicketComment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Execute(ctx, AddTicketComment, Call{AgentID: "qa-bo", Args: map[string]any{"ticketId": "t1", "content": "looks good"}})
	require.NoError(t, err)

	comments, err := f.store.ListComments(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "looks good", comments[0].Content)

	_, err = f.reg.Execute(ctx, AddTicketComment, Call{Args: map[string]any{"ticketId": "t404", "content": "x"}})
	assert.Contains(t, err.Error(), "ticket t404 not found")

	_, err = f.reg.Execute(ctx, AddTicketComment, Call{Args: map[string]any{"content": "x"}})
	assert.Contains(t, err.Error(), "ticketId and content are required")
}

func TestUpdateTicketStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Execute(ctx, UpdateTicketStatus, Call{Args: map[string]any{"ticketId": "t1", "status": "review"}})
	require.NoError(t, err)
	ticket, err := f.store.GetTicket(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TicketStatusReview, ticket.Status)

	_, err = f.reg.Execute(ctx, UpdateTicketStatus, Call{Args: map[string]any{"ticketId": "t1", "status": "shipped"}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "", (*Result)(nil).String())
	assert.Equal(t, "done", (&Result{Summary: "done"}).String())
	assert.Equal(t, `done {"id":"x"}`, (&Result{Summary: "done", Data: map[string]any{"id": "x"}}).String())
}
