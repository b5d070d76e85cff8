package actions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crew/internal/llm/llmtest"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/store/memstore"
	"github.com/rendis/crew/pkg/schema"
)

func specByID(t *testing.T, id string) PromptSpec {
	t.Helper()
	for _, s := range BuiltinSpecs() {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("no spec %s", id)
	return PromptSpec{}
}

type promptFixture struct {
	svc   *llmtest.Service
	store *memstore.Store
	input Input
}

func newPromptFixture(t *testing.T, replies ...llmtest.Reply) *promptFixture {
	t.Helper()
	st := memstore.New()
	ticket := &store.Ticket{ID: "t1", Title: "Login fails", Description: "500 on submit", Status: schema.TicketStatusInProgress}
	require.NoError(t, st.CreateTicket(context.Background(), ticket))

	wfCtx := &schema.WorkflowContext{
		TicketID:     "t1",
		AgentID:      "dev-ana",
		CurrentState: StateTesting,
		StateData: map[string]map[string]any{
			StateAnalysis:       {"summary": "session cookie missing"},
			StateImplementation: {"summary": "set cookie on login"},
		},
		StartedAt: time.Now(),
	}
	return &promptFixture{
		svc:   llmtest.New(replies...),
		store: st,
		input: Input{
			InstanceID: "wi-1",
			Ticket:     ticket,
			Agent:      &store.User{ID: "dev-ana", Name: "Ana", Role: "backend developer", Personality: "Direct."},
			Context:    wfCtx,
		},
	}
}

func (f *promptFixture) action(t *testing.T, id string) *PromptAction {
	return NewPromptAction(specByID(t, id), Deps{LLM: f.svc, Comments: f.store})
}

func TestPromptAction_SuccessMovesOn(t *testing.T) {
	f := newPromptFixture(t, llmtest.Reply{Text: "Found the cause.\nOUTCOME: success"})
	f.input.Context.CurrentState = StateAnalysis

	out, err := f.action(t, "analyze_ticket").Execute(context.Background(), f.input)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, StatePlanning, out.NextState)
	assert.Equal(t, schema.TriggerComplete, out.Trigger)
	assert.Equal(t, "Found the cause.", out.Data["summary"])

	calls := f.svc.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Messages[0].Content, "Ana")
	assert.Contains(t, calls[0].Messages[1].Content, "Login fails")
	assert.Contains(t, calls[0].Messages[1].Content, "500 on submit")

	comments, err := f.store.ListComments(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "dev-ana", comments[0].UserID)
	assert.True(t, strings.HasPrefix(comments[0].Content, "**Ticket analysis** (done)"))
}

func TestPromptAction_FailureRequestsFailedState(t *testing.T) {
	f := newPromptFixture(t, llmtest.Reply{Text: "I cannot access the repo.\n**OUTCOME: failure**"})
	f.input.Context.CurrentState = StateAnalysis

	out, err := f.action(t, "analyze_ticket").Execute(context.Background(), f.input)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, StateFailed, out.NextState)
	assert.Equal(t, schema.TriggerFail, out.Trigger)
}

func TestPromptAction_PromptUsesEarlierStateData(t *testing.T) {
	f := newPromptFixture(t, llmtest.Reply{Text: "ok\nOUTCOME: success\nTESTS: pass"})
	_, err := f.action(t, "run_tests").Execute(context.Background(), f.input)
	require.NoError(t, err)
	prompt := f.svc.Calls()[0].Messages[1].Content
	assert.Contains(t, prompt, "set cookie on login")
	assert.Contains(t, prompt, "TESTS: yes")
}

func TestPromptAction_LoopCheck(t *testing.T) {
	f := newPromptFixture(t,
		llmtest.Reply{Text: "Two tests fail.\nOUTCOME: success\nTESTS: fail"},
		llmtest.Reply{Text: "All green.\nOUTCOME: success\nTESTS: passed"},
	)
	act := f.action(t, "run_tests")

	out, err := act.Execute(context.Background(), f.input)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, false, out.Data["testsPassed"])
	assert.Equal(t, StateImplementation, out.NextState)
	assert.Equal(t, schema.TriggerRetry, out.Trigger)

	out, err = act.Execute(context.Background(), f.input)
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["testsPassed"])
	assert.Equal(t, StateReview, out.NextState)
}

func TestPromptAction_LoopCheckExhausted(t *testing.T) {
	f := newPromptFixture(t, llmtest.Reply{Text: "Still failing.\nOUTCOME: success\nTESTS: no"})
	for i := 0; i < 2; i++ {
		f.input.Context.ActionHistory = append(f.input.Context.ActionHistory, schema.ActionHistoryEntry{
			ActionID: "run_tests", State: StateTesting, Status: schema.ActionStatusCompleted,
		})
	}

	out, err := f.action(t, "run_tests").Execute(context.Background(), f.input)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, StateFailed, out.NextState)
	assert.Contains(t, out.Notes, "after 3 attempts")
}

func TestPromptAction_ModelErrorIsExecutionError(t *testing.T) {
	f := newPromptFixture(t, llmtest.Reply{Err: errors.New("connection refused")})
	_, err := f.action(t, "run_tests").Execute(context.Background(), f.input)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeModel))

	comments, _ := f.store.ListComments(context.Background(), "t1")
	assert.Empty(t, comments)
}

func TestPromptAction_MissingInput(t *testing.T) {
	f := newPromptFixture(t)
	_, err := f.action(t, "run_tests").Execute(context.Background(), Input{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestParseMarker(t *testing.T) {
	cases := []struct {
		text      string
		want      bool
		wantFound bool
	}{
		{"OUTCOME: success", true, true},
		{"outcome: Failure.", false, true},
		{"> **APPROVED: yes**", true, true},
		{"APPROVED: no, needs work", false, true},
		{"TESTS: maybe", false, false},
		{"nothing here", false, false},
		{"TESTS: fail\nTESTS: pass", true, true},
	}
	for _, tc := range cases {
		marker := strings.SplitN(strings.Trim(tc.text, "> *"), ":", 2)[0]
		got, found := parseMarker(tc.text, marker)
		assert.Equal(t, tc.wantFound, found, tc.text)
		assert.Equal(t, tc.want, got, tc.text)
	}
}

func TestStripMarkers(t *testing.T) {
	text := "Line one\n**OUTCOME: success**\nTESTS: pass\nLine two"
	assert.Equal(t, "Line one\nLine two", stripMarkers(text, MarkerOutcome, MarkerTests))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}
