package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crew/pkg/schema"
)

func sampleDef() *schema.WorkflowDefinition {
	ok := schema.Guard{Name: "succeeded", Expression: "state.success == true"}
	bad := schema.Guard{Name: "failed", Expression: "state.success == false"}
	return &schema.WorkflowDefinition{
		ID:           "sample",
		Name:         "Sample flow",
		InitialState: "analysis",
		FinalStates:  []string{"done", "failed"},
		StateActions: map[string][]string{
			"analysis": {"analyze_ticket"},
			"fixing":   {"apply_fix", "note_fix"},
			"orphan":   {"never_run"},
		},
		Transitions: []schema.Transition{
			{From: "analysis", To: "fixing", Trigger: schema.TriggerComplete, Guards: []schema.Guard{ok}},
			{From: "analysis", To: "failed", Trigger: schema.TriggerFail, Guards: []schema.Guard{bad}},
			{From: "fixing", To: "done", Trigger: schema.TriggerComplete, Guards: []schema.Guard{ok}},
			{From: "fixing", To: "analysis", Trigger: schema.TriggerRetry},
		},
	}
}

func nodeIDs(m *DiagramModel) []string {
	ids := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		ids[i] = n.ID
	}
	return ids
}

func TestBuild_Order(t *testing.T) {
	m, err := Build(sampleDef(), nil, "")
	require.NoError(t, err)

	assert.Equal(t, "Sample flow", m.Title)
	assert.Equal(t, []string{"analysis", "fixing", "failed", "done", "orphan"}, nodeIDs(m))
	assert.Equal(t, NodeKindInitial, m.Nodes[0].Kind)
	assert.Equal(t, NodeKindFinal, m.Nodes[2].Kind)
	assert.Equal(t, NodeKindState, m.Nodes[4].Kind)
	assert.Len(t, m.Edges, 4)
	assert.Equal(t, []string{"succeeded"}, m.Edges[0].Guards)
	for _, n := range m.Nodes {
		assert.Nil(t, n.Status)
	}
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(nil, nil, "")
	assert.Error(t, err)
	_, err = Build(&schema.WorkflowDefinition{ID: "x"}, nil, "")
	assert.Error(t, err)
}

func TestBuild_Overlay(t *testing.T) {
	wctx := &schema.WorkflowContext{
		CurrentState: "fixing",
		ActionHistory: []schema.ActionHistoryEntry{
			{ActionID: "analyze_ticket", State: "analysis", Status: schema.ActionStatusFailed},
			{ActionID: "analyze_ticket", State: "analysis", Status: schema.ActionStatusCompleted},
			{ActionID: "apply_fix", State: "fixing", Status: schema.ActionStatusCompleted},
		},
	}

	tests := []struct {
		status schema.WorkflowStatus
		want   string
	}{
		{schema.WorkflowStatusActive, StatusCurrent},
		{schema.WorkflowStatusPaused, StatusPaused},
		{schema.WorkflowStatusFailed, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			m, err := Build(sampleDef(), wctx, tt.status)
			require.NoError(t, err)

			analysis, fixing, done := m.Nodes[0], m.Nodes[1], m.Nodes[3]
			require.NotNil(t, analysis.Status)
			assert.Equal(t, StatusVisited, analysis.Status.Status)
			assert.Equal(t, 2, analysis.Status.Runs)
			assert.Equal(t, 1, analysis.Status.Failures)

			require.NotNil(t, fixing.Status)
			assert.Equal(t, tt.want, fixing.Status.Status)
			assert.Equal(t, 1, fixing.Status.Runs)

			assert.Nil(t, done.Status)
		})
	}
}

func TestRenderMermaid(t *testing.T) {
	m, err := Build(sampleDef(), &schema.WorkflowContext{CurrentState: "fixing"}, schema.WorkflowStatusActive)
	require.NoError(t, err)
	out := RenderMermaid(m)

	assert.True(t, strings.HasPrefix(out, "stateDiagram-v2\n"))
	assert.Contains(t, out, "%% Sample flow")
	assert.Contains(t, out, "[*] --> analysis")
	assert.Contains(t, out, `fixing : fixing\napply_fix, note_fix`)
	assert.Contains(t, out, "analysis --> fixing : complete [succeeded]")
	assert.Contains(t, out, "fixing --> analysis : retry\n")
	assert.Contains(t, out, "done --> [*]")
	assert.Contains(t, out, "failed --> [*]")
	assert.Contains(t, out, "class fixing current")
}

func TestRenderMermaid_NoOverlayNoClasses(t *testing.T) {
	m, err := Build(sampleDef(), nil, "")
	require.NoError(t, err)
	assert.NotContains(t, RenderMermaid(m), "classDef")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "code_review_v1", mermaidSafeID("code-review.v1"))
}

func TestRenderASCII(t *testing.T) {
	wctx := &schema.WorkflowContext{
		CurrentState: "fixing",
		ActionHistory: []schema.ActionHistoryEntry{
			{State: "fixing", Status: schema.ActionStatusFailed},
		},
	}
	m, err := Build(sampleDef(), wctx, schema.WorkflowStatusPaused)
	require.NoError(t, err)
	out := RenderASCII(m)

	assert.Contains(t, out, "=== Sample flow ===")
	assert.Contains(t, out, "│ (start) analysis")
	assert.Contains(t, out, "│ (end) done")
	assert.Contains(t, out, "[PAUSED] runs=1 failures=1")
	assert.Contains(t, out, "└─ complete → fixing [succeeded]")

	// Every box line in a node has the same rune width.
	lines := strings.Split(out, "\n")
	var box []int
	for _, l := range lines {
		if strings.HasPrefix(l, "┌") || strings.HasPrefix(l, "│") || strings.HasPrefix(l, "└─") && strings.HasSuffix(l, "┘") {
			box = append(box, len([]rune(l)))
		}
		if strings.HasPrefix(l, "└") && strings.HasSuffix(l, "┘") {
			for _, w := range box {
				assert.Equal(t, box[0], w)
			}
			box = nil
		}
	}
}
