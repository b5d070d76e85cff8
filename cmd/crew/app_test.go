package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crew/internal/workflow"
)

func memoryConfig() Config {
	cfg := defaultConfig()
	cfg.DBPath = memoryDB
	cfg.Channels = []string{"general", "random"}
	cfg.MetricsAddr = ""
	cfg.DefinitionsDir = ""
	return cfg
}

func TestNewApp_Memory(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, memoryConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	for _, name := range []string{"general", "random"} {
		ch, err := a.store.GetChannel(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, name, ch.Name)
	}

	agents := a.agents.Agents()
	require.Len(t, agents, 4)
	assert.Equal(t, "dev-ana", agents[0].ID())

	_, err = a.defs.Get(workflow.TicketResolution)
	assert.NoError(t, err)
}

func TestSeedChannels_Idempotent(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, memoryConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.seedChannels(ctx))
	chans, err := a.store.ListChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, chans, 2)
}

func TestLoadPersonas_Embedded(t *testing.T) {
	personas, err := loadPersonas("")
	require.NoError(t, err)
	require.Len(t, personas, 4)
	assert.Equal(t, "dev-ana", personas[0].ID)
}

func TestPrintDefinitions(t *testing.T) {
	var table bytes.Buffer
	require.NoError(t, printDefinitions(&table, "", "table", ""))
	assert.Contains(t, table.String(), "ID")
	assert.Contains(t, table.String(), workflow.TicketResolution)
	assert.Contains(t, table.String(), workflow.CodeReview)

	var mermaid bytes.Buffer
	require.NoError(t, printDefinitions(&mermaid, "", "mermaid", workflow.BugInvestigation))
	assert.Contains(t, mermaid.String(), "stateDiagram-v2")
	assert.Contains(t, mermaid.String(), "reproduce_bug")
	assert.NotContains(t, mermaid.String(), "review_scope")

	assert.Error(t, printDefinitions(io.Discard, "", "svg", ""))
	assert.Error(t, printDefinitions(io.Discard, "", "table", "no-such-definition"))
}

func TestPrintDefinitions_Dir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triage.yaml"), []byte(`
id: triage
name: Triage
type: triage
initial_state: analysis
final_states: [completed, failed]
state_actions:
  analysis: [analyze_ticket]
transitions:
  - from: analysis
    to: completed
    trigger: complete
    guards:
      - name: succeeded
        expression: state.success == true
  - from: analysis
    to: failed
    trigger: fail
    guards:
      - name: failed
        expression: state.success == false
`), 0o644))

	var out bytes.Buffer
	require.NoError(t, printDefinitions(&out, dir, "ascii", "triage"))
	assert.Contains(t, out.String(), "analyze_ticket")

	missing := filepath.Join(t.TempDir(), "absent")
	assert.NoError(t, printDefinitions(io.Discard, missing, "table", ""), "a missing directory is skipped")
}
