package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rendis/crew/internal/actions"
	"github.com/rendis/crew/internal/agents"
	"github.com/rendis/crew/internal/engine"
	"github.com/rendis/crew/internal/expressions"
	"github.com/rendis/crew/internal/identity"
	"github.com/rendis/crew/internal/llm"
	"github.com/rendis/crew/internal/metrics"
	"github.com/rendis/crew/internal/orchestrator"
	"github.com/rendis/crew/internal/scheduler"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/store/memstore"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/internal/taskflow"
	"github.com/rendis/crew/internal/tools"
	"github.com/rendis/crew/internal/validation"
	"github.com/rendis/crew/internal/workflow"
	"github.com/rendis/crew/pkg/mcp"
	"github.com/rendis/crew/pkg/schema"
)

//go:embed personas.yaml
var defaultPersonas []byte

// app is the fully wired crew process.
type app struct {
	cfg    Config
	logger *slog.Logger

	store     store.Store
	hub       streaming.Hub
	natsConn  *nats.Conn
	metrics   *metrics.Recorder
	defs      *workflow.Registry
	engine    *engine.Engine
	orch      *orchestrator.Orchestrator
	scheduler *scheduler.Scheduler
	agents    *agents.Manager
	mcp       *mcp.Server
}

// openStore opens the configured store and applies migrations.
func openStore(ctx context.Context, dbPath string) (store.Store, error) {
	if dbPath == memoryDB {
		return memstore.New(), nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// newDefinitions builds the action and definition registries. Every
// built-in definition, and every file under dir when it exists, is
// validated against the registered actions and guard languages.
func newDefinitions(actionDeps actions.Deps, guards *expressions.GuardEvaluator, dir string) (*actions.Registry, *workflow.Registry, *validation.WorkflowValidator, error) {
	actReg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(actReg, actionDeps); err != nil {
		return nil, nil, nil, fmt.Errorf("register actions: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(actReg, guards)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create validator: %w", err)
	}
	defs := workflow.NewRegistry(validator)
	if err := workflow.RegisterBuiltins(defs); err != nil {
		return nil, nil, nil, fmt.Errorf("register definitions: %w", err)
	}
	if dir == "" {
		return actReg, defs, validator, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return actReg, defs, validator, nil
	}
	if _, err := workflow.LoadDir(defs, dir); err != nil {
		return nil, nil, nil, fmt.Errorf("load definitions from %s: %w", dir, err)
	}
	return actReg, defs, validator, nil
}

func loadPersonas(path string) ([]identity.Persona, error) {
	if path == "" {
		return identity.ParseRoster(defaultPersonas)
	}
	return identity.LoadRoster(path)
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewRecorder()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = openStore(ctx, cfg.DBPath); err != nil {
		return nil, err
	}

	if cfg.NATSURL != "" {
		hub, conn, err := streaming.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		a.hub, a.natsConn = hub, conn
	} else {
		a.hub = streaming.NewMemoryHub()
	}

	model := llm.NewBreaker(llm.NewClient(llm.ClientConfig{
		BaseURL: cfg.ModelBaseURL,
		Model:   cfg.ModelName,
		APIKey:  os.Getenv(cfg.ModelAPIKeyEnv),
		Logger:  logger,
	}), llm.DefaultBreakerConfig())

	guards, err := expressions.NewGuardEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create guard evaluator: %w", err)
	}
	actReg, defs, validator, err := newDefinitions(actions.Deps{
		LLM:      model,
		Comments: a.store,
		Hub:      a.hub,
		Logger:   logger,
	}, guards, cfg.DefinitionsDir)
	if err != nil {
		return nil, err
	}
	a.defs = defs

	toolReg := tools.NewRegistry(validator, a.metrics, logger)
	if err := tools.RegisterDefaults(toolReg, tools.Deps{
		Messages: a.store,
		Comments: a.store,
		Tickets:  a.store,
		Hub:      a.hub,
	}); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	a.engine = engine.New(engine.Config{
		TransitionDelay: cfg.TickDelayTransition,
		IdleDelay:       cfg.TickDelayIdle,
		PoolSize:        cfg.PoolSize,
	}, engine.Deps{
		Instances:   a.store,
		Tickets:     a.store,
		Users:       a.store,
		Comments:    a.store,
		Definitions: defs,
		Actions:     actReg,
		Guards:      guards,
		Hub:         a.hub,
		Metrics:     a.metrics,
		Logger:      logger,
	})

	a.orch = orchestrator.New(orchestrator.Deps{
		Engine:  a.engine,
		Tickets: a.store,
		TaskDeps: taskflow.Deps{
			LLM:      model,
			Tools:    toolReg,
			Tickets:  a.store,
			Users:    a.store,
			Comments: a.store,
			Hub:      a.hub,
			Metrics:  a.metrics,
			Logger:   logger,
		},
		TaskConfig: taskflow.Config{MaxRetries: cfg.MaxStepRetries},
		Logger:     logger,
	})

	a.scheduler = scheduler.New(logger)
	if err := a.scheduler.Start(); err != nil {
		return nil, err
	}

	if err := a.seedChannels(ctx); err != nil {
		return nil, err
	}
	personas, err := loadPersonas(cfg.PersonasFile)
	if err != nil {
		return nil, err
	}
	if _, err := identity.RegisterAll(ctx, a.store, personas, time.Now().UTC()); err != nil {
		return nil, err
	}

	seed := uint64(time.Now().UnixNano())
	a.agents = agents.NewManager(agents.DefaultConfig(), agents.Deps{
		Users:     a.store,
		Messages:  a.store,
		LLM:       model,
		Tools:     toolReg,
		Scheduler: a.scheduler,
		Hub:       a.hub,
		Metrics:   a.metrics,
		Logger:    logger,
		Rand:      rand.New(rand.NewPCG(seed, seed>>1)),
	})
	if _, err := a.agents.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize agents: %w", err)
	}
	a.scheduleChatter(ctx, cfg.ChatterSchedule)

	if _, err := a.orch.ResumeInFlight(ctx); err != nil {
		return nil, fmt.Errorf("resume in-flight workflows: %w", err)
	}

	a.mcp = mcp.NewServer(mcp.ServerDeps{
		Store:        a.store,
		Instances:    a.engine,
		Orchestrator: a.orch,
		Agents:       a.agents,
		Definitions:  defs,
		Hub:          a.hub,
		Logger:       logger,
	})
	return a, nil
}

func (a *app) seedChannels(ctx context.Context) error {
	for _, name := range a.cfg.Channels {
		_, err := a.store.GetChannel(ctx, name)
		if err == nil {
			continue
		}
		if !schema.IsNotFound(err) {
			return err
		}
		if err := a.store.CreateChannel(ctx, &store.Channel{ID: name, Name: name, CreatedAt: time.Now().UTC()}); err != nil {
			return fmt.Errorf("create channel %q: %w", name, err)
		}
	}
	return nil
}

// scheduleChatter installs (or, with an empty spec, removes) the repeating
// idle chatter activity for every agent.
func (a *app) scheduleChatter(ctx context.Context, spec string) {
	if spec != "" {
		next, err := a.scheduler.CalculateNextRun(spec, time.Now())
		if err != nil {
			a.logger.WarnContext(ctx, "chatter schedule rejected", "schedule", spec, "error", err)
			return
		}
		a.logger.InfoContext(ctx, "chatter scheduled", "schedule", spec, "next_run", next)
	}
	for _, ag := range a.agents.Agents() {
		if spec == "" {
			a.agents.CancelAgentActivity(ag.ID(), agents.ActivityIdleChatter)
			continue
		}
		act := agents.Activity{Type: agents.ActivityIdleChatter, Schedule: spec}
		if len(a.cfg.Channels) > 0 {
			act.Context.ChannelID = a.cfg.Channels[0]
		}
		if err := a.agents.ScheduleAgentActivity(ag.ID(), act); err != nil {
			a.logger.WarnContext(ctx, "chatter not scheduled", "agent_id", ag.ID(), "error", err)
		}
	}
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.orch != nil {
		a.orch.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
	}
}
