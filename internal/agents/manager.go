package agents

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crew/internal/llm"
	"github.com/rendis/crew/internal/logging"
	"github.com/rendis/crew/internal/metrics"
	"github.com/rendis/crew/internal/scheduler"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/pkg/schema"
)

// ActivityType selects the handler run when an activity fires.
type ActivityType string

const (
	ActivityMessage      ActivityType = "message"
	ActivityTicketReview ActivityType = "ticket_review"
	ActivityStatusUpdate ActivityType = "status_update"
	ActivityIdleChatter  ActivityType = "idle_chatter"
)

var knownActivities = map[ActivityType]bool{
	ActivityMessage:      true,
	ActivityTicketReview: true,
	ActivityStatusUpdate: true,
	ActivityIdleChatter:  true,
}

// ActivityContext points an activity at the conversation it concerns.
type ActivityContext struct {
	ChannelID      string `json:"channel_id,omitempty"`
	ThreadParentID string `json:"thread_parent_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// Activity is a unit of background agent behaviour. A non-empty Schedule
// (cron spec) makes it repeating; otherwise it fires once after Delay.
type Activity struct {
	Type     ActivityType    `json:"type"`
	Schedule string          `json:"schedule,omitempty"`
	Delay    time.Duration   `json:"delay,omitempty"`
	Context  ActivityContext `json:"context"`
}

// ActivityScheduler is satisfied by *scheduler.Scheduler.
type ActivityScheduler interface {
	Every(key, spec string, job scheduler.Job) error
	After(key string, delay time.Duration, job scheduler.Job)
	Cancel(key string) bool
}

// Config tunes response selection and pacing.
type Config struct {
	// MaxThreadMessages stops agent replies to a thread reply once the
	// thread (parent included) already held this many messages.
	MaxThreadMessages int
	ChannelHistory    int
	MaxResponders     int
	BaseDelay         time.Duration
	Stagger           time.Duration
	Jitter            time.Duration
}

// DefaultConfig returns the standard pacing: 1s base, 2s stagger per
// responder, up to 2s jitter.
func DefaultConfig() Config {
	return Config{
		MaxThreadMessages: 10,
		ChannelHistory:    10,
		MaxResponders:     2,
		BaseDelay:         time.Second,
		Stagger:           2 * time.Second,
		Jitter:            2 * time.Second,
	}
}

// Deps are the manager's collaborators.
type Deps struct {
	Users     store.UserStore
	Messages  store.MessageStore
	LLM       llm.Service
	Tools     ToolRunner
	Scheduler ActivityScheduler
	Hub       streaming.Hub
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Rand      *rand.Rand
	Now       func() time.Time
}

// Manager owns the agent pool.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Agent

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewManager creates a manager with no agents; call Initialize.
func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.MaxThreadMessages <= 0 {
		cfg.MaxThreadMessages = def.MaxThreadMessages
	}
	if cfg.ChannelHistory <= 0 {
		cfg.ChannelHistory = def.ChannelHistory
	}
	if cfg.MaxResponders <= 0 {
		cfg.MaxResponders = def.MaxResponders
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	r := deps.Rand
	if r == nil {
		r = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x63726577))
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "agents"),
		agents: make(map[string]*Agent),
		rand:   r,
	}
}

// Initialize builds an Agent for every agent user not yet known. Existing
// agents keep their runtime state. Returns the number added.
func (m *Manager) Initialize(ctx context.Context) (int, error) {
	users, err := m.deps.Users.ListUsers(ctx, true)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, u := range users {
		if _, ok := m.agents[u.ID]; ok {
			continue
		}
		m.agents[u.ID] = NewAgent(u, m.deps.LLM, m.deps.Tools, m.deps.Logger, m.deps.Now)
		added++
	}
	m.logger.InfoContext(ctx, "agents initialized", "added", added, "total", len(m.agents))
	return added, nil
}

// Agent returns the agent with id.
func (m *Manager) Agent(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// Agents returns every agent, sorted by id.
func (m *Manager) Agents() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) activeAgents() []*Agent {
	all := m.Agents()
	out := all[:0]
	for _, a := range all {
		if a.Active() {
			out = append(out, a)
		}
	}
	return out
}

// ScheduleAgentActivity registers act for the agent. Repeating activities
// are keyed by (agent, type), so rescheduling replaces the previous one;
// one-shot activities are keyed by the message they answer when there is one.
func (m *Manager) ScheduleAgentActivity(agentID string, act Activity) error {
	agent, ok := m.Agent(agentID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not found", agentID)
	}
	if !knownActivities[act.Type] {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown activity type %q", act.Type)
	}
	if act.Schedule != "" && act.Delay > 0 {
		return schema.NewError(schema.ErrCodeValidation, "activity needs either a schedule or a delay, not both")
	}

	job := func(ctx context.Context) { m.runActivity(ctx, agent, act) }
	if act.Schedule != "" {
		return m.deps.Scheduler.Every(repeatingKey(agentID, act.Type), act.Schedule, job)
	}
	m.deps.Scheduler.After(oneShotKey(agentID, act), act.Delay, job)
	return nil
}

// CancelAgentActivity drops the agent's repeating activity of type typ.
func (m *Manager) CancelAgentActivity(agentID string, typ ActivityType) bool {
	return m.deps.Scheduler.Cancel(repeatingKey(agentID, typ))
}

func repeatingKey(agentID string, typ ActivityType) string {
	return agentID + ":" + string(typ)
}

func oneShotKey(agentID string, act Activity) string {
	ref := act.Context.MessageID
	if ref == "" {
		ref = uuid.New().String()
	}
	return agentID + ":" + string(act.Type) + ":" + ref
}

func (m *Manager) runActivity(ctx context.Context, agent *Agent, act Activity) {
	ctx = logging.WithAgentID(ctx, agent.ID())
	if !agent.Active() {
		m.logger.DebugContext(ctx, "agent inactive, skipping activity", "type", act.Type)
		return
	}

	switch act.Type {
	case ActivityMessage:
		if err := m.handleMessageActivity(ctx, agent, act.Context); err != nil {
			m.logger.WarnContext(ctx, "message activity failed", "error", err)
		}
	default:
		m.logger.InfoContext(ctx, "activity type not implemented, skipping", "type", act.Type)
	}
}

// HandleIncomingMessage picks agents to answer a human message and
// schedules their replies. A top-level message gets one or two responders;
// a thread reply gets one, unless the thread has reached MaxThreadMessages.
// Agent-authored messages are ignored. Returns the number scheduled.
func (m *Manager) HandleIncomingMessage(ctx context.Context, msg *store.Message) (int, error) {
	author, err := m.deps.Users.GetUser(ctx, msg.UserID)
	switch {
	case err == nil && author.IsAgent:
		return 0, nil
	case err != nil && !schema.IsNotFound(err):
		return 0, err
	}

	candidates := m.activeAgents()
	if len(candidates) == 0 {
		return 0, nil
	}

	kind := "channel"
	count := 1 + m.intN(m.cfg.MaxResponders)
	actx := ActivityContext{ChannelID: msg.ChannelID, MessageID: msg.ID}
	if msg.ThreadParentID != "" {
		thread, err := m.deps.Messages.GetThreadMessages(ctx, msg.ThreadParentID)
		if err != nil {
			return 0, err
		}
		// Count what the thread held before this reply.
		existing := 0
		for _, t := range thread {
			if t.ID != msg.ID {
				existing++
			}
		}
		if existing >= m.cfg.MaxThreadMessages {
			m.logger.DebugContext(ctx, "thread reply cap reached", "thread", msg.ThreadParentID, "messages", existing)
			return 0, nil
		}
		kind = "thread"
		count = 1
		actx.ThreadParentID = msg.ThreadParentID
	}

	m.shuffle(candidates)
	count = min(count, len(candidates))
	for i, agent := range candidates[:count] {
		delay := m.cfg.BaseDelay + time.Duration(i)*m.cfg.Stagger + m.jitter()
		if err := m.ScheduleAgentActivity(agent.ID(), Activity{Type: ActivityMessage, Delay: delay, Context: actx}); err != nil {
			return i, err
		}
		m.deps.Metrics.ResponseScheduled(kind)
		m.logger.DebugContext(ctx, "agent response scheduled", "agent_id", agent.ID(), "delay", delay, "kind", kind)
	}
	return count, nil
}

// handleMessageActivity answers the conversation in actx. When the model
// replies with text but no successful send_message call, the text is posted
// on the agent's behalf.
func (m *Manager) handleMessageActivity(ctx context.Context, agent *Agent, actx ActivityContext) error {
	var (
		history []*store.Message
		err     error
	)
	if actx.ThreadParentID != "" {
		history, err = m.deps.Messages.GetThreadMessages(ctx, actx.ThreadParentID)
	} else {
		history, err = m.deps.Messages.GetChannelMessages(ctx, actx.ChannelID, m.cfg.ChannelHistory)
	}
	if err != nil {
		return err
	}

	channelName := actx.ChannelID
	if ch, err := m.deps.Messages.GetChannel(ctx, actx.ChannelID); err == nil {
		channelName = ch.Name
	}

	resp, err := agent.Respond(ctx, m.messageInstruction(ctx, channelName, actx, history))
	if err != nil {
		return err
	}
	if resp.SentMessage || resp.Text == "" {
		return nil
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ChannelID:      actx.ChannelID,
		UserID:         agent.ID(),
		Content:        resp.Text,
		ThreadParentID: actx.ThreadParentID,
		CreatedAt:      m.deps.Now(),
	}
	if err := m.deps.Messages.CreateMessage(ctx, msg); err != nil {
		return err
	}
	streaming.Emit(ctx, m.deps.Hub, streaming.Event{
		Name:      schema.EventMessageNew,
		ChannelID: msg.ChannelID,
		Payload:   msg,
	})
	return nil
}

func (m *Manager) messageInstruction(ctx context.Context, channelName string, actx ActivityContext, history []*store.Message) string {
	names := map[string]string{}
	var b strings.Builder
	if actx.ThreadParentID != "" {
		fmt.Fprintf(&b, "A thread in #%s:\n", channelName)
	} else {
		fmt.Fprintf(&b, "Recent messages in #%s:\n", channelName)
	}
	for _, msg := range history {
		name, ok := names[msg.UserID]
		if !ok {
			name = msg.UserID
			if u, err := m.deps.Users.GetUser(ctx, msg.UserID); err == nil {
				name = u.Name
			}
			names[msg.UserID] = name
		}
		fmt.Fprintf(&b, "[%s]: %s\n", name, msg.Content)
	}

	b.WriteString("\nWrite your reply")
	if actx.ThreadParentID != "" {
		fmt.Fprintf(&b, " in the thread using send_message with channelId %q and threadParentId %q.", actx.ChannelID, actx.ThreadParentID)
	} else {
		fmt.Fprintf(&b, " using send_message with channelId %q.", actx.ChannelID)
	}
	return b.String()
}

func (m *Manager) intN(n int) int {
	if n <= 0 {
		return 0
	}
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return m.rand.IntN(n)
}

func (m *Manager) jitter() time.Duration {
	ms := m.cfg.Jitter.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return time.Duration(m.intN(int(ms)+1)) * time.Millisecond
}

func (m *Manager) shuffle(agents []*Agent) {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	m.rand.Shuffle(len(agents), func(i, j int) { agents[i], agents[j] = agents[j], agents[i] })
}
