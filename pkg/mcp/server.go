package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crew/internal/orchestrator"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/internal/taskflow"
	"github.com/rendis/crew/pkg/schema"
)

// Instances reads workflow instances.
type Instances interface {
	GetInstance(ctx context.Context, id string) (*store.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.WorkflowInstance, error)
}

// Orchestrator reacts to the ticket changes made through the control surface.
type Orchestrator interface {
	OnTicketAssigned(ctx context.Context, ticketID, assigneeID, previousID string) (*orchestrator.Assignment, error)
	OnTicketStatusChanged(ctx context.Context, ticketID, oldStatus, newStatus string) error
	OnTicketDeleted(ctx context.Context, ticketID string) error
	RunTask(ctx context.Context, ticketID, agentID string) *taskflow.Task
	Task(ticketID, agentID string) (*taskflow.Task, bool)
}

// Responders schedules agent replies to a posted message.
type Responders interface {
	HandleIncomingMessage(ctx context.Context, msg *store.Message) (int, error)
}

// Definitions resolves registered workflow definitions.
type Definitions interface {
	Get(id string) (*schema.WorkflowDefinition, error)
	List() []*schema.WorkflowDefinition
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Store        store.Store
	Instances    Instances
	Orchestrator Orchestrator
	Agents       Responders
	Definitions  Definitions
	Hub          streaming.Hub
	Logger       *slog.Logger
	Now          func() time.Time
}

// Server wraps an MCP server with the crew control-surface tools.
type Server struct {
	deps      ServerDeps
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  UserNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Server{
		deps:     deps,
		logger:   logger.With("component", "mcp"),
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"crew",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Crew simulates a small software team. Create and assign tickets with crew.create_ticket and crew.assign_ticket, move them with crew.set_ticket_status, chat with the team through crew.post_message, and follow progress with crew.workflow_status, crew.query and crew.diagram."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createTicketTool(), Handler: s.handleCreateTicket},
		{Tool: assignTicketTool(), Handler: s.handleAssignTicket},
		{Tool: setTicketStatusTool(), Handler: s.handleSetTicketStatus},
		{Tool: deleteTicketTool(), Handler: s.handleDeleteTicket},
		{Tool: postMessageTool(), Handler: s.handlePostMessage},
		{Tool: workflowStatusTool(), Handler: s.handleWorkflowStatus},
		{Tool: runTaskTool(), Handler: s.handleRunTask},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: definitionsTool(), Handler: s.handleDefinitions},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func createTicketTool() mcp.Tool {
	return mcp.NewTool("crew.create_ticket",
		mcp.WithDescription("Create a ticket on the board, optionally assigning it"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Ticket title")),
		mcp.WithString("description", mcp.Description("Ticket description")),
		mcp.WithString("type", mcp.Description("Ticket type: bug, review, task, or anything else for the standard pipeline")),
		mcp.WithString("assignee_id", mcp.Description("Agent to assign the ticket to")),
		mcp.WithString("user_id", mcp.Description("ID of the user creating the ticket")),
	)
}

func assignTicketTool() mcp.Tool {
	return mcp.NewTool("crew.assign_ticket",
		mcp.WithDescription("Assign a ticket to an agent and start work on it"),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("ID of the ticket")),
		mcp.WithString("assignee_id", mcp.Description("Agent to assign; empty unassigns")),
		mcp.WithString("user_id", mcp.Description("ID of the user making the change")),
	)
}

func setTicketStatusTool() mcp.Tool {
	return mcp.NewTool("crew.set_ticket_status",
		mcp.WithDescription("Move a ticket to another status"),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("ID of the ticket")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum(schema.ValidTicketStatuses...),
			mcp.Description("New ticket status"),
		),
		mcp.WithString("user_id", mcp.Description("ID of the user making the change")),
	)
}

func deleteTicketTool() mcp.Tool {
	return mcp.NewTool("crew.delete_ticket",
		mcp.WithDescription("Delete a ticket and discard any work on it"),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("ID of the ticket")),
	)
}

func postMessageTool() mcp.Tool {
	return mcp.NewTool("crew.post_message",
		mcp.WithDescription("Post a chat message; agents may reply"),
		mcp.WithString("channel_id", mcp.Required(), mcp.Description("Channel to post in")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the posting user")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("thread_parent_id", mcp.Description("Parent message ID when replying in a thread")),
	)
}

func workflowStatusTool() mcp.Tool {
	return mcp.NewTool("crew.workflow_status",
		mcp.WithDescription("Get a workflow instance, by ID or by ticket and agent"),
		mcp.WithString("instance_id", mcp.Description("ID of the workflow instance")),
		mcp.WithString("ticket_id", mcp.Description("Ticket ID (with agent_id)")),
		mcp.WithString("agent_id", mcp.Description("Agent ID (with ticket_id)")),
	)
}

func runTaskTool() mcp.Tool {
	return mcp.NewTool("crew.run_task",
		mcp.WithDescription("Run the plan-execute-evaluate task loop for a ticket, or report the running one"),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("ID of the ticket")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent doing the work")),
		mcp.WithString("status_only", mcp.Description("\"true\" to only report the current task state")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("crew.query",
		mcp.WithDescription("Query instances, tickets, comments, messages, or agents"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("instances", "tickets", "comments", "messages", "agents"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, ticket_id, agent_id, assignee_id, channel_id, thread_parent_id, limit)")),
	)
}

func definitionsTool() mcp.Tool {
	return mcp.NewTool("crew.definitions",
		mcp.WithDescription("List registered workflow definitions"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("crew.diagram",
		mcp.WithDescription("Render a workflow definition as a state diagram, optionally with an instance's progress"),
		mcp.WithString("definition_id", mcp.Description("Definition to draw")),
		mcp.WithString("instance_id", mcp.Description("Instance whose definition and progress to draw")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid"),
			mcp.Description("Output format: ascii (text boxes) or mermaid (stateDiagram-v2)"),
		),
	)
}
