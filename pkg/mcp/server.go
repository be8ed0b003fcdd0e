package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stagewise/stagewise/internal/orchestrator"
)

// StagewiseServerDeps holds the dependencies for creating a StagewiseServer.
type StagewiseServerDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger
	// MaxConcurrentSteps bounds simultaneous session.step cycles
	// (default 8).
	MaxConcurrentSteps int
}

// StagewiseServer wraps an MCP server with session tool handlers. Each
// tool is a thin wrapper over one orchestrator operation.
type StagewiseServer struct {
	orch      *orchestrator.Orchestrator
	logger    *slog.Logger
	gate      *StepGate
	mcpServer *server.MCPServer
}

// NewStagewiseServer creates a server with all 6 session tools registered.
func NewStagewiseServer(deps StagewiseServerDeps) *StagewiseServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	size := deps.MaxConcurrentSteps
	if size <= 0 {
		size = 8
	}
	s := &StagewiseServer{
		orch:   deps.Orchestrator,
		logger: logger,
		gate:   NewStepGate(size),
	}

	mcpSrv := server.NewMCPServer(
		"stagewise",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stagewise is a goal-driven workflow orchestration engine. Use session.create to start a workflow, session.step to run one execution cycle, session.status to inspect state, session.pause and session.resume to suspend between steps, and session.cleanup to remove a finished session."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. In-flight step cycles drain before Serve returns.
func (s *StagewiseServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	s.gate.Shutdown()
	return err
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StagewiseServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *StagewiseServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: stepTool(), Handler: s.handleStep},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cleanupTool(), Handler: s.handleCleanup},
	}
}

// --- Tool definitions ---

func createTool() mcp.Tool {
	return mcp.NewTool("session.create",
		mcp.WithDescription("Create a new workflow session positioned at the first stage and step"),
		mcp.WithString("workflow_id", mcp.Description("Explicit session ID (default: generated UUID)")),
	)
}

func stepTool() mcp.Tool {
	return mcp.NewTool("session.step",
		mcp.WithDescription("Run one execution cycle: evaluate the stage goal, plan, execute the next step, and apply the flow decision"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target session")),
		mcp.WithObject("inputs", mcp.Description("Caller-supplied variables made visible to the step's action")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("session.status",
		mcp.WithDescription("Get the session's phase, pause flag, and full state snapshot"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the session to query")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("session.pause",
		mcp.WithDescription("Pause the session between steps; a step already running finishes first"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the session to pause")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("session.resume",
		mcp.WithDescription("Resume a paused session from its snapshot without re-running completed steps"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the session to resume")),
	)
}

func cleanupTool() mcp.Tool {
	return mcp.NewTool("session.cleanup",
		mcp.WithDescription("Remove a session and its persisted history"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the session to remove")),
	)
}
