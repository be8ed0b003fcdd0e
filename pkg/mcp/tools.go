package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stagewise/stagewise/internal/orchestrator"
)

// handleCreate starts a new workflow session.
func (s *StagewiseServer) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	state, err := s.orch.CreateSession(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session creation failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"state":       state,
	})
}

// handleStep runs one execution cycle for the session.
func (s *StagewiseServer) handleStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	var report *orchestrator.StepReport
	stepErr := s.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		report, err = s.orch.ExecuteStep(ctx, workflowID, inputs)
		return err
	})
	if stepErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step execution failed: %v", stepErr)), nil
	}

	return marshalResult(report)
}

// handleStatus returns the session's current snapshot.
func (s *StagewiseServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	status, statusErr := s.orch.Status(ctx, workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(status)
}

// handlePause suspends the session between steps.
func (s *StagewiseServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if pauseErr := s.orch.Pause(ctx, workflowID); pauseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pause failed: %v", pauseErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"paused":      true,
	})
}

// handleResume lifts a pause.
func (s *StagewiseServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if resumeErr := s.orch.Resume(ctx, workflowID); resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"paused":      false,
	})
}

// handleCleanup removes the session and its history.
func (s *StagewiseServer) handleCleanup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if cleanErr := s.orch.Cleanup(ctx, workflowID); cleanErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cleanup failed: %v", cleanErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
	})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
