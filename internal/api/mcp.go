package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/envoyai/agentcore/internal/dispatch"
	"github.com/envoyai/agentcore/internal/docparse"
	"github.com/envoyai/agentcore/internal/handoff"
	"github.com/envoyai/agentcore/internal/ledger"
	"github.com/envoyai/agentcore/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Dispatcher *dispatch.Dispatcher
	Flows      *handoff.Engine
	Ledger     *ledger.Ledger
	// Tenant scopes every tool call. Empty means storage.NoTenant.
	Tenant string
}

func (d MCPDeps) tenant() string {
	if d.Tenant == "" {
		return storage.NoTenant
	}
	return d.Tenant
}

// NewMCPServer creates an MCP server with the agentcore tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"agentcore",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("agentcore runs triage, finance and statement agents over documents and records every run."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_task",
			mcp.WithDescription("Submit a document for an agent. With wait=true the agent and any handoff follow-ups run before the call returns."),
			mcp.WithString("task_type", mcp.Description("Agent task type, e.g. triage, finance, statement"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Document content; base64 for PDFs"), mcp.Required()),
			mcp.WithString("content_type", mcp.Description("text/plain (default), text/html or application/pdf")),
			mcp.WithString("source_ref", mcp.Description("Stable external id of the document")),
			mcp.WithBoolean("wait", mcp.Description("Run synchronously and return the flow result")),
		),
		mcpSubmitTask(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_correction",
			mcp.WithDescription("Record a human correction of one field of an agent's output so similar documents benefit."),
			mcp.WithString("task_type", mcp.Required()),
			mcp.WithString("source_ref", mcp.Required()),
			mcp.WithString("field_name", mcp.Required()),
			mcp.WithString("new_value", mcp.Required()),
			mcp.WithString("old_value", mcp.Description("Defaults to the value in the latest output for the source")),
		),
		mcpSubmitCorrection(deps),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List recent provider attempts, newest first."),
			mcp.WithString("agent", mcp.Description("Only runs of this agent")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("get_flow",
			mcp.WithDescription("Show one handoff chain with every step."),
			mcp.WithString("flow_id", mcp.Required()),
		),
		mcpGetFlow(deps),
	)

	return s
}

func mcpSubmitTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskType, err := req.RequireString("task_type")
		if err != nil {
			return mcpError("task_type is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		text, err := docparse.Extract(ctx, req.GetString("content_type", ""), content)
		if err != nil {
			return mcpError(fmt.Sprintf("unreadable content: %v", err)), nil
		}

		sub := dispatch.SubmitRequest{
			TenantID:  deps.tenant(),
			TaskType:  taskType,
			SourceRef: req.GetString("source_ref", ""),
			Text:      text,
		}
		if req.GetBool("wait", false) {
			res, err := deps.Flows.RunFlow(ctx, sub)
			if err != nil {
				return mcpError(fmt.Sprintf("task failed: %v", err)), nil
			}
			return mcpJSON(res)
		}

		t, err := deps.Dispatcher.Submit(ctx, sub)
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued task %s (flow %s)", t.ID, t.FlowID)), nil
	}
}

func mcpSubmitCorrection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var missing []string
		args := map[string]string{}
		for _, k := range []string{"task_type", "source_ref", "field_name", "new_value"} {
			v, err := req.RequireString(k)
			if err != nil {
				missing = append(missing, k)
			}
			args[k] = v
		}
		if len(missing) > 0 {
			return mcpError(fmt.Sprintf("missing arguments: %v", missing)), nil
		}

		res, err := deps.Dispatcher.SubmitCorrection(ctx, dispatch.CorrectionRequest{
			TenantID:  deps.tenant(),
			TaskType:  args["task_type"],
			SourceRef: args["source_ref"],
			FieldName: args["field_name"],
			OldValue:  req.GetString("old_value", ""),
			NewValue:  args["new_value"],
		})
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("no completed task for that source"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("correction failed: %v", err)), nil
		}
		if res.Queued {
			return mcpText("Correction queued for retry"), nil
		}
		return mcpText(fmt.Sprintf("Stored correction %s", res.RecordID)), nil
	}
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}
		runs, err := deps.Ledger.ListRuns(ctx, deps.tenant(), req.GetString("agent", ""), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing runs failed: %v", err)), nil
		}
		if len(runs) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(runs)
	}
}

func mcpGetFlow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("flow_id")
		if err != nil {
			return mcpError("flow_id is required"), nil
		}
		flow, err := deps.Ledger.GetFlow(ctx, deps.tenant(), id)
		if errors.Is(err, ledger.ErrFlowNotFound) {
			return mcpError("flow not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading flow failed: %v", err)), nil
		}
		return mcpJSON(flow)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
