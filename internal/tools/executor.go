package tools

import (
	"context"
	"fmt"
	"time"

	"codeloop/internal/audit"
	"codeloop/internal/client"
	"codeloop/internal/drain"
	"codeloop/internal/logging"

	"google.golang.org/genai"
)

// Executor dispatches tool calls to a registry. A failing tool is reported
// in the response; only a broken handler yields an error.
type Executor struct {
	registry *Registry
	ctrl     *drain.Controller

	auditLogger    *audit.Logger
	conversationID string
	project        string
}

// NewExecutor creates an executor. ctrl must be the controller the shell
// tool in registry runs under.
func NewExecutor(registry *Registry, ctrl *drain.Controller) *Executor {
	return &Executor{registry: registry, ctrl: ctrl}
}

// SetAuditLogger records every execution to logger, tagged with the
// conversation and project.
func (e *Executor) SetAuditLogger(logger *audit.Logger, conversationID, project string) {
	e.auditLogger = logger
	e.conversationID = conversationID
	e.project = project
}

// Registry returns the tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call.
func (e *Executor) Execute(ctx context.Context, req client.ToolCallRequest) (client.ToolCallResponse, error) {
	name := Canonicalize(req.Name)

	tool, ok := e.registry.Get(name)
	if !ok {
		return errorResponse(req.CallID, fmt.Sprintf("unknown tool: %s", req.Name)), nil
	}
	if err := tool.Validate(req.Args); err != nil {
		return errorResponse(req.CallID, fmt.Sprintf("validation error: %s", err)), nil
	}

	if IsShellTool(name) && e.ctrl != nil {
		if cb := GetStreamingCallback(ctx); cb != nil {
			e.ctrl.Register(req.CallID, drain.OutputFunc(cb))
			defer e.ctrl.Unregister(req.CallID)
		}
	}
	ctx = ContextWithCallID(ctx, req.CallID)

	start := time.Now()
	result, err := safeExecute(ctx, tool, req.Args)
	duration := time.Since(start)

	if err != nil {
		logging.Error("tool execution failed",
			"tool", name,
			"call_id", req.CallID,
			"error", err,
			"duration", duration)
		e.audit(req, name, NewErrorResult(err.Error()), duration)
		return client.ToolCallResponse{CallID: req.CallID}, fmt.Errorf("%s: %w", name, err)
	}

	e.audit(req, name, result, duration)
	logging.Info("tool execution completed",
		"tool", name,
		"call_id", req.CallID,
		"success", result.Success,
		"duration", duration)

	resp := client.ToolCallResponse{
		CallID:        req.CallID,
		ResultDisplay: result.Data,
	}
	text := result.Content
	if !result.Success {
		resp.Error = result.Error
		if text == "" {
			text = result.Error
		}
	}
	resp.ResponseParts = []*genai.Part{genai.NewPartFromText(text)}
	return resp, nil
}

func (e *Executor) audit(req client.ToolCallRequest, name string, result ToolResult, duration time.Duration) {
	if e.auditLogger == nil {
		return
	}
	entry := audit.NewEntry(e.conversationID, e.project, req.CallID, name, req.Args)
	entry.Complete(result.Content, result.Success, result.Error, duration)
	if err := e.auditLogger.Log(entry); err != nil {
		logging.Warn("failed to write audit log", "error", err, "tool", name)
	}
}

// safeExecute turns a handler panic into an error.
func safeExecute(ctx context.Context, tool Tool, args map[string]any) (result ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in tool %s: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, args)
}

func errorResponse(callID, msg string) client.ToolCallResponse {
	return client.ToolCallResponse{
		CallID:        callID,
		ResponseParts: []*genai.Part{genai.NewPartFromText(msg)},
		Error:         msg,
	}
}
