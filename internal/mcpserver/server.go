// Package mcpserver exposes the gateway's tools over the Model Context
// Protocol. Every tool call goes through the same GatewayService as the
// HTTP API, so locking, redaction and history behave identically.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/osvaldoandrade/contentpipe/internal/services"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const serverName = "contentpipe"

type Server struct {
	svc    services.GatewayService
	mcp    *server.MCPServer
	logger *slog.Logger
}

func New(svc services.GatewayService, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		mcp:    server.NewMCPServer(serverName, version, server.WithToolCapabilities(false)),
		logger: logger,
	}
	for _, info := range svc.Tools() {
		s.mcp.AddTool(toolFor(info), s.handler(info.Name))
	}
	return s
}

func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio blocks serving JSON-RPC on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func toolFor(info domain.ToolInfo) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(info.Description)}
	for _, p := range info.Params {
		popts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		switch p.Type {
		case "array":
			popts = append(popts, mcp.Items(map[string]any{"type": "string"}))
			opts = append(opts, mcp.WithArray(p.Name, popts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}
	opts = append(opts, mcp.WithNumber("timeout_seconds",
		mcp.Description("Optional override of the stage timeout, capped by the server maximum.")))
	return mcp.NewTool(string(info.Name), opts...)
}

func (s *Server) handler(stage domain.Stage) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, timeout, err := decodeArgs(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		res, invErr := s.svc.Invoke(ctx, domain.InvocationRequest{
			Stage:          stage,
			Params:         params,
			TimeoutSeconds: timeout,
		})
		if invErr != nil {
			s.logger.Debug("mcp tool call failed", "tool", stage, "id", res.ID, "kind", domain.KindOf(invErr))
		}
		return toolResult(res, invErr)
	}
}

// toolResult renders the envelope as JSON text. Failures are tool errors,
// not protocol errors, so the client sees the stage and kind.
func toolResult(res *domain.InvocationResult, invErr error) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if invErr != nil || !res.OK() {
		return mcp.NewToolResultError(string(b)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func decodeArgs(args map[string]any) (domain.ToolParams, int, error) {
	var p domain.ToolParams
	var err error
	if p.Keyword, err = optString(args, "keyword"); err != nil {
		return p, 0, err
	}
	if p.File, err = optString(args, "file"); err != nil {
		return p, 0, err
	}
	if p.JSONPath, err = optString(args, "json_path"); err != nil {
		return p, 0, err
	}
	if raw, ok := args["images"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return p, 0, fmt.Errorf("images must be an array of strings")
		}
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return p, 0, fmt.Errorf("images must be an array of strings")
			}
			p.Images = append(p.Images, s)
		}
	}
	timeout := 0
	if raw, ok := args["timeout_seconds"]; ok && raw != nil {
		f, ok := raw.(float64)
		if !ok || f != float64(int(f)) {
			return p, 0, fmt.Errorf("timeout_seconds must be an integer")
		}
		timeout = int(f)
	}
	return p, timeout, nil
}

func optString(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}
