package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/osvaldoandrade/contentpipe/internal/services"
	"github.com/osvaldoandrade/contentpipe/internal/stages"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"github.com/mark3labs/mcp-go/mcp"
)

type fakeGateway struct {
	services.GatewayService
	got domain.InvocationRequest
	res *domain.InvocationResult
	err error
}

func (f *fakeGateway) Tools() []domain.ToolInfo { return stages.Default().Tools() }

func (f *fakeGateway) Invoke(_ context.Context, req domain.InvocationRequest) (*domain.InvocationResult, error) {
	f.got = req
	return f.res, f.err
}

func call(t *testing.T, s *Server, stage domain.Stage, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = string(stage)
	req.Params.Arguments = args
	res, err := s.handler(stage)(context.Background(), req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty content")
	}
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func TestToolSchemas(t *testing.T) {
	tools := map[string]mcp.Tool{}
	for _, info := range stages.Default().Tools() {
		tool := toolFor(info)
		tools[tool.Name] = tool
	}
	if len(tools) != 5 {
		t.Fatalf("expected five tools, got %d", len(tools))
	}
	publish := tools["publish"]
	if _, ok := publish.InputSchema.Properties["images"]; !ok {
		t.Fatalf("publish schema lacks images: %+v", publish.InputSchema.Properties)
	}
	required := strings.Join(publish.InputSchema.Required, ",")
	if !strings.Contains(required, "json_path") || !strings.Contains(required, "images") {
		t.Fatalf("publish required = %v", publish.InputSchema.Required)
	}
	if _, ok := tools["crawl"].InputSchema.Properties["timeout_seconds"]; !ok {
		t.Fatal("timeout override missing")
	}
}

func TestCallSuccess(t *testing.T) {
	f := &fakeGateway{res: &domain.InvocationResult{ID: "i1", Stage: domain.StagePublish, Status: domain.ResultSuccess, Link: "https://blog.example/p/1"}}
	s := New(f, "test", nil)

	res := call(t, s, domain.StagePublish, map[string]any{
		"json_path":       "/runs/r1/post.json",
		"images":          []any{"/runs/r1/a.png", "/runs/r1/b.png"},
		"timeout_seconds": float64(90),
	})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", text(t, res))
	}
	if f.got.Stage != domain.StagePublish || f.got.Params.JSONPath != "/runs/r1/post.json" || len(f.got.Params.Images) != 2 || f.got.TimeoutSeconds != 90 {
		t.Fatalf("request = %+v", f.got)
	}
	var env domain.InvocationResult
	if err := json.Unmarshal([]byte(text(t, res)), &env); err != nil {
		t.Fatal(err)
	}
	if env.Link != "https://blog.example/p/1" {
		t.Fatalf("link = %q", env.Link)
	}
}

func TestCallFailureIsToolError(t *testing.T) {
	err := domain.NewError(domain.StageCrawl, domain.KindNonZeroExit, "worker exited with status 2")
	f := &fakeGateway{res: domain.FailureResult("i2", domain.StageCrawl, err, 0), err: err}
	s := New(f, "test", nil)

	res := call(t, s, domain.StageCrawl, map[string]any{"keyword": "rust"})
	if !res.IsError {
		t.Fatal("failure should be reported as tool error")
	}
	if body := text(t, res); !strings.Contains(body, "non_zero_exit") || !strings.Contains(body, `"stage": "crawl"`) {
		t.Fatalf("diagnostic missing: %s", body)
	}
}

func TestDecodeArgsRejectsWrongTypes(t *testing.T) {
	cases := []map[string]any{
		{"keyword": 42},
		{"images": "a.png"},
		{"images": []any{"a.png", 3}},
		{"timeout_seconds": "ten"},
		{"timeout_seconds": 1.5},
	}
	for _, args := range cases {
		if _, _, err := decodeArgs(args); err == nil {
			t.Errorf("decodeArgs(%v) should fail", args)
		}
	}
	f := &fakeGateway{}
	res := call(t, New(f, "test", nil), domain.StageAudit, map[string]any{"file": 7})
	if !res.IsError || f.got.Stage != "" {
		t.Fatal("bad arguments must not reach the gateway")
	}
}
