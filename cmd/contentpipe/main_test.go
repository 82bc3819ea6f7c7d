package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

func testClient(url string, retries int) *client {
	c := newClient(&globals{baseURL: url, token: "tok", retries: retries})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestClientRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tools": []domain.ToolInfo{{Name: domain.StageCrawl}}})
	}))
	defer srv.Close()

	var out struct {
		Tools []domain.ToolInfo `json:"tools"`
	}
	if err := testClient(srv.URL, 3).getJSON(context.Background(), http.MethodGet, "/v1/contentpipe/tools", nil, &out); err != nil {
		t.Fatalf("getJSON: %v", err)
	}
	if calls.Load() != 3 || len(out.Tools) != 1 {
		t.Fatalf("calls=%d tools=%v", calls.Load(), out.Tools)
	}
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := testClient(srv.URL, 2).getJSON(context.Background(), http.MethodGet, "/x", nil, nil)
	var ae *apiError
	if !errors.As(err, &ae) || ae.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 apiError, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 1 call + 2 retries, got %d", calls.Load())
	}
}

func TestInvokeFailureKeepsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		_ = json.NewEncoder(w).Encode(domain.InvocationResult{
			ID: "x", Stage: domain.StageWrite, Status: domain.ResultFailure,
			Error: &domain.ErrorPayload{Kind: domain.KindTimeout, Message: "worker exceeded 10s"},
		})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 0).invoke(context.Background(), domain.StageWrite, "x", domain.ToolParams{}, 0)
	var ae *apiError
	if !errors.As(err, &ae) || ae.Result == nil || ae.Result.Error.Kind != domain.KindTimeout {
		t.Fatalf("expected envelope in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "write failed (504): timeout") {
		t.Fatalf("message = %q", err.Error())
	}
}

// fakeGateway answers every tool with an artifact named after the stage.
func fakeGateway(t *testing.T, seen map[domain.Stage]domain.ToolParams) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		stage := domain.Stage(parts[len(parts)-2])
		var body struct {
			ID     string            `json:"invocationId"`
			Params domain.ToolParams `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen[stage] = body.Params
		res := domain.InvocationResult{ID: body.ID, Stage: stage, Status: domain.ResultSuccess, ArtifactPath: "/runs/r1/" + string(stage) + ".json"}
		switch stage {
		case domain.StageIllustrate:
			res.Assets = []string{"/runs/r1/img_1.png", "/runs/r1/img_2.png"}
		case domain.StagePublish:
			res.ArtifactPath = ""
			res.Link = "https://blog.example/p/1"
		}
		_ = json.NewEncoder(w).Encode(res)
	}))
}

func TestRunPipelineChainsArtifacts(t *testing.T) {
	seen := map[domain.Stage]domain.ToolParams{}
	srv := fakeGateway(t, seen)
	defer srv.Close()

	results, err := runPipeline(context.Background(), testClient(srv.URL, 0), newUI(), "espresso", pipeline, 0, false)
	if err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	if len(results) != 5 || results[4].Link != "https://blog.example/p/1" {
		t.Fatalf("results = %+v", results)
	}
	if seen[domain.StageCrawl].Keyword != "espresso" {
		t.Fatalf("crawl params = %+v", seen[domain.StageCrawl])
	}
	if seen[domain.StageAudit].File != "/runs/r1/crawl.json" {
		t.Fatalf("audit params = %+v", seen[domain.StageAudit])
	}
	if w := seen[domain.StageWrite]; w.File != "/runs/r1/audit.json" || w.Keyword != "espresso" {
		t.Fatalf("write params = %+v", w)
	}
	if p := seen[domain.StagePublish]; p.JSONPath != "/runs/r1/write.json" || len(p.Images) != 2 {
		t.Fatalf("publish params = %+v", p)
	}
}

func TestRunPipelineStopsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/audit/") {
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(domain.InvocationResult{Stage: domain.StageAudit, Status: domain.ResultFailure,
				Error: &domain.ErrorPayload{Kind: domain.KindMalformed, Message: "no markers"}})
			return
		}
		_ = json.NewEncoder(w).Encode(domain.InvocationResult{Stage: domain.StageCrawl, Status: domain.ResultSuccess, ArtifactPath: "/runs/r1/notes.json"})
	}))
	defer srv.Close()

	results, err := runPipeline(context.Background(), testClient(srv.URL, 0), newUI(), "kw", pipeline, 0, false)
	if err == nil || len(results) != 1 {
		t.Fatalf("expected to stop after crawl, got %d results, err=%v", len(results), err)
	}
}

func TestProfileStore(t *testing.T) {
	t.Setenv("CONTENTPIPE_CONFIG_DIR", t.TempDir())
	store := openProfiles()

	cfg, err := store.load()
	if err != nil || len(cfg.Profiles) != 0 || cfg.active("") != "default" {
		t.Fatalf("missing file should load empty: %+v %v", cfg, err)
	}

	name, err := store.update("staging", false, func(p *profile) error {
		p.BaseURL = "https://gw.staging"
		p.Token = "abcd1234efgh"
		return nil
	})
	if err != nil || name != "staging" {
		t.Fatalf("update = %q, %v", name, err)
	}
	info, err := os.Stat(store.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config should be private, got %v", info.Mode().Perm())
	}

	// The first profile written becomes current; later ones only on request.
	if _, err := store.update("prod", false, func(p *profile) error { p.BaseURL = "https://gw"; return nil }); err != nil {
		t.Fatal(err)
	}
	again, err := store.load()
	if err != nil {
		t.Fatal(err)
	}
	if again.active("") != "staging" || again.Profiles["staging"].BaseURL != "https://gw.staging" {
		t.Fatalf("reloaded = %+v", again)
	}
	if got := again.names(); len(got) != 2 || got[0] != "prod" {
		t.Fatalf("names = %v", got)
	}

	boom := errors.New("boom")
	if _, err := store.update("", true, func(*profile) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("update error = %v", err)
	}
	if after, _ := store.load(); after.CurrentProfile != "staging" {
		t.Fatalf("failed update must not persist, current=%q", after.CurrentProfile)
	}
}

func TestMaskToken(t *testing.T) {
	cases := map[string]string{
		"":             "<unset>",
		"short":        "****",
		"abcd1234efgh": "abcd...efgh",
	}
	for in, want := range cases {
		if got := maskToken(in); got != want {
			t.Errorf("maskToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIndexOf(t *testing.T) {
	if indexOf(domain.StageWrite) != 2 || indexOf("translate") != -1 {
		t.Fatal("unexpected stage index")
	}
}
