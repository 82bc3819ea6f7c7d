package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/ratelimit"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

type captured struct {
	mu     sync.Mutex
	bodies [][]byte
	ts     []string
	sigs   []string
}

func (c *captured) handler(statuses ...int) http.HandlerFunc {
	var n atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.ts = append(c.ts, r.Header.Get("X-Contentpipe-Timestamp"))
		c.sigs = append(c.sigs, r.Header.Get("X-Contentpipe-Signature"))
		c.mu.Unlock()
		i := int(n.Add(1)) - 1
		if i < len(statuses) {
			w.WriteHeader(statuses[i])
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func callbackFor(url string, mut func(*CallbackOptions)) ResultCallbackService {
	opts := CallbackOptions{
		URL:       url,
		Secret:    "whsec",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
	}
	if mut != nil {
		mut(&opts)
	}
	return NewResultCallbackService(opts)
}

func waitCallbacks(t *testing.T, svc ResultCallbackService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Wait(ctx); err != nil {
		t.Fatalf("deliveries did not finish: %v", err)
	}
}

func TestNewResultCallbackServiceWithoutURL(t *testing.T) {
	if svc := NewResultCallbackService(CallbackOptions{URL: "  "}); svc != nil {
		t.Fatalf("expected nil service, got %T", svc)
	}
}

func TestResultCallbackDeliversSignedEnvelope(t *testing.T) {
	var c captured
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	svc := callbackFor(srv.URL, nil)
	svc.Send(context.Background(), &domain.InvocationResult{
		ID: "inv-1", Stage: domain.StageWrite, Status: domain.ResultSuccess, ArtifactPath: "/runs/r/post.json",
	})
	waitCallbacks(t, svc)

	if c.count() != 1 {
		t.Fatalf("deliveries = %d", c.count())
	}
	var got callbackPayload
	if err := json.Unmarshal(c.bodies[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.Event != "invocation.success" || got.Invocation.ID != "inv-1" || got.Invocation.ArtifactPath != "/runs/r/post.json" {
		t.Fatalf("payload = %+v", got)
	}
	ts, _ := strconv.ParseInt(c.ts[0], 10, 64)
	if ts != 1700000000 || c.sigs[0] != Sign("whsec", ts, c.bodies[0]) {
		t.Fatalf("bad signature headers ts=%q sig=%q", c.ts[0], c.sigs[0])
	}
}

func TestResultCallbackRetriesServerErrors(t *testing.T) {
	var c captured
	srv := httptest.NewServer(c.handler(http.StatusBadGateway, http.StatusTooManyRequests))
	defer srv.Close()

	svc := callbackFor(srv.URL, func(o *CallbackOptions) { o.MaxAttempts = 4 })
	svc.Send(context.Background(), &domain.InvocationResult{ID: "inv-2", Stage: domain.StageCrawl, Status: domain.ResultSuccess})
	waitCallbacks(t, svc)

	if c.count() != 3 {
		t.Fatalf("expected 2 failures then success, got %d deliveries", c.count())
	}
}

func TestResultCallbackDoesNotRetryClientErrors(t *testing.T) {
	var c captured
	srv := httptest.NewServer(c.handler(http.StatusBadRequest, http.StatusBadRequest))
	defer srv.Close()

	svc := callbackFor(srv.URL, nil)
	svc.Send(context.Background(), &domain.InvocationResult{ID: "inv-3", Stage: domain.StageAudit, Status: domain.ResultFailure,
		Error: &domain.ErrorPayload{Kind: domain.KindNonZeroExit, Message: "exit 1"}})
	waitCallbacks(t, svc)

	if c.count() != 1 {
		t.Fatalf("expected a single attempt, got %d", c.count())
	}
	var got callbackPayload
	_ = json.Unmarshal(c.bodies[0], &got)
	if got.Event != "invocation.failure" || got.Invocation.Error.Kind != domain.KindNonZeroExit {
		t.Fatalf("payload = %+v", got)
	}
}

func TestResultCallbackStageFilter(t *testing.T) {
	var c captured
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	svc := callbackFor(srv.URL, func(o *CallbackOptions) { o.Stages = []domain.Stage{domain.StagePublish} })
	svc.Send(context.Background(), &domain.InvocationResult{ID: "a", Stage: domain.StageCrawl, Status: domain.ResultSuccess})
	svc.Send(context.Background(), &domain.InvocationResult{ID: "b", Stage: domain.StagePublish, Status: domain.ResultSuccess, Link: "https://blog/p/1"})
	waitCallbacks(t, svc)

	if c.count() != 1 {
		t.Fatalf("expected only publish to be delivered, got %d", c.count())
	}
}

type denyOnce struct{ n atomic.Int32 }

func (d *denyOnce) Allow(context.Context, string, string, ratelimit.Bucket) (ratelimit.Decision, error) {
	if d.n.Add(1) == 1 {
		return ratelimit.Decision{Allowed: false, RetryAfter: time.Millisecond}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

func TestResultCallbackWaitsForLimiter(t *testing.T) {
	var c captured
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	lim := &denyOnce{}
	svc := callbackFor(srv.URL, func(o *CallbackOptions) {
		o.Limiter = lim
		o.Bucket = ratelimit.Bucket{RequestsPerMinute: 60, BurstSize: 1}
	})
	svc.Send(context.Background(), &domain.InvocationResult{ID: "c", Stage: domain.StageIllustrate, Status: domain.ResultSuccess})
	waitCallbacks(t, svc)

	if lim.n.Load() != 2 || c.count() != 1 {
		t.Fatalf("limiter calls=%d deliveries=%d", lim.n.Load(), c.count())
	}
}

func TestResultCallbackBackoffIsCapped(t *testing.T) {
	svc := NewResultCallbackService(CallbackOptions{URL: "http://x", BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}).(*resultCallbackService)
	for attempt := 1; attempt <= 6; attempt++ {
		if d := svc.backoffDelay(attempt); d > 10*time.Second || d < time.Second {
			t.Fatalf("backoffDelay(%d) = %v", attempt, d)
		}
	}
}
