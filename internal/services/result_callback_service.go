package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/backoff"
	"github.com/osvaldoandrade/contentpipe/internal/metrics"
	"github.com/osvaldoandrade/contentpipe/internal/ratelimit"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

// ResultCallbackService posts finished invocation envelopes to a webhook.
type ResultCallbackService interface {
	Send(ctx context.Context, res *domain.InvocationResult)
	// Wait blocks until in-flight deliveries finish or ctx ends.
	Wait(ctx context.Context) error
}

type CallbackOptions struct {
	URL         string
	Secret      string
	Stages      []domain.Stage
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Limiter     ratelimit.Limiter
	Bucket      ratelimit.Bucket
	Client      *http.Client
	Logger      *slog.Logger
	Now         func() time.Time
}

type resultCallbackService struct {
	url         string
	secret      string
	stages      map[domain.Stage]bool
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	limiter     ratelimit.Limiter
	bucket      ratelimit.Bucket
	client      *http.Client
	logger      *slog.Logger
	now         func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
	wg    sync.WaitGroup
}

// NewResultCallbackService returns nil when no URL is configured.
func NewResultCallbackService(opts CallbackOptions) ResultCallbackService {
	if strings.TrimSpace(opts.URL) == "" {
		return nil
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var stages map[domain.Stage]bool
	if len(opts.Stages) > 0 {
		stages = make(map[domain.Stage]bool, len(opts.Stages))
		for _, st := range opts.Stages {
			stages[st] = true
		}
	}
	return &resultCallbackService{
		url:         opts.URL,
		secret:      opts.Secret,
		stages:      stages,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		limiter:     opts.Limiter,
		bucket:      opts.Bucket,
		client:      opts.Client,
		logger:      opts.Logger,
		now:         opts.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type callbackPayload struct {
	Event       string                   `json:"event"`
	Invocation  *domain.InvocationResult `json:"invocation"`
	CompletedAt time.Time                `json:"completedAt"`
}

// Send delivers asynchronously. The envelope is already redacted by the
// gateway.
func (s *resultCallbackService) Send(ctx context.Context, res *domain.InvocationResult) {
	if res == nil || (s.stages != nil && !s.stages[res.Stage]) {
		return
	}
	body, err := json.Marshal(callbackPayload{
		Event:       "invocation." + string(res.Status),
		Invocation:  res,
		CompletedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("result callback encode failed", "invocation_id", res.ID, "err", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendWithRetry(context.WithoutCancel(ctx), res, body)
	}()
}

func (s *resultCallbackService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *resultCallbackService) sendWithRetry(ctx context.Context, res *domain.InvocationResult, body []byte) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if s.limiter != nil && s.bucket.Enabled() {
			for {
				dec, err := s.limiter.Allow(ctx, "callback", s.url, s.bucket)
				if err != nil || dec.Allowed {
					// Fail open.
					break
				}
				metrics.RateLimitHitsTotal.WithLabelValues("callback", "deliver").Inc()
				if sleepOrDone(ctx, dec.RetryAfter) != nil {
					return
				}
			}
		}

		status, err := s.post(ctx, body)
		if err == nil && status >= 200 && status < 300 {
			metrics.CallbackDeliveriesTotal.WithLabelValues(string(res.Stage), "success").Inc()
			return
		}
		// 4xx other than 429 will not improve with retries.
		if err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			break
		}
		if attempt < s.maxAttempts {
			if sleepOrDone(ctx, s.backoffDelay(attempt)) != nil {
				return
			}
		}
	}
	metrics.CallbackDeliveriesTotal.WithLabelValues(string(res.Stage), "failure").Inc()
	s.logger.Warn("result callback failed", "invocation_id", res.ID, "stage", res.Stage, "attempts", s.maxAttempts)
}

func (s *resultCallbackService) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	s.addSignature(req, body)
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (s *resultCallbackService) backoffDelay(attempt int) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return backoff.Delay(backoff.ExpEqualJitter, s.baseDelay, s.maxDelay, attempt-1, s.rng)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// addSignature signs "<unix ts>.<body>" with HMAC-SHA256.
func (s *resultCallbackService) addSignature(req *http.Request, body []byte) {
	if strings.TrimSpace(s.secret) == "" {
		return
	}
	ts := s.now().UTC().Unix()
	req.Header.Set("X-Contentpipe-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Contentpipe-Signature", Sign(s.secret, ts, body))
}

// Sign returns the hex signature a receiver recomputes to verify a callback.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
