package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/backoff"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

type client struct {
	baseURL    string
	token      string
	retries    int
	httpClient *http.Client
	rng        *rand.Rand
	sleep      func(context.Context, time.Duration) error
}

// apiError is a non-2xx response. Invocation failures keep the envelope.
type apiError struct {
	Status int
	Body   []byte
	Result *domain.InvocationResult
}

func (e *apiError) Error() string {
	if e.Result != nil && e.Result.Error != nil {
		return fmt.Sprintf("%s failed (%d): %s: %s", e.Result.Stage, e.Status, e.Result.Error.Kind, e.Result.Error.Message)
	}
	return fmt.Sprintf("error (%d): %s", e.Status, strings.TrimSpace(string(e.Body)))
}

func newClient(g *globals) *client {
	return &client{
		baseURL: strings.TrimRight(g.baseURL, "/"),
		token:   g.token,
		retries: g.retries,
		// No client timeout: invocations last as long as the worker does.
		httpClient: &http.Client{},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepCtx,
	}
}

func (c *client) request(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		payload = b
	}
	for attempt := 0; ; attempt++ {
		status, out, wait, err := c.once(ctx, method, path, payload)
		retryable := status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable ||
			(err != nil && idempotent(method) && ctx.Err() == nil)
		if !retryable || attempt >= c.retries {
			return status, out, err
		}
		if wait <= 0 {
			wait = backoff.Delay(backoff.ExpFullJitter, 500*time.Millisecond, 10*time.Second, attempt, c.rng)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return status, out, err
		}
	}
}

func (c *client) once(ctx context.Context, method, path string, payload []byte) (int, []byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	var wait time.Duration
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
		wait = time.Duration(s) * time.Second
	}
	return resp.StatusCode, out, wait, nil
}

// getJSON decodes a 2xx body into out.
func (c *client) getJSON(ctx context.Context, method, path string, body, out any) error {
	status, resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return &apiError{Status: status, Body: resp}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp, out)
}

// invoke runs one tool call. Failures come back as *apiError carrying the
// invocation envelope.
func (c *client) invoke(ctx context.Context, stage domain.Stage, id string, params domain.ToolParams, timeoutSeconds int) (*domain.InvocationResult, error) {
	body := map[string]any{"params": params}
	if id != "" {
		body["invocationId"] = id
	}
	if timeoutSeconds > 0 {
		body["timeoutSeconds"] = timeoutSeconds
	}
	status, resp, err := c.request(ctx, http.MethodPost, "/v1/contentpipe/tools/"+string(stage)+"/invoke", body)
	if err != nil {
		return nil, err
	}
	var res domain.InvocationResult
	decodeErr := json.Unmarshal(resp, &res)
	if status >= 300 {
		ae := &apiError{Status: status, Body: resp}
		if decodeErr == nil && res.Error != nil {
			ae.Result = &res
		}
		return nil, ae
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode result: %w", decodeErr)
	}
	return &res, nil
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodDelete
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}
