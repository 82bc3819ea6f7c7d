package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/artifacts"
	"github.com/osvaldoandrade/contentpipe/internal/environment"
	"github.com/osvaldoandrade/contentpipe/internal/invoker"
	"github.com/osvaldoandrade/contentpipe/internal/lock"
	"github.com/osvaldoandrade/contentpipe/internal/metrics"
	"github.com/osvaldoandrade/contentpipe/internal/stages"
	"github.com/osvaldoandrade/contentpipe/internal/tracing"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
	"github.com/osvaldoandrade/contentpipe/pkg/persistence"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

type GatewayService interface {
	Tools() []domain.ToolInfo
	// Invoke runs one tool call to completion. The result is never nil;
	// the error is the (redacted) failure when the result is not a success.
	Invoke(ctx context.Context, req domain.InvocationRequest) (*domain.InvocationResult, error)
	// Cancel stops a queued or running invocation. Finished invocations
	// are left alone and report false.
	Cancel(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*domain.InvocationRecord, error)
	List(ctx context.Context, stage domain.Stage, limit int) ([]*domain.InvocationRecord, error)
	Running() []invoker.RunningWorker
}

var errCanceledByCaller = errors.New("invocation canceled by caller")

type GatewayOptions struct {
	Registry   *stages.Registry
	Resolver   *environment.Resolver
	Runner     invoker.Runner
	Store      *artifacts.Store
	Locker     lock.Locker
	History    persistence.InvocationStorage
	Callback   ResultCallbackService
	MaxTimeout time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

type gatewayService struct {
	registry   *stages.Registry
	resolver   *environment.Resolver
	runner     invoker.Runner
	store      *artifacts.Store
	locker     lock.Locker
	history    persistence.InvocationStorage
	callback   ResultCallbackService
	maxTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time
	redact     redactor
	tracer     trace.Tracer

	mu     sync.Mutex
	sems   map[domain.Stage]*semaphore.Weighted
	active map[string]context.CancelCauseFunc
}

// NewGatewayService requires a Resolver, Runner and Store; the rest have
// defaults or are optional.
func NewGatewayService(opts GatewayOptions) (GatewayService, error) {
	var missing []string
	if opts.Resolver == nil {
		missing = append(missing, "Resolver")
	}
	if opts.Runner == nil {
		missing = append(missing, "Runner")
	}
	if opts.Store == nil {
		missing = append(missing, "Store")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("gateway: %s required", strings.Join(missing, ", "))
	}
	if opts.Registry == nil {
		opts.Registry = stages.Default()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemoryLocker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &gatewayService{
		registry:   opts.Registry,
		resolver:   opts.Resolver,
		runner:     opts.Runner,
		store:      opts.Store,
		locker:     opts.Locker,
		history:    opts.History,
		callback:   opts.Callback,
		maxTimeout: opts.MaxTimeout,
		logger:     opts.Logger,
		now:        opts.Now,
		redact:     redactor{src: opts.Resolver},
		tracer:     otel.Tracer("contentpipe/gateway"),
		sems:       make(map[domain.Stage]*semaphore.Weighted),
		active:     make(map[string]context.CancelCauseFunc),
	}, nil
}

func (s *gatewayService) Tools() []domain.ToolInfo { return s.registry.Tools() }

func (s *gatewayService) Running() []invoker.RunningWorker {
	if lister, ok := s.runner.(interface{ Running() []invoker.RunningWorker }); ok {
		return lister.Running()
	}
	return nil
}

func (s *gatewayService) Invoke(ctx context.Context, req domain.InvocationRequest) (*domain.InvocationResult, error) {
	start := s.now()
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	stage := req.Stage

	ctx, span := s.tracer.Start(ctx, "contentpipe.invoke",
		trace.WithAttributes(
			attribute.String("contentpipe.invocation_id", id),
			attribute.String("contentpipe.stage", string(stage)),
		),
	)
	defer span.End()

	inv := &invocation{svc: s, rec: &domain.InvocationRecord{
		ID:        id,
		Stage:     stage,
		State:     domain.StateReceived,
		Params:    req.Params,
		CreatedAt: start,
		UpdatedAt: start,
	}, start: start, span: span}

	// Unknown tools are rejected before anything is recorded or spawned.
	adapter, err := s.registry.Get(stage)
	if err != nil {
		return inv.fail(ctx, err)
	}
	inv.accepted = true
	if !domain.ValidInvocationID(id) {
		return inv.fail(ctx, domain.BadRequest(stage, "invocation id must be 1-128 letters, digits, '_' or '-'"))
	}
	if s.history != nil {
		if err := s.history.Create(ctx, inv.rec); err != nil {
			if errors.Is(err, persistence.ErrAlreadyExists) {
				return inv.fail(ctx, domain.BadRequest(stage, "invocation id %s already used", id))
			}
			s.logger.Warn("history create failed", "invocation_id", id, "err", err)
		} else {
			inv.recorded = true
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !s.track(id, cancel) {
		return inv.fail(ctx, domain.BadRequest(stage, "invocation %s is already running", id))
	}
	defer s.untrack(id)

	args, err := adapter.Build(req.Params)
	if err != nil {
		return inv.fail(ctx, err)
	}
	env, err := s.resolver.Resolve(stage)
	if err != nil {
		return inv.fail(ctx, err)
	}
	inv.advance(domain.StateEnvironmentResolved)

	timeout, err := s.timeoutFor(env, req.TimeoutSeconds)
	if err != nil {
		return inv.fail(ctx, err)
	}

	if sem := s.semaphore(env); sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return inv.fail(ctx, waitError(ctx, stage, "waiting for a worker slot"))
		}
		defer sem.Release(1)
	}

	var lease lock.Lease
	if scope := lock.ScopeKey(adapter.Scope(req.Params, env)); scope != "" {
		waitStart := time.Now()
		lease, err = s.locker.Acquire(ctx, scope)
		metrics.LockWaitSeconds.WithLabelValues(string(stage)).Observe(time.Since(waitStart).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return inv.fail(ctx, waitError(ctx, stage, "waiting for output directory "+scope))
			}
			return inv.fail(ctx, domain.ConfigError(stage, "acquire output lock: %v", err))
		}
		span.SetAttributes(attribute.String("contentpipe.scope", scope))
		defer func() {
			if lease != nil {
				_ = lease.Release(context.WithoutCancel(ctx))
			}
		}()
	}

	inv.advance(domain.StateProcessRunning)
	inv.persist(ctx)

	exec, err := s.runner.Run(ctx, id, env, args, tracing.WorkerEnv(ctx, s.resolver.Variables(stage)), timeout)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindSpawnFailure, domain.KindConfiguration, domain.KindBadRequest:
			inv.advance(domain.StateFailedToStart)
		case domain.KindTimeout:
			inv.advance(domain.StateTimedOut)
		default:
			inv.advance(domain.StateCompleted)
		}
		return inv.fail(ctx, err)
	}
	inv.advance(domain.StateCompleted)
	span.SetAttributes(attribute.Int("contentpipe.exit_code", exec.ExitCode))

	out, err := adapter.Parse(env, req.Params, exec)
	if err != nil {
		return inv.fail(ctx, err)
	}
	path, err := s.materialize(ctx, id, stage, req.Params, out)
	if err != nil {
		return inv.fail(ctx, err)
	}
	art, err := s.store.Verify(stage, path)
	if err != nil {
		return inv.fail(ctx, verifyError(stage, path, err, exec))
	}

	if lease != nil {
		err := lease.Release(context.WithoutCancel(ctx))
		lease = nil
		if errors.Is(err, lock.ErrLost) {
			return inv.fail(ctx, domain.NewError(stage, domain.KindWriteRace, "output directory lease lost while writing %s", art.Path))
		}
		if err != nil {
			s.logger.Warn("lock release failed", "invocation_id", id, "stage", stage, "err", err)
		}
	}

	return inv.succeed(ctx, &domain.InvocationResult{
		ID:           id,
		Stage:        stage,
		Status:       domain.ResultSuccess,
		ArtifactPath: art.Path,
		Assets:       out.Assets,
		Link:         out.Link,
	})
}

func (s *gatewayService) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		stopped := s.runner.Cancel(id)
		cancel(errCanceledByCaller)
		s.logger.Info("invocation cancel requested", "invocation_id", id, "worker_running", stopped)
		return true, nil
	}
	if s.history == nil {
		return false, persistence.ErrNotFound
	}
	if _, err := s.history.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *gatewayService) Get(ctx context.Context, id string) (*domain.InvocationRecord, error) {
	if s.history == nil {
		return nil, persistence.ErrNotFound
	}
	return s.history.Get(ctx, id)
}

func (s *gatewayService) List(ctx context.Context, stage domain.Stage, limit int) ([]*domain.InvocationRecord, error) {
	if stage != "" {
		if _, err := s.registry.Get(stage); err != nil {
			return nil, err
		}
	}
	if s.history == nil {
		return []*domain.InvocationRecord{}, nil
	}
	return s.history.List(ctx, stage, limit)
}

func (s *gatewayService) track(id string, cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.active[id]; dup {
		return false
	}
	s.active[id] = cancel
	return true
}

func (s *gatewayService) untrack(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *gatewayService) semaphore(env domain.Environment) *semaphore.Weighted {
	if env.MaxConcurrent <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[env.Stage]
	if !ok {
		sem = semaphore.NewWeighted(int64(env.MaxConcurrent))
		s.sems[env.Stage] = sem
	}
	return sem
}

func (s *gatewayService) timeoutFor(env domain.Environment, requested int) (time.Duration, error) {
	if requested < 0 {
		return 0, domain.BadRequest(env.Stage, "timeoutSeconds must not be negative")
	}
	t := env.Timeout
	if requested > 0 {
		t = time.Duration(requested) * time.Second
	}
	if s.maxTimeout > 0 && t > s.maxTimeout {
		t = s.maxTimeout
	}
	if t <= 0 {
		return 0, domain.ConfigError(env.Stage, "no timeout configured")
	}
	return t, nil
}

// materialize returns the artifact path for out, writing inline results
// next to the invocation's input (or into a fresh run directory).
func (s *gatewayService) materialize(ctx context.Context, id string, stage domain.Stage, p domain.ToolParams, out *stages.Outcome) (string, error) {
	if out.ArtifactPath != "" {
		return out.ArtifactPath, nil
	}
	if len(out.Inline) == 0 {
		return "", domain.Malformed(stage, "worker reported no artifact")
	}
	dir := out.InlineDir
	if dir == "" {
		switch {
		case p.File != "":
			dir = filepath.Dir(p.File)
		case p.JSONPath != "":
			dir = filepath.Dir(p.JSONPath)
		}
	}
	if dir == "" {
		run, err := s.store.NewRunDir(id)
		if err != nil {
			return "", domain.ConfigError(stage, "%v", err)
		}
		dir = run
	}
	data := []byte(out.Inline)
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
			data = pretty
		}
	}
	path, err := s.store.WriteIn(ctx, dir, inlineName(stage, id), data)
	if err != nil {
		if errors.Is(err, artifacts.ErrExists) {
			return "", domain.NewError(stage, domain.KindWriteRace, "%v", err)
		}
		if ctx.Err() != nil {
			return "", waitError(ctx, stage, "writing artifact")
		}
		return "", domain.ConfigError(stage, "write artifact: %v", err)
	}
	return path, nil
}

func inlineName(stage domain.Stage, id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s.json", stage, short)
}

func verifyError(stage domain.Stage, path string, err error, exec *invoker.Execution) error {
	if errors.Is(err, artifacts.ErrExists) {
		return domain.NewError(stage, domain.KindWriteRace, "%v", err)
	}
	e := domain.Malformed(stage, "artifact %s: %v", path, err)
	e.ExitCode = exec.ExitCode
	e.Stdout = exec.Stdout
	e.Stderr = exec.Stderr
	e.Duration = exec.Duration
	e.Err = err
	return e
}

// waitError classifies a context that ended before the worker finished.
func waitError(ctx context.Context, stage domain.Stage, what string) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return domain.NewError(stage, domain.KindTimeout, "deadline exceeded while %s", what)
	}
	return domain.NewError(stage, domain.KindCanceled, "canceled while %s", what)
}

// invocation carries the per-call bookkeeping of Invoke.
type invocation struct {
	svc      *gatewayService
	rec      *domain.InvocationRecord
	start    time.Time
	span     trace.Span
	recorded bool
	accepted bool
}

func (inv *invocation) advance(to domain.InvocationState) {
	next, err := inv.rec.State.Next(to)
	if err != nil {
		inv.svc.logger.Error("invalid invocation transition", "invocation_id", inv.rec.ID, "err", err)
		return
	}
	inv.rec.State = next
	inv.rec.UpdatedAt = inv.svc.now()
}

func (inv *invocation) persist(ctx context.Context) {
	if !inv.recorded || inv.svc.history == nil {
		return
	}
	if err := inv.svc.history.Save(context.WithoutCancel(ctx), inv.rec); err != nil {
		inv.svc.logger.Warn("history save failed", "invocation_id", inv.rec.ID, "err", err)
	}
}

func (inv *invocation) finish(ctx context.Context, res *domain.InvocationResult) {
	elapsed := inv.svc.now().Sub(inv.start)
	res.DurationMs = elapsed.Milliseconds()
	inv.advance(domain.StateResultReturned)
	inv.rec.Result = res
	inv.persist(ctx)

	kind := ""
	if res.Error != nil {
		kind = string(res.Error.Kind)
	}
	metrics.InvocationsTotal.WithLabelValues(string(res.Stage), string(res.Status), kind).Inc()
	metrics.InvocationDurationSeconds.WithLabelValues(string(res.Stage), string(res.Status)).Observe(elapsed.Seconds())

	if inv.accepted && inv.svc.callback != nil {
		inv.svc.callback.Send(ctx, res)
	}
}

func (inv *invocation) succeed(ctx context.Context, res *domain.InvocationResult) (*domain.InvocationResult, error) {
	inv.finish(ctx, res)
	inv.span.SetStatus(codes.Ok, "")
	inv.svc.logger.Info("invocation succeeded",
		"invocation_id", res.ID,
		"stage", res.Stage,
		"artifact", res.ArtifactPath,
		"duration_ms", res.DurationMs,
	)
	return res, nil
}

func (inv *invocation) fail(ctx context.Context, err error) (*domain.InvocationResult, error) {
	ie := inv.svc.redact.Error(err, inv.rec.Stage)
	res := domain.FailureResult(inv.rec.ID, inv.rec.Stage, ie, 0)
	inv.finish(ctx, res)

	inv.span.RecordError(ie)
	inv.span.SetStatus(codes.Error, string(ie.Kind))
	attrs := []any{
		"invocation_id", inv.rec.ID,
		"stage", inv.rec.Stage,
		"kind", ie.Kind,
		"err", ie.Message,
		"duration_ms", res.DurationMs,
	}
	if ie.ExitCode != 0 {
		attrs = append(attrs, "exit_code", ie.ExitCode)
	}
	if ie.Kind.PreSpawn() {
		inv.svc.logger.Warn("invocation rejected", attrs...)
	} else {
		inv.svc.logger.Error("invocation failed", attrs...)
	}
	return res, ie
}
