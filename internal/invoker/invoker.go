package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/metrics"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"github.com/google/uuid"
)

// Execution is what a finished worker left behind. A non-zero ExitCode is
// not an error at this layer; the stage adapter decides what it means.
type Execution struct {
	PID      int
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner is the part of the invoker the gateway depends on.
type Runner interface {
	Run(ctx context.Context, id string, env domain.Environment, args []string, vars map[string]string, timeout time.Duration) (*Execution, error)
	Cancel(id string) bool
}

type Options struct {
	KillGrace      time.Duration
	MaxOutputBytes int64
	Logger         *slog.Logger
}

// RunningWorker describes a live child process.
type RunningWorker struct {
	ID      string       `json:"id"`
	Stage   domain.Stage `json:"stage"`
	PID     int          `json:"pid"`
	Started time.Time    `json:"started"`
}

type handle struct {
	stage   domain.Stage
	cancel  context.CancelCauseFunc
	started time.Time
	pid     int
}

type Invoker struct {
	grace     time.Duration
	maxOutput int64
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*handle
	spawned atomic.Int64
}

var (
	errTimedOut       = errors.New("worker timed out")
	errOutputTooLarge = errors.New("worker output too large")
	errCanceled       = errors.New("invocation canceled")
)

var placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}|\$\{[^}]*\}`)

func New(opts Options) *Invoker {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Invoker{
		grace:     opts.KillGrace,
		maxOutput: opts.MaxOutputBytes,
		logger:    opts.Logger,
		running:   make(map[string]*handle),
	}
}

// Run starts exactly one child for env with args appended to its command
// line and waits for it. The child's environment is exactly vars.
func (iv *Invoker) Run(ctx context.Context, id string, env domain.Environment, args []string, vars map[string]string, timeout time.Duration) (*Execution, error) {
	stage := env.Stage
	if err := preflight(env, vars); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, domain.ConfigError(stage, "timeout must be positive")
	}
	if id == "" {
		id = uuid.NewString()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !iv.register(id, stage, cancel) {
		return nil, domain.BadRequest(stage, "invocation %s is already running", id)
	}
	defer iv.unregister(id)

	budget := &outputBudget{max: iv.maxOutput, trip: func() { cancel(errOutputTooLarge) }}
	stdout := newCappedBuffer(budget)
	stderr := newCappedBuffer(budget)

	argv := env.Command(args)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = env.WorkDir
	cmd.Env = environ(vars)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = iv.grace
	configureProcess(cmd)

	start := time.Now()
	iv.spawned.Add(1)
	metrics.WorkerSpawnsTotal.WithLabelValues(string(stage)).Inc()
	if err := cmd.Start(); err != nil {
		return nil, &domain.InvocationError{
			Stage:    stage,
			Kind:     domain.KindSpawnFailure,
			Message:  fmt.Sprintf("start %s: %v", argv[0], err),
			ExitCode: -1,
			Duration: time.Since(start),
			Err:      err,
		}
	}
	pid := cmd.Process.Pid
	iv.setPID(id, pid)
	metrics.WorkersRunning.WithLabelValues(string(stage)).Inc()
	defer metrics.WorkersRunning.WithLabelValues(string(stage)).Dec()
	iv.logger.Info("worker started", "invocation_id", id, "stage", stage, "pid", pid, "timeout", timeout.String())

	timer := time.AfterFunc(timeout, func() { cancel(errTimedOut) })
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	waitErr, cause := iv.await(runCtx, cmd, stage, done)
	// Sweep descendants that outlived the group leader.
	killProcess(cmd)

	res := &Execution{
		PID:      pid,
		ExitCode: exitCode(cmd),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cause == nil && budget.exceeded() {
		cause = errOutputTooLarge
	}
	if waitErr != nil && !isExit(waitErr) {
		iv.logger.Debug("worker wait returned", "invocation_id", id, "stage", stage, "err", waitErr)
	}
	if cause != nil {
		return res, iv.stopError(stage, cause, res, timeout)
	}
	iv.logger.Info("worker exited", "invocation_id", id, "stage", stage, "pid", pid, "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// Cancel stops the worker registered under id using the same escalation
// as a timeout. It reports false when nothing is running under id.
func (iv *Invoker) Cancel(id string) bool {
	iv.mu.Lock()
	h, ok := iv.running[id]
	iv.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel(errCanceled)
	return true
}

// Running lists live workers ordered by start time.
func (iv *Invoker) Running() []RunningWorker {
	iv.mu.Lock()
	out := make([]RunningWorker, 0, len(iv.running))
	for id, h := range iv.running {
		out = append(out, RunningWorker{ID: id, Stage: h.stage, PID: h.pid, Started: h.started})
	}
	iv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Spawned returns how many spawn attempts were made.
func (iv *Invoker) Spawned() int64 { return iv.spawned.Load() }

func (iv *Invoker) register(id string, stage domain.Stage, cancel context.CancelCauseFunc) bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if _, dup := iv.running[id]; dup {
		return false
	}
	iv.running[id] = &handle{stage: stage, cancel: cancel, started: time.Now()}
	return true
}

func (iv *Invoker) setPID(id string, pid int) {
	iv.mu.Lock()
	if h, ok := iv.running[id]; ok {
		h.pid = pid
	}
	iv.mu.Unlock()
}

func (iv *Invoker) unregister(id string) {
	iv.mu.Lock()
	delete(iv.running, id)
	iv.mu.Unlock()
}

// await waits for the worker or for ctx to end, whichever comes first. A
// worker that has already exited when ctx ends keeps its real exit status.
func (iv *Invoker) await(ctx context.Context, cmd *exec.Cmd, stage domain.Stage, done <-chan error) (waitErr, cause error) {
	select {
	case waitErr = <-done:
		return waitErr, nil
	case <-ctx.Done():
	}
	select {
	case waitErr = <-done:
		return waitErr, nil
	default:
	}
	cause = context.Cause(ctx)
	return iv.stop(cmd, stage, reason(cause), done), cause
}

// stop sends SIGTERM to the group, waits up to the grace period and then
// sends SIGKILL.
func (iv *Invoker) stop(cmd *exec.Cmd, stage domain.Stage, why string, done <-chan error) error {
	interruptProcess(cmd)
	t := time.NewTimer(iv.grace)
	defer t.Stop()
	select {
	case err := <-done:
		metrics.WorkerTerminationsTotal.WithLabelValues(string(stage), why, "SIGTERM").Inc()
		return err
	case <-t.C:
	}
	killProcess(cmd)
	metrics.WorkerTerminationsTotal.WithLabelValues(string(stage), why, "SIGKILL").Inc()
	iv.logger.Warn("worker ignored SIGTERM, killed", "stage", stage, "pid", cmd.Process.Pid, "reason", why)
	return <-done
}

func (iv *Invoker) stopError(stage domain.Stage, cause error, res *Execution, timeout time.Duration) error {
	e := &domain.InvocationError{
		Stage:    stage,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
		Err:      cause,
	}
	switch {
	case errors.Is(cause, errTimedOut), errors.Is(cause, context.DeadlineExceeded):
		e.Kind = domain.KindTimeout
		e.Message = fmt.Sprintf("worker did not finish within %s", timeout)
	case errors.Is(cause, errOutputTooLarge):
		e.Kind = domain.KindOutputTooLarge
		e.Message = fmt.Sprintf("worker output exceeded %d bytes", iv.maxOutput)
	default:
		e.Kind = domain.KindCanceled
		e.Message = "invocation canceled"
	}
	return e
}

func reason(cause error) string {
	switch {
	case errors.Is(cause, errTimedOut), errors.Is(cause, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(cause, errOutputTooLarge):
		return "output_too_large"
	}
	return "canceled"
}

func preflight(env domain.Environment, vars map[string]string) error {
	stage := env.Stage
	if strings.TrimSpace(env.Interpreter) == "" {
		return domain.ConfigError(stage, "no interpreter configured")
	}
	// Only the configured part of the command line is checked. Caller
	// arguments are data and pass through verbatim.
	for _, a := range env.Command(nil) {
		if placeholderRe.MatchString(a) {
			return domain.ConfigError(stage, "unresolved placeholder in configured command %q", a)
		}
	}

	var missing []string
	for _, name := range env.RequiredEnv {
		if strings.TrimSpace(vars[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return domain.ConfigError(stage, "missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if info, err := os.Stat(env.WorkDir); err != nil || !info.IsDir() {
		return domain.ConfigError(stage, "working directory %s not found", env.WorkDir)
	}
	if env.Manifest != "" && !fileExists(env.Abs(env.Manifest)) {
		return domain.ConfigError(stage, "manifest %s not found", env.Abs(env.Manifest))
	}
	for _, f := range env.RequiredFiles {
		if !fileExists(env.Abs(f)) {
			return domain.ConfigError(stage, "required file %s not found", env.Abs(f))
		}
	}
	if env.Script != "" && !fileExists(env.Abs(env.Script)) {
		return domain.NewError(stage, domain.KindSpawnFailure, "script %s not found", env.Abs(env.Script))
	}
	return nil
}

// environ renders vars as a sorted, non-nil env list so the child never
// inherits the gateway's own environment.
func environ(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if k == "" || strings.ContainsRune(k, '=') {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func isExit(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
