package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/osvaldoandrade/contentpipe/pkg/config"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"github.com/joho/godotenv"
)

// crawl workers write into a fixed directory under their project root.
var defaultOutputDirs = map[domain.Stage]string{
	domain.StageCrawl: filepath.Join("data", "xhs", "json"),
}

var secretName = regexp.MustCompile(`(?i)(KEY|TOKEN|SECRET|PASSWORD|COOKIE|CREDENTIAL)`)

// minSecretLen keeps short values such as "1" or "on" out of redaction.
const minSecretLen = 4

// LookupFunc reads one variable of the gateway process environment.
type LookupFunc func(string) (string, bool)

// Resolver maps a stage to its environment descriptor and the variables a
// worker of that stage receives. Entries are written at start and only
// read afterwards.
type Resolver struct {
	mu      sync.RWMutex
	envs    map[domain.Stage]domain.Environment
	vars    map[domain.Stage]map[string]string
	secrets map[string]struct{}
}

func NewResolver() *Resolver {
	return &Resolver{
		envs:    make(map[domain.Stage]domain.Environment),
		vars:    make(map[domain.Stage]map[string]string),
		secrets: make(map[string]struct{}),
	}
}

// FromConfig builds a resolver from the stages section, snapshotting the
// process environment through lookup (os.LookupEnv when nil).
func FromConfig(cfg *config.Config, lookup LookupFunc) (*Resolver, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := NewResolver()
	for _, name := range cfg.StageNames() {
		sc := cfg.Stages[name]
		stage := domain.Stage(name)
		if !stage.Valid() {
			return nil, fmt.Errorf("stages.%s: unknown stage", name)
		}

		timeout := sc.TimeoutSeconds
		if timeout <= 0 {
			timeout = cfg.DefaultTimeoutSeconds
		}
		env := domain.Environment{
			Stage:           stage,
			Interpreter:     sc.Interpreter,
			InterpreterArgs: sc.InterpreterArgs,
			Script:          sc.Script,
			WorkDir:         sc.WorkDir,
			RequiredEnv:     sc.RequiredEnv,
			PassEnv:         sc.PassEnv,
			Manifest:        sc.Manifest,
			RequiredFiles:   sc.RequiredFiles,
			OutputDir:       sc.OutputDir,
			Timeout:         time.Duration(timeout) * time.Second,
			MaxConcurrent:   sc.MaxConcurrent,
		}
		if env.OutputDir == "" {
			env.OutputDir = defaultOutputDirs[stage]
		}
		env.OutputDir = env.Abs(env.OutputDir)

		vars := make(map[string]string)
		secret := make(map[string]bool)
		for _, n := range env.PassEnv {
			if v, ok := lookup(n); ok {
				vars[n] = v
				secret[n] = secretName.MatchString(n)
			}
		}
		for _, n := range env.RequiredEnv {
			if v, ok := lookup(n); ok {
				vars[n] = v
				secret[n] = true
			}
		}
		if sc.EnvFile != "" {
			path := env.Abs(sc.EnvFile)
			fileVars, err := godotenv.Read(path)
			if err != nil {
				return nil, fmt.Errorf("stages.%s.envFile: %w", name, err)
			}
			for k, v := range fileVars {
				vars[k] = v
				secret[k] = true
			}
		}

		if err := r.Register(env, vars); err != nil {
			return nil, err
		}
		for k, isSecret := range secret {
			if isSecret {
				r.markSecret(vars[k])
			}
		}
	}
	return r, nil
}

// Register adds or replaces the descriptor for env.Stage.
func (r *Resolver) Register(env domain.Environment, vars map[string]string) error {
	if !env.Stage.Valid() {
		return fmt.Errorf("unknown stage %q", env.Stage)
	}
	if env.Interpreter == "" {
		return fmt.Errorf("stage %s: interpreter is required", env.Stage)
	}
	cp := make(map[string]string, len(vars))
	for k, v := range vars {
		cp[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs[env.Stage] = env.Clone()
	r.vars[env.Stage] = cp
	for _, n := range env.RequiredEnv {
		if v, ok := cp[n]; ok {
			r.markSecretLocked(v)
		}
	}
	return nil
}

// Resolve returns a copy of the descriptor for stage.
func (r *Resolver) Resolve(stage domain.Stage) (domain.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.envs[stage]
	if !ok {
		return domain.Environment{}, domain.ConfigError(stage, "no environment configured for stage %q", stage)
	}
	return env.Clone(), nil
}

// Variables returns a copy of the worker variables for stage.
func (r *Resolver) Variables(stage domain.Stage) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.vars[stage]
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Stages lists configured stages in pipeline order.
func (r *Resolver) Stages() []domain.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Stage, 0, len(r.envs))
	for _, s := range domain.Stages {
		if _, ok := r.envs[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Secrets returns the credential values diagnostics must never contain,
// longest first.
func (r *Resolver) Secrets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.secrets))
	for s := range r.secrets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func (r *Resolver) markSecret(v string) {
	r.mu.Lock()
	r.markSecretLocked(v)
	r.mu.Unlock()
}

func (r *Resolver) markSecretLocked(v string) {
	if len(v) >= minSecretLen {
		r.secrets[v] = struct{}{}
	}
}
