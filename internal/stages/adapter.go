package stages

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/osvaldoandrade/contentpipe/internal/invoker"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

// Outcome is what a successful parse yields. Exactly one of ArtifactPath
// and Inline is set: either the worker wrote the artifact itself, or the
// gateway has to materialize Inline under InlineDir.
type Outcome struct {
	ArtifactPath string
	Inline       json.RawMessage
	InlineDir    string
	Assets       []string
	Link         string
	OutputDir    string
}

// Adapter translates logical tool parameters into a worker command line
// and the worker's output back into an Outcome.
type Adapter interface {
	Stage() domain.Stage
	Tool() domain.ToolInfo
	// Build validates params and returns the stage arguments. It never
	// spawns anything and fails with bad_request on invalid input.
	Build(p domain.ToolParams) ([]string, error)
	// Parse applies the stage's success criteria to a finished worker.
	Parse(env domain.Environment, p domain.ToolParams, res *invoker.Execution) (*Outcome, error)
	// Scope returns the output directory the invocation writes into; calls
	// with the same scope never run concurrently.
	Scope(p domain.ToolParams, env domain.Environment) string
}

type markerFunc func(stdout string) (*Outcome, bool, error)

type adapter struct {
	stage    domain.Stage
	tool     domain.ToolInfo
	build    func(p domain.ToolParams) ([]string, error)
	scope    func(p domain.ToolParams, env domain.Environment) string
	markers  markerFunc
	complete func(p domain.ToolParams, out *Outcome) error
}

func (a *adapter) Stage() domain.Stage   { return a.stage }
func (a *adapter) Tool() domain.ToolInfo { return a.tool }

func (a *adapter) Build(p domain.ToolParams) ([]string, error) { return a.build(p) }

func (a *adapter) Scope(p domain.ToolParams, env domain.Environment) string {
	return a.scope(p, env)
}

func (a *adapter) Parse(env domain.Environment, p domain.ToolParams, res *invoker.Execution) (*Outcome, error) {
	out, err := parseOutput(a.stage, env, res, a.markers)
	if err != nil {
		return nil, err
	}
	if a.complete != nil {
		if err := a.complete(p, out); err != nil {
			return nil, malformed(a.stage, res, err.Error())
		}
	}
	return out, nil
}

// Registry is the static tool set. It is filled once and read concurrently.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Stage]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Stage]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Stage()] = a
	}
	return r
}

// Default returns the five pipeline stages.
func Default() *Registry {
	return NewRegistry(Crawl(), Audit(), Write(), Illustrate(), Publish())
}

func (r *Registry) Get(stage domain.Stage) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[stage]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ConfigError(stage, "unknown stage %q", stage)
	}
	return a, nil
}

// Tools lists the tool descriptions in pipeline order.
func (r *Registry) Tools() []domain.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order := make(map[domain.Stage]int, len(domain.Stages))
	for i, s := range domain.Stages {
		order[s] = i
	}
	out := make([]domain.ToolInfo, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Tool())
	}
	sort.Slice(out, func(i, j int) bool {
		oi, iok := order[out[i].Name]
		oj, jok := order[out[j].Name]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func stringParam(name, desc string) domain.ParamInfo {
	return domain.ParamInfo{Name: name, Type: "string", Required: true, Description: desc}
}

func badParam(stage domain.Stage, name string) error {
	return domain.BadRequest(stage, "%s is required", name)
}
