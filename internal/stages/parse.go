package stages

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osvaldoandrade/contentpipe/internal/artifacts"
	"github.com/osvaldoandrade/contentpipe/internal/invoker"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

// diagnosticTail bounds the output excerpt placed in failure messages.
const diagnosticTail = 500

// resultLine is the generic last-line result a worker may print instead of
// stage markers.
type resultLine struct {
	Artifact string   `json:"artifact"`
	Assets   []string `json:"assets,omitempty"`
	Link     string   `json:"link,omitempty"`
}

// parseOutput applies the shared success criteria: exit code zero and a
// recognizable result. Stage markers win over a JSON last line, which wins
// over a bare .json path.
func parseOutput(stage domain.Stage, env domain.Environment, res *invoker.Execution, markers markerFunc) (*Outcome, error) {
	if res.ExitCode != 0 {
		return nil, &domain.InvocationError{
			Stage:    stage,
			Kind:     domain.KindNonZeroExit,
			Message:  fmt.Sprintf("worker exited with status %d: %s", res.ExitCode, diagnostic(res)),
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Duration: res.Duration,
		}
	}

	if markers != nil {
		out, ok, err := markers(res.Stdout)
		if err != nil {
			return nil, malformed(stage, res, err.Error())
		}
		if ok {
			return out.resolve(env), nil
		}
	}

	line := lastLine(res.Stdout)
	switch {
	case line == "":
		return nil, malformed(stage, res, "worker printed no result")
	case strings.HasPrefix(line, "{"):
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			return nil, malformed(stage, res, fmt.Sprintf("result line is not valid JSON: %v", err))
		}
		if _, ok := probe["artifact"]; ok {
			var rl resultLine
			if err := json.Unmarshal([]byte(line), &rl); err != nil {
				return nil, malformed(stage, res, fmt.Sprintf("result line: %v", err))
			}
			if strings.TrimSpace(rl.Artifact) == "" && rl.Link == "" {
				return nil, malformed(stage, res, "result line has an empty artifact path")
			}
			out := &Outcome{ArtifactPath: strings.TrimSpace(rl.Artifact), Assets: rl.Assets, Link: rl.Link}
			return out.resolve(env), nil
		}
		return &Outcome{Inline: json.RawMessage(line)}, nil
	case strings.HasSuffix(strings.ToLower(line), ".json"):
		out := &Outcome{ArtifactPath: line}
		return out.resolve(env), nil
	}
	return nil, malformed(stage, res, "no result indicator in worker output")
}

// resolve makes reported paths absolute against the worker's directory.
func (o *Outcome) resolve(env domain.Environment) *Outcome {
	o.ArtifactPath = env.Abs(o.ArtifactPath)
	o.OutputDir = env.Abs(o.OutputDir)
	for i, a := range o.Assets {
		o.Assets[i] = env.Abs(a)
	}
	return o
}

func malformed(stage domain.Stage, res *invoker.Execution, msg string) error {
	e := domain.Malformed(stage, "%s: %s", msg, invoker.Tail(strings.TrimSpace(res.Stdout), diagnosticTail))
	e.ExitCode = res.ExitCode
	e.Stdout = res.Stdout
	e.Stderr = res.Stderr
	e.Duration = res.Duration
	return e
}

func diagnostic(res *invoker.Execution) string {
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return invoker.Tail(s, diagnosticTail)
	}
	return invoker.Tail(strings.TrimSpace(res.Stdout), diagnosticTail)
}

// between returns the text between the first start marker and the next end
// marker after it.
func between(s, start, end string) (string, bool) {
	i := strings.Index(s, start)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func lastLine(s string) string {
	ls := lines(s)
	if len(ls) == 0 {
		return ""
	}
	return ls[len(ls)-1]
}

// field returns the value after prefix when line starts with it.
func field(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	v := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if v == "" || v == "None" {
		return "", false
	}
	return v, true
}

// pathBlock expects exactly one path between start and end.
func pathBlock(start, end string) markerFunc {
	return func(stdout string) (*Outcome, bool, error) {
		block, ok := between(stdout, start, end)
		if !ok {
			return nil, false, nil
		}
		ls := lines(block)
		if len(ls) == 0 {
			return nil, true, errors.New("result block is empty")
		}
		return &Outcome{ArtifactPath: ls[len(ls)-1]}, true, nil
	}
}

// inputArtifact checks that path names an existing artifact of the
// upstream stage and returns its absolute path.
func inputArtifact(stage domain.Stage, param, path string, upstream domain.Stage) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", badParam(stage, param)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", domain.BadRequest(stage, "%s: %v", param, err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", domain.BadRequest(stage, "input artifact %s not found", abs)
		}
		return "", domain.BadRequest(stage, "read input artifact %s: %v", abs, err)
	}
	if _, err := artifacts.Validate(upstream, raw); err != nil {
		return "", domain.BadRequest(stage, "input %s is not a %s artifact: %v", abs, upstream, err)
	}
	return abs, nil
}

// dirOf returns the absolute directory of an input artifact path.
func dirOf(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Dir(path)
	}
	return filepath.Dir(abs)
}
