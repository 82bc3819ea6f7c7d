package domain

import (
	"fmt"
	"regexp"
	"time"
)

// ToolParams carries the logical parameters of a tool call. Each stage
// reads only the fields it needs.
type ToolParams struct {
	Keyword  string   `json:"keyword,omitempty"`
	File     string   `json:"file,omitempty"`
	JSONPath string   `json:"json_path,omitempty"`
	Images   []string `json:"images,omitempty"`
}

// Invocation ids name files and run directories, so only letters, digits,
// '_' and '-' are accepted, up to 128 of them.
var invocationIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidInvocationID reports whether id may be used as an invocation id.
func ValidInvocationID(id string) bool { return invocationIDRe.MatchString(id) }

type InvocationRequest struct {
	ID             string     `json:"invocationId,omitempty"`
	Stage          Stage      `json:"stage"`
	Params         ToolParams `json:"params"`
	TimeoutSeconds int        `json:"timeoutSeconds,omitempty"`
}

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

type ErrorPayload struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	ExitCode int       `json:"exitCode,omitempty"`
	Stdout   string    `json:"stdout,omitempty"`
	Stderr   string    `json:"stderr,omitempty"`
}

// InvocationResult is the envelope returned by every transport.
type InvocationResult struct {
	ID           string        `json:"id"`
	Stage        Stage         `json:"stage"`
	Status       ResultStatus  `json:"status"`
	ArtifactPath string        `json:"artifactPath,omitempty"`
	Assets       []string      `json:"assets,omitempty"`
	Link         string        `json:"link,omitempty"`
	Error        *ErrorPayload `json:"error,omitempty"`
	DurationMs   int64         `json:"durationMs"`
}

func (r *InvocationResult) OK() bool { return r != nil && r.Status == ResultSuccess }

// FailureResult converts err into a failure envelope.
func FailureResult(id string, stage Stage, err error, d time.Duration) *InvocationResult {
	res := &InvocationResult{ID: id, Stage: stage, Status: ResultFailure, DurationMs: d.Milliseconds()}
	ie := AsInvocationError(err, stage)
	res.Error = &ErrorPayload{
		Kind:     ie.Kind,
		Message:  ie.Message,
		ExitCode: ie.ExitCode,
		Stdout:   ie.Stdout,
		Stderr:   ie.Stderr,
	}
	return res
}

type InvocationState string

const (
	StateReceived            InvocationState = "received"
	StateEnvironmentResolved InvocationState = "environment_resolved"
	StateProcessRunning      InvocationState = "process_running"
	StateCompleted           InvocationState = "completed"
	StateTimedOut            InvocationState = "timed_out"
	StateFailedToStart       InvocationState = "failed_to_start"
	StateResultReturned      InvocationState = "result_returned"
)

var stateRank = map[InvocationState]int{
	StateReceived:            0,
	StateEnvironmentResolved: 1,
	StateProcessRunning:      2,
	StateCompleted:           3,
	StateTimedOut:            3,
	StateFailedToStart:       3,
	StateResultReturned:      4,
}

// Next validates a transition. States only move forward; any state may
// jump straight to result_returned when the invocation fails early.
func (s InvocationState) Next(to InvocationState) (InvocationState, error) {
	from, ok := stateRank[s]
	if !ok {
		return s, fmt.Errorf("unknown state %q", s)
	}
	dst, ok := stateRank[to]
	if !ok {
		return s, fmt.Errorf("unknown state %q", to)
	}
	if dst <= from {
		return s, fmt.Errorf("invalid transition %s -> %s", s, to)
	}
	if to != StateResultReturned && dst != from+1 {
		return s, fmt.Errorf("invalid transition %s -> %s", s, to)
	}
	return to, nil
}

func (s InvocationState) Terminal() bool { return s == StateResultReturned }

// InvocationRecord is the persisted view of one invocation.
type InvocationRecord struct {
	ID        string            `json:"id"`
	Stage     Stage             `json:"stage"`
	State     InvocationState   `json:"state"`
	Params    ToolParams        `json:"params"`
	Result    *InvocationResult `json:"result,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
