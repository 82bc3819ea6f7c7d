package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestStageMarshalText(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		want  string
	}{
		{"crawl", StageCrawl, "crawl"},
		{"publish", StagePublish, "publish"},
		{"custom", Stage("custom"), "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.stage.MarshalText()
			if err != nil {
				t.Fatalf("MarshalText() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("MarshalText() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestStageValid(t *testing.T) {
	for _, s := range Stages {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if Stage("summarize").Valid() {
		t.Error("expected unknown stage to be invalid")
	}
}

func TestEnvironmentCommand(t *testing.T) {
	env := Environment{Interpreter: "uv", InterpreterArgs: []string{"run"}, Script: "run_crawler_cli.py"}
	got := env.Command([]string{"--keyword", "SLAM"})
	want := []string{"uv", "run", "run_crawler_cli.py", "--keyword", "SLAM"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Command() = %v, want %v", got, want)
	}
}

func TestEnvironmentCloneIsIndependent(t *testing.T) {
	env := Environment{RequiredEnv: []string{"QWEN_API_KEY"}}
	c := env.Clone()
	c.RequiredEnv[0] = "OTHER"
	if env.RequiredEnv[0] != "QWEN_API_KEY" {
		t.Fatalf("clone shares backing array with original")
	}
}

func TestInvocationStateForwardOnly(t *testing.T) {
	tests := []struct {
		from, to InvocationState
		ok       bool
	}{
		{StateReceived, StateEnvironmentResolved, true},
		{StateEnvironmentResolved, StateProcessRunning, true},
		{StateProcessRunning, StateCompleted, true},
		{StateProcessRunning, StateTimedOut, true},
		{StateProcessRunning, StateFailedToStart, true},
		{StateCompleted, StateResultReturned, true},
		{StateReceived, StateResultReturned, true},
		{StateReceived, StateProcessRunning, false},
		{StateCompleted, StateProcessRunning, false},
		{StateResultReturned, StateReceived, false},
		{StateTimedOut, StateCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			_, err := tt.from.Next(tt.to)
			if (err == nil) != tt.ok {
				t.Fatalf("Next() err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"typed", BadRequest(StageAudit, "missing file"), KindBadRequest},
		{"wrapped", fmt.Errorf("outer: %w", Malformed(StageCrawl, "x")), KindMalformed},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"foreign", errors.New("boom"), KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFailureResultCarriesDiagnostics(t *testing.T) {
	err := &InvocationError{Kind: KindNonZeroExit, Message: "exit status 2", ExitCode: 2, Stderr: "Traceback"}
	res := FailureResult("id-1", StageWrite, err, 1500*time.Millisecond)
	if res.OK() {
		t.Fatal("expected failure result")
	}
	if res.Error.Kind != KindNonZeroExit || res.Error.ExitCode != 2 || res.Error.Stderr != "Traceback" {
		t.Fatalf("unexpected payload: %+v", res.Error)
	}
	if res.DurationMs != 1500 {
		t.Fatalf("DurationMs = %d", res.DurationMs)
	}
	if got := AsInvocationError(err, StageWrite).Stage; got != StageWrite {
		t.Fatalf("stage not filled in: %q", got)
	}
}

func TestPreSpawnKinds(t *testing.T) {
	if !KindConfiguration.PreSpawn() || !KindBadRequest.PreSpawn() {
		t.Fatal("configuration and bad request must be pre-spawn")
	}
	if KindTimeout.PreSpawn() {
		t.Fatal("timeout is not pre-spawn")
	}
}

func TestValidInvocationID(t *testing.T) {
	long := strings.Repeat("a", 129)
	tests := []struct {
		id   string
		want bool
	}{
		{"0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0", true},
		{"run_42", true},
		{long[:128], true},
		{"", false},
		{"/../../.", false},
		{"..", false},
		{"a/b", false},
		{`a\b`, false},
		{"with space", false},
		{long, false},
	}
	for _, tt := range tests {
		if got := ValidInvocationID(tt.id); got != tt.want {
			t.Errorf("ValidInvocationID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
