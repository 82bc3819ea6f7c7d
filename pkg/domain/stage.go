package domain

import (
	"encoding"
	"path/filepath"
	"time"
)

type Stage string

const (
	StageCrawl      Stage = "crawl"
	StageAudit      Stage = "audit"
	StageWrite      Stage = "write"
	StageIllustrate Stage = "illustrate"
	StagePublish    Stage = "publish"
)

// Stages lists every tool the gateway exposes, in pipeline order.
var Stages = []Stage{StageCrawl, StageAudit, StageWrite, StageIllustrate, StagePublish}

func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}

var (
	_ encoding.BinaryMarshaler = Stage("")
	_ encoding.TextMarshaler   = Stage("")
)

func (s Stage) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s Stage) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

// Environment is the execution context a stage worker runs under. It is
// built once from configuration and handed out by value.
type Environment struct {
	Stage           Stage         `json:"stage"`
	Interpreter     string        `json:"interpreter"`
	InterpreterArgs []string      `json:"interpreterArgs,omitempty"`
	Script          string        `json:"script"`
	WorkDir         string        `json:"workDir"`
	RequiredEnv     []string      `json:"requiredEnv,omitempty"`
	PassEnv         []string      `json:"passEnv,omitempty"`
	Manifest        string        `json:"manifest,omitempty"`
	RequiredFiles   []string      `json:"requiredFiles,omitempty"`
	OutputDir       string        `json:"outputDir,omitempty"`
	Timeout         time.Duration `json:"timeout"`
	MaxConcurrent   int           `json:"maxConcurrent,omitempty"`
}

// Command returns argv for the worker: interpreter, its own args, the
// script, then the stage arguments.
func (e Environment) Command(args []string) []string {
	argv := make([]string, 0, 2+len(e.InterpreterArgs)+len(args))
	argv = append(argv, e.Interpreter)
	argv = append(argv, e.InterpreterArgs...)
	if e.Script != "" {
		argv = append(argv, e.Script)
	}
	return append(argv, args...)
}

// Abs resolves p against the working directory when it is relative.
func (e Environment) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.WorkDir, p)
}

// Clone returns a copy that shares no slices with the receiver.
func (e Environment) Clone() Environment {
	c := e
	c.InterpreterArgs = append([]string(nil), e.InterpreterArgs...)
	c.RequiredEnv = append([]string(nil), e.RequiredEnv...)
	c.PassEnv = append([]string(nil), e.PassEnv...)
	c.RequiredFiles = append([]string(nil), e.RequiredFiles...)
	return c
}

// ParamInfo describes one logical parameter of a tool.
type ParamInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// ToolInfo is the self-description a stage publishes to callers.
type ToolInfo struct {
	Name        Stage       `json:"name"`
	Description string      `json:"description"`
	Params      []ParamInfo `json:"params"`
}
