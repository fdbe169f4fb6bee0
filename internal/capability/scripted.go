package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/marathon/internal/config"
)

// ErrScriptExhausted is returned when a scripted call has no response.
var ErrScriptExhausted = errors.New("no scripted response")

// Script is a deterministic conversation loaded from TOML:
//
//	[[step]]
//	call = "audit"
//	delay = "50ms"
//	[step.fields]
//	verdict = "VERIFIED"
//	analysis = "Sound reasoning."
//	score = 90
//
// Steps for the same call are consumed in order; the last one repeats.
type Script struct {
	Steps []ScriptStep `toml:"step"`
}

// ScriptStep is one canned response.
type ScriptStep struct {
	Call   string          `toml:"call"`
	Text   string          `toml:"text"`
	Fields map[string]any  `toml:"fields"`
	Error  string          `toml:"error"`
	Delay  config.Duration `toml:"delay"`
}

// ScriptedCall records a call made against a Scripted port.
type ScriptedCall struct {
	Call   string
	Prompt string
}

// Scripted replays a Script. It backs local runs and tests.
type Scripted struct {
	mu     sync.Mutex
	queues map[string][]ScriptStep
	calls  []ScriptedCall
}

// LoadScript reads a TOML script file.
func LoadScript(path string) (*Script, error) {
	var s Script
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("decoding script %s: %w", path, err)
	}
	for i, step := range s.Steps {
		if step.Call == "" {
			return nil, fmt.Errorf("script %s: step %d has no call", path, i+1)
		}
	}
	return &s, nil
}

// NewScripted creates a port replaying script.
func NewScripted(script *Script) *Scripted {
	s := &Scripted{queues: make(map[string][]ScriptStep)}
	if script != nil {
		for _, step := range script.Steps {
			s.queues[step.Call] = append(s.queues[step.Call], step)
		}
	}
	return s
}

// Complete implements Port. The call name is the schema name, or "text"
// for unstructured calls.
func (s *Scripted) Complete(ctx context.Context, prompt string, schema *Schema) (*Result, error) {
	call := "text"
	if schema != nil {
		call = schema.Name
	}

	s.mu.Lock()
	s.calls = append(s.calls, ScriptedCall{Call: call, Prompt: prompt})
	queue := s.queues[call]
	if len(queue) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w for %q", ErrScriptExhausted, call)
	}
	step := queue[0]
	if len(queue) > 1 {
		s.queues[call] = queue[1:]
	}
	s.mu.Unlock()

	if d := step.Delay.Duration(); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if step.Error != "" {
		return nil, errors.New(step.Error)
	}
	return &Result{Text: step.Text, Fields: step.Fields}, nil
}

// Calls returns the calls made so far.
func (s *Scripted) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptedCall, len(s.calls))
	copy(out, s.calls)
	return out
}
