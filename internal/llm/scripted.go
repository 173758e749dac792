package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Step is one scripted reply. Err, when set, is returned instead of Text.
type Step struct {
	Text string
	Err  error
}

// Scripted replays canned responses per purpose. When a purpose's queue is
// drained the last step repeats. Purposes without a queue use the "default" one.
type Scripted struct {
	mu     sync.Mutex
	queues map[string][]Step
	last   map[string]Step
	calls  []Request
}

// NewScripted returns an empty script.
func NewScripted() *Scripted {
	return &Scripted{queues: make(map[string][]Step), last: make(map[string]Step)}
}

// Push appends steps for purpose.
func (s *Scripted) Push(purpose string, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[purpose] = append(s.queues[purpose], steps...)
	return s
}

// Reply appends text replies for purpose.
func (s *Scripted) Reply(purpose string, texts ...string) *Scripted {
	steps := make([]Step, len(texts))
	for i, t := range texts {
		steps[i] = Step{Text: t}
	}
	return s.Push(purpose, steps...)
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	purpose := req.Purpose
	if _, ok := s.queues[purpose]; !ok {
		if _, seen := s.last[purpose]; !seen {
			purpose = "default"
		}
	}
	var step Step
	if q := s.queues[purpose]; len(q) > 0 {
		step = q[0]
		s.queues[purpose] = q[1:]
		s.last[purpose] = step
	} else if last, ok := s.last[purpose]; ok {
		step = last
	} else {
		return Response{}, fmt.Errorf("%w: no scripted response for purpose %q", ErrMalformed, req.Purpose)
	}
	if step.Err != nil {
		return Response{}, step.Err
	}
	return Response{Text: step.Text, Model: "scripted", FinishReason: "stop"}, nil
}

// scriptFile is the YAML layout of a response script:
//
//	responses:
//	  propose: ["use a heap"]
//	  synthesize: ["```python\nprint(1)\n```"]
type scriptFile struct {
	Responses map[string][]string `yaml:"responses"`
}

// LoadScript reads a YAML response script.
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var f scriptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if len(f.Responses) == 0 {
		return nil, fmt.Errorf("script %s has no responses", path)
	}
	s := NewScripted()
	for purpose, texts := range f.Responses {
		s.Reply(purpose, texts...)
	}
	return s, nil
}
