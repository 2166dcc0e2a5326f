package mocks

import (
	"context"
	"fmt"
	"sync"

	gateway "github.com/sawai-singh/rankmybrand.ai-sub001/internal/gateway"
	mock "github.com/stretchr/testify/mock"
)

// InsightReply is a canned reply for the batch, category and strategic stages.
const InsightReply = "```json\n" + `{
  "reasoning": "Comparison content moves buyers in both consideration and decision.",
  "items": [
    {"title": "Publish comparison pages", "detail": "Head-to-head pages against Noise and JBL.", "score": 88, "impact": "high", "categories": ["consideration"]},
    {"title": "Earn review coverage", "detail": "Assistants cite review sites.", "score": 74, "impact": "medium"},
    {"title": "Document battery claims", "detail": "Specs are quoted verbatim.", "score": 61, "impact": "medium"},
    {"title": "Refresh FAQ schema", "detail": "Structured answers are easy to cite.", "score": 40, "impact": "low"}
  ]
}` + "\n```"

// SummaryReply is a canned Stage D reply.
const SummaryReply = `{
  "headline": "boAt is visible in most AI answers for audio gear",
  "summary": "Assistants recommend boAt frequently; competitors win on premium queries.",
  "key_findings": ["High visibility in awareness queries", "JBL dominates premium comparisons"]
}`

// Scripted answers every request with a canned reply chosen by stage and
// counts calls per stage.
type Scripted struct {
	*MockGateway

	mu       sync.Mutex
	counts   map[string]int
	failures map[string]error
	hooks    map[string]func()
}

// NewScripted returns a gateway double that always succeeds.
func NewScripted(t interface {
	mock.TestingT
	Cleanup(func())
}) *Scripted {
	s := &Scripted{
		MockGateway: &MockGateway{},
		counts:      make(map[string]int),
		failures:    make(map[string]error),
		hooks:       make(map[string]func()),
	}
	s.Mock.Test(t)
	s.On("Complete", mock.Anything, mock.Anything).Return(s.reply).Maybe()
	return s
}

func (s *Scripted) reply(_ context.Context, req gateway.Request) (*gateway.Completion, error) {
	s.mu.Lock()
	s.counts[req.Stage]++
	n := s.counts[req.Stage]
	err := s.failures[req.Stage]
	hook := s.hooks[req.Stage]
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}

	text := InsightReply
	if req.Stage == "summary" {
		text = SummaryReply
	}
	return &gateway.Completion{
		ID:    fmt.Sprintf("%s-%d", req.Stage, n),
		Model: "claude-haiku-4-5-20251001",
		Text:  text,
		Usage: gateway.Usage{InputTokens: 900, OutputTokens: 150},
	}, nil
}

// FailStage makes every call of stage return err. A nil err clears it.
func (s *Scripted) FailStage(stage string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, stage)
		return
	}
	s.failures[stage] = err
}

// OnStage runs fn before answering each call of stage.
func (s *Scripted) OnStage(stage string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[stage] = fn
}

// Count returns how many calls a stage made.
func (s *Scripted) Count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[stage]
}

// Total returns the number of calls across all stages.
func (s *Scripted) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.counts {
		total += n
	}
	return total
}
