// Package llmtest provides a scripted llm.Service for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/rendis/crew/internal/llm"
)

// Reply is one scripted answer. Err takes precedence over the other fields.
type Reply struct {
	Text      string
	ToolCalls []llm.ToolCall
	Err       error
}

// Call records one request made to the fake.
type Call struct {
	Messages []llm.Message
	Tools    []llm.ToolDefinition
}

// Service replays scripted replies in order, for both Chat and
// ChatWithTools. Once the script runs out it answers with Fallback.
//
// Usage:
//
//	svc := llmtest.New(
//	    llmtest.Reply{Text: "1. Read the ticket\n2. Post an update"},
//	    llmtest.Reply{ToolCalls: []llm.ToolCall{{Name: "send_message", Arguments: args}}},
//	)
type Service struct {
	mu       sync.Mutex
	replies  []Reply
	calls    []Call
	Fallback Reply
}

// New returns a fake answering with replies in order.
func New(replies ...Reply) *Service {
	return &Service{replies: replies}
}

// Push appends replies to the script.
func (s *Service) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

func (s *Service) next(messages []llm.Message, tools []llm.ToolDefinition) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{
		Messages: append([]llm.Message(nil), messages...),
		Tools:    append([]llm.ToolDefinition(nil), tools...),
	})
	if len(s.replies) == 0 {
		return s.Fallback
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r
}

func (s *Service) Chat(_ context.Context, messages []llm.Message) (string, error) {
	r := s.next(messages, nil)
	if r.Err != nil {
		return "", r.Err
	}
	return r.Text, nil
}

func (s *Service) ChatWithTools(_ context.Context, messages []llm.Message, tools []llm.ToolDefinition) (*llm.ToolResponse, error) {
	r := s.next(messages, tools)
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.ToolResponse{Completion: r.Text, ToolCalls: r.ToolCalls}, nil
}

// Calls returns every request seen so far.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of requests seen so far.
func (s *Service) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Remaining returns how many scripted replies are left.
func (s *Service) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

var _ llm.Service = (*Service)(nil)
