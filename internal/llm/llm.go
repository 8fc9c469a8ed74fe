// Package llm defines the completion adapter the content and assistant
// agents talk to. Prompt construction lives in the agents; this package only
// carries requests across the boundary.
package llm

import (
	"context"
	"sync"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one conversation turn sent to the model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	System    string `json:"system,omitempty"`
	Messages  []Turn `json:"messages"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Response is a completion result.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Adapter produces completions. Implementations must be safe for concurrent
// use.
type Adapter interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Stub is the default adapter when no provider is configured. It answers
// with a canned reply so the chat path stays functional offline.
type Stub struct{}

// Complete echoes the last user turn.
func (Stub) Complete(_ context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, apperr.Validation("completion request has no messages")
	}
	last := req.Messages[len(req.Messages)-1]
	return Response{
		Content: "I can help with that. You asked: " + last.Content,
		Model:   "stub",
	}, nil
}

// Recorder wraps an adapter and records every request, for tests.
type Recorder struct {
	mu       sync.Mutex
	inner    Adapter
	requests []Request

	// Reply overrides the inner adapter when non-empty.
	Reply string
	// Err is returned instead of completing when set.
	Err error
}

// NewRecorder wraps inner; a nil inner falls back to Stub.
func NewRecorder(inner Adapter) *Recorder {
	if inner == nil {
		inner = Stub{}
	}
	return &Recorder{inner: inner}
}

// Complete records the request and delegates or replays the canned reply.
func (r *Recorder) Complete(ctx context.Context, req Request) (Response, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	reply, err := r.Reply, r.Err
	r.mu.Unlock()

	if err != nil {
		return Response{}, err
	}
	if reply != "" {
		return Response{Content: reply, Model: "recorder"}, nil
	}
	return r.inner.Complete(ctx, req)
}

// Requests returns a copy of the recorded requests.
func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}
