// Package inference defines the InferenceClient boundary the planner,
// classifier, and compression engine call through, plus two concrete
// bindings. InferenceClient itself is an excluded external collaborator:
// this package owns the interface and the plumbing, not the
// intelligence behind it, kept to the narrow text-completion shape the
// core runtime actually calls.
package inference

import "context"

// Request is one completion request: a prompt and a soft token budget
// the caller expects the response to respect.
type Request struct {
	Prompt       string
	MaxTokens    int
	SystemPrompt string
}

// Response is one completion result.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client is the narrow interface every core caller (planner, classifier,
// compression engine) depends on. Concrete bindings adapt a specific
// provider SDK to this shape.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
