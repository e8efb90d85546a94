package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

type (
	messageDepthKey  struct{}
	delegationHopKey struct{}
	agentIDKey       struct{}
)

// WithMessageDepth attaches the current message-nesting depth to the
// context (how many inbox messages deep the active handler is).
func WithMessageDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, messageDepthKey{}, depth)
}

// MessageDepth returns the message-nesting depth, or 0 if unset.
func MessageDepth(ctx context.Context) int {
	if v, ok := ctx.Value(messageDepthKey{}).(int); ok {
		return v
	}
	return 0
}

// WithDelegationHop attaches the number of agent-to-agent delegation
// hops taken so far, for loop-prevention on spawned tasks.
func WithDelegationHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, delegationHopKey{}, hop)
}

// DelegationHop returns the delegation hop count, or 0 if unset.
func DelegationHop(ctx context.Context) int {
	if v, ok := ctx.Value(delegationHopKey{}).(int); ok {
		return v
	}
	return 0
}

// WithAgentID attaches the acting agent's address to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID returns the acting agent's address, or "" if unset.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}
