package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for run ID
	RunIDKey ContextKey = "run_id"
	// AgentIDKey is the context key for agent ID
	AgentIDKey ContextKey = "agent_id"
	// ChatIDKey is the context key for the session (chat) ID
	ChatIDKey ContextKey = "chat_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID string
	RunID   string
	AgentID string
	ChatID  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithChatID adds a chat ID to the context
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ChatIDKey, chatID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// GetChatID retrieves the chat ID from the context
func GetChatID(ctx context.Context) string {
	if chatID, ok := ctx.Value(ChatIDKey).(string); ok {
		return chatID
	}
	return ""
}

// FromContext extracts all tracing information from a context
func FromContext(ctx context.Context) TraceContext {
	return TraceContext{
		TraceID: GetTraceID(ctx),
		RunID:   GetRunID(ctx),
		AgentID: GetAgentID(ctx),
		ChatID:  GetChatID(ctx),
	}
}

// NewRequestContext creates a context with a fresh trace ID and run ID
func NewRequestContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithRunID(ctx, NewRunID())
	return ctx
}
