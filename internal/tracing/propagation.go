package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToAgent propagates tracing context into a delegated agent run.
// The trace ID is kept; the run ID is regenerated so each agent's work is
// distinguishable inside one session trace.
func PropagateToAgent(ctx context.Context, agentID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithRunID(newCtx, NewRunID())
	newCtx = WithAgentID(newCtx, agentID)

	if chatID := GetChatID(ctx); chatID != "" {
		newCtx = WithChatID(newCtx, chatID)
	}

	return newCtx
}

// LoggerFromContext creates a logger enriched with tracing fields from the context.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		baseLogger = baseLogger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RunID != "" {
		baseLogger = baseLogger.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.AgentID != "" {
		baseLogger = baseLogger.With().Str("agent_id", tc.AgentID).Logger()
	}
	if tc.ChatID != "" {
		baseLogger = baseLogger.With().Str("chat_id", tc.ChatID).Logger()
	}

	return baseLogger
}
