package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/idham/relay/internal/observability"
	"github.com/idham/relay/internal/tracing"
	"github.com/idham/relay/pkg/convstore"
	"github.com/idham/relay/pkg/registry"
	"github.com/idham/relay/pkg/stream"
	"github.com/idham/relay/pkg/team"
	"github.com/idham/relay/pkg/toolrunner"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultMaxIterations bounds generate/execute rounds per run.
	DefaultMaxIterations = 5

	// DefaultHistoryWindow is how many persisted messages feed each run.
	DefaultHistoryWindow = 40

	defaultSystemPrompt = "You are a helpful assistant."
)

// Config holds loop configuration.
type Config struct {
	Registry *registry.Registry
	Broker   *stream.Broker
	Store    *convstore.Store
	Tools    *toolrunner.Runner
	Teams    *team.Registry // optional
	Factory  ServiceCreator // optional, defaults to ServiceFactory
	Profiles []Profile

	MaxIterations int
	HistoryWindow int
	MaxRetries    int
	RetryDelay    time.Duration
	DefaultModel  string
	Logger        zerolog.Logger
}

// Loop drives one agent run: iterative generate/execute rounds against a
// completion service, streaming progress to the session's event stream.
type Loop struct {
	registry *registry.Registry
	broker   *stream.Broker
	store    *convstore.Store
	tools    *toolrunner.Runner
	teams    *team.Registry
	factory  ServiceCreator
	profiles []Profile

	maxIterations int
	historyWindow int
	maxRetries    int
	retryDelay    time.Duration
	defaultModel  string
	logger        zerolog.Logger
}

// New creates an agent loop.
func New(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("stream broker is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool runner is required")
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one provider profile is required")
	}

	factory := cfg.Factory
	if factory == nil {
		factory = &ServiceFactory{}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	return &Loop{
		registry:      cfg.Registry,
		broker:        cfg.Broker,
		store:         cfg.Store,
		tools:         cfg.Tools,
		teams:         cfg.Teams,
		factory:       factory,
		profiles:      cfg.Profiles,
		maxIterations: cfg.MaxIterations,
		historyWindow: cfg.HistoryWindow,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		defaultModel:  cfg.DefaultModel,
		logger:        cfg.Logger,
	}, nil
}

// RunParams contains input parameters for one agent run. Model,
// IterationCount and AgentID override the loop's configured defaults for
// this run only.
type RunParams struct {
	ChatID         string `json:"chat_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Query          string `json:"query"`
	Team           string `json:"team,omitempty"`
	Model          string `json:"model,omitempty"`
	IterationCount int    `json:"iteration_count,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
}

// RunResult contains the outcome of a completed run.
type RunResult struct {
	Answer string     `json:"answer"`
	Usage  TokenUsage `json:"usage"`
}

// Run executes one agent run to completion. Whatever path the run exits
// through, the session's registry entry is cleared and its stream receives
// exactly one terminal event before teardown.
func (l *Loop) Run(ctx context.Context, params RunParams) (result RunResult, err error) {
	if params.ChatID == "" {
		return RunResult{}, fmt.Errorf("chat id is required")
	}
	if params.Query == "" {
		return RunResult{}, fmt.Errorf("query is required")
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithChatID(ctx, params.ChatID)
	ctx, span := tracing.StartSpan(
		ctx,
		"relay.agentloop",
		"agentloop.run",
		attribute.String("chat_id", params.ChatID),
	)
	defer span.End()

	start := time.Now()
	chatID := params.ChatID

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent loop panicked: %v", r)
		}
		switch {
		case err == nil:
			l.publish(chatID, stream.CompleteEvent(map[string]interface{}{
				"duration_ms": time.Since(start).Milliseconds(),
			}))
		case errors.Is(err, context.Canceled):
			l.publish(chatID, stream.CompleteEvent(map[string]interface{}{
				"stopped":     true,
				"duration_ms": time.Since(start).Milliseconds(),
			}))
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			l.publish(chatID, stream.ErrorEvent(err.Error()))
		}
		l.registry.Clear(chatID)
		l.broker.Close(chatID)
	}()

	currentTeam, agent := l.resolveAgent(params.Team, params.AgentID)
	runCtx := tracing.PropagateToAgent(ctx, agent.ID)
	logger := tracing.LoggerFromContext(runCtx, l.logger).With().Str("chat_id", chatID).Logger()

	// Per-run overrides win over agent spec and loop defaults.
	modelFor := func(a team.AgentSpec) string {
		if params.Model != "" {
			return params.Model
		}
		return l.modelFor(a)
	}
	maxIterations := l.maxIterations
	if params.IterationCount > 0 {
		maxIterations = params.IterationCount
	}

	l.registry.Register(chatID, registry.NewInstance(agent.ID, string(agent.Role), modelFor(agent)))

	conversationID := params.ConversationID
	if conversationID == "" {
		conversationID = chatID
	}
	if err = l.store.EnsureConversation(runCtx, conversationID, params.Query); err != nil {
		return RunResult{}, err
	}
	if err = l.store.LinkChat(runCtx, conversationID, chatID); err != nil {
		return RunResult{}, err
	}

	// A conversation carries its system message as the first persisted turn.
	// Later runs reuse it; providers still receive the prompt out-of-band.
	hasSystem, err := l.store.HasSystemMessage(runCtx, conversationID)
	if err != nil {
		return RunResult{}, err
	}
	if !hasSystem {
		systemPrompt := agent.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = defaultSystemPrompt
		}
		if err = l.store.AppendMessage(runCtx, conversationID, convstore.Message{
			Role:    "system",
			Content: systemPrompt,
		}); err != nil {
			return RunResult{}, err
		}
	}

	if err = l.store.AppendMessage(runCtx, conversationID, convstore.Message{
		Role:    "user",
		Content: params.Query,
	}); err != nil {
		return RunResult{}, err
	}
	l.appendScratchpad(runCtx, conversationID, convstore.ScratchpadEntry{
		AgentID:       agent.ID,
		Thought:       params.Query,
		IsOriginQuery: true,
	})

	history, err := l.store.History(runCtx, conversationID, l.historyWindow)
	if err != nil {
		return RunResult{}, err
	}
	messages := make([]Message, 0, len(history))
	for _, msg := range history {
		messages = append(messages, Message{Role: msg.Role, Content: msg.Content})
	}

	var usage TokenUsage

	for iteration := 0; iteration < maxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return RunResult{}, ctx.Err()
		default:
		}

		l.publish(chatID, stream.Event{
			Type:    stream.EventStatus,
			Success: true,
			Data: map[string]interface{}{
				"message":   "generating",
				"agent_id":  agent.ID,
				"iteration": iteration,
			},
		})

		resp, perr := l.complete(runCtx, chatID, l.buildRequest(agent, modelFor(agent), messages))
		if perr != nil {
			return RunResult{}, perr
		}
		usage.Add(resp.Usage)

		toolCalls := resp.ToolCalls
		content := resp.Content
		thought := resp.Content

		if len(toolCalls) == 0 && LooksLikeAction(content) {
			action, aerr := ParseAction(content)
			if aerr != nil {
				return RunResult{}, aerr
			}
			if action.Thinking != "" {
				l.publish(chatID, stream.ThinkingEvent(action.Thinking))
				thought = action.Thinking
			}

			switch {
			case action.ToolName != "":
				toolCalls = []toolrunner.ToolCall{{
					ID:        fmt.Sprintf("%s-action-%d", chatID, iteration),
					Name:      action.ToolName,
					Arguments: action.Args,
				}}
				content = ""

			case action.Handoff != "":
				next, herr := l.resolveHandoff(currentTeam, agent, action.Handoff)
				if herr != nil {
					return RunResult{}, herr
				}
				logger.Info().
					Str("from", agent.ID).
					Str("to", next.ID).
					Msg("Handoff")
				l.publish(chatID, stream.Event{
					Type:    stream.EventStatus,
					Success: true,
					Data: map[string]interface{}{
						"message": "handoff",
						"from":    agent.ID,
						"to":      next.ID,
					},
				})

				l.appendScratchpad(runCtx, conversationID, convstore.ScratchpadEntry{
					AgentID:     agent.ID,
					Thought:     thought,
					Action:      "handoff:" + next.ID,
					Observation: fmt.Sprintf("conversation handed off to %s", next.ID),
				})

				l.registry.Deregister(chatID, agent.ID)
				agent = next
				runCtx = tracing.PropagateToAgent(ctx, agent.ID)
				l.registry.Register(chatID, registry.NewInstance(agent.ID, string(agent.Role), modelFor(agent)))

				messages = append(messages, Message{
					Role:    "assistant",
					Content: fmt.Sprintf("[conversation handed off to %s]", agent.ID),
				})
				continue

			default:
				return l.finish(runCtx, chatID, conversationID, agent, action.FinalAnswer, usage)
			}
		}

		if len(toolCalls) > 0 {
			names := make([]string, 0, len(toolCalls))
			for _, call := range toolCalls {
				names = append(names, call.Name)
			}
			l.publish(chatID, stream.Event{
				Type:    stream.EventToolCalls,
				Success: true,
				Data: map[string]interface{}{
					"tools":    names,
					"agent_id": agent.ID,
				},
			})

			messages = append(messages, Message{
				Role:      "assistant",
				Content:   content,
				ToolCalls: toolCalls,
			})

			results := l.tools.ExecuteAll(runCtx, conversationID, toolCalls)
			for _, res := range results {
				messages = append(messages, Message{
					Role:       "tool",
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}
			l.appendToolRound(runCtx, conversationID, agent.ID, thought, toolCalls, results)
			continue
		}

		return l.finish(runCtx, chatID, conversationID, agent, content, usage)
	}

	// Iteration budget exhausted: one last completion with tools withheld so
	// the agent has to answer from what it gathered.
	logger.Warn().Int("max_iterations", maxIterations).Msg("Iteration budget exhausted, forcing answer")
	l.publish(chatID, stream.StatusEvent("max_iterations_reached"))

	messages = append(messages, Message{
		Role:    "user",
		Content: "Answer now with the information you already have. Do not request any more tools.",
	})
	req := l.buildRequest(agent, modelFor(agent), messages)
	req.Tools = nil
	resp, perr := l.complete(runCtx, chatID, req)
	if perr != nil {
		return RunResult{}, perr
	}
	usage.Add(resp.Usage)

	answer := resp.Content
	if LooksLikeAction(answer) {
		if action, aerr := ParseAction(answer); aerr == nil && action.FinalAnswer != "" {
			answer = action.FinalAnswer
		}
	}
	return l.finish(runCtx, chatID, conversationID, agent, answer, usage)
}

// finish persists the assistant answer and reports usage. The terminal
// complete event is published by Run's cleanup.
func (l *Loop) finish(ctx context.Context, chatID, conversationID string, agent team.AgentSpec, answer string, usage TokenUsage) (RunResult, error) {
	if err := l.store.AppendMessage(ctx, conversationID, convstore.Message{
		Role:    "assistant",
		AgentID: agent.ID,
		Content: answer,
	}); err != nil {
		return RunResult{}, err
	}

	l.publish(chatID, stream.Event{
		Type:    stream.EventUsage,
		Success: true,
		Data: map[string]interface{}{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	})

	return RunResult{Answer: answer, Usage: usage}, nil
}

// complete runs one completion with profile failover: profiles are tried in
// priority order, each with retry on transient errors.
func (l *Loop) complete(ctx context.Context, chatID string, req Request) (*Response, error) {
	profiles := make([]Profile, len(l.profiles))
	copy(profiles, l.profiles)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	logger := tracing.LoggerFromContext(ctx, l.logger)
	var lastErr error

	for _, profile := range profiles {
		service, err := l.factory.NewService(profile)
		if err != nil {
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create completion service")
			lastErr = err
			continue
		}

		resp, err := l.streamWithRetry(ctx, chatID, service, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryableError(err) {
			return nil, err
		}
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Provider profile failed, trying next")
	}

	return nil, fmt.Errorf("all provider profiles failed: %w", lastErr)
}

// streamWithRetry runs one provider's streamed completion with exponential
// backoff, publishing retry events and classified chunk events. The
// thinking boundary is announced once, at the first non-thinking chunk
// after thinking output.
func (l *Loop) streamWithRetry(ctx context.Context, chatID string, service CompletionService, req Request) (*Response, error) {
	logger := tracing.LoggerFromContext(ctx, l.logger)
	var lastErr error

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		if attempt > 0 {
			delay := l.retryDelay * time.Duration(1<<(attempt-1))
			observability.RecordProviderRetry(service.Provider())
			l.publish(chatID, stream.Event{
				Type:    stream.EventRetry,
				Success: true,
				Data: map[string]interface{}{
					"attempt":  attempt,
					"delay_ms": delay.Milliseconds(),
					"reason":   lastErr.Error(),
				},
			})
			logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying completion")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		sawThinking := false
		boundaryAnnounced := false

		resp, err := service.Stream(ctx, req, func(chunk Chunk) {
			switch chunk.Type {
			case ChunkThinking:
				sawThinking = true
				l.publish(chatID, stream.ThinkingEvent(chunk.Text))
			case ChunkContent:
				// The boundary marker is tied to text output: a completion
				// that thinks and then returns only tool calls announces no
				// thinking_complete, the tool_calls event marks the switch.
				if sawThinking && !boundaryAnnounced {
					boundaryAnnounced = true
					l.publish(chatID, stream.StatusEvent("thinking_complete"))
				}
				l.publish(chatID, stream.ContentEvent(chunk.Text))
			}
		})
		if err == nil {
			observability.RecordAgentRun(service.Provider(), "success", time.Since(start))
			return resp, nil
		}

		observability.RecordAgentRun(service.Provider(), "failure", time.Since(start))
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryableError(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", l.maxRetries, lastErr)
}

// resolveAgent picks the team and entry agent for a run. A non-empty
// agentID selects that member instead of the team's entry agent; an unknown
// or unset team falls back to a single general-purpose agent on the default
// model.
func (l *Loop) resolveAgent(teamName, agentID string) (*team.Team, team.AgentSpec) {
	if l.teams != nil && teamName != "" {
		if t, ok := l.teams.Get(teamName); ok {
			if agentID != "" {
				if member, ok := t.Agent(agentID); ok {
					return &t, member
				}
				l.logger.Warn().
					Str("team", teamName).
					Str("agent_id", agentID).
					Msg("Unknown agent in team, using entry agent")
			}
			return &t, t.EntryAgent()
		}
		l.logger.Warn().Str("team", teamName).Msg("Unknown team, using default agent")
	}

	id := agentID
	if id == "" {
		id = "assistant"
	}
	return nil, team.AgentSpec{
		ID:    id,
		Name:  "Assistant",
		Role:  team.RoleGeneral,
		Model: l.defaultModel,
	}
}

// resolveHandoff validates a handoff target against the team's edges.
func (l *Loop) resolveHandoff(currentTeam *team.Team, from team.AgentSpec, target string) (team.AgentSpec, error) {
	if currentTeam == nil {
		return team.AgentSpec{}, fmt.Errorf("agent %s requested handoff to %s but the run has no team", from.ID, target)
	}
	if !currentTeam.CanHandoff(from.ID, target) {
		return team.AgentSpec{}, fmt.Errorf("handoff from %s to %s is not allowed", from.ID, target)
	}
	next, ok := currentTeam.Agent(target)
	if !ok {
		return team.AgentSpec{}, fmt.Errorf("handoff target %s not found", target)
	}
	return next, nil
}

func (l *Loop) buildRequest(agent team.AgentSpec, model string, messages []Message) Request {
	systemPrompt := agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	defs := l.tools.Definitions()
	if len(agent.Tools) > 0 {
		allowed := make(map[string]bool, len(agent.Tools))
		for _, name := range agent.Tools {
			allowed[name] = true
		}
		filtered := defs[:0]
		for _, def := range defs {
			if allowed[def.Name] {
				filtered = append(filtered, def)
			}
		}
		defs = filtered
	}

	return Request{
		Model:        model,
		Messages:     messages,
		SystemPrompt: systemPrompt,
		Temperature:  agent.Temperature,
		MaxTokens:    agent.MaxTokens,
		Tools:        defs,
	}
}

func (l *Loop) modelFor(agent team.AgentSpec) string {
	if agent.Model != "" {
		return agent.Model
	}
	return l.defaultModel
}

// publish delivers an event to the session stream, tolerating a stream
// that the consumer side already tore down.
func (l *Loop) publish(chatID string, event stream.Event) {
	if err := l.broker.Publish(chatID, event); err != nil {
		l.logger.Debug().Str("chat_id", chatID).Err(err).Msg("Stream publish dropped")
	}
}

func (l *Loop) appendScratchpad(ctx context.Context, conversationID string, entry convstore.ScratchpadEntry) {
	if err := l.store.AppendScratchpad(ctx, conversationID, entry); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to append scratchpad entry")
	}
}

// appendToolRound records one generate/execute round as a scratchpad step:
// the agent's thought, the tool calls it chose and what they returned.
func (l *Loop) appendToolRound(ctx context.Context, conversationID, agentID, thought string, calls []toolrunner.ToolCall, results []toolrunner.ToolMessage) {
	called := make([]map[string]interface{}, 0, len(calls))
	for _, call := range calls {
		called = append(called, map[string]interface{}{
			"tool": call.Name,
			"args": call.Arguments,
		})
	}
	observed := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		observed = append(observed, map[string]interface{}{
			"tool":    res.Name,
			"success": res.Success,
			"content": res.Content,
		})
	}

	action, err := json.Marshal(called)
	if err != nil {
		return
	}
	observation, err := json.Marshal(observed)
	if err != nil {
		return
	}

	l.appendScratchpad(ctx, conversationID, convstore.ScratchpadEntry{
		AgentID:     agentID,
		Thought:     thought,
		Action:      string(action),
		Observation: string(observation),
	})
}
