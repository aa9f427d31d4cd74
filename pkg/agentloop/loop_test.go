package agentloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/idham/relay/pkg/convstore"
	"github.com/idham/relay/pkg/registry"
	"github.com/idham/relay/pkg/stream"
	"github.com/idham/relay/pkg/team"
	"github.com/idham/relay/pkg/toolrunner"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedStep struct {
	chunks           []Chunk
	resp             *Response
	err              error
	blockUntilCancel bool
}

type fakeService struct {
	mu       sync.Mutex
	steps    []scriptedStep
	requests []Request
}

func (f *fakeService) Provider() string { return "fake" }

func (f *fakeService) Stream(ctx context.Context, req Request, onChunk ChunkHandler) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if len(f.steps) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no scripted steps left")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	f.mu.Unlock()

	if step.blockUntilCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, chunk := range step.chunks {
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return step.resp, step.err
}

func (f *fakeService) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeService) request(i int) Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type fakeFactory struct {
	service CompletionService
}

func (f *fakeFactory) NewService(profile Profile) (CompletionService, error) {
	return f.service, nil
}

type loopEnv struct {
	loop   *Loop
	broker *stream.Broker
	reg    *registry.Registry
	store  *convstore.Store
	runner *toolrunner.Runner
}

func newLoopEnv(t *testing.T, svc CompletionService, mutate func(*Config)) *loopEnv {
	t.Helper()

	store, err := convstore.New(convstore.Config{
		Path:   filepath.Join(t.TempDir(), "relay.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New(0, 0)
	broker := stream.NewBroker(0)
	runner := toolrunner.New(toolrunner.Config{
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		Logger:     zerolog.Nop(),
	})

	cfg := Config{
		Registry:      reg,
		Broker:        broker,
		Store:         store,
		Tools:         runner,
		Factory:       &fakeFactory{service: svc},
		Profiles:      []Profile{{ID: "p1", Provider: "fake", APIKey: "k"}},
		MaxIterations: 5,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		DefaultModel:  "test-model",
		Logger:        zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	loop, err := New(cfg)
	require.NoError(t, err)

	return &loopEnv{loop: loop, broker: broker, reg: reg, store: store, runner: runner}
}

// runAndCollect subscribes before running so every event is observed, then
// returns the run outcome and the full event sequence.
func (e *loopEnv) runAndCollect(t *testing.T, ctx context.Context, params RunParams) (RunResult, error, []stream.Event) {
	t.Helper()

	require.NoError(t, e.broker.CreateStream(params.ChatID, params.Query))
	ch, err := e.broker.Subscribe(context.Background(), params.ChatID)
	require.NoError(t, err)

	var events []stream.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			events = append(events, ev)
		}
	}()

	result, runErr := e.loop.Run(ctx, params)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not close")
	}
	return result, runErr, events
}

func eventTypes(events []stream.Event) []stream.EventType {
	types := make([]stream.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func countType(events []stream.Event, typ stream.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestLoop_PlainAnswer(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{
			chunks: []Chunk{
				{Type: ChunkContent, Text: "It is "},
				{Type: ChunkContent, Text: "sunny."},
			},
			resp: &Response{Content: "It is sunny.", Usage: &TokenUsage{InputTokens: 10, OutputTokens: 4}},
		},
	}}
	env := newLoopEnv(t, svc, nil)

	result, err, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "weather?",
	})
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", result.Answer)
	assert.Equal(t, 10, result.Usage.InputTokens)

	// Ordered: status, content deltas, usage, terminal complete.
	assert.Equal(t, 2, countType(events, stream.EventContent))
	assert.Equal(t, 1, countType(events, stream.EventComplete))
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventComplete, events[len(events)-1].Type)

	// Registry entry cleared on exit.
	assert.Equal(t, 0, env.reg.SessionCount())

	// History carries the synthesized system turn plus both real turns.
	history, err := env.store.History(context.Background(), "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "system", history[0].Role)
	assert.Equal(t, "user", history[1].Role)
	assert.Equal(t, "assistant", history[2].Role)
	assert.Equal(t, "It is sunny.", history[2].Content)
}

func TestLoop_SystemMessagePersistedOnce(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{resp: &Response{Content: "First answer."}},
		{resp: &Response{Content: "Second answer."}},
	}}
	env := newLoopEnv(t, svc, nil)

	_, err, _ := env.runAndCollect(t, context.Background(), RunParams{
		ChatID:         "chat-1",
		ConversationID: "conv-1",
		Query:          "first?",
	})
	require.NoError(t, err)

	_, err, _ = env.runAndCollect(t, context.Background(), RunParams{
		ChatID:         "chat-2",
		ConversationID: "conv-1",
		Query:          "second?",
	})
	require.NoError(t, err)

	history, err := env.store.History(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "system", history[0].Role)

	systemCount := 0
	for _, msg := range history {
		if msg.Role == "system" {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount, "second run must reuse the persisted system message")
}

func TestLoop_ToolRound(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{resp: &Response{
			ToolCalls: []toolrunner.ToolCall{
				{ID: "call-1", Name: "get_weather", Arguments: `{"city":"Jakarta"}`},
			},
			Usage: &TokenUsage{InputTokens: 5, OutputTokens: 2},
		}},
		{resp: &Response{Content: "Sunny in Jakarta.", Usage: &TokenUsage{InputTokens: 8, OutputTokens: 3}}},
	}}
	env := newLoopEnv(t, svc, nil)
	require.NoError(t, env.runner.Register(toolrunner.ToolDefinition{
		Name:        "get_weather",
		Description: "Fetches the weather",
		Parameters: []toolrunner.ToolParameter{
			{Name: "city", Type: "string", Description: "City name", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "sunny", nil
		},
	}))

	result, err, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "weather in Jakarta?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Sunny in Jakarta.", result.Answer)
	// Usage accumulated across both completions.
	assert.Equal(t, 13, result.Usage.InputTokens)

	assert.Equal(t, 1, countType(events, stream.EventToolCalls))
	assert.Equal(t, 1, countType(events, stream.EventComplete))

	// The second request carries the tool result message.
	require.Equal(t, 2, svc.requestCount())
	second := svc.request(1)
	var sawToolMsg bool
	for _, msg := range second.Messages {
		if msg.Role == "tool" && msg.ToolCallID == "call-1" {
			sawToolMsg = true
			assert.Equal(t, "sunny", msg.Content)
		}
	}
	assert.True(t, sawToolMsg)
}

func TestLoop_ThinkingBoundaryAnnouncedOnce(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{
			chunks: []Chunk{
				{Type: ChunkThinking, Text: "hmm"},
				{Type: ChunkThinking, Text: "let me think"},
				{Type: ChunkContent, Text: "Answer "},
				{Type: ChunkContent, Text: "here."},
			},
			resp: &Response{Content: "Answer here."},
		},
	}}
	env := newLoopEnv(t, svc, nil)

	_, err, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "q",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, countType(events, stream.EventThinking))
	assert.Equal(t, 2, countType(events, stream.EventContent))

	boundaries := 0
	for _, ev := range events {
		if ev.Type == stream.EventStatus && ev.Data["message"] == "thinking_complete" {
			boundaries++
		}
	}
	assert.Equal(t, 1, boundaries, "thinking boundary must be announced exactly once: %v", eventTypes(events))
}

func TestLoop_ThinkingThenToolCallsOmitsBoundary(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{
			chunks: []Chunk{
				{Type: ChunkThinking, Text: "checking"},
				{Type: ChunkThinking, Text: "the forecast"},
			},
			resp: &Response{
				ToolCalls: []toolrunner.ToolCall{
					{ID: "call-1", Name: "noop", Arguments: `{}`},
				},
			},
		},
		{resp: &Response{Content: "Done."}},
	}}
	env := newLoopEnv(t, svc, nil)
	require.NoError(t, env.runner.Register(toolrunner.ToolDefinition{
		Name:        "noop",
		Description: "Does nothing",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}))

	_, err, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "q",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, countType(events, stream.EventThinking))
	assert.Equal(t, 1, countType(events, stream.EventToolCalls))

	// No text followed the thinking, so no boundary marker: the tool_calls
	// event is what signals the switch.
	for _, ev := range events {
		if ev.Type == stream.EventStatus {
			assert.NotEqual(t, "thinking_complete", ev.Data["message"])
		}
	}
}

func TestLoop_IterationBudgetForcesAnswer(t *testing.T) {
	toolResp := scriptedStep{resp: &Response{
		ToolCalls: []toolrunner.ToolCall{{ID: "c", Name: "noop", Arguments: `{}`}},
	}}
	svc := &fakeService{steps: []scriptedStep{
		toolResp, toolResp,
		{resp: &Response{Content: "Best effort answer."}},
	}}
	env := newLoopEnv(t, svc, func(cfg *Config) {
		cfg.MaxIterations = 2
	})
	require.NoError(t, env.runner.Register(toolrunner.ToolDefinition{
		Name:        "noop",
		Description: "Does nothing",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}))

	result, err, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "q",
	})
	require.NoError(t, err)
	assert.Equal(t, "Best effort answer.", result.Answer)
	assert.Equal(t, 1, countType(events, stream.EventComplete))

	// The forced final completion must withhold tools.
	require.Equal(t, 3, svc.requestCount())
	assert.NotEmpty(t, svc.request(0).Tools)
	assert.Empty(t, svc.request(2).Tools)
}

func TestLoop_RunOverrides(t *testing.T) {
	t.Run("model override wins over default", func(t *testing.T) {
		svc := &fakeService{steps: []scriptedStep{
			{resp: &Response{Content: "ok"}},
		}}
		env := newLoopEnv(t, svc, nil)

		_, err, _ := env.runAndCollect(t, context.Background(), RunParams{
			ChatID: "chat-1",
			Query:  "q",
			Model:  "gpt-5",
		})
		require.NoError(t, err)

		require.Equal(t, 1, svc.requestCount())
		assert.Equal(t, "gpt-5", svc.request(0).Model)
	})

	t.Run("iteration count caps tool rounds", func(t *testing.T) {
		toolResp := scriptedStep{resp: &Response{
			ToolCalls: []toolrunner.ToolCall{{ID: "c", Name: "noop", Arguments: `{}`}},
		}}
		svc := &fakeService{steps: []scriptedStep{
			toolResp,
			{resp: &Response{Content: "Forced answer."}},
		}}
		env := newLoopEnv(t, svc, nil)
		require.NoError(t, env.runner.Register(toolrunner.ToolDefinition{
			Name:        "noop",
			Description: "Does nothing",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return "ok", nil
			},
		}))

		result, err, _ := env.runAndCollect(t, context.Background(), RunParams{
			ChatID:         "chat-1",
			Query:          "q",
			IterationCount: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, "Forced answer.", result.Answer)

		// One tool round, then the forced completion without tools.
		require.Equal(t, 2, svc.requestCount())
		assert.Empty(t, svc.request(1).Tools)
	})
}

func TestLoop_TaggedToolThenAnswer(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{resp: &Response{Content: "<thinking>need data</thinking>\n<tool_name>noop</tool_name>\n<args>{}</args>"}},
		{resp: &Response{Content: "<final_answer>Done.</final_answer>"}},
	}}
	env := newLoopEnv(t, svc, nil)
	require.NoError(t, env.runner.Register(toolrunner.ToolDefinition{
		Name:        "noop",
		Description: "Does nothing",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}))

	result, err, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "q",
	})
	require.NoError(t, err)
	assert.Equal(t, "Done.", result.Answer)
	assert.Equal(t, 1, countType(events, stream.EventToolCalls))
	assert.GreaterOrEqual(t, countType(events, stream.EventThinking), 1)
}

func TestLoop_MalformedActionFailsClosed(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{resp: &Response{Content: "<tool_name>x</tool_name><final_answer>y</final_answer>"}},
	}}
	env := newLoopEnv(t, svc, nil)

	_, err, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "q",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedAction)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	assert.False(t, last.Success)
}

func TestLoop_Handoff(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{resp: &Response{Content: "<handoff>researcher</handoff>"}},
		{resp: &Response{Content: "Research complete."}},
	}}
	teamsDir := t.TempDir()
	writeTeam(t, teamsDir, "support.yaml", `
name: support
entry: captain
agents:
  - id: captain
    name: Captain
    role: captain
    model: gpt-4o
    handoffs: [researcher]
  - id: researcher
    name: Researcher
    role: executor
    model: gpt-4o-mini
`)
	teams, err := team.NewRegistry(teamsDir, zerolog.Nop())
	require.NoError(t, err)

	env := newLoopEnv(t, svc, func(cfg *Config) {
		cfg.Teams = teams
	})

	result, runErr, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "q",
		Team:   "support",
	})
	require.NoError(t, runErr)
	assert.Equal(t, "Research complete.", result.Answer)

	var sawHandoff bool
	for _, ev := range events {
		if ev.Type == stream.EventStatus && ev.Data["message"] == "handoff" {
			sawHandoff = true
			assert.Equal(t, "captain", ev.Data["from"])
			assert.Equal(t, "researcher", ev.Data["to"])
		}
	}
	assert.True(t, sawHandoff)

	// The researcher's model drives the second completion.
	require.Equal(t, 2, svc.requestCount())
	assert.Equal(t, "gpt-4o-mini", svc.request(1).Model)

	// The answer is attributed to the researcher.
	history, err := env.store.History(context.Background(), "chat-1", 0)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, "researcher", last.AgentID)
}

func TestLoop_AgentIDSelectsTeamMember(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{resp: &Response{Content: "Findings attached."}},
	}}
	teamsDir := t.TempDir()
	writeTeam(t, teamsDir, "support.yaml", `
name: support
entry: captain
agents:
  - id: captain
    name: Captain
    role: captain
    model: gpt-4o
    handoffs: [researcher]
  - id: researcher
    name: Researcher
    role: executor
    model: gpt-4o-mini
`)
	teams, err := team.NewRegistry(teamsDir, zerolog.Nop())
	require.NoError(t, err)

	env := newLoopEnv(t, svc, func(cfg *Config) {
		cfg.Teams = teams
	})

	// agent_id bypasses the entry agent and starts at the researcher.
	result, runErr, _ := env.runAndCollect(t, context.Background(), RunParams{
		ChatID:  "chat-1",
		Query:   "q",
		Team:    "support",
		AgentID: "researcher",
	})
	require.NoError(t, runErr)
	assert.Equal(t, "Findings attached.", result.Answer)

	require.Equal(t, 1, svc.requestCount())
	assert.Equal(t, "gpt-4o-mini", svc.request(0).Model)

	history, err := env.store.History(context.Background(), "chat-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "researcher", history[len(history)-1].AgentID)
}

func TestLoop_ScratchpadRecordsRounds(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{resp: &Response{
			Content: "Need the forecast first.",
			ToolCalls: []toolrunner.ToolCall{
				{ID: "call-1", Name: "get_weather", Arguments: `{"city":"Jakarta"}`},
			},
		}},
		{resp: &Response{Content: "Sunny."}},
	}}
	env := newLoopEnv(t, svc, nil)
	require.NoError(t, env.runner.Register(toolrunner.ToolDefinition{
		Name:        "get_weather",
		Description: "Fetches the weather",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "sunny", nil
		},
	}))

	_, err, _ := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "weather in Jakarta?",
	})
	require.NoError(t, err)

	entries, err := env.store.Scratchpad(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// First entry is the originating query.
	assert.True(t, entries[0].IsOriginQuery)
	assert.Equal(t, "weather in Jakarta?", entries[0].Thought)

	// The tool round keeps the full thought/action/observation step.
	round := entries[1]
	assert.False(t, round.IsOriginQuery)
	assert.Equal(t, "Need the forecast first.", round.Thought)
	assert.Contains(t, round.Action, "get_weather")
	assert.Contains(t, round.Observation, `"success":true`)
	assert.Contains(t, round.Observation, "sunny")
}

func TestLoop_DisallowedHandoffFails(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{resp: &Response{Content: "<handoff>captain</handoff>"}},
	}}
	teamsDir := t.TempDir()
	writeTeam(t, teamsDir, "support.yaml", `
name: support
entry: captain
agents:
  - id: captain
    name: Captain
    role: captain
    model: m
    handoffs: [researcher]
  - id: researcher
    name: Researcher
    role: executor
    model: m
`)
	teams, err := team.NewRegistry(teamsDir, zerolog.Nop())
	require.NoError(t, err)

	env := newLoopEnv(t, svc, func(cfg *Config) {
		cfg.Teams = teams
	})

	// The captain tries to hand off to itself, which has no edge.
	_, runErr, _ := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "q",
		Team:   "support",
	})
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "not allowed")
}

func TestLoop_RetryOnTransientError(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{err: errors.New("429 rate limit exceeded")},
		{resp: &Response{Content: "Recovered."}},
	}}
	env := newLoopEnv(t, svc, nil)

	result, err, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "q",
	})
	require.NoError(t, err)
	assert.Equal(t, "Recovered.", result.Answer)
	assert.Equal(t, 1, countType(events, stream.EventRetry))
}

func TestLoop_PermanentProviderErrorFails(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{err: errors.New("invalid api key")},
	}}
	env := newLoopEnv(t, svc, nil)

	_, err, events := env.runAndCollect(t, context.Background(), RunParams{
		ChatID: "chat-1",
		Query:  "q",
	})
	require.Error(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventError, events[len(events)-1].Type)
	assert.Equal(t, 0, env.reg.SessionCount())
}

func TestLoop_CancelDuringGeneration(t *testing.T) {
	svc := &fakeService{steps: []scriptedStep{
		{blockUntilCancel: true},
	}}
	env := newLoopEnv(t, svc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err, events := env.runAndCollect(t, ctx, RunParams{
		ChatID: "chat-1",
		Query:  "q",
	})
	require.ErrorIs(t, err, context.Canceled)

	// A stopped run still terminates its stream with complete.
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventComplete, last.Type)
	assert.Equal(t, true, last.Data["stopped"])
	assert.Equal(t, 0, env.reg.SessionCount())
}

func writeTeam(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
