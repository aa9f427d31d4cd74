package toolrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/idham/relay/internal/observability"
	"github.com/idham/relay/internal/tracing"
	"github.com/idham/relay/pkg/convstore"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const (
	// DefaultMaxRetries is how many times a failing tool call is retried.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the base delay before the first retry; subsequent
	// retries back off exponentially.
	DefaultRetryDelay = time.Second

	// DefaultTimeout bounds a single tool handler invocation.
	DefaultTimeout = 30 * time.Second

	// maxOutputSize caps the content placed on a tool message.
	maxOutputSize = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolCall is one tool invocation requested by a model response.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolMessage is the result of one tool call, keyed by the requesting
// call's id. Failed calls carry the error text as content so the model can
// react to it.
type ToolMessage struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
}

// UsageRecorder persists tool invocations for later inspection.
type UsageRecorder interface {
	RecordToolUsage(ctx context.Context, conversationID string, usage convstore.ToolUsage) error
}

// Config holds runner configuration.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt, so a
	// call runs at most MaxRetries+1 times.
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	Usage      UsageRecorder
	Logger     zerolog.Logger

	// OnRetry, when set, is invoked before each retry attempt.
	OnRetry func(toolName string, attempt int, err error)
}

// Runner validates and executes the tool calls a model response requests.
type Runner struct {
	tools      map[string]*ToolDefinition
	schemas    map[string]*gojsonschema.Schema
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	usage      UsageRecorder
	onRetry    func(toolName string, attempt int, err error)
	logger     zerolog.Logger
	mu         sync.RWMutex
}

// New creates a tool runner.
func New(cfg Config) *Runner {
	observability.EnsureRegistered()

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Runner{
		tools:      make(map[string]*ToolDefinition),
		schemas:    make(map[string]*gojsonschema.Schema),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.Timeout,
		usage:      cfg.Usage,
		onRetry:    cfg.OnRetry,
		logger:     cfg.Logger,
	}
}

// Register registers a tool.
func (r *Runner) Register(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	r.logger.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Definitions returns the registered tools, for building provider requests.
func (r *Runner) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, *def)
	}
	return defs
}

// Has reports whether a tool is registered.
func (r *Runner) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// ExecuteAll runs every tool call from one model response and returns
// exactly one message per call, in request order. A failing call never
// aborts the batch; its message carries the error instead.
func (r *Runner) ExecuteAll(ctx context.Context, conversationID string, calls []ToolCall) []ToolMessage {
	messages := make([]ToolMessage, 0, len(calls))
	for _, call := range calls {
		messages = append(messages, r.executeOne(ctx, conversationID, call))
	}
	return messages
}

// executeOne runs a single call with retries on handler failure. Unknown
// tools and argument validation failures are permanent and never retried.
func (r *Runner) executeOne(ctx context.Context, conversationID string, call ToolCall) ToolMessage {
	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()

	r.mu.RLock()
	tool := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if tool == nil {
		logger.Error().Str("tool", call.Name).Msg("Tool not found")
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		return r.finish(ctx, conversationID, call, start, "", fmt.Errorf("tool not found: %s", call.Name))
	}

	params, err := parseArguments(call.Arguments)
	if err != nil {
		logger.Error().Str("tool", call.Name).Err(err).Msg("Malformed tool arguments")
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		return r.finish(ctx, conversationID, call, start, "", fmt.Errorf("malformed arguments: %w", err))
	}

	if err := validateParameters(schema, params); err != nil {
		logger.Error().Str("tool", call.Name).Err(err).Msg("Parameter validation failed")
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		return r.finish(ctx, conversationID, call, start, "", fmt.Errorf("parameter validation failed: %w", err))
	}

	var output interface{}
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryDelay * time.Duration(1<<(attempt-1))
			observability.RecordToolRetry(call.Name)
			if r.onRetry != nil {
				r.onRetry(call.Name, attempt, lastErr)
			}
			logger.Warn().
				Str("tool", call.Name).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying tool execution")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
			if ctx.Err() != nil {
				break
			}
		}

		output, lastErr = r.invoke(ctx, tool, params)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			// Cancelled mid-call; do not retry.
			break
		}
	}

	duration := time.Since(start)
	observability.RecordToolExecution(call.Name, duration, lastErr == nil)

	if lastErr != nil {
		logger.Error().
			Str("tool", call.Name).
			Dur("duration", duration).
			Err(lastErr).
			Msg("Tool execution failed")
		return r.finish(ctx, conversationID, call, start, "", lastErr)
	}

	content, truncated := renderOutput(output)
	logger.Debug().
		Str("tool", call.Name).
		Dur("duration", duration).
		Bool("truncated", truncated).
		Msg("Tool execution completed")
	return r.finish(ctx, conversationID, call, start, content, nil)
}

// invoke runs the handler under the per-call timeout.
func (r *Runner) invoke(ctx context.Context, tool *ToolDefinition, params map[string]interface{}) (interface{}, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errChan <- fmt.Errorf("tool panicked: %v", rec)
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errChan:
		return nil, err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("tool execution timeout after %v", r.timeout)
	}
}

// finish builds the tool message and records usage. Persistence is
// fire-and-forget: a recorder failure or panic is logged and never reaches
// the caller.
func (r *Runner) finish(ctx context.Context, conversationID string, call ToolCall, start time.Time, content string, execErr error) ToolMessage {
	msg := ToolMessage{
		ToolCallID: call.ID,
		Name:       call.Name,
		Success:    execErr == nil,
	}
	if execErr != nil {
		msg.Content = fmt.Sprintf("Error: %s", execErr.Error())
	} else {
		msg.Content = content
	}

	if r.usage != nil && conversationID != "" {
		go r.recordUsage(conversationID, call, msg, time.Since(start))
	}

	return msg
}

func (r *Runner) recordUsage(conversationID string, call ToolCall, msg ToolMessage, duration time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("tool", call.Name).
				Interface("panic", rec).
				Msg("Tool usage recorder panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.usage.RecordToolUsage(ctx, conversationID, convstore.ToolUsage{
		ToolName:  call.Name,
		Arguments: call.Arguments,
		Result:    msg.Content,
		Success:   msg.Success,
		Duration:  duration,
	})
	if err != nil {
		r.logger.Warn().Str("tool", call.Name).Err(err).Msg("Failed to record tool usage")
	}
}

func parseArguments(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return params, nil
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema generates a JSON Schema from tool parameters
func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return nil, err
	}
	return schema, nil
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

// renderOutput stringifies a handler result for the tool message, capping
// its size.
func renderOutput(output interface{}) (string, bool) {
	var str string
	switch v := output.(type) {
	case nil:
		return "", false
	case string:
		str = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			str = fmt.Sprintf("%v", v)
		} else {
			str = string(encoded)
		}
	}

	if len(str) <= maxOutputSize {
		return str, false
	}
	return str[:maxOutputSize] + "\n... [output truncated]", true
}
