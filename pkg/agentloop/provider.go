package agentloop

import (
	"context"
	"fmt"

	"github.com/idham/relay/pkg/toolrunner"
)

// Request contains the parameters for one streamed completion.
type Request struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Tools        []toolrunner.ToolDefinition
}

// Response is the accumulated result of one streamed completion.
type Response struct {
	Content   string
	ToolCalls []toolrunner.ToolCall
	Usage     *TokenUsage
}

// ChunkHandler receives streamed deltas as they arrive.
type ChunkHandler func(chunk Chunk)

// CompletionService streams one model completion, delivering deltas to the
// handler and returning the accumulated response.
type CompletionService interface {
	Stream(ctx context.Context, req Request, onChunk ChunkHandler) (*Response, error)

	// Provider returns the provider name.
	Provider() string
}

// ServiceCreator creates completion services from provider profiles.
type ServiceCreator interface {
	NewService(profile Profile) (CompletionService, error)
}

// ServiceFactory is the default ServiceCreator.
type ServiceFactory struct{}

// NewService creates a completion service for a profile.
func (f *ServiceFactory) NewService(profile Profile) (CompletionService, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicService(profile.APIKey), nil
	case "openai":
		return NewOpenAIService(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// toolInputSchema converts a tool definition's parameters to a JSON Schema
// map for provider requests.
func toolInputSchema(def toolrunner.ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		properties[param.Name] = map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
