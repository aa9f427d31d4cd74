package agentloop

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/idham/relay/pkg/toolrunner"
)

// AnthropicService implements CompletionService for Anthropic Claude.
type AnthropicService struct {
	client anthropic.Client
}

// NewAnthropicService creates a new Anthropic completion service.
func NewAnthropicService(apiKey string) *AnthropicService {
	return &AnthropicService{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Provider returns the provider name.
func (s *AnthropicService) Provider() string {
	return "anthropic"
}

// Stream makes a streaming API call to Anthropic Claude.
func (s *AnthropicService) Stream(ctx context.Context, req Request, onChunk ChunkHandler) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = 4096
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}

	streaming := s.client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}

	for streaming.Next() {
		event := streaming.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, err
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onChunk != nil && delta.Text != "" {
					onChunk(Chunk{Type: ChunkContent, Text: delta.Text})
				}
			case anthropic.ThinkingDelta:
				if onChunk != nil && delta.Thinking != "" {
					onChunk(Chunk{Type: ChunkThinking, Text: delta.Thinking})
				}
			}
		}
	}
	if err := streaming.Err(); err != nil {
		return nil, err
	}

	content := ""
	toolCalls := []toolrunner.ToolCall{}
	for _, block := range acc.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, toolrunner.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.JSON.Input.Raw(),
			})
		}
	}

	return &Response{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(acc.Usage.InputTokens),
			OutputTokens: int(acc.Usage.OutputTokens),
		},
	}, nil
}

// convertAnthropicMessages converts conversation messages to the Anthropic
// wire shape. System messages are handled separately.
func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := []anthropic.MessageParam{}

	for _, msg := range messages {
		switch {
		case msg.Role == "system":
			continue

		case msg.Role == "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(tc.Arguments), tc.Name))
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case msg.Role == "assistant":
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})

		default:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	return out
}

func convertAnthropicTools(defs []toolrunner.ToolDefinition) []anthropic.ToolUnionParam {
	tools := []anthropic.ToolUnionParam{}
	for _, def := range defs {
		schema := toolInputSchema(def)

		toolParam := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}
		if required, ok := schema["required"].([]string); ok {
			toolParam.InputSchema.Required = required
		}

		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}
