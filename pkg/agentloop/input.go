package agentloop

import (
	"context"
	"fmt"

	"github.com/idham/relay/internal/tracing"
	"github.com/idham/relay/pkg/registry"
	"github.com/idham/relay/pkg/stream"
	"github.com/idham/relay/pkg/toolrunner"
)

// AskUserTool builds the ask_user tool. Calling it publishes the question
// on the session stream and blocks until a value arrives through the
// user-input callback for the calling agent, or the call times out. The
// session and agent are resolved from the execution context.
func AskUserTool(reg *registry.Registry, broker *stream.Broker) toolrunner.ToolDefinition {
	return toolrunner.ToolDefinition{
		Name:        "ask_user",
		Description: "Ask the user a question and wait for their reply",
		Parameters: []toolrunner.ToolParameter{
			{Name: "question", Type: "string", Description: "The question to show the user", Required: true},
			{Name: "node_id", Type: "string", Description: "Identifier echoed back with the reply"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			question, _ := params["question"].(string)
			sessionID := tracing.GetChatID(ctx)
			agentID := tracing.GetAgentID(ctx)
			if sessionID == "" || agentID == "" {
				return nil, fmt.Errorf("ask_user called outside an agent run")
			}

			var inputCh chan registry.UserInput
			for _, instance := range reg.Get(sessionID) {
				if instance.AgentID == agentID {
					inputCh = instance.InputCh
					break
				}
			}
			if inputCh == nil {
				return nil, fmt.Errorf("agent %s is not registered for session %s", agentID, sessionID)
			}

			_ = broker.Publish(sessionID, stream.Event{
				Type:    stream.EventStatus,
				Success: true,
				Data: map[string]interface{}{
					"message":  "waiting_for_input",
					"question": question,
					"agent_id": agentID,
				},
			})

			select {
			case input := <-inputCh:
				return input.Value, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}
