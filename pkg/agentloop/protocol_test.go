package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction_ToolCall(t *testing.T) {
	action, err := ParseAction(`
<thinking>I should check the weather first.</thinking>
<tool_name>get_weather</tool_name>
<args>{"city": "Jakarta"}</args>
`)
	require.NoError(t, err)
	assert.Equal(t, "I should check the weather first.", action.Thinking)
	assert.Equal(t, "get_weather", action.ToolName)
	assert.JSONEq(t, `{"city": "Jakarta"}`, action.Args)
	assert.Empty(t, action.Handoff)
	assert.Empty(t, action.FinalAnswer)
}

func TestParseAction_ToolCallWithoutArgs(t *testing.T) {
	action, err := ParseAction(`<tool_name>list_files</tool_name>`)
	require.NoError(t, err)
	assert.Equal(t, "list_files", action.ToolName)
	assert.Equal(t, "{}", action.Args)
}

func TestParseAction_FinalAnswer(t *testing.T) {
	action, err := ParseAction(`<final_answer>It is sunny in Jakarta.</final_answer>`)
	require.NoError(t, err)
	assert.Equal(t, "It is sunny in Jakarta.", action.FinalAnswer)
	assert.Empty(t, action.ToolName)
}

func TestParseAction_Handoff(t *testing.T) {
	action, err := ParseAction(`
<thinking>This needs research.</thinking>
<handoff>researcher</handoff>
`)
	require.NoError(t, err)
	assert.Equal(t, "researcher", action.Handoff)
}

func TestParseAction_CDATA(t *testing.T) {
	action, err := ParseAction(`<final_answer><![CDATA[Use <b>bold</b> tags & raw text.]]></final_answer>`)
	require.NoError(t, err)
	assert.Equal(t, "Use <b>bold</b> tags & raw text.", action.FinalAnswer)
}

func TestParseAction_CDATAContainingClosingTag(t *testing.T) {
	action, err := ParseAction(`<args><![CDATA[{"snippet": "</args>"}]]></args><tool_name>write</tool_name>`)
	require.NoError(t, err)
	assert.Equal(t, "write", action.ToolName)
	assert.Contains(t, action.Args, "</args>")
}

func TestParseAction_FailClosed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no decision", `<thinking>hmm</thinking>`},
		{"two decisions", `<tool_name>x</tool_name><final_answer>y</final_answer>`},
		{"args without tool", `<args>{}</args>`},
		{"unknown tag", `<action>do it</action>`},
		{"duplicate tag", `<handoff>a</handoff><handoff>b</handoff>`},
		{"unclosed tag", `<final_answer>never closed`},
		{"text outside tags", `sure! <final_answer>hi</final_answer>`},
		{"nested markup", `<final_answer><b>hi</b></final_answer>`},
		{"unterminated cdata", `<final_answer><![CDATA[oops</final_answer>`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAction(tt.text)
			assert.ErrorIs(t, err, ErrMalformedAction)
		})
	}
}

func TestLooksLikeAction(t *testing.T) {
	assert.True(t, LooksLikeAction(`<final_answer>hi</final_answer>`))
	assert.True(t, LooksLikeAction(`<tool_name>x</tool_name>`))
	assert.False(t, LooksLikeAction("plain prose with < and > signs"))
	assert.False(t, LooksLikeAction("hello"))
}
