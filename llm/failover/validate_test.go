package failover

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/agentloop/llm"
)

func TestValidate(t *testing.T) {
	withMsg := func(m llm.Message) *llm.ChatResponse {
		return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: m}}}
	}

	tests := []struct {
		name  string
		resp  *llm.ChatResponse
		valid bool
	}{
		{name: "nil", resp: nil},
		{name: "no choices", resp: &llm.ChatResponse{}},
		{name: "blank", resp: withMsg(llm.Message{Content: "  \n"})},
		{name: "text", resp: withMsg(llm.Message{Content: "hello"}), valid: true},
		{name: "tool only", resp: withMsg(llm.Message{ToolCalls: []llm.ToolCall{{ID: "1", Name: "sleep"}}}), valid: true},
		{name: "unnamed tool", resp: withMsg(llm.Message{ToolCalls: []llm.ToolCall{{ID: "1"}}})},
		{name: "chatml leak", resp: withMsg(llm.Message{Content: "ok <|im_end|>"})},
		{name: "xml tool leak", resp: withMsg(llm.Message{Content: "<tool_call>{}</tool_call>"})},
		{name: "function calls leak", resp: withMsg(llm.Message{Content: "<function_calls><invoke name=\"x\">"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.resp)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidResponse)
		})
	}
}
