package failover

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/types"
)

// ErrInvalidResponse 响应为空或包含异常标记
var ErrInvalidResponse = types.NewError(types.ErrInvalidResponse, "invalid model response")

// malformedMarkers 模型把内部格式泄漏到正文中时常见的片段
var malformedMarkers = []string{
	"<|im_start|>",
	"<|im_end|>",
	"<|endoftext|>",
	"<tool_call>",
	"</tool_call>",
	"<function_calls>",
	"<invoke name=",
}

// Validate 检查响应非空且不含异常标记
func Validate(resp *llm.ChatResponse) error {
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	msg := choice.Message

	if strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 {
		return fmt.Errorf("%w: empty content and no tool calls", ErrInvalidResponse)
	}
	for _, marker := range malformedMarkers {
		if strings.Contains(msg.Content, marker) {
			return fmt.Errorf("%w: content contains %q", ErrInvalidResponse, marker)
		}
	}
	for _, tc := range msg.ToolCalls {
		if strings.TrimSpace(tc.Name) == "" {
			return fmt.Errorf("%w: tool call %q has no name", ErrInvalidResponse, tc.ID)
		}
	}
	return nil
}
