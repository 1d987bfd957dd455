package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstChoice(t *testing.T) {
	tests := []struct {
		name    string
		resp    *ChatResponse
		wantErr bool
		errMsg  string
	}{
		{name: "nil response", resp: nil, wantErr: true, errMsg: "nil ChatResponse"},
		{name: "empty choices", resp: &ChatResponse{Choices: []ChatChoice{}}, wantErr: true, errMsg: "empty choices"},
		{
			name: "multiple choices returns first",
			resp: &ChatResponse{
				Choices: []ChatChoice{
					{Index: 0, Message: Message{Content: "first"}},
					{Index: 1, Message: Message{Content: "second"}},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			choice, err := FirstChoice(tt.resp)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Equal(t, RoleAssistant, AssistantMessage(tt.resp).Role)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.resp.Choices[0], choice)
			assert.Equal(t, "first", AssistantMessage(tt.resp).Content)
		})
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status    int
		code      ErrorCode
		retryable bool
	}{
		{401, ErrUnauthorized, false},
		{402, ErrQuotaExceeded, false},
		{400, ErrInvalidRequest, false},
		{429, ErrRateLimited, true},
		{504, ErrUpstreamTimeout, true},
		{503, ErrModelOverloaded, true},
		{500, ErrUpstreamError, true},
		{302, ErrUpstreamError, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			e := StatusError("p1", tt.status, "boom")
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(fmt.Errorf("wrapped: %w", e)))
			assert.Contains(t, e.Error(), "p1")
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))

	cause := errors.New("conn reset")
	e := &Error{Code: ErrUpstreamError, Message: "x", Retryable: true, Cause: cause}
	assert.ErrorIs(t, e, cause)
}

func TestChatUsage_Add(t *testing.T) {
	u := ChatUsage{PromptTokens: 1, Cost: 0.5}
	u.Add(ChatUsage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5, Cost: 1.25})
	assert.Equal(t, ChatUsage{PromptTokens: 3, CompletionTokens: 3, TotalTokens: 5, Cost: 1.75}, u)
}
