package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/llm/failover"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return New(Config{
		ProviderName:    "test",
		APIKey:          "test-key",
		BaseURL:         server.URL,
		DefaultModel:    "default-model",
		CostPer1KTokens: 2,
	}, nil)
}

func TestFromEndpoint(t *testing.T) {
	cfg := FromEndpoint(config.LLMEndpoint{
		Provider: "deepseek", Model: "deepseek-chat", BaseURL: "https://api.deepseek.com",
		APIKey: "k", Timeout: 45 * time.Second, CostPer1KTokens: 0.5,
	})
	assert.Equal(t, "deepseek", cfg.ProviderName)
	assert.Equal(t, "deepseek-chat", cfg.DefaultModel)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.InDelta(t, 0.5, cfg.CostPer1KTokens, 1e-9)

	p := New(Config{ProviderName: "x"}, nil)
	assert.Equal(t, "/v1/chat/completions", p.cfg.EndpointPath)
	assert.Equal(t, 30*time.Second, p.client.Timeout)
}

func TestCompletion_Success(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "default-model", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "auto", body.ToolChoice)
		require.Len(t, body.Tools, 1)
		assert.Equal(t, "search", body.Tools[0].Function.Name)
		// 历史中的工具参数以字符串形式发出
		assert.JSONEq(t, `"{\"q\":\"go\"}"`, string(body.Messages[1].ToolCalls[0].Function.Arguments))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "resp-1", "model": "default-model", "created": 1700000000,
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "looking",
				"tool_calls": [{"id": "c1", "type": "function", "function": {"name": "search", "arguments": "{\"q\":\"redis\"}"}}]
			}}],
			"usage": {"prompt_tokens": 300, "completion_tokens": 200, "total_tokens": 500}
		}`)
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "find"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c0", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)}}},
		},
		Tools:      []llm.ToolSchema{{Name: "search", Parameters: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice: "auto",
	})
	require.NoError(t, err)
	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, "test", resp.Provider)
	assert.Equal(t, time.Unix(1700000000, 0), resp.CreatedAt)

	msg := llm.AssistantMessage(resp)
	assert.Equal(t, "looking", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.JSONEq(t, `{"q":"redis"}`, string(msg.ToolCalls[0].Arguments))
	assert.Equal(t, 500, resp.Usage.TotalTokens)
	assert.InDelta(t, 1.0, resp.Usage.Cost, 1e-9)
}

func TestCompletion_HTTPErrors(t *testing.T) {
	tests := []struct {
		status    int
		code      llm.ErrorCode
		retryable bool
	}{
		{status: http.StatusUnauthorized, code: llm.ErrUnauthorized},
		{status: http.StatusBadRequest, code: llm.ErrInvalidRequest},
		{status: http.StatusTooManyRequests, code: llm.ErrRateLimited, retryable: true},
		{status: http.StatusServiceUnavailable, code: llm.ErrModelOverloaded, retryable: true},
		{status: http.StatusInternalServerError, code: llm.ErrUpstreamError, retryable: true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"test_error"}}`)
			})
			_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
			require.Error(t, err)

			var le *llm.Error
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.code, le.Code)
			assert.Equal(t, tt.retryable, le.Retryable)
			assert.Equal(t, tt.status, le.HTTPStatus)
			assert.Equal(t, "nope (type: test_error)", le.Message)
		})
	}
}

func TestCompletion_MalformedBody(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{not json`)
	})
	_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
	var le *llm.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, llm.ErrMalformedResponse, le.Code)
}

func TestStream_ToolCallsByIndex(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search","arguments":""}}]}}]}`,
			`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"sleep","arguments":"{}"}}]}}]}`,
			`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
			`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
			`{"id":"s1","model":"m","choices":[{"index":0,"finish_reason":"tool_calls","delta":{}}]}`,
			`{"id":"s1","model":"m","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":40,"total_tokens":50}}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)
	resp, err := failover.Accumulate(context.Background(), ch, nil, nil)
	require.NoError(t, err)

	msg := llm.AssistantMessage(resp)
	assert.Equal(t, "Hello", msg.Content)
	require.Len(t, msg.ToolCalls, 2)
	assert.Equal(t, "call_a", msg.ToolCalls[0].ID)
	assert.JSONEq(t, `{"q":"go"}`, string(msg.ToolCalls[0].Arguments))
	assert.Equal(t, "sleep", msg.ToolCalls[1].Name)
	assert.JSONEq(t, `{}`, string(msg.ToolCalls[1].Arguments))
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	assert.Equal(t, 50, resp.Usage.TotalTokens)
	assert.InDelta(t, 0.1, resp.Usage.Cost, 1e-9)
}

func TestStream_OpenError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	assert.True(t, llm.IsRetryable(err))
}

func TestStream_BadChunk(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\ndata: {broken\n\n")
	})
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)
	_, err = failover.Accumulate(context.Background(), ch, nil, nil)
	var le *llm.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, llm.ErrUpstreamError, le.Code)
}
