package failover

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/llm"
)

func feed(chunks ...llm.StreamChunk) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestAccumulate_ToolCallFragments(t *testing.T) {
	resp, err := Accumulate(context.Background(), feed(
		llm.StreamChunk{Delta: llm.Message{ToolCalls: []llm.ToolCall{{ID: "a", Name: "first", Arguments: json.RawMessage(`{"x":1}`)}}}},
		llm.StreamChunk{Delta: llm.Message{ToolCalls: []llm.ToolCall{{ID: "b", Name: "second", Arguments: json.RawMessage(`"{\"y\""`)}}}},
		llm.StreamChunk{Delta: llm.Message{ToolCalls: []llm.ToolCall{{Arguments: json.RawMessage(`":2}"`)}}}},
		llm.StreamChunk{Delta: llm.Message{ToolCalls: []llm.ToolCall{{ID: "c", Name: "third"}}}},
	), nil, nil)
	require.NoError(t, err)

	calls := llm.AssistantMessage(resp).ToolCalls
	require.Len(t, calls, 3)
	assert.JSONEq(t, `{"x":1}`, string(calls[0].Arguments))
	assert.JSONEq(t, `{"y":2}`, string(calls[1].Arguments))
	assert.Equal(t, "third", calls[2].Name)
	assert.Nil(t, calls[2].Arguments)
}

func TestAccumulate_InvalidArguments(t *testing.T) {
	_, err := Accumulate(context.Background(), feed(
		llm.StreamChunk{Delta: llm.Message{ToolCalls: []llm.ToolCall{{ID: "a", Name: "t", Arguments: json.RawMessage(`"{\"broken"`)}}}},
	), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestAccumulate_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Accumulate(ctx, make(chan llm.StreamChunk), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScrubber(t *testing.T) {
	const phrase = "CONTINUE_WORK_SIGNAL"

	tests := []struct {
		name   string
		pieces []string
		want   string
	}{
		{name: "no phrase", pieces: []string{"hello ", "world"}, want: "hello world"},
		{name: "phrase in one piece", pieces: []string{"a CONTINUE_WORK_SIGNAL b"}, want: "a  b"},
		{name: "phrase split across pieces", pieces: []string{"x CONT", "INUE_WO", "RK_SIGNAL", " y"}, want: "x  y"},
		{name: "false prefix released", pieces: []string{"CONT", "RACT"}, want: "CONTRACT"},
		{name: "prefix at end flushed", pieces: []string{"see CONTIN"}, want: "see CONTIN"},
		{name: "utf8 around phrase", pieces: []string{"완료 CONTINUE_", "WORK_SIGNAL 다음"}, want: "완료  다음"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			s := newScrubber([]string{phrase, ""}, func(v string) { out.WriteString(v) })
			for _, p := range tt.pieces {
				s.write(p)
				assert.NotContains(t, out.String(), phrase)
			}
			s.flush()
			assert.Equal(t, tt.want, out.String())
		})
	}

	assert.Equal(t, "a  b", Scrub("a CONTINUE_WORK_SIGNAL b", []string{phrase}))
}
