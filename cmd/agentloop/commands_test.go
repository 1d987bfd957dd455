package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/loop"
	"github.com/BaSui01/agentloop/config"
)

func TestTriggerOptions_Build(t *testing.T) {
	tests := []struct {
		name    string
		opts    triggerOptions
		wantErr bool
		wantCh  bool
	}{
		{name: "message", opts: triggerOptions{agentID: "a1", kind: "message", message: "hi"}},
		{name: "schedule", opts: triggerOptions{agentID: "a1", kind: "schedule"}},
		{name: "missing agent", opts: triggerOptions{kind: "message"}, wantErr: true},
		{name: "internal kind", opts: triggerOptions{agentID: "a1", kind: "wake"}, wantErr: true},
		{name: "with channel", opts: triggerOptions{agentID: "a1", kind: "message", channel: "email", conversationID: "t-1"}, wantCh: true},
		{name: "channel without conversation", opts: triggerOptions{agentID: "a1", kind: "message", channel: "email"}, wantErr: true},
		{name: "unknown channel", opts: triggerOptions{agentID: "a1", kind: "message", channel: "fax", conversationID: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, ch, err := tt.opts.build()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.opts.agentID, trig.AgentID)
			assert.Equal(t, loop.TriggerKind(tt.opts.kind), trig.Kind)
			assert.True(t, trig.TopLevel())
			assert.Equal(t, tt.wantCh, ch != nil)
		})
	}
}

func TestCheckReady(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/readyz", r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
	}))
	defer srv.Close()

	assert.NoError(t, checkReady(srv.Client(), srv.URL+"/"))

	status = http.StatusServiceUnavailable
	err := checkReady(srv.Client(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestBuildCandidates(t *testing.T) {
	_, err := buildCandidates(config.LLMConfig{}, zap.NewNop())
	assert.Error(t, err)

	cands, err := buildCandidates(config.LLMConfig{Chain: []config.LLMEndpoint{
		{Provider: "openai", Model: "gpt-4o", BaseURL: "https://api.openai.com", MaxTokens: 1024},
		{Provider: "deepseek", Model: "deepseek-chat", BaseURL: "https://api.deepseek.com", LowLatency: true},
	}}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "openai/gpt-4o", cands[0].Key())
	assert.Equal(t, 1024, cands[0].MaxTokens)
	assert.True(t, cands[1].LowLatency)
}

func TestInitLogger(t *testing.T) {
	for _, lc := range []config.LogConfig{
		{Level: "debug", Format: "console"},
		{Level: "bogus", Format: "json", OutputPaths: []string{"stderr"}},
		{},
	} {
		logger := initLogger(lc)
		require.NotNil(t, logger)
		logger.Debug("configured")
	}
	assert.True(t, initLogger(config.LogConfig{Level: "debug"}).Core().Enabled(zap.DebugLevel))
	assert.False(t, initLogger(config.LogConfig{Level: "warn"}).Core().Enabled(zap.InfoLevel))
}

func TestParseCredits(t *testing.T) {
	v, set, err := parseCredits("")
	require.NoError(t, err)
	assert.False(t, set)
	assert.Nil(t, v)

	v, set, err = parseCredits("unlimited")
	require.NoError(t, err)
	assert.True(t, set)
	assert.Nil(t, v)

	v, set, err = parseCredits(" 12.5 ")
	require.NoError(t, err)
	assert.True(t, set)
	require.NotNil(t, v)
	assert.Equal(t, 12.5, *v)

	_, _, err = parseCredits("-1")
	assert.Error(t, err)
	_, _, err = parseCredits("lots")
	assert.Error(t, err)
}
