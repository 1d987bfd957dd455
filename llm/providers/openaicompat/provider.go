package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/tlsutil"
	"github.com/BaSui01/agentloop/llm"
)

// Config OpenAI 兼容 provider 配置
type Config struct {
	// ProviderName provider 唯一标识，例如 "deepseek"、"qwen"
	ProviderName string
	APIKey       string
	// BaseURL 例如 "https://api.deepseek.com"
	BaseURL string
	// DefaultModel 请求未指定模型时使用
	DefaultModel string
	// Timeout 非流式请求的整体超时，同时作为流式请求等待响应头的上限。默认 30s
	Timeout time.Duration
	// EndpointPath 默认 "/v1/chat/completions"
	EndpointPath string
	// CostPer1KTokens 每千 token 折算的 credits
	CostPer1KTokens float64
	// BuildHeaders 自定义请求头；nil 时使用 Bearer 认证
	BuildHeaders func(req *http.Request, apiKey string)
}

// FromEndpoint 由故障转移链配置项构造 Config
func FromEndpoint(ep config.LLMEndpoint) Config {
	return Config{
		ProviderName:    ep.Provider,
		APIKey:          ep.APIKey,
		BaseURL:         ep.BaseURL,
		DefaultModel:    ep.Model,
		Timeout:         ep.Timeout,
		CostPer1KTokens: ep.CostPer1KTokens,
	}
}

// Provider OpenAI Chat Completions 协议的通用实现
type Provider struct {
	cfg        Config
	client     *http.Client
	streamHTTP *http.Client
	logger     *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New 创建 provider
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:        cfg,
		client:     tlsutil.SecureHTTPClient(cfg.Timeout),
		streamHTTP: tlsutil.StreamingHTTPClient(cfg.Timeout),
		logger:     logger.With(zap.String("component", "provider"), zap.String("provider", cfg.ProviderName)),
	}
}

// Name 返回 provider 名称
func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.BuildHeaders != nil {
		p.cfg.BuildHeaders(req, p.cfg.APIKey)
		return
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

func (p *Provider) buildBody(req *llm.ChatRequest, stream bool) wireRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	body := wireRequest{
		Model:       model,
		Messages:    toWireMessages(req.Messages),
		Tools:       toWireTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = req.ToolChoice
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

func (p *Provider) do(ctx context.Context, client *http.Client, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: fmt.Sprintf("marshal request: %v", err), Provider: p.Name()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: err.Error(), Provider: p.Name(), Cause: err}
	}
	p.buildHeaders(httpReq)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, llm.StatusError(p.Name(), resp.StatusCode, readErrorMessage(resp.Body))
	}
	return resp, nil
}

func (p *Provider) transportError(err error) *llm.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Code: llm.ErrUpstreamTimeout, Message: err.Error(), Retryable: true, Provider: p.Name(), Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), Provider: p.Name(), Cause: err}
	}
	return &llm.Error{
		Code: llm.ErrUpstreamError, Message: err.Error(),
		HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(), Cause: err,
	}
}

// Completion 非流式调用
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.do(ctx, p.client, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrMalformedResponse, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(), Cause: err,
		}
	}

	result := fromWireResponse(wr, p.Name(), p.cfg.CostPer1KTokens)
	if wr.Created != 0 {
		result.CreatedAt = time.Unix(wr.Created, 0)
	}
	return result, nil
}

// Stream 通过 SSE 流式调用
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.do(ctx, p.streamHTTP, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	return StreamSSE(ctx, resp.Body, p.Name(), p.cfg.CostPer1KTokens), nil
}

// StreamSSE 解析 OpenAI 兼容的 SSE 流。
// 上游只在工具调用的第一个片段携带 id，后续片段按 index 归属到同一调用。
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string, costPer1K float64) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}
		fail := func(err error) {
			send(llm.StreamChunk{Err: &llm.Error{
				Code: llm.ErrUpstreamError, Message: err.Error(),
				HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerName, Cause: err,
			}})
		}

		idByIndex := make(map[int]string)
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					fail(err)
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var wr wireResponse
			if err := json.Unmarshal([]byte(data), &wr); err != nil {
				fail(fmt.Errorf("decode stream chunk: %w", err))
				return
			}

			if len(wr.Choices) == 0 && wr.Usage != nil {
				usage := toUsage(*wr.Usage, costPer1K)
				if !send(llm.StreamChunk{ID: wr.ID, Provider: providerName, Model: wr.Model, Usage: &usage}) {
					return
				}
				continue
			}

			for i, choice := range wr.Choices {
				chunk := llm.StreamChunk{
					ID:           wr.ID,
					Provider:     providerName,
					Model:        wr.Model,
					Index:        choice.Index,
					FinishReason: choice.FinishReason,
					Delta:        llm.Message{Role: llm.RoleAssistant},
				}
				if i == 0 && wr.Usage != nil {
					usage := toUsage(*wr.Usage, costPer1K)
					chunk.Usage = &usage
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
					for _, tc := range choice.Delta.ToolCalls {
						id := tc.ID
						if tc.Index != nil {
							if id != "" {
								idByIndex[*tc.Index] = id
							} else {
								id = idByIndex[*tc.Index]
							}
						}
						chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, llm.ToolCall{
							ID:        id,
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						})
					}
				}
				if !send(chunk) {
					return
				}
			}
		}
	}()
	return ch
}
