package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/BaSui01/agentloop/types"
)

// Status 工具结果状态
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
	StatusPending Status = "pending"
)

// Result 工具执行的结构化返回
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`

	// AutoSleepOK 工具完成后允许 agent 直接进入空闲
	AutoSleepOK bool `json:"auto_sleep_ok,omitempty"`
	// WillContinueWork 显式的继续/停止意图，nil 表示未表态
	WillContinueWork *bool `json:"will_continue_work,omitempty"`
}

// OK 构造成功结果
func OK(message string, data any) Result {
	return Result{Status: StatusOK, Message: message, Data: data}
}

// Fail 构造错误结果
func Fail(message string) Result {
	return Result{Status: StatusError, Message: message}
}

// Unresolved 错误、警告与待定结果都需要 agent 下一轮再看
func (r Result) Unresolved() bool {
	return r.Status == StatusError || r.Status == StatusWarning || r.Status == StatusPending
}

// Continue 返回布尔指针，便于设置 WillContinueWork
func Continue(v bool) *bool { return &v }

// ErrorPayload 归一化后的工具错误，序列化后不超过给定字节数
type ErrorPayload struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail,omitempty"`
}

// NormalizeError 把任意错误转换为有界的结构化载荷
func NormalizeError(err error, maxBytes int) ErrorPayload {
	if err == nil {
		return ErrorPayload{}
	}
	p := ErrorPayload{Message: err.Error(), Type: fmt.Sprintf("%T", err)}

	var te *types.Error
	if errors.As(err, &te) {
		p.Type = string(te.Code)
		p.Message = te.Message
		p.Retryable = te.Retryable
		if te.Cause != nil {
			p.Detail = te.Cause.Error()
		}
	} else if inner := errors.Unwrap(err); inner != nil {
		p.Detail = inner.Error()
	}
	return p.capped(maxBytes)
}

func (p ErrorPayload) capped(maxBytes int) ErrorPayload {
	if maxBytes <= 0 {
		return p
	}
	// 转义字符会让编码后的长度大于原始字节数，最多收敛几轮
	for i := 0; i < 4; i++ {
		over := p.size() - maxBytes
		if over <= 0 {
			return p
		}
		if n := len(p.Detail); n > 0 {
			cut := min(over, n)
			p.Detail = truncate(p.Detail, n-cut)
			over -= cut
		}
		if over > 0 {
			p.Message = truncate(p.Message, len(p.Message)-over)
		}
	}
	return p
}

func (p ErrorPayload) size() int {
	b, _ := json.Marshal(p)
	return len(b)
}

// truncate 按字节截断且不拆分 UTF-8 字符
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
