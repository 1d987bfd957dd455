package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentloop/llm"
)

type toolCallAcc struct {
	id           string
	name         string
	argsFinal    json.RawMessage
	argsBuilding strings.Builder
}

// Accumulate 把流式增量合并为一个完整响应。
// onDelta 非 nil 时接收经 scrub 处理后的正文增量，用于实时展示。
func Accumulate(ctx context.Context, ch <-chan llm.StreamChunk, onDelta func(string), phrases []string) (*llm.ChatResponse, error) {
	var (
		content  strings.Builder
		order    []string
		byID     = make(map[string]*toolCallAcc)
		resp     = &llm.ChatResponse{CreatedAt: time.Now()}
		finish   string
		scrubber = newScrubber(phrases, onDelta)
	)

	for {
		var chunk llm.StreamChunk
		var ok bool
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok = <-ch:
		}
		if !ok {
			break
		}
		if chunk.Err != nil {
			return nil, chunk.Err
		}

		if chunk.ID != "" {
			resp.ID = chunk.ID
		}
		if chunk.Provider != "" {
			resp.Provider = chunk.Provider
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}

		if chunk.Delta.Content != "" {
			content.WriteString(chunk.Delta.Content)
			scrubber.write(chunk.Delta.Content)
		}
		for _, tc := range chunk.Delta.ToolCalls {
			id := strings.TrimSpace(tc.ID)
			if id == "" {
				if len(order) == 0 {
					id = "call_1"
				} else {
					// 无 id 的片段归属最近一次出现的调用
					id = order[len(order)-1]
				}
			}
			acc := byID[id]
			if acc == nil {
				acc = &toolCallAcc{id: id}
				byID[id] = acc
				order = append(order, id)
			}
			if name := strings.TrimSpace(tc.Name); name != "" {
				acc.name = name
			}
			if len(tc.Arguments) == 0 || len(acc.argsFinal) > 0 {
				continue
			}
			var seg string
			if err := json.Unmarshal(tc.Arguments, &seg); err == nil {
				acc.argsBuilding.WriteString(seg)
				continue
			}
			if acc.argsBuilding.Len() == 0 && json.Valid(tc.Arguments) {
				acc.argsFinal = append([]byte(nil), tc.Arguments...)
				continue
			}
			acc.argsBuilding.Write(tc.Arguments)
		}
	}
	scrubber.flush()

	msg := llm.Message{Role: llm.RoleAssistant, Content: content.String()}
	for _, id := range order {
		acc := byID[id]
		args := acc.argsFinal
		if len(args) == 0 {
			raw := strings.TrimSpace(acc.argsBuilding.String())
			if raw != "" {
				if !json.Valid([]byte(raw)) {
					return nil, fmt.Errorf("%w: invalid streamed arguments for tool %q", ErrInvalidResponse, acc.name)
				}
				args = json.RawMessage(raw)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}

	resp.Choices = []llm.ChatChoice{{Index: 0, FinishReason: finish, Message: msg}}
	return resp, nil
}

// scrubber 在正文到达实时观看者之前移除内部信号短语。
// 可能是短语前缀的尾部会被暂存，直到能确定它不是短语。
type scrubber struct {
	phrases []string
	emit    func(string)
	pending string
}

func newScrubber(phrases []string, emit func(string)) *scrubber {
	var ps []string
	for _, p := range phrases {
		if p != "" {
			ps = append(ps, p)
		}
	}
	return &scrubber{phrases: ps, emit: emit}
}

func (s *scrubber) write(text string) {
	if s.emit == nil {
		return
	}
	s.pending = s.strip(s.pending + text)
	hold := s.heldSuffix(s.pending)
	if out := s.pending[:len(s.pending)-hold]; out != "" {
		s.emit(out)
	}
	s.pending = s.pending[len(s.pending)-hold:]
}

func (s *scrubber) flush() {
	if s.emit == nil {
		return
	}
	if out := s.strip(s.pending); out != "" {
		s.emit(out)
	}
	s.pending = ""
}

func (s *scrubber) strip(text string) string {
	for _, p := range s.phrases {
		text = strings.ReplaceAll(text, p, "")
	}
	return text
}

// heldSuffix 返回 text 末尾可能构成某个短语前缀的最长长度
func (s *scrubber) heldSuffix(text string) int {
	best := 0
	for _, p := range s.phrases {
		maxLen := min(len(p)-1, len(text))
		for n := maxLen; n > best; n-- {
			if strings.HasPrefix(p, text[len(text)-n:]) {
				best = n
				break
			}
		}
	}
	return best
}

// Scrub 移除完整文本中的信号短语
func Scrub(text string, phrases []string) string {
	return newScrubber(phrases, nil).strip(text)
}
