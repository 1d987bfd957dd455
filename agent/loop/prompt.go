package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/agentloop/llm"
)

// CharterPromptBuilder 默认的 prompt 构造：charter 作为 system 消息，
// 触发正文作为首条 user 消息，随后是本次运行的记录。不做压缩。
type CharterPromptBuilder struct {
	// Preamble 追加在 charter 之后的固定说明，为空时使用默认说明
	Preamble string
}

const defaultPreamble = `You work autonomously through tool calls.
When you need another turn to keep working, include ` + ContinuePhrase + ` in your reply.
When the work is finished, include ` + StopPhrase + ` or call the sleep tool.
Plain text replies without a send tool are delivered to the most recent conversation.`

// Build 实现 PromptBuilder
func (b CharterPromptBuilder) Build(_ context.Context, agent *Agent, trigger Trigger, transcript []llm.Message) ([]llm.Message, error) {
	if agent == nil {
		return nil, fmt.Errorf("build prompt: nil agent")
	}

	var sys strings.Builder
	if agent.Name != "" {
		fmt.Fprintf(&sys, "You are %s.\n\n", agent.Name)
	}
	if c := strings.TrimSpace(agent.Charter); c != "" {
		sys.WriteString(c)
		sys.WriteString("\n\n")
	}
	preamble := b.Preamble
	if preamble == "" {
		preamble = defaultPreamble
	}
	sys.WriteString(preamble)

	msgs := make([]llm.Message, 0, len(transcript)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: sys.String()})
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: triggerText(trigger)})
	msgs = append(msgs, transcript...)
	return msgs, nil
}

func triggerText(t Trigger) string {
	if m := strings.TrimSpace(t.Message); m != "" {
		return m
	}
	switch t.Kind {
	case KindSchedule:
		return "Scheduled check-in. Review your charter and continue any outstanding work."
	case KindFollowUp:
		return "Resuming after a cost cooldown. Continue only if work is still needed."
	case KindResume:
		return "Resuming a paused run. Continue where you left off."
	case KindWake:
		return "All background tasks you started have finished. Review their results and continue."
	default:
		return "Continue your work."
	}
}
