package loop

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/lock"
	"github.com/BaSui01/agentloop/agent/tools"
	"github.com/BaSui01/agentloop/llm"
)

// SleepTool 伪工具：只有作为本批唯一调用时才生效
const SleepTool = "sleep"

var sleepSchema = llm.ToolSchema{
	Name:        SleepTool,
	Description: "Stop working until the next trigger. Only honored when it is the only tool call in the reply.",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}}}`),
}

const (
	impliedSendCorrection = "Your reply could not be delivered because no active conversation was found. " +
		"Use an explicit send tool to reach someone, or call sleep if nothing needs to be sent."
	malformedCorrection = "The arguments for tool %q did not match its schema (%s). " +
		"Re-issue the call with arguments that match the schema exactly."
)

func (r *run) toolSchemas() []llm.ToolSchema {
	schemas := r.l.d.Tools.Schemas()
	out := make([]llm.ToolSchema, 0, len(schemas)+1)
	for _, s := range schemas {
		if s.Name != SleepTool {
			out = append(out, s)
		}
	}
	return append(out, sleepSchema)
}

// batchResult 一批工具调用对继续决策的影响
type batchResult struct {
	sleepAlone   bool
	otherTools   bool
	autoSleepOK  bool
	unresolved   bool
	willContinue *bool
}

// dispatch 执行一条 assistant 消息中的全部工具调用
func (r *run) dispatch(ctx context.Context, iteration int, msg llm.Message) batchResult {
	var b batchResult
	if len(msg.ToolCalls) == 0 {
		b.unresolved = r.impliedSend(ctx, msg.Content)
		return b
	}

	hasOther := false
	for _, tc := range msg.ToolCalls {
		if tc.Name != SleepTool {
			hasOther = true
			break
		}
	}
	b.sleepAlone = !hasOther
	b.otherTools = hasOther
	b.autoSleepOK = true

	var corrections []string
	for _, tc := range msg.ToolCalls {
		if tc.Name == SleepTool {
			content := `{"status":"ok","message":"sleeping until the next trigger"}`
			if hasOther {
				content = `{"status":"ok","message":"sleep ignored because other tools ran in the same batch"}`
				r.logger.Debug("sleep dropped from mixed batch", zap.Int("iteration", iteration))
			}
			r.transcript = append(r.transcript, llm.Message{Role: llm.RoleTool, Name: tc.Name, ToolCallID: tc.ID, Content: content})
			continue
		}

		out := r.executeTool(ctx, iteration, tc)
		if out.NeedsFollowUp() {
			b.unresolved = true
		}
		if !out.Result.AutoSleepOK || !out.Ran() {
			b.autoSleepOK = false
		}
		if wc := out.Result.WillContinueWork; wc != nil {
			if !*wc {
				b.willContinue = tools.Continue(false)
			} else if b.willContinue == nil {
				b.willContinue = tools.Continue(true)
			}
		}
		if out.Sends && out.Ran() {
			r.sent = true
		}
		if out.Malformed && !r.malformedCorrected {
			r.malformedCorrected = true
			detail := ""
			if out.Error != nil {
				detail = out.Error.Detail
			}
			corrections = append(corrections, fmt.Sprintf(malformedCorrection, tc.Name, detail))
		}
	}
	for _, c := range corrections {
		r.transcript = append(r.transcript, llm.Message{Role: llm.RoleUser, Content: c})
	}
	return b
}

func (r *run) executeTool(ctx context.Context, iteration int, tc llm.ToolCall) tools.Outcome {
	l := r.l
	agentID := r.trigger.AgentID

	ctx, span := l.tracer.Start(ctx, "loop.tool", trace.WithAttributes(
		attribute.String("tool", tc.Name),
		attribute.Int("iteration", iteration),
	))
	defer span.End()

	l.d.Heartbeat.Beat(ctx, r.lease, lock.StageToolCall, iteration)
	out := l.d.Tools.Execute(ctx, agentID, tc)
	l.d.Heartbeat.Beat(ctx, r.lease, lock.StageToolDone, iteration)
	r.lease.MaybeExtend(ctx)

	status := toolStatus(out)
	span.SetAttributes(attribute.String("status", status))

	content := out.Content()
	r.transcript = append(r.transcript, llm.Message{Role: llm.RoleTool, Name: tc.Name, ToolCallID: tc.ID, Content: content})

	l.record(ctx, func(rs RecordStore) error {
		return rs.CreateToolCall(ctx, ToolCallRecord{
			AgentID: agentID, BudgetID: r.ec.BudgetID, RunID: r.result.RunID, Iteration: iteration,
			CallID: tc.ID, Tool: tc.Name, Arguments: string(tc.Arguments),
			Status: status, Content: content, Duration: out.Duration, CreatedAt: l.now(),
		})
	})
	e := r.event(EventToolExecuted, iteration)
	e.Tool, e.Status, e.Duration = tc.Name, status, out.Duration
	l.publish(ctx, e)
	return out
}

// toolStatus 用于记录与指标的状态标签
func toolStatus(o tools.Outcome) string {
	switch {
	case o.Unknown:
		return "unknown"
	case o.Denied != tools.DeniedNone:
		return string(o.Denied)
	case o.Malformed:
		return "malformed"
	case o.Error != nil:
		return string(tools.StatusError)
	default:
		return string(o.Result.Status)
	}
}

// impliedSend 纯文本回复投递到最近活跃的会话。返回 true 表示下发了纠正提示，需要再来一轮。
func (r *run) impliedSend(ctx context.Context, text string) bool {
	body := StripSignals(text)
	outbox := r.l.d.Outbox
	if body == "" || r.sent || outbox == nil {
		return false
	}

	ch, err := outbox.LastActiveChannel(ctx, r.trigger.AgentID)
	if err == nil && ch != nil {
		err = outbox.Send(ctx, OutboundMessage{
			AgentID:  r.trigger.AgentID,
			BudgetID: r.ec.BudgetID,
			Channel:  *ch,
			Body:     body,
			Implied:  true,
		})
		if err == nil {
			r.sent = true
			r.logger.Debug("implied send delivered", zap.String("channel", string(ch.Kind)))
			return false
		}
	}
	if err != nil {
		r.logger.Warn("implied send failed", zap.Error(err))
	} else {
		r.logger.Info("implied send has no active conversation")
	}

	if r.impliedCorrected {
		return false
	}
	r.impliedCorrected = true
	r.transcript = append(r.transcript, llm.Message{Role: llm.RoleUser, Content: impliedSendCorrection})
	return true
}
