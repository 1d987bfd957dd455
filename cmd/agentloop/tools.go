package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/agentloop/agent/budget"
	"github.com/BaSui01/agentloop/agent/loop"
	"github.com/BaSui01/agentloop/agent/tools"
	"github.com/BaSui01/agentloop/internal/records"
)

// spawner 由 *loop.Loop 实现
type spawner interface {
	SpawnBackground(ctx context.Context, message string) (string, error)
}

type spawnParams struct {
	Task string `json:"task"`
}

type sendParams struct {
	Body           string `json:"body"`
	Channel        string `json:"channel,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Address        string `json:"address,omitempty"`
}

type addWorkParams struct {
	Title string `json:"title"`
}

type completeWorkParams struct {
	ID uint `json:"id"`
}

// registerBuiltinTools 注册 worker 自带的工具
func registerBuiltinTools(c *tools.Catalog, sp spawner, store *records.Store) error {
	return errors.Join(
		tools.Register(c, tools.Spec{
			Name:        "spawn_background",
			Description: "Start a background task that runs on its own and wakes you when all background work is done.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"What the background task should do"}},"required":["task"]}`),
		}, spawnHandler(sp)),
		tools.Register(c, tools.Spec{
			Name:        "send_message",
			Description: "Send a message. Without a channel the most recently active conversation is used.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"body":{"type":"string"},"channel":{"type":"string","enum":["chat","email","sms","peer"]},"conversation_id":{"type":"string"},"address":{"type":"string"}},"required":["body"]}`),
			Sends:       true,
		}, sendHandler(store)),
		tools.Register(c, tools.Spec{
			Name:        "add_work_item",
			Description: "Track a piece of unfinished work.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}`),
		}, addWorkHandler(store)),
		tools.Register(c, tools.Spec{
			Name:        "complete_work_item",
			Description: "Mark a tracked work item as done.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"integer"}},"required":["id"]}`),
		}, completeWorkHandler(store)),
	)
}

func spawnHandler(sp spawner) tools.Handler[spawnParams] {
	return func(ctx context.Context, _ string, p spawnParams) (tools.Result, error) {
		task := strings.TrimSpace(p.Task)
		if task == "" {
			return tools.Fail("task is required"), nil
		}
		branchID, err := sp.SpawnBackground(ctx, task)
		if err != nil {
			return tools.Result{}, err
		}
		res := tools.OK("background task started", map[string]string{"branch_id": branchID})
		res.AutoSleepOK = true
		return res, nil
	}
}

func sendHandler(store *records.Store) tools.Handler[sendParams] {
	return func(ctx context.Context, agentID string, p sendParams) (tools.Result, error) {
		if strings.TrimSpace(p.Body) == "" {
			return tools.Fail("body is required"), nil
		}

		var ch *loop.Channel
		if p.Channel != "" {
			if p.ConversationID == "" {
				return tools.Fail("conversation_id is required when channel is set"), nil
			}
			ch = &loop.Channel{Kind: loop.ChannelKind(p.Channel), ConversationID: p.ConversationID, Address: p.Address}
		} else {
			var err error
			if ch, err = store.LastActiveChannel(ctx, agentID); err != nil {
				return tools.Result{}, err
			}
			if ch == nil {
				return tools.Fail("no active conversation; pass channel and conversation_id"), nil
			}
		}

		msg := loop.OutboundMessage{AgentID: agentID, Channel: *ch, Body: p.Body}
		if ec, ok := budget.FromContext(ctx); ok {
			msg.BudgetID = ec.BudgetID
		}
		if err := store.Send(ctx, msg); err != nil {
			return tools.Result{}, err
		}
		res := tools.OK(fmt.Sprintf("message queued on %s", ch.Kind), nil)
		res.AutoSleepOK = true
		return res, nil
	}
}

func addWorkHandler(store *records.Store) tools.Handler[addWorkParams] {
	return func(ctx context.Context, agentID string, p addWorkParams) (tools.Result, error) {
		if strings.TrimSpace(p.Title) == "" {
			return tools.Fail("title is required"), nil
		}
		id, err := store.AddWorkItem(ctx, agentID, p.Title)
		if err != nil {
			return tools.Result{}, err
		}
		return tools.OK("work item added", map[string]uint{"id": id}), nil
	}
}

func completeWorkHandler(store *records.Store) tools.Handler[completeWorkParams] {
	return func(ctx context.Context, _ string, p completeWorkParams) (tools.Result, error) {
		err := store.CompleteWorkItem(ctx, p.ID)
		if errors.Is(err, records.ErrNotFound) {
			return tools.Fail(fmt.Sprintf("no open work item %d", p.ID)), nil
		}
		if err != nil {
			return tools.Result{}, err
		}
		res := tools.OK("work item completed", nil)
		res.AutoSleepOK = true
		return res, nil
	}
}
