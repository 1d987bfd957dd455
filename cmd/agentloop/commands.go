package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent/loop"
	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/database"
	"github.com/BaSui01/agentloop/internal/kv"
	"github.com/BaSui01/agentloop/internal/queue"
	"github.com/BaSui01/agentloop/internal/records"
)

const commandTimeout = 30 * time.Second

// =============================================================================
// trigger
// =============================================================================

type triggerOptions struct {
	agentID        string
	kind           string
	message        string
	delay          time.Duration
	channel        string
	conversationID string
	address        string
	peer           bool
}

func runTrigger(args []string) error {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	configPath := configFlag(fs)
	var opts triggerOptions
	fs.StringVar(&opts.agentID, "agent", "", "Agent ID (required)")
	fs.StringVar(&opts.kind, "kind", string(loop.KindMessage), "Trigger kind: message or schedule")
	fs.StringVar(&opts.message, "message", "", "Inbound message body")
	fs.DurationVar(&opts.delay, "delay", 0, "Delay before the run")
	fs.StringVar(&opts.channel, "channel", "", "Inbound channel: chat, email, sms or peer")
	fs.StringVar(&opts.conversationID, "conversation", "", "Conversation ID on the channel")
	fs.StringVar(&opts.address, "address", "", "Sender address")
	fs.BoolVar(&opts.peer, "peer", false, "Message came from another agent")
	_ = fs.Parse(args)

	trig, ch, err := opts.build()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if ch != nil {
		st, closeFn, err := openRecords(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer closeFn()
		human := !opts.peer && ch.Kind != loop.ChannelPeer
		if err := st.RecordInbound(ctx, trig.AgentID, *ch, human, time.Now()); err != nil {
			return err
		}
	}

	store, err := kv.NewStore(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := queue.New(store, cfg.Queue, logger).Enqueue(ctx, trig, opts.delay); err != nil {
		return err
	}
	fmt.Printf("enqueued %s trigger for %s\n", trig.Kind, trig.AgentID)
	return nil
}

// build 校验参数并得到触发与可选的入站会话
func (o triggerOptions) build() (loop.Trigger, *loop.Channel, error) {
	if o.agentID == "" {
		return loop.Trigger{}, nil, errors.New("--agent is required")
	}
	kind := loop.TriggerKind(o.kind)
	if kind != loop.KindMessage && kind != loop.KindSchedule {
		return loop.Trigger{}, nil, fmt.Errorf("unsupported trigger kind %q (supported: message, schedule)", o.kind)
	}
	trig := loop.Trigger{Kind: kind, AgentID: o.agentID, Message: o.message}

	if o.channel == "" {
		return trig, nil, nil
	}
	chKind := loop.ChannelKind(o.channel)
	switch chKind {
	case loop.ChannelChat, loop.ChannelEmail, loop.ChannelSMS, loop.ChannelPeer:
	default:
		return loop.Trigger{}, nil, fmt.Errorf("unsupported channel %q", o.channel)
	}
	if o.conversationID == "" {
		return loop.Trigger{}, nil, errors.New("--conversation is required with --channel")
	}
	return trig, &loop.Channel{Kind: chKind, ConversationID: o.conversationID, Address: o.address}, nil
}

// =============================================================================
// agent / migrate
// =============================================================================

func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	configPath := configFlag(fs)
	var (
		row         records.AgentRow
		charterFile string
		interval    time.Duration
		credits     string
	)
	fs.StringVar(&row.ID, "id", "", "Agent ID (required)")
	fs.StringVar(&row.Name, "name", "", "Display name")
	fs.StringVar(&row.Charter, "charter", "", "Charter text")
	fs.StringVar(&charterFile, "charter-file", "", "Read the charter from a file")
	fs.StringVar(&row.Cron, "cron", "", "Cron schedule, e.g. \"0 9 * * 1-5\" or \"@every 2h\"")
	fs.DurationVar(&interval, "interval", 0, "Fixed run interval")
	fs.IntVar(&row.MaxSteps, "max-steps", 0, "Steps per budget cycle (0 uses budget.max_steps)")
	fs.IntVar(&row.MaxDepth, "max-depth", 0, "Background recursion depth (0 uses budget.max_depth)")
	fs.Float64Var(&row.BurnThresholdPerHour, "burn-threshold", 0, "Credits per hour before pausing (0 uses burn.threshold_per_hour)")
	fs.StringVar(&credits, "credits", "", "Tool credit balance, or \"unlimited\" (empty leaves it unchanged)")
	_ = fs.Parse(args)

	balance, setBalance, err := parseCredits(credits)
	if err != nil {
		return err
	}

	if charterFile != "" {
		b, err := os.ReadFile(charterFile)
		if err != nil {
			return fmt.Errorf("read charter: %w", err)
		}
		row.Charter = strings.TrimSpace(string(b))
	}
	row.IntervalSeconds = int64(interval / time.Second)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	st, closeFn, err := openRecords(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := st.UpsertAgent(ctx, row); err != nil {
		return err
	}
	if setBalance {
		if err := st.SetCreditBalance(ctx, row.ID, balance); err != nil {
			return err
		}
	}
	fmt.Printf("agent %s saved\n", row.ID)
	return nil
}

// parseCredits 空串表示不修改，"unlimited" 清除余额限制
func parseCredits(s string) (*float64, bool, error) {
	switch s = strings.TrimSpace(s); s {
	case "":
		return nil, false, nil
	case "unlimited":
		return nil, true, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return nil, false, fmt.Errorf("invalid --credits %q", s)
	}
	return &v, true, nil
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := configFlag(fs)
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	_, closeFn, err := openRecords(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	closeFn()
	fmt.Println("record tables are up to date")
	return nil
}

// openRecords 打开记录库并建表
func openRecords(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*records.Store, func(), error) {
	pool, err := database.Open(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	st := records.New(pool, logger)
	if err := st.Migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return st, func() { _ = pool.Close() }, nil
}

// =============================================================================
// health
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9090", "Ops server address")
	_ = fs.Parse(args)

	if err := checkReady(&http.Client{Timeout: 5 * time.Second}, *addr); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func checkReady(client *http.Client, addr string) error {
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/readyz")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
