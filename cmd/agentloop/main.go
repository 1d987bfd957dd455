// agentloop worker 入口
//
// 使用方法:
//
//	agentloop worker --config config.yaml         # 启动队列 worker、定时调度与运维服务
//	agentloop trigger --agent a1 --message "hi"   # 投递一次触发
//	agentloop agent --id a1 --charter-file c.md   # 新建或更新 agent
//	agentloop migrate                             # 建表
//	agentloop health --addr http://localhost:9090 # 就绪检查
//	agentloop version
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentloop/config"
)

// 构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "worker":
		err = runWorker(os.Args[2:])
	case "trigger":
		err = runTrigger(os.Args[2:])
	case "agent":
		err = runAgent(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// loadConfig 默认值、YAML 文件、AGENTLOOP_* 环境变量依次覆盖，最后校验
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Path to config file (YAML)")
}

func printVersion() {
	fmt.Printf("agentloop %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`agentloop - agent processing worker

Usage:
  agentloop <command> [options]

Commands:
  worker    Run the queue worker, schedule ticker and ops server
  trigger   Enqueue a run for an agent
  agent     Create or update an agent
  migrate   Create or update record tables
  health    Check worker readiness
  version   Show version information
  help      Show this help message

Every command except health and version accepts --config <path>.

Examples:
  agentloop worker --config /etc/agentloop/config.yaml
  agentloop trigger --agent a1 --message "Bob asked about the invoice" --channel email --conversation t-42 --address bob@example.com
  agentloop agent --id a1 --name Ada --charter-file ada.md --cron "0 9 * * 1-5"
  agentloop health --addr http://localhost:9090`)
}

// initLogger 按日志配置构建 zap logger
func initLogger(cfg config.LogConfig) *zap.Logger {
	logger, _ := newLogger(cfg)
	return logger
}

func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// newLogger 同时返回可在运行中调整的日志级别
func newLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapConfig := zap.Config{
		Level:             level,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger, level
}
