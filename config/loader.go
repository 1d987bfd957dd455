// =============================================================================
// 📦 agentloop 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTLOOP").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 agentloop 的完整配置结构
type Config struct {
	// Redis 共享状态存储
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 记录存储
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Budget 周期预算
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// Lock 分布式执行锁与心跳
	Lock LockConfig `yaml:"lock" env:"LOCK"`

	// Burn 燃烧速率控制
	Burn BurnConfig `yaml:"burn" env:"BURN"`

	// Loop 主循环
	Loop LoopConfig `yaml:"loop" env:"LOOP"`

	// LLM 故障转移链
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Queue 任务队列
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 所有键的前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// BudgetConfig 周期预算配置
type BudgetConfig struct {
	// 每个周期的最大步数
	MaxSteps int `yaml:"max_steps" env:"MAX_STEPS"`
	// 最大递归深度
	MaxDepth int `yaml:"max_depth" env:"MAX_DEPTH"`
	// 活跃周期相关键的 TTL
	CycleTTL time.Duration `yaml:"cycle_ttl" env:"CYCLE_TTL"`
	// 关闭后周期哈希保留时间
	ClosedTTL time.Duration `yaml:"closed_ttl" env:"CLOSED_TTL"`
}

// LockConfig 执行锁配置
type LockConfig struct {
	// 租约时长
	Lease time.Duration `yaml:"lease" env:"LEASE"`
	// 获取超时（短）
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	// 获取轮询间隔
	AcquirePoll time.Duration `yaml:"acquire_poll" env:"ACQUIRE_POLL"`
	// 续约间隔
	ExtendInterval time.Duration `yaml:"extend_interval" env:"EXTEND_INTERVAL"`
	// 续约失败上限，超过后停止续约
	MaxExtendFailures int `yaml:"max_extend_failures" env:"MAX_EXTEND_FAILURES"`
	// 剩余 TTL 超过 Lease*StaleMultiplier 视为废弃锁
	StaleMultiplier int `yaml:"stale_multiplier" env:"STALE_MULTIPLIER"`
	// 心跳 TTL
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl" env:"HEARTBEAT_TTL"`
	// 锁竞争后 pending 集合的排空延迟
	PendingDebounce time.Duration `yaml:"pending_debounce" env:"PENDING_DEBOUNCE"`
}

// BurnConfig 燃烧速率配置
type BurnConfig struct {
	// 每小时 credits 阈值
	ThresholdPerHour float64 `yaml:"threshold_per_hour" env:"THRESHOLD_PER_HOUR"`
	// 滚动窗口
	Window time.Duration `yaml:"window" env:"WINDOW"`
	// 冷却时长
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	// follow-up 令牌的额外 TTL
	FollowUpBuffer time.Duration `yaml:"followup_buffer" env:"FOLLOWUP_BUFFER"`
	// 有人类消息时抑制节流的窗口
	InactivityWindow time.Duration `yaml:"inactivity_window" env:"INACTIVITY_WINDOW"`
	// 定时触发在该范围内到期时跳过 follow-up
	ScheduleHorizon time.Duration `yaml:"schedule_horizon" env:"SCHEDULE_HORIZON"`
	// 快照缓存时间
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" env:"SNAPSHOT_TTL"`
	// 快照缓存容量
	CacheSize int `yaml:"cache_size" env:"CACHE_SIZE"`
}

// LoopConfig 主循环配置
type LoopConfig struct {
	// 单次运行最大迭代数
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// 单次运行最长墙钟时间（0 表示不限制）
	MaxRuntime time.Duration `yaml:"max_runtime" env:"MAX_RUNTIME"`
	// 达到上限后续跑的延迟
	ResumeDelay time.Duration `yaml:"resume_delay" env:"RESUME_DELAY"`
	// 暂停标记 TTL
	ResumeMarkerTTL time.Duration `yaml:"resume_marker_ttl" env:"RESUME_MARKER_TTL"`
	// 是否流式调用模型
	Stream bool `yaml:"stream" env:"STREAM"`
	// 粘性偏好只固定在低延迟候选上；有直播消费者的流式调用总是如此
	LowLatency bool `yaml:"low_latency" env:"LOW_LATENCY"`
	// 单个工具的执行超时
	ToolTimeout time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT"`
	// 工具错误 payload 的最大字节数
	MaxToolErrorBytes int `yaml:"max_tool_error_bytes" env:"MAX_TOOL_ERROR_BYTES"`
}

// LLMConfig 故障转移链配置
type LLMConfig struct {
	// 有序的 provider/model 列表
	Chain []LLMEndpoint `yaml:"chain" env:"-"`
	// 每次尝试下的重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始退避
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	// 最大退避
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 粘性偏好的最大连续命中次数
	PreferenceStreakCap int `yaml:"preference_streak_cap" env:"PREFERENCE_STREAK_CAP"`
	// 偏好记录 TTL
	PreferenceTTL time.Duration `yaml:"preference_ttl" env:"PREFERENCE_TTL"`
}

// LLMEndpoint 故障转移链中的一项
type LLMEndpoint struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	LowLatency  bool          `yaml:"low_latency"`
	// 每千 token 折算的 credits，用于燃烧率统计
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	// 并发 worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 每次轮询最多领取的任务数
	Batch int `yaml:"batch" env:"BATCH"`
	// 任务失败后的最大尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 失败任务重新投递的延迟
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	// 任务载荷在存储中的保留时间
	TaskTTL time.Duration `yaml:"task_ttl" env:"TASK_TTL"`
	// 检查定时 agent 是否到期的间隔，0 表示不启动调度
	ScheduleInterval time.Duration `yaml:"schedule_interval" env:"SCHEDULE_INTERVAL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 配置
type MetricsConfig struct {
	// 是否暴露 /metrics
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTLOOP",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Budget.MaxSteps <= 0 {
		errs = append(errs, "budget.max_steps must be positive")
	}
	if c.Budget.MaxDepth < 0 {
		errs = append(errs, "budget.max_depth must not be negative")
	}
	if c.Budget.CycleTTL <= 0 {
		errs = append(errs, "budget.cycle_ttl must be positive")
	}
	if c.Lock.Lease <= 0 {
		errs = append(errs, "lock.lease must be positive")
	}
	if c.Lock.ExtendInterval <= 0 || c.Lock.ExtendInterval >= c.Lock.Lease {
		errs = append(errs, "lock.extend_interval must be positive and shorter than lock.lease")
	}
	if c.Lock.StaleMultiplier < 2 {
		errs = append(errs, "lock.stale_multiplier must be at least 2")
	}
	if c.Burn.Cooldown <= 0 {
		errs = append(errs, "burn.cooldown must be positive")
	}
	if c.Loop.MaxIterations <= 0 {
		errs = append(errs, "loop.max_iterations must be positive")
	}
	if c.Loop.MaxRuntime < 0 {
		errs = append(errs, "loop.max_runtime must not be negative")
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, "queue.workers must be positive")
	}
	if c.Queue.MaxAttempts <= 0 || c.Queue.Batch <= 0 {
		errs = append(errs, "queue.max_attempts and queue.batch must be positive")
	}
	for i, ep := range c.LLM.Chain {
		if ep.Provider == "" || ep.Model == "" {
			errs = append(errs, fmt.Sprintf("llm.chain[%d] requires provider and model", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
