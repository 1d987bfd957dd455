// =============================================================================
// 📦 agentloop 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Budget:    DefaultBudgetConfig(),
		Lock:      DefaultLockConfig(),
		Burn:      DefaultBurnConfig(),
		Loop:      DefaultLoopConfig(),
		LLM:       DefaultLLMConfig(),
		Queue:     DefaultQueueConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		PoolSize:            20,
		MinIdleConns:        2,
		MaxRetries:          3,
		KeyPrefix:           "agentloop:",
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentloop",
		Password:        "",
		Name:            "agentloop",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultBudgetConfig 返回默认预算配置
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxSteps:  100,
		MaxDepth:  2,
		CycleTTL:  6 * time.Hour,
		ClosedTTL: time.Minute,
	}
}

// DefaultLockConfig 返回默认锁配置
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Lease:             90 * time.Second,
		AcquireTimeout:    2 * time.Second,
		AcquirePoll:       100 * time.Millisecond,
		ExtendInterval:    30 * time.Second,
		MaxExtendFailures: 3,
		StaleMultiplier:   4,
		HeartbeatTTL:      5 * time.Minute,
		PendingDebounce:   5 * time.Second,
	}
}

// DefaultBurnConfig 返回默认燃烧速率配置
func DefaultBurnConfig() BurnConfig {
	return BurnConfig{
		ThresholdPerHour: 5,
		Window:           time.Hour,
		Cooldown:         10 * time.Minute,
		FollowUpBuffer:   2 * time.Minute,
		InactivityWindow: 30 * time.Minute,
		ScheduleHorizon:  15 * time.Minute,
		SnapshotTTL:      30 * time.Second,
		CacheSize:        4096,
	}
}

// DefaultLoopConfig 返回默认主循环配置
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:     50,
		MaxRuntime:        30 * time.Minute,
		ResumeDelay:       30 * time.Second,
		ResumeMarkerTTL:   time.Hour,
		Stream:            false,
		ToolTimeout:       2 * time.Minute,
		MaxToolErrorBytes: 2048,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Chain:               nil,
		MaxRetries:          2,
		RetryInitialDelay:   500 * time.Millisecond,
		RetryMaxDelay:       8 * time.Second,
		PreferenceStreakCap: 20,
		PreferenceTTL:       time.Hour,
	}
}

// DefaultQueueConfig 返回默认队列配置
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:          8,
		PollInterval:     500 * time.Millisecond,
		Batch:            32,
		MaxAttempts:      3,
		RetryDelay:       10 * time.Second,
		TaskTTL:          24 * time.Hour,
		ScheduleInterval: 30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentloop",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Addr:      ":9091",
		Namespace: "agentloop",
	}
}
