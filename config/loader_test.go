// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "agentloop:", cfg.Redis.KeyPrefix)

	assert.Equal(t, 100, cfg.Budget.MaxSteps)
	assert.Equal(t, 2, cfg.Budget.MaxDepth)

	assert.Equal(t, 90*time.Second, cfg.Lock.Lease)
	assert.Equal(t, 30*time.Second, cfg.Lock.ExtendInterval)
	assert.Equal(t, 4, cfg.Lock.StaleMultiplier)

	assert.Equal(t, 5.0, cfg.Burn.ThresholdPerHour)
	assert.Equal(t, 10*time.Minute, cfg.Burn.Cooldown)

	assert.Equal(t, 50, cfg.Loop.MaxIterations)
	assert.Equal(t, "info", cfg.Log.Level)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 100, cfg.Budget.MaxSteps)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
budget:
  max_steps: 12
  max_depth: 4
lock:
  lease: 2m
  extend_interval: 20s
burn:
  threshold_per_hour: 7.5
  cooldown: 5m
llm:
  chain:
    - provider: deepseek
      model: deepseek-chat
      base_url: https://api.deepseek.com
      timeout: 45s
    - provider: qwen
      model: qwen-plus
      low_latency: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Budget.MaxSteps)
	assert.Equal(t, 4, cfg.Budget.MaxDepth)
	assert.Equal(t, 2*time.Minute, cfg.Lock.Lease)
	assert.Equal(t, 20*time.Second, cfg.Lock.ExtendInterval)
	assert.Equal(t, 7.5, cfg.Burn.ThresholdPerHour)
	require.Len(t, cfg.LLM.Chain, 2)
	assert.Equal(t, "deepseek", cfg.LLM.Chain[0].Provider)
	assert.Equal(t, 45*time.Second, cfg.LLM.Chain[0].Timeout)
	assert.True(t, cfg.LLM.Chain[1].LowLatency)

	// 未覆盖的字段保留默认值
	assert.Equal(t, 50, cfg.Loop.MaxIterations)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTLOOP_BUDGET_MAX_STEPS", "7")
	t.Setenv("AGENTLOOP_LOCK_LEASE", "3m")
	t.Setenv("AGENTLOOP_LOOP_STREAM", "true")
	t.Setenv("AGENTLOOP_LOG_OUTPUT_PATHS", "stdout, /tmp/agentloop.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Budget.MaxSteps)
	assert.Equal(t, 3*time.Minute, cfg.Lock.Lease)
	assert.True(t, cfg.Loop.Stream)
	assert.Equal(t, []string{"stdout", "/tmp/agentloop.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("budget:\n  max_steps: 12\n"), 0o644))
	t.Setenv("AGENTLOOP_BUDGET_MAX_STEPS", "30")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Budget.MaxSteps)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTLOOP_LOCK_LEASE", "forever")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTLOOP_LOCK_LEASE")
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Budget.MaxSteps)
}

func TestLoader_Validator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		return c.Validate()
	}).Load()
	require.NoError(t, err)

	t.Setenv("AGENTLOOP_BUDGET_MAX_STEPS", "0")
	_, err = NewLoader().WithValidator(func(c *Config) error {
		return c.Validate()
	}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_steps")
}

func TestConfig_ValidateExtendInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lock.ExtendInterval = cfg.Lock.Lease

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extend_interval")
}

func TestConfig_ValidateChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Chain = []LLMEndpoint{{Provider: "openai"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.chain[0]")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DefaultDatabaseConfig()
	assert.Contains(t, d.DSN(), "dbname=agentloop")

	d.Driver = "mysql"
	assert.Contains(t, d.DSN(), "@tcp(localhost:5432)/agentloop")

	d.Driver = "sqlite"
	d.Name = "/tmp/records.db"
	assert.Equal(t, "/tmp/records.db", d.DSN())

	d.Driver = "oracle"
	assert.Equal(t, "", d.DSN())
}
