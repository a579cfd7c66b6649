package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 5, cfg.Queue.MaxConcurrentJobs)
	assert.Equal(t, 2, cfg.Queue.MaxPerUserConcurrent)
	assert.Equal(t, 50000, cfg.Budget.MaxTokensPerTask)
	assert.Equal(t, 2.00, cfg.Budget.MaxCostPerTaskUSD)
	assert.Equal(t, 20.00, cfg.Budget.MaxCostPerUserDailyUSD)
	assert.Equal(t, 24*time.Hour, cfg.Queue.ResultTTL)
	assert.Equal(t, "none", cfg.Sandbox.Network)
	assert.False(t, cfg.EnableBehavioralVerification)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asa.yaml")
	content := `
queue:
  max_queue_size: 10
  max_concurrent_jobs: 3
budget:
  max_cost_per_task_usd: 0.50
enable_behavioral_verification: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrentJobs)
	assert.Equal(t, 0.50, cfg.Budget.MaxCostPerTaskUSD)
	assert.True(t, cfg.EnableBehavioralVerification)
	// untouched fields keep defaults
	assert.Equal(t, 2, cfg.Queue.MaxPerUserConcurrent)
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("ASA_MAX_QUEUE_SIZE", "7")
	t.Setenv("ASA_MAX_COST_PER_TASK_USD", "1.25")
	t.Setenv("ASA_JOB_RESULT_TTL", "2h")
	t.Setenv("ASA_ENABLE_BEHAVIORAL_VERIFICATION", "true")
	t.Setenv("ASA_ENABLE_GUARDIAN_REVIEW", "true")
	t.Setenv("ASA_EMBEDDING_MODEL", "text-embedding-3-small")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 1.25, cfg.Budget.MaxCostPerTaskUSD)
	assert.Equal(t, 2*time.Hour, cfg.Queue.ResultTTL)
	assert.True(t, cfg.EnableBehavioralVerification)
	assert.True(t, cfg.EnableGuardianReview)
	assert.Equal(t, "text-embedding-3-small", cfg.LLM.EmbeddingModel)
}

func TestLoad_TimeoutEnvVarsAreIntegerSeconds(t *testing.T) {
	t.Setenv("ASA_LLM_CALL_TIMEOUT_SECONDS", "90")
	t.Setenv("ASA_TEST_RUN_TIMEOUT_SECONDS", "600")
	t.Setenv("ASA_GIT_CLONE_TIMEOUT_SECONDS", "120")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Timeouts.LLMCall)
	assert.Equal(t, 600*time.Second, cfg.Timeouts.TestRun)
	assert.Equal(t, 120*time.Second, cfg.Timeouts.GitClone)
}

func TestLoad_MalformedEnvValueIgnored(t *testing.T) {
	t.Setenv("ASA_MAX_QUEUE_SIZE", "not-a-number")
	t.Setenv("ASA_LLM_CALL_TIMEOUT_SECONDS", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Queue.MaxQueueSize)
	// duration syntax is not accepted for the seconds variables
	assert.Equal(t, 60*time.Second, cfg.Timeouts.LLMCall)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue size", func(c *Config) { c.Queue.MaxQueueSize = 0 }},
		{"zero concurrency", func(c *Config) { c.Queue.MaxConcurrentJobs = 0 }},
		{"zero per-user", func(c *Config) { c.Queue.MaxPerUserConcurrent = 0 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"negative token budget", func(c *Config) { c.Budget.MaxTokensPerTask = -1 }},
		{"negative cost budget", func(c *Config) { c.Budget.MaxCostPerTaskUSD = -0.01 }},
		{"bad sandbox network", func(c *Config) { c.Sandbox.Network = "host" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}
