package config

import (
	"os"
	"strconv"
	"time"
)

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "ASA_LISTEN_ADDR",
		apply: func(c *Config, v string) {
			c.ListenAddr = v
		},
	},
	{
		envVar: "ASA_DATABASE_PATH",
		apply: func(c *Config, v string) {
			c.DatabasePath = v
		},
	},
	{
		envVar: "ASA_WORKSPACE_BASE",
		apply: func(c *Config, v string) {
			c.WorkspaceBase = v
		},
	},
	{
		envVar: "ASA_MAX_QUEUE_SIZE",
		apply: func(c *Config, v string) {
			setInt(&c.Queue.MaxQueueSize, v)
		},
	},
	{
		envVar: "ASA_MAX_CONCURRENT_JOBS",
		apply: func(c *Config, v string) {
			setInt(&c.Queue.MaxConcurrentJobs, v)
		},
	},
	{
		envVar: "ASA_MAX_PER_USER_CONCURRENT",
		apply: func(c *Config, v string) {
			setInt(&c.Queue.MaxPerUserConcurrent, v)
		},
	},
	{
		envVar: "ASA_JOB_RESULT_TTL",
		apply: func(c *Config, v string) {
			setDuration(&c.Queue.ResultTTL, v)
		},
	},
	{
		envVar: "ASA_JOB_FAILURE_TTL",
		apply: func(c *Config, v string) {
			setDuration(&c.Queue.FailureTTL, v)
		},
	},
	{
		envVar: "ASA_MAX_TOKENS_PER_TASK",
		apply: func(c *Config, v string) {
			setInt(&c.Budget.MaxTokensPerTask, v)
		},
	},
	{
		envVar: "ASA_MAX_COST_PER_TASK_USD",
		apply: func(c *Config, v string) {
			setFloat(&c.Budget.MaxCostPerTaskUSD, v)
		},
	},
	{
		envVar: "ASA_MAX_COST_PER_USER_PER_DAY_USD",
		apply: func(c *Config, v string) {
			setFloat(&c.Budget.MaxCostPerUserDailyUSD, v)
		},
	},
	{
		envVar: "ASA_LLM_CALL_TIMEOUT_SECONDS",
		apply: func(c *Config, v string) {
			setSeconds(&c.Timeouts.LLMCall, v)
		},
	},
	{
		envVar: "ASA_TEST_RUN_TIMEOUT_SECONDS",
		apply: func(c *Config, v string) {
			setSeconds(&c.Timeouts.TestRun, v)
		},
	},
	{
		envVar: "ASA_GIT_CLONE_TIMEOUT_SECONDS",
		apply: func(c *Config, v string) {
			setSeconds(&c.Timeouts.GitClone, v)
		},
	},
	{
		envVar: "ASA_GIT_TOKEN",
		apply: func(c *Config, v string) {
			c.Git.Token = v
		},
	},
	{
		envVar: "ASA_FORGE_API_BASE",
		apply: func(c *Config, v string) {
			c.Git.ForgeAPIBase = v
		},
	},
	{
		envVar: "ASA_LLM_API_KEY",
		apply: func(c *Config, v string) {
			c.LLM.APIKey = v
		},
	},
	{
		envVar: "ASA_LLM_BASE_URL",
		apply: func(c *Config, v string) {
			c.LLM.BaseURL = v
		},
	},
	{
		envVar: "ASA_EMBEDDING_MODEL",
		apply: func(c *Config, v string) {
			c.LLM.EmbeddingModel = v
		},
	},
	{
		envVar: "ASA_ENABLE_BEHAVIORAL_VERIFICATION",
		apply: func(c *Config, v string) {
			if b, err := strconv.ParseBool(v); err == nil {
				c.EnableBehavioralVerification = b
			}
		},
	},
	{
		envVar: "ASA_ENABLE_GUARDIAN_REVIEW",
		apply: func(c *Config, v string) {
			if b, err := strconv.ParseBool(v); err == nil {
				c.EnableGuardianReview = b
			}
		},
	},
	{
		envVar: "ASA_LOG_LEVEL",
		apply: func(c *Config, v string) {
			c.LogLevel = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}

// Malformed override values are ignored; the existing value stands.

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setFloat(dst *float64, v string) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func setDuration(dst *time.Duration, v string) {
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// setSeconds parses a whole number of seconds; the timeout variables take
// plain integers, not duration strings.
func setSeconds(dst *time.Duration, v string) {
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		*dst = time.Duration(n) * time.Second
	}
}
