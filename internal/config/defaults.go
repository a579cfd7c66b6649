package config

import "time"

// DefaultConfig returns a Config with all default values set.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    ":8080",
		DatabasePath:  "asa.db",
		WorkspaceBase: "workspaces",
		Workers:       2,
		Queue: QueueConfig{
			MaxQueueSize:         100,
			MaxConcurrentJobs:    5,
			MaxPerUserConcurrent: 2,
			ResultTTL:            24 * time.Hour,
			FailureTTL:           7 * 24 * time.Hour,
			PollInterval:         500 * time.Millisecond,
		},
		Budget: BudgetConfig{
			MaxTokensPerTask:       50000,
			MaxCostPerTaskUSD:      2.00,
			MaxCostPerUserDailyUSD: 20.00,
		},
		Timeouts: TimeoutConfig{
			LLMCall:  60 * time.Second,
			TestRun:  5 * time.Minute,
			GitClone: 5 * time.Minute,
			GitPush:  time.Minute,
			Task:     time.Hour,
		},
		Git: GitConfig{
			ForgeAPIBase: "https://api.github.com",
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Sandbox: SandboxConfig{
			Image:    "python:3.11-slim",
			MemLimit: "512m",
			CPULimit: "1.0",
			Network:  "none",
		},
		LogLevel: "info",
	}
}
