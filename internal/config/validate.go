package config

import "fmt"

// validateConfig rejects configurations the queue and budgets cannot
// operate under.
func validateConfig(cfg *Config) error {
	if cfg.Queue.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be at least 1, got %d", cfg.Queue.MaxQueueSize)
	}
	if cfg.Queue.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", cfg.Queue.MaxConcurrentJobs)
	}
	if cfg.Queue.MaxPerUserConcurrent < 1 {
		return fmt.Errorf("max_per_user_concurrent must be at least 1, got %d", cfg.Queue.MaxPerUserConcurrent)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.Budget.MaxTokensPerTask < 0 {
		return fmt.Errorf("max_tokens_per_task cannot be negative: %d", cfg.Budget.MaxTokensPerTask)
	}
	if cfg.Budget.MaxCostPerTaskUSD < 0 {
		return fmt.Errorf("max_cost_per_task_usd cannot be negative: %v", cfg.Budget.MaxCostPerTaskUSD)
	}
	if cfg.Budget.MaxCostPerUserDailyUSD < 0 {
		return fmt.Errorf("max_cost_per_user_per_day_usd cannot be negative: %v", cfg.Budget.MaxCostPerUserDailyUSD)
	}
	switch cfg.Sandbox.Network {
	case "none", "bridge":
	default:
		return fmt.Errorf("sandbox network must be none or bridge, got %q", cfg.Sandbox.Network)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", cfg.LogLevel)
	}
	return nil
}
