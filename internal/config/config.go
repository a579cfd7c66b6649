package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the autonomous fix service.
// It is immutable after creation via Load().
type Config struct {
	// ListenAddr is the HTTP bind address for the API server
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the SQLite file backing task state and usage records
	DatabasePath string `yaml:"database_path"`

	// WorkspaceBase is the directory under which per-task clones are created
	WorkspaceBase string `yaml:"workspace_base"`

	// Workers is the number of concurrent task workers run in-process
	Workers int `yaml:"workers"`

	// Queue contains admission and retention limits
	Queue QueueConfig `yaml:"queue"`

	// Budget contains token and cost ceilings enforced by the LLM gateway
	Budget BudgetConfig `yaml:"budget"`

	// Timeouts bound each class of blocking operation
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Git contains version-control and forge settings
	Git GitConfig `yaml:"git"`

	// LLM contains provider credentials and endpoint
	LLM LLMConfig `yaml:"llm"`

	// Sandbox controls the command runner used for test execution
	Sandbox SandboxConfig `yaml:"sandbox"`

	// EnableBehavioralVerification turns on the behavioral test capture
	// and comparison states in the task pipeline
	EnableBehavioralVerification bool `yaml:"enable_behavioral_verification"`

	// EnableGuardianReview sends every generated patch set through an
	// LLM policy review before it is applied
	EnableGuardianReview bool `yaml:"enable_guardian_review"`

	// LogLevel controls log verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// QueueConfig holds admission gates and retention windows.
type QueueConfig struct {
	// MaxQueueSize caps the number of waiting tasks
	MaxQueueSize int `yaml:"max_queue_size"`

	// MaxConcurrentJobs caps tasks executing at once across all users
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// MaxPerUserConcurrent caps active (queued or running) tasks per user
	MaxPerUserConcurrent int `yaml:"max_per_user_concurrent"`

	// ResultTTL is how long completed task handles are retained
	ResultTTL time.Duration `yaml:"result_ttl"`

	// FailureTTL is how long failed task handles are retained
	FailureTTL time.Duration `yaml:"failure_ttl"`

	// PollInterval is how often idle workers check for work
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BudgetConfig holds the resource ceilings checked before every LLM call.
type BudgetConfig struct {
	MaxTokensPerTask       int     `yaml:"max_tokens_per_task"`
	MaxCostPerTaskUSD      float64 `yaml:"max_cost_per_task_usd"`
	MaxCostPerUserDailyUSD float64 `yaml:"max_cost_per_user_per_day_usd"`
}

// TimeoutConfig bounds blocking operations per class.
type TimeoutConfig struct {
	LLMCall  time.Duration `yaml:"llm_call"`
	TestRun  time.Duration `yaml:"test_run"`
	GitClone time.Duration `yaml:"git_clone"`
	GitPush  time.Duration `yaml:"git_push"`

	// Task bounds a whole task's wall clock; zero disables the bound
	Task time.Duration `yaml:"task"`
}

// GitConfig holds git and forge settings.
type GitConfig struct {
	// Token is injected into HTTPS clone/push URLs when set
	Token string `yaml:"token"`

	// ForgeAPIBase is the REST endpoint used for pull request creation
	ForgeAPIBase string `yaml:"forge_api_base"`

	// PushToRemote enables pushing fix branches and opening pull requests
	PushToRemote bool `yaml:"push_to_remote"`
}

// LLMConfig holds LLM provider credentials.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// EmbeddingModel enables the semantic code index tier when set;
	// empty leaves only the lexical fallback
	EmbeddingModel string `yaml:"embedding_model"`
}

// SandboxConfig controls how test commands are executed.
type SandboxConfig struct {
	// UseDocker runs commands in an isolated container when true;
	// otherwise a plain subprocess with a timeout is used
	UseDocker bool `yaml:"use_docker"`

	// Image is the container image for docker execution
	Image string `yaml:"image"`

	// MemLimit is the container memory limit (docker --memory syntax)
	MemLimit string `yaml:"mem_limit"`

	// CPULimit is the container CPU quota (docker --cpus syntax)
	CPULimit string `yaml:"cpu_limit"`

	// Network is the container network mode: "none" (default) or "bridge"
	// for repositories whose tests need to reach the network
	Network string `yaml:"network"`
}

// Load loads configuration from an optional YAML file.
// It applies defaults, then file values, then environment overrides,
// then validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
