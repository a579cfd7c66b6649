package faults

import "time"

// Kind identifies a specific failure mode with an associated retry policy.
type Kind string

const (
	// Transient failures, safe to retry with backoff.
	KindNetworkTimeout    Kind = "network_timeout"
	KindNetworkConnection Kind = "network_connection"
	KindLLMRateLimit      Kind = "llm_rate_limit"
	KindLLMTimeout        Kind = "llm_timeout"
	KindSandboxTimeout    Kind = "sandbox_timeout"
	KindForgeRateLimit    Kind = "forge_rate_limit"

	// Permanent failures, retrying cannot help.
	KindLLMInvalidResponse Kind = "llm_invalid_response"
	KindParseError         Kind = "parse_error"
	KindFileNotFound       Kind = "file_not_found"
	KindGitAuthFailed      Kind = "git_authentication_failed"
	KindSandboxFailed      Kind = "sandbox_failed"

	// Policy violations, require human review.
	KindGuardianRejected Kind = "guardian_rejected"
	KindSecretExposed    Kind = "secret_exposed"
	KindUnsafeCode       Kind = "unsafe_code"

	// User input errors.
	KindInvalidInput   Kind = "invalid_input"
	KindInvalidRepoURL Kind = "invalid_repo_url"

	// Resource limits.
	KindTokenBudgetExceeded Kind = "token_budget_exceeded"
	KindCostBudgetExceeded  Kind = "cost_budget_exceeded"
	KindTimeBudgetExceeded  Kind = "time_budget_exceeded"
	KindCallLimitExceeded   Kind = "call_limit_exceeded"
	KindQueueFull           Kind = "queue_full"
)

// Category is the high-level classification a Kind belongs to.
type Category string

const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
	CategoryPolicy    Category = "policy"
	CategoryUser      Category = "user"
	CategoryResource  Category = "resource"
)

// Policy controls retry behavior for a Kind.
type Policy struct {
	ShouldRetry    bool
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// Info bundles everything the system knows about a Kind.
type Info struct {
	Kind     Kind
	Category Category
	Policy   Policy
	Message  string
}

var noRetry = Policy{ShouldRetry: false, MaxAttempts: 0, Multiplier: 1.0}

// taxonomy is the static error table shared by the gateway, the retry
// handler, and the workers. New kinds are additive; existing rows do not
// change at runtime.
var taxonomy = map[Kind]Info{
	KindNetworkTimeout: {
		Kind:     KindNetworkTimeout,
		Category: CategoryTransient,
		Policy:   Policy{ShouldRetry: true, MaxAttempts: 3, InitialBackoff: 2 * time.Second, Multiplier: 2.0, MaxBackoff: 30 * time.Second},
		Message:  "network timeout during operation",
	},
	KindNetworkConnection: {
		Kind:     KindNetworkConnection,
		Category: CategoryTransient,
		Policy:   Policy{ShouldRetry: true, MaxAttempts: 3, InitialBackoff: 1 * time.Second, Multiplier: 2.0, MaxBackoff: 10 * time.Second},
		Message:  "network connection failed",
	},
	KindLLMRateLimit: {
		Kind:     KindLLMRateLimit,
		Category: CategoryTransient,
		Policy:   Policy{ShouldRetry: true, MaxAttempts: 5, InitialBackoff: 10 * time.Second, Multiplier: 2.0, MaxBackoff: 120 * time.Second},
		Message:  "LLM provider rate limit exceeded",
	},
	KindLLMTimeout: {
		Kind:     KindLLMTimeout,
		Category: CategoryTransient,
		Policy:   Policy{ShouldRetry: true, MaxAttempts: 2, InitialBackoff: 5 * time.Second, Multiplier: 1.5, MaxBackoff: 15 * time.Second},
		Message:  "LLM call timed out",
	},
	KindSandboxTimeout: {
		Kind:     KindSandboxTimeout,
		Category: CategoryTransient,
		Policy:   Policy{ShouldRetry: true, MaxAttempts: 2, InitialBackoff: 3 * time.Second, Multiplier: 1.0, MaxBackoff: 3 * time.Second},
		Message:  "sandbox execution timed out",
	},
	KindForgeRateLimit: {
		Kind:     KindForgeRateLimit,
		Category: CategoryTransient,
		Policy:   Policy{ShouldRetry: true, MaxAttempts: 3, InitialBackoff: 60 * time.Second, Multiplier: 1.0, MaxBackoff: 60 * time.Second},
		Message:  "forge API rate limit exceeded",
	},

	KindLLMInvalidResponse: {Kind: KindLLMInvalidResponse, Category: CategoryPermanent, Policy: noRetry, Message: "LLM response failed schema validation"},
	KindParseError:         {Kind: KindParseError, Category: CategoryPermanent, Policy: noRetry, Message: "failed to parse structured output"},
	KindFileNotFound:       {Kind: KindFileNotFound, Category: CategoryPermanent, Policy: noRetry, Message: "required file not found"},
	KindGitAuthFailed:      {Kind: KindGitAuthFailed, Category: CategoryPermanent, Policy: noRetry, Message: "git authentication failed"},
	KindSandboxFailed:      {Kind: KindSandboxFailed, Category: CategoryPermanent, Policy: noRetry, Message: "sandbox failed to start or execute"},

	KindGuardianRejected: {Kind: KindGuardianRejected, Category: CategoryPolicy, Policy: noRetry, Message: "change rejected by guardian policy check"},
	KindSecretExposed:    {Kind: KindSecretExposed, Category: CategoryPolicy, Policy: noRetry, Message: "potential secret exposure detected"},
	KindUnsafeCode:       {Kind: KindUnsafeCode, Category: CategoryPolicy, Policy: noRetry, Message: "generated code flagged as unsafe"},

	KindInvalidInput:   {Kind: KindInvalidInput, Category: CategoryUser, Policy: noRetry, Message: "input validation failed"},
	KindInvalidRepoURL: {Kind: KindInvalidRepoURL, Category: CategoryUser, Policy: noRetry, Message: "repository URL is not valid"},

	KindTokenBudgetExceeded: {Kind: KindTokenBudgetExceeded, Category: CategoryResource, Policy: noRetry, Message: "token budget limit reached"},
	KindCostBudgetExceeded:  {Kind: KindCostBudgetExceeded, Category: CategoryResource, Policy: noRetry, Message: "cost budget limit reached"},
	KindTimeBudgetExceeded:  {Kind: KindTimeBudgetExceeded, Category: CategoryResource, Policy: noRetry, Message: "time budget limit reached"},
	KindCallLimitExceeded:   {Kind: KindCallLimitExceeded, Category: CategoryResource, Policy: noRetry, Message: "per-purpose call limit reached"},
	KindQueueFull:           {Kind: KindQueueFull, Category: CategoryResource, Policy: noRetry, Message: "queue is full"},
}

// Lookup returns the taxonomy row for a kind. Unknown kinds report as
// permanent with no retry.
func Lookup(kind Kind) Info {
	if info, ok := taxonomy[kind]; ok {
		return info
	}
	return Info{Kind: kind, Category: CategoryPermanent, Policy: noRetry, Message: string(kind)}
}

// PolicyFor returns the retry policy for a kind.
func PolicyFor(kind Kind) Policy {
	return Lookup(kind).Policy
}

// CategoryOf returns the category for a kind.
func CategoryOf(kind Kind) Category {
	return Lookup(kind).Category
}
