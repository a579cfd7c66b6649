// Package gateway is the single path to LLM providers. It pins models per
// purpose, enforces budget gates before every call, retries transient
// provider failures, and writes a usage record for every attempt.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asaproj/asa/internal/config"
	"github.com/asaproj/asa/internal/faults"
	"github.com/asaproj/asa/internal/metrics"
	"github.com/asaproj/asa/internal/prompt"
	"github.com/asaproj/asa/internal/store"
)

// usageStore is the accounting surface the gateway needs from the store.
type usageStore interface {
	RecordUsage(rec *store.UsageRecord) error
	TaskTokens(taskID string) (int, error)
	TaskCost(taskID string) (float64, error)
	UserCostSince(userID string, since time.Time) (float64, error)
	RecordPromptVersion(name, version, schemaVersion, checksum string) error
}

// Gateway mediates every LLM call made on behalf of a task.
type Gateway struct {
	provider Provider
	store    usageStore
	prompts  *prompt.Loader
	budget   config.BudgetConfig
	timeout  time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger

	// callCounts tracks successful calls per task and purpose. The counts
	// live in memory only: a restart resets them, while token and cost
	// budgets keep accruing from the durable usage records.
	mu         sync.Mutex
	callCounts map[string]int

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a gateway.
func New(provider Provider, st usageStore, prompts *prompt.Loader, budget config.BudgetConfig, timeout time.Duration, collector *metrics.Collector, logger *zap.Logger) *Gateway {
	return &Gateway{
		provider:   provider,
		store:      st,
		prompts:    prompts,
		budget:     budget,
		timeout:    timeout,
		metrics:    collector,
		logger:     logger,
		callCounts: make(map[string]int),
		now:        time.Now,
	}
}

// Call identifies one gateway invocation.
type Call struct {
	TaskID  string
	UserID  string
	Purpose Purpose

	// System and User form the exchange. ChatWithPrompt fills both from
	// the catalog record unless the caller set System explicitly.
	System string
	User   string

	// JSONOnly requests a JSON object response from the provider.
	JSONOnly bool
}

// Result is the outcome of a gateway call.
type Result struct {
	Content string

	// Object is the parsed response for prompts that declare an output
	// schema, nil otherwise.
	Object map[string]any

	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Chat performs a budgeted, pinned, retried LLM call.
func (g *Gateway) Chat(ctx context.Context, call *Call) (*Result, error) {
	return g.chat(ctx, call, nil)
}

// ChatWithPrompt renders a catalog prompt and performs the call. The
// system text, JSON mode, and version strings all come from the catalog
// record; structured responses are parsed and checked against the prompt's
// output schema before they reach the caller.
func (g *Gateway) ChatWithPrompt(ctx context.Context, call *Call, promptName string, fields map[string]any) (*Result, error) {
	p, err := g.prompts.Load(promptName)
	if err != nil {
		return nil, err
	}
	rendered, err := p.Render(fields)
	if err != nil {
		return nil, err
	}
	call.User = rendered
	if call.System == "" {
		call.System = p.System
	}
	if p.WantsJSON() {
		call.JSONOnly = true
	}
	if err := g.store.RecordPromptVersion(p.Name, p.Version, p.SchemaVersion, p.Checksum); err != nil {
		g.logger.Warn("failed to record prompt version",
			zap.String("prompt", p.Name), zap.Error(err))
	}

	res, err := g.chat(ctx, call, p)
	if err != nil {
		return nil, err
	}

	if p.WantsJSON() {
		var obj map[string]any
		if err := json.Unmarshal([]byte(res.Content), &obj); err != nil {
			return nil, faults.Newf(faults.KindParseError, "prompt %s response is not a JSON object: %v", p.Name, err)
		}
		if err := p.ValidateResponse(obj); err != nil {
			return nil, err
		}
		res.Object = obj
	}
	return res, nil
}

// EndTask drops the per-purpose call counters for a finished task.
func (g *Gateway) EndTask(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.callCounts {
		if strings.HasPrefix(key, taskID+"|") {
			delete(g.callCounts, key)
		}
	}
}

func (g *Gateway) callCount(taskID string, purpose Purpose) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callCounts[taskID+"|"+string(purpose)]
}

func (g *Gateway) bumpCallCount(taskID string, purpose Purpose) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callCounts[taskID+"|"+string(purpose)]++
}

func (g *Gateway) chat(ctx context.Context, call *Call, p *prompt.Prompt) (*Result, error) {
	pin, ok := PinFor(call.Purpose)
	if !ok {
		return nil, faults.Newf(faults.KindInvalidInput, "unknown purpose: %q", call.Purpose)
	}

	// Budget rejections happen before the provider is touched and leave no
	// usage record; nothing was consumed.
	if err := g.checkBudgets(call, pin); err != nil {
		return nil, err
	}

	req := &Request{
		Model:       pin.Model,
		Temperature: pin.Temperature,
		MaxTokens:   pin.MaxTokens,
		JSONOnly:    call.JSONOnly,
	}
	if p != nil && p.ModelOverrides != nil {
		if p.ModelOverrides.Temperature != nil {
			req.Temperature = *p.ModelOverrides.Temperature
		}
		if p.ModelOverrides.MaxTokens != nil {
			req.MaxTokens = *p.ModelOverrides.MaxTokens
		}
	}
	if call.System != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: call.System})
	}
	req.Messages = append(req.Messages, Message{Role: "user", Content: call.User})

	var completion *Completion
	var latency time.Duration
	err := faults.Retry(ctx, func(ctx context.Context) error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		start := time.Now()
		var callErr error
		completion, callErr = g.provider.Complete(callCtx, req)
		latency = time.Since(start)
		if callErr != nil {
			g.recordFailedAttempt(call, p, pin.Model, latency, callErr)
		}
		return callErr
	}, func(attempt int, err error, wait time.Duration) {
		g.logger.Warn("LLM call failed, retrying",
			zap.String("task_id", call.TaskID),
			zap.String("purpose", string(call.Purpose)),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}

	cost := Cost(pin.Model, completion.PromptTokens, completion.CompletionTokens)

	// Usage is recorded before the response reaches the caller so the next
	// budget check sees this call.
	rec := &store.UsageRecord{
		TaskID:           call.TaskID,
		UserID:           call.UserID,
		Purpose:          string(call.Purpose),
		Model:            pin.Model,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		CostUSD:          cost,
		LatencyMS:        latency.Milliseconds(),
	}
	fillPromptMeta(rec, p)
	if err := g.store.RecordUsage(rec); err != nil {
		return nil, err
	}
	g.bumpCallCount(call.TaskID, call.Purpose)

	if g.metrics != nil {
		g.metrics.RecordLLMCall(string(call.Purpose), pin.Model, completion.PromptTokens, completion.CompletionTokens, cost)
	}

	return &Result{
		Content:          completion.Content,
		Model:            pin.Model,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		CostUSD:          cost,
	}, nil
}

// recordFailedAttempt writes the accounting row for a provider call that
// errored. Failures here are logged, not raised: losing an error row must
// not mask the call error itself.
func (g *Gateway) recordFailedAttempt(call *Call, p *prompt.Prompt, model string, latency time.Duration, callErr error) {
	rec := &store.UsageRecord{
		TaskID:    call.TaskID,
		UserID:    call.UserID,
		Purpose:   string(call.Purpose),
		Model:     model,
		LatencyMS: latency.Milliseconds(),
		Status:    "error",
		Error:     callErr.Error(),
	}
	fillPromptMeta(rec, p)
	if err := g.store.RecordUsage(rec); err != nil {
		g.logger.Warn("failed to record usage for failed attempt",
			zap.String("task_id", call.TaskID), zap.Error(err))
	}
}

func fillPromptMeta(rec *store.UsageRecord, p *prompt.Prompt) {
	if p == nil {
		return
	}
	rec.PromptName = p.Name
	rec.PromptVersion = p.Version
	rec.PromptSchemaVersion = p.SchemaVersion
}

// checkBudgets enforces the budget gates in a fixed order: per-purpose call
// count, task tokens, task cost, then the user's daily cost. The task cost
// gate also charges a worst-case estimate for the upcoming call so a model
// that cannot possibly finish under the cap is rejected up front.
func (g *Gateway) checkBudgets(call *Call, pin ModelConfig) error {
	if limit, ok := callLimits[call.Purpose]; ok {
		if count := g.callCount(call.TaskID, call.Purpose); count >= limit {
			return faults.Newf(faults.KindCallLimitExceeded, "purpose %s reached its limit of %d calls", call.Purpose, limit)
		}
	}

	tokens, err := g.store.TaskTokens(call.TaskID)
	if err != nil {
		return err
	}
	if g.budget.MaxTokensPerTask > 0 && tokens >= g.budget.MaxTokensPerTask {
		return faults.Newf(faults.KindTokenBudgetExceeded, "task consumed %d of %d tokens", tokens, g.budget.MaxTokensPerTask)
	}

	if g.budget.MaxCostPerTaskUSD > 0 {
		spent, err := g.store.TaskCost(call.TaskID)
		if err != nil {
			return err
		}
		estimate := Cost(pin.Model, (len(call.System)+len(call.User))/4, pin.MaxTokens)
		if spent >= g.budget.MaxCostPerTaskUSD || spent+estimate > g.budget.MaxCostPerTaskUSD {
			return faults.Newf(faults.KindCostBudgetExceeded, "task consumed $%.4f of $%.2f, next call costs up to $%.4f",
				spent, g.budget.MaxCostPerTaskUSD, estimate)
		}
	}

	midnight := g.now().UTC().Truncate(24 * time.Hour)
	daily, err := g.store.UserCostSince(call.UserID, midnight)
	if err != nil {
		return err
	}
	if g.budget.MaxCostPerUserDailyUSD > 0 && daily >= g.budget.MaxCostPerUserDailyUSD {
		return faults.Newf(faults.KindCostBudgetExceeded, "user %s consumed $%.4f of daily $%.2f", call.UserID, daily, g.budget.MaxCostPerUserDailyUSD)
	}

	return nil
}
