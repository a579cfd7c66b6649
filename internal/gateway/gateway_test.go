package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asaproj/asa/internal/config"
	"github.com/asaproj/asa/internal/faults"
	"github.com/asaproj/asa/internal/prompt"
	"github.com/asaproj/asa/internal/store"
)

// fakeStore implements usageStore in memory with the same defaulting rules
// as the SQLite store.
type fakeStore struct {
	records  []*store.UsageRecord
	versions map[string]string
}

func (f *fakeStore) RecordUsage(rec *store.UsageRecord) error {
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	if rec.Status == "" {
		rec.Status = "success"
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) TaskTokens(taskID string) (int, error) {
	total := 0
	for _, r := range f.records {
		if r.TaskID == taskID {
			total += r.TotalTokens
		}
	}
	return total, nil
}

func (f *fakeStore) TaskCost(taskID string) (float64, error) {
	total := 0.0
	for _, r := range f.records {
		if r.TaskID == taskID {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (f *fakeStore) UserCostSince(userID string, since time.Time) (float64, error) {
	total := 0.0
	for _, r := range f.records {
		if r.UserID == userID {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (f *fakeStore) RecordPromptVersion(name, version, schemaVersion, checksum string) error {
	if f.versions == nil {
		f.versions = make(map[string]string)
	}
	f.versions[name] = version
	return nil
}

// fakeProvider returns scripted completions or errors in order.
type fakeProvider struct {
	responses []*Completion
	errs      []error
	requests  []*Request
}

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &Completion{Content: "ok", PromptTokens: 100, CompletionTokens: 50}, nil
}

func newTestGateway(p Provider, st usageStore, budget config.BudgetConfig) *Gateway {
	return New(p, st, prompt.NewLoader(), budget, 0, nil, zap.NewNop())
}

func defaultBudget() config.BudgetConfig {
	return config.BudgetConfig{
		MaxTokensPerTask:       50000,
		MaxCostPerTaskUSD:      2.00,
		MaxCostPerUserDailyUSD: 20.00,
	}
}

const validPatchJSON = `{"summary":"fix total","root_cause":"off by one",` +
	`"patches":[{"file_path":"a.py","operation":"replace","start_line":1,"end_line":1,"new_content":"x = 1"}]}`

func TestChat_PinsModelByPurpose(t *testing.T) {
	p := &fakeProvider{}
	st := &fakeStore{}
	g := newTestGateway(p, st, defaultBudget())

	res, err := g.Chat(context.Background(), &Call{
		TaskID: "t1", UserID: "alice", Purpose: PurposeFixGeneration, User: "fix it",
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", res.Model)
	require.Len(t, p.requests, 1)
	assert.Equal(t, "gpt-4o", p.requests[0].Model)
	assert.Equal(t, 0.2, p.requests[0].Temperature)
	assert.Equal(t, 4096, p.requests[0].MaxTokens)
}

func TestChat_UnknownPurpose(t *testing.T) {
	g := newTestGateway(&fakeProvider{}, &fakeStore{}, defaultBudget())

	_, err := g.Chat(context.Background(), &Call{TaskID: "t1", UserID: "a", Purpose: "surfing"})
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalidInput, faults.KindOf(err))
}

func TestChat_RecordsUsageBeforeReturning(t *testing.T) {
	st := &fakeStore{}
	g := newTestGateway(&fakeProvider{
		responses: []*Completion{{Content: "done", PromptTokens: 1000, CompletionTokens: 200}},
	}, st, defaultBudget())

	res, err := g.Chat(context.Background(), &Call{TaskID: "t1", UserID: "alice", Purpose: PurposeCodeAnalysis, User: "x"})
	require.NoError(t, err)

	require.Len(t, st.records, 1)
	rec := st.records[0]
	assert.Equal(t, "code_analysis", rec.Purpose)
	assert.Equal(t, "gpt-4o-mini", rec.Model)
	assert.Equal(t, 1000, rec.PromptTokens)
	assert.Equal(t, "success", rec.Status)
	assert.InDelta(t, Cost("gpt-4o-mini", 1000, 200), res.CostUSD, 1e-12)
}

func TestChat_TokenBudgetGate(t *testing.T) {
	st := &fakeStore{records: []*store.UsageRecord{
		{TaskID: "t1", UserID: "alice", Purpose: "code_analysis", TotalTokens: 50000},
	}}
	g := newTestGateway(&fakeProvider{}, st, defaultBudget())

	_, err := g.Chat(context.Background(), &Call{TaskID: "t1", UserID: "alice", Purpose: PurposeFixGeneration, User: "x"})
	require.Error(t, err)
	assert.Equal(t, faults.KindTokenBudgetExceeded, faults.KindOf(err))
	// a budget rejection consumed nothing, so it leaves no usage row
	assert.Len(t, st.records, 1)
}

func TestChat_TaskCostGate(t *testing.T) {
	st := &fakeStore{records: []*store.UsageRecord{
		{TaskID: "t1", UserID: "alice", Purpose: "code_analysis", CostUSD: 2.50},
	}}
	g := newTestGateway(&fakeProvider{}, st, defaultBudget())

	_, err := g.Chat(context.Background(), &Call{TaskID: "t1", UserID: "alice", Purpose: PurposeFixGeneration, User: "x"})
	require.Error(t, err)
	assert.Equal(t, faults.KindCostBudgetExceeded, faults.KindOf(err))
}

func TestChat_CostGateChargesWorstCaseEstimate(t *testing.T) {
	// A cap below the model's minimum possible call cost rejects the very
	// first call before the provider is touched.
	p := &fakeProvider{}
	st := &fakeStore{}
	budget := defaultBudget()
	budget.MaxCostPerTaskUSD = 0.01
	g := newTestGateway(p, st, budget)

	_, err := g.Chat(context.Background(), &Call{TaskID: "t1", UserID: "alice", Purpose: PurposeFixGeneration, User: "x"})
	require.Error(t, err)
	assert.Equal(t, faults.KindCostBudgetExceeded, faults.KindOf(err))
	assert.Empty(t, p.requests)
	assert.Empty(t, st.records)
}

func TestChat_UserDailyCostGate(t *testing.T) {
	// spend is on another task but the same user
	st := &fakeStore{records: []*store.UsageRecord{
		{TaskID: "other", UserID: "alice", Purpose: "code_analysis", CostUSD: 25.0},
	}}
	g := newTestGateway(&fakeProvider{}, st, defaultBudget())

	_, err := g.Chat(context.Background(), &Call{TaskID: "t1", UserID: "alice", Purpose: PurposeFixGeneration, User: "x"})
	require.Error(t, err)
	assert.Equal(t, faults.KindCostBudgetExceeded, faults.KindOf(err))
}

func TestChat_CallLimitIsPerTaskInstance(t *testing.T) {
	st := &fakeStore{}
	g := newTestGateway(&fakeProvider{}, st, defaultBudget())
	call := func(taskID string) error {
		_, err := g.Chat(context.Background(), &Call{TaskID: taskID, UserID: "alice", Purpose: PurposeFixGeneration, User: "x"})
		return err
	}

	for i := 0; i < callLimits[PurposeFixGeneration]; i++ {
		require.NoError(t, call("t1"))
	}

	err := call("t1")
	require.Error(t, err)
	assert.Equal(t, faults.KindCallLimitExceeded, faults.KindOf(err))

	// other tasks count separately
	require.NoError(t, call("t2"))

	// releasing the task clears its counters
	g.EndTask("t1")
	require.NoError(t, call("t1"))
}

func TestChat_RetriesTransientProviderFailure(t *testing.T) {
	p := &fakeProvider{
		errs: []error{faults.New(faults.KindNetworkConnection, "refused"), nil},
		responses: []*Completion{
			nil,
			{Content: "ok", PromptTokens: 10, CompletionTokens: 5},
		},
	}
	st := &fakeStore{}
	g := newTestGateway(p, st, defaultBudget())

	res, err := g.Chat(context.Background(), &Call{TaskID: "t1", UserID: "alice", Purpose: PurposeGuardian, User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Len(t, p.requests, 2)

	// both attempts left a usage row: the failure with zero tokens, then
	// the success
	require.Len(t, st.records, 2)
	assert.Equal(t, "error", st.records[0].Status)
	assert.Contains(t, st.records[0].Error, "refused")
	assert.Zero(t, st.records[0].TotalTokens)
	assert.Equal(t, "success", st.records[1].Status)
}

func TestChat_PermanentFailureRecordsSingleAttempt(t *testing.T) {
	p := &fakeProvider{errs: []error{faults.New(faults.KindLLMInvalidResponse, "garbled")}}
	st := &fakeStore{}
	g := newTestGateway(p, st, defaultBudget())

	_, err := g.Chat(context.Background(), &Call{TaskID: "t1", UserID: "alice", Purpose: PurposeGuardian, User: "x"})
	require.Error(t, err)
	assert.Len(t, p.requests, 1)
	require.Len(t, st.records, 1)
	assert.Equal(t, "error", st.records[0].Status)
}

func TestChatWithPrompt_RendersAndRecordsVersion(t *testing.T) {
	st := &fakeStore{}
	p := &fakeProvider{responses: []*Completion{
		{Content: validPatchJSON, PromptTokens: 100, CompletionTokens: 50},
	}}
	g := newTestGateway(p, st, defaultBudget())

	res, err := g.ChatWithPrompt(context.Background(), &Call{
		TaskID: "t1", UserID: "alice", Purpose: PurposeFixGeneration,
	}, "fix_generation", map[string]any{
		"bug_description": "totals wrong",
		"code_context":    "def total(): ...",
		"test_output":     "AssertionError",
	})
	require.NoError(t, err)

	require.Len(t, p.requests, 1)
	req := p.requests[0]
	// catalog system prompt plus rendered user message, JSON mode forced
	// by the output schema
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.NotEmpty(t, req.Messages[0].Content)
	assert.Contains(t, req.Messages[1].Content, "totals wrong")
	assert.True(t, req.JSONOnly)

	require.NotNil(t, res.Object)
	assert.Equal(t, "fix total", res.Object["summary"])

	require.Len(t, st.records, 1)
	assert.Equal(t, "fix_generation", st.records[0].PromptName)
	assert.NotEmpty(t, st.records[0].PromptVersion)
	assert.NotEmpty(t, st.records[0].PromptSchemaVersion)
	assert.Equal(t, st.records[0].PromptVersion, st.versions["fix_generation"])
}

func TestChatWithPrompt_SchemaValidation(t *testing.T) {
	t.Run("missing required key", func(t *testing.T) {
		p := &fakeProvider{responses: []*Completion{
			{Content: `{"summary":"s","root_cause":"r"}`, PromptTokens: 10, CompletionTokens: 5},
		}}
		g := newTestGateway(p, &fakeStore{}, defaultBudget())

		_, err := g.ChatWithPrompt(context.Background(), &Call{
			TaskID: "t1", UserID: "alice", Purpose: PurposeFixGeneration,
		}, "fix_generation", map[string]any{
			"bug_description": "b", "code_context": "c", "test_output": "t",
		})
		require.Error(t, err)
		assert.Equal(t, faults.KindLLMInvalidResponse, faults.KindOf(err))
	})

	t.Run("not json at all", func(t *testing.T) {
		p := &fakeProvider{responses: []*Completion{
			{Content: "sure, here is the fix", PromptTokens: 10, CompletionTokens: 5},
		}}
		g := newTestGateway(p, &fakeStore{}, defaultBudget())

		_, err := g.ChatWithPrompt(context.Background(), &Call{
			TaskID: "t1", UserID: "alice", Purpose: PurposeFixGeneration,
		}, "fix_generation", map[string]any{
			"bug_description": "b", "code_context": "c", "test_output": "t",
		})
		require.Error(t, err)
		assert.Equal(t, faults.KindParseError, faults.KindOf(err))
	})
}

func TestChatWithPrompt_FreeTextPromptPassesThrough(t *testing.T) {
	p := &fakeProvider{responses: []*Completion{
		{Content: "This change corrects the rounding.", PromptTokens: 10, CompletionTokens: 5},
	}}
	g := newTestGateway(p, &fakeStore{}, defaultBudget())

	res, err := g.ChatWithPrompt(context.Background(), &Call{
		TaskID: "t1", UserID: "alice", Purpose: PurposeCodeReview,
	}, "pr_description", map[string]any{
		"bug_description": "b", "fix_summary": "s", "files_changed": "a.py",
	})
	require.NoError(t, err)
	assert.False(t, p.requests[0].JSONOnly)
	assert.Nil(t, res.Object)
	assert.Equal(t, "This change corrects the rounding.", res.Content)
}

func TestChatWithPrompt_ModelOverridesNarrowThePin(t *testing.T) {
	p := &fakeProvider{responses: []*Completion{
		{Content: `{"files":["a.py"],"hypothesis":"h"}`, PromptTokens: 10, CompletionTokens: 5},
	}}
	g := newTestGateway(p, &fakeStore{}, defaultBudget())

	_, err := g.ChatWithPrompt(context.Background(), &Call{
		TaskID: "t1", UserID: "alice", Purpose: PurposeCodeAnalysis,
	}, "bug_analysis", map[string]any{
		"bug_description": "b", "code_context": "c",
	})
	require.NoError(t, err)

	// the catalog record narrows code_analysis (0.1 / 2048) for this prompt
	require.Len(t, p.requests, 1)
	assert.Equal(t, "gpt-4o-mini", p.requests[0].Model)
	assert.Equal(t, 0.0, p.requests[0].Temperature)
	assert.Equal(t, 512, p.requests[0].MaxTokens)
}

func TestChatWithPrompt_MissingFieldFailsBeforeProviderCall(t *testing.T) {
	p := &fakeProvider{}
	g := newTestGateway(p, &fakeStore{}, defaultBudget())

	_, err := g.ChatWithPrompt(context.Background(), &Call{
		TaskID: "t1", UserID: "alice", Purpose: PurposeFixGeneration,
	}, "fix_generation", map[string]any{"bug_description": "x"})
	require.Error(t, err)
	assert.Empty(t, p.requests)
}

func TestCost_UnknownModelUsesMostExpensiveRates(t *testing.T) {
	known := Cost("gpt-4o", 1_000_000, 1_000_000)
	unknown := Cost("mystery-model", 1_000_000, 1_000_000)
	assert.GreaterOrEqual(t, unknown, known)
}
