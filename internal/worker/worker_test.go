package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asaproj/asa/internal/config"
	"github.com/asaproj/asa/internal/faults"
	"github.com/asaproj/asa/internal/gateway"
	"github.com/asaproj/asa/internal/gitops"
	"github.com/asaproj/asa/internal/metrics"
	"github.com/asaproj/asa/internal/queue"
	"github.com/asaproj/asa/internal/sandbox"
	"github.com/asaproj/asa/internal/store"
)

const (
	unitTestCmd = "pytest -x -q"
	behaviorCmd = "python tests/test_bug_behavior.py"
)

// fixResponse is a valid patch set for the app.py seeded by the fake git
// runner: it flips the subtraction back to addition.
const fixResponse = `{
  "patches": [
    {"file_path": "app.py", "operation": "replace", "start_line": 2, "end_line": 2,
     "new_content": "    return a + b", "reason": "wrong operator"}
  ],
  "summary": "correct the addition operator",
  "root_cause": "subtraction used instead of addition",
  "confidence": 0.9
}`

const behaviorResponse = `{
  "file_path": "tests/test_bug_behavior.py",
  "content": "from app import add\nassert add(2, 2) == 4\n",
  "run_command": "python tests/test_bug_behavior.py"
}`

// fakeGateway replays canned content per prompt name. JSON content is also
// decoded into Result.Object the way the real gateway does for structured
// prompts.
type fakeGateway struct {
	mu        sync.Mutex
	responses map[string]string
	prompts   []string
	ended     []string
	err       error
}

func (f *fakeGateway) ChatWithPrompt(ctx context.Context, call *gateway.Call, promptName string, fields map[string]any) (*gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, promptName)
	if f.err != nil {
		return nil, f.err
	}
	content, ok := f.responses[promptName]
	if !ok {
		return nil, fmt.Errorf("no canned response for %s", promptName)
	}
	res := &gateway.Result{Content: content, Model: "gpt-4o", PromptTokens: 100, CompletionTokens: 50}
	var obj map[string]any
	if json.Unmarshal([]byte(content), &obj) == nil {
		res.Object = obj
	}
	return res, nil
}

func (f *fakeGateway) EndTask(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, taskID)
}

func (f *fakeGateway) promptCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.prompts {
		if p == name {
			n++
		}
	}
	return n
}

// fakeSandbox replays scripted exit codes per command; the last code in a
// sequence repeats. Scripted errors are consumed one per call, nil entries
// meaning the call runs.
type fakeSandbox struct {
	mu    sync.Mutex
	exits map[string][]int
	errs  map[string][]error
	calls []string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{exits: make(map[string][]int), errs: make(map[string][]error)}
}

func (f *fakeSandbox) Run(ctx context.Context, dir, command string) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)

	if errSeq := f.errs[command]; len(errSeq) > 0 {
		err := errSeq[0]
		f.errs[command] = errSeq[1:]
		if err != nil {
			return nil, err
		}
	}

	seq := f.exits[command]
	code := 0
	if len(seq) > 0 {
		code = seq[0]
		if len(seq) > 1 {
			f.exits[command] = seq[1:]
		}
	}
	return &sandbox.Result{ExitCode: code, Stdout: fmt.Sprintf("run of %q exited %d\n", command, code)}, nil
}

func (f *fakeSandbox) callCount(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == command {
			n++
		}
	}
	return n
}

// fakeForge records PR creation attempts.
type fakeForge struct {
	mu    sync.Mutex
	pr    *gitops.PullRequest
	err   error
	calls int
	title string
	body  string
}

func (f *fakeForge) CreatePR(ctx context.Context, repo *gitops.Repo, head, base, title, body string) (*gitops.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.title, f.body = title, body
	if f.err != nil {
		return nil, f.err
	}
	return f.pr, nil
}

// fakeEmbedder returns a constant vector so semantic index builds succeed
// without a provider.
type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embeddings endpoint unreachable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// fakeGit satisfies gitops.Runner. Clone seeds the workspace with a buggy
// app.py so indexing and patching have something to work on.
type fakeGit struct {
	mu    sync.Mutex
	calls [][]string
}

func (g *fakeGit) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, args)
	g.mu.Unlock()

	switch args[0] {
	case "clone":
		target := args[len(args)-1]
		if err := os.MkdirAll(target, 0o755); err != nil {
			return "", err
		}
		buggy := "def add(a, b):\n    return a - b\n"
		return "", os.WriteFile(filepath.Join(target, "app.py"), []byte(buggy), 0o644)
	case "remote":
		return "https://github.com/acme/widget.git\n", nil
	case "rev-parse":
		return "4bf3a1c09d8af2c6a7f51f29719eab46d44bd6be\n", nil
	}
	return "", nil
}

func (g *fakeGit) sawSubcommand(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, call := range g.calls {
		for _, arg := range call {
			if arg == name {
				return true
			}
		}
	}
	return false
}

func testDeps(t *testing.T) (Deps, *fakeGateway, *fakeSandbox, *fakeForge, *fakeGit) {
	t.Helper()

	git := &fakeGit{}
	gitops.SetDefaultRunner(git)
	t.Cleanup(func() { gitops.SetDefaultRunner(nil) })

	cfg := config.DefaultConfig()
	cfg.WorkspaceBase = t.TempDir()
	cfg.Git.PushToRemote = false
	cfg.EnableBehavioralVerification = false
	cfg.Timeouts.Task = time.Minute
	cfg.Queue.PollInterval = 10 * time.Millisecond

	st, err := store.Open(filepath.Join(t.TempDir(), "asa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gw := &fakeGateway{responses: map[string]string{
		"fix_generation":             fixResponse,
		"behavioral_test_generation": behaviorResponse,
	}}
	sb := newFakeSandbox()
	fg := &fakeForge{pr: &gitops.PullRequest{Number: 7, HTMLURL: "https://github.com/acme/widget/pull/7"}}

	deps := Deps{
		Store:   st,
		Queue:   queue.New(cfg.Queue),
		Gateway: gw,
		Sandbox: sb,
		Forge:   fg,
		Metrics: metrics.NewCollector(),
		Config:  cfg,
		Logger:  zap.NewNop(),
	}
	return deps, gw, sb, fg, git
}

// startTask admits a job, creates its task row, and marks it running.
func startTask(t *testing.T, deps Deps, repoURL string) *queue.Job {
	t.Helper()

	job, err := deps.Queue.Submit("alice", queue.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, deps.Store.CreateTask(&store.Task{
		ID:             job.ID,
		UserID:         "alice",
		RepoURL:        repoURL,
		BugDescription: "add returns the difference instead of the sum",
		TestCommand:    unitTestCmd,
	}))

	got := deps.Queue.Dequeue()
	require.NotNil(t, got)
	require.Equal(t, job.ID, got.ID)
	return got
}

func TestExecute_HappyPath(t *testing.T) {
	deps, gw, sb, _, git := testDeps(t)
	sb.exits[unitTestCmd] = []int{1, 0} // failing before the fix, passing after

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.Branch)
	assert.Equal(t, "asa/fix-"+job.ID, *task.Branch)
	require.NotNil(t, task.FixSummary)
	assert.Equal(t, "correct the addition operator", *task.FixSummary)
	assert.Nil(t, task.PRURL)
	assert.NotNil(t, task.CompletedAt)
	assert.Contains(t, task.Log, "pipeline trace:")

	// run artifacts are persisted on the row for later inspection
	require.NotNil(t, task.WorkspacePath)
	assert.Equal(t, filepath.Join(deps.Config.WorkspaceBase, job.ID), *task.WorkspacePath)
	require.NotNil(t, task.TestOutput)
	assert.Contains(t, *task.TestOutput, "exit 0")

	// the patch actually landed in the working tree
	fixed, err := os.ReadFile(filepath.Join(deps.Config.WorkspaceBase, job.ID, "app.py"))
	require.NoError(t, err)
	assert.Contains(t, string(fixed), "return a + b")

	results, err := deps.Store.ListEvaluationResults(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "final", results[0].Phase)
	assert.Equal(t, "fix_unverified", results[0].Verdict)
	assert.Nil(t, results[0].CaseID)

	assert.Equal(t, 1, gw.promptCount("fix_generation"))
	assert.Equal(t, []string{job.ID}, gw.ended)
	assert.True(t, git.sawSubcommand("commit"))
	assert.False(t, git.sawSubcommand("push"))
	assert.Equal(t, queue.JobFinished, job.Status())
	assert.Equal(t, 0, deps.Queue.Stats().Running)
}

func TestExecute_TestsPassingBeforeFixFails(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	sb.exits[unitTestCmd] = []int{0}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, 0, gw.promptCount("fix_generation"))
	assert.Equal(t, queue.JobFailed, job.Status())
}

func TestExecute_MissingTestCommandFailsFast(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	sb.exits[unitTestCmd] = []int{127} // shell: command not found

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "test command not found")
	// a broken command never reaches fix generation
	assert.Equal(t, 0, gw.promptCount("fix_generation"))
}

func TestExecute_TestsStillFailingExhaustsRetry(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	sb.exits[unitTestCmd] = []int{1} // last code repeats: tests never pass

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)

	// one before-fix run, then the post-fix run and its single retry
	assert.Equal(t, 3, sb.callCount(unitTestCmd))
	assert.Equal(t, 1, gw.promptCount("fix_generation"))
}

func TestExecute_UnrunnableRetestFailsTask(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	sb.exits[unitTestCmd] = []int{1}
	// the pre-fix run works; the post-fix run cannot execute at all
	sb.errs[unitTestCmd] = []error{nil, faults.New(faults.KindSandboxFailed, "runner image missing")}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "runner image missing")
	// no second fix attempt: the fix was never refuted, just unverifiable
	assert.Equal(t, 1, gw.promptCount("fix_generation"))
	assert.Equal(t, 2, sb.callCount(unitTestCmd))
}

func TestExecute_FixGenerationErrorRetriesState(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	sb.exits[unitTestCmd] = []int{1}
	gw.err = fmt.Errorf("provider hiccup")

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	// the state retries twice before giving up
	assert.Equal(t, 3, gw.promptCount("fix_generation"))
}

func TestExecute_BudgetErrorFailsWithoutStateRetry(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	sb.exits[unitTestCmd] = []int{1}
	gw.err = faults.New(faults.KindCostBudgetExceeded, "task budget $1.00 spent")

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "budget")
	// retrying cannot refill the budget, so the state never re-runs
	assert.Equal(t, 1, gw.promptCount("fix_generation"))
}

func TestExecute_BugAnalysisGuidesFix(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	gw.responses["bug_analysis"] = `{"files": ["app.py"], "hypothesis": "add subtracts its operands"}`
	sb.exits[unitTestCmd] = []int{1, 0}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, 1, gw.promptCount("bug_analysis"))
	assert.Contains(t, task.Log, "fault hypothesis: add subtracts its operands")
}

func TestExecute_PushAndPRRecorded(t *testing.T) {
	deps, gw, sb, fg, git := testDeps(t)
	deps.Config.Git.PushToRemote = true
	gw.responses["pr_description"] = "## What was broken\n\nAddition subtracted its operands.\n"
	sb.exits[unitTestCmd] = []int{1, 0}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	require.NotNil(t, task.PRURL)
	assert.Equal(t, "https://github.com/acme/widget/pull/7", *task.PRURL)

	// the pull request write must not clobber earlier result fields
	require.NotNil(t, task.Branch)
	require.NotNil(t, task.FixSummary)

	assert.Equal(t, 1, fg.calls)
	assert.True(t, git.sawSubcommand("push"))

	// the review model wrote the description
	assert.Equal(t, 1, gw.promptCount("pr_description"))
	assert.Equal(t, "Fix: correct the addition operator", fg.title)
	assert.Equal(t, gw.responses["pr_description"], fg.body)
}

func TestExecute_PRBodyFallsBackWithoutReviewModel(t *testing.T) {
	deps, gw, sb, fg, _ := testDeps(t)
	deps.Config.Git.PushToRemote = true
	sb.exits[unitTestCmd] = []int{1, 0}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	require.NotNil(t, task.PRURL)

	// no review model available: the assembled report ships instead
	assert.Equal(t, 1, gw.promptCount("pr_description"))
	assert.Contains(t, fg.body, "Bug report:")
	assert.Contains(t, fg.body, "Root cause:")
	assert.Contains(t, fg.body, "Files changed: app.py")
}

func TestExecute_PRFailureStillCompletes(t *testing.T) {
	deps, _, sb, fg, _ := testDeps(t)
	deps.Config.Git.PushToRemote = true
	fg.err = fmt.Errorf("forge returned 502")
	sb.exits[unitTestCmd] = []int{1, 0}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Nil(t, task.PRURL)
	require.NotNil(t, task.Branch)
	assert.Contains(t, task.Log, "pull request creation failed")
}

func TestExecute_BehavioralVerification(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	deps.Config.EnableBehavioralVerification = true
	sb.exits[unitTestCmd] = []int{1, 0}
	sb.exits[behaviorCmd] = []int{1, 0} // failing confirms the bug, passing validates the fix

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Contains(t, task.Log, "bug confirmed")
	assert.Contains(t, task.Log, "behavioral test passes after fix")
	require.NotNil(t, task.BehavioralTestPath)
	assert.Equal(t, "tests/test_bug_behavior.py", *task.BehavioralTestPath)
	assert.Equal(t, 1, gw.promptCount("behavioral_test_generation"))
	assert.Equal(t, 2, sb.callCount(behaviorCmd))

	ec, err := deps.Store.GetEvaluationCase(job.ID)
	require.NoError(t, err)
	require.NotNil(t, ec)
	assert.Equal(t, behaviorCmd, ec.RunCommand)

	results, err := deps.Store.ListEvaluationResults(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "verify_bug", results[0].Phase)
	assert.Equal(t, "bug_confirmed", results[0].Verdict)
	assert.Equal(t, "verify_fix", results[1].Phase)
	assert.Equal(t, "fix_valid", results[1].Verdict)
	assert.Equal(t, "final", results[2].Phase)
	assert.Equal(t, "fix_valid", results[2].Verdict)
	for _, res := range results {
		require.NotNil(t, res.CaseID)
		assert.Equal(t, ec.ID, *res.CaseID)
	}

	// the synthesized test is scaffolding and never reaches the commit
	_, statErr := os.Stat(filepath.Join(deps.Config.WorkspaceBase, job.ID, "tests", "test_bug_behavior.py"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecute_GuardianApproval(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	deps.Config.EnableGuardianReview = true
	gw.responses["guardian_review"] = `{"verdict": "approve", "reason": "scoped to the reported bug"}`
	sb.exits[unitTestCmd] = []int{1, 0}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Contains(t, task.Log, "guardian review approved the patch")
	assert.Equal(t, 1, gw.promptCount("guardian_review"))
}

func TestExecute_GuardianRejectionFailsTask(t *testing.T) {
	deps, gw, sb, _, _ := testDeps(t)
	deps.Config.EnableGuardianReview = true
	gw.responses["guardian_review"] = `{"verdict": "reject", "reason": "patch disables input validation"}`
	sb.exits[unitTestCmd] = []int{1}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "patch disables input validation")
	// a policy rejection is final: no second fix attempt
	assert.Equal(t, 1, gw.promptCount("fix_generation"))
	assert.Equal(t, 1, gw.promptCount("guardian_review"))

	// the rejected patch never touched the working tree
	content, err := os.ReadFile(filepath.Join(deps.Config.WorkspaceBase, job.ID, "app.py"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "return a - b")
}

func TestExecute_SemanticIndexPreferred(t *testing.T) {
	deps, _, sb, _, _ := testDeps(t)
	deps.Embedder = &fakeEmbedder{}
	sb.exits[unitTestCmd] = []int{1, 0}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Contains(t, task.Log, "index=semantic")
	assert.NotContains(t, task.Log, "lexical fallback")
}

func TestExecute_SemanticIndexFallsBackToLexical(t *testing.T) {
	deps, _, sb, _, _ := testDeps(t)
	deps.Embedder = &fakeEmbedder{fail: true}
	sb.exits[unitTestCmd] = []int{1, 0}

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Contains(t, task.Log, "semantic index unavailable")
	assert.Contains(t, task.Log, "using lexical fallback")
}

func TestExecute_InvalidRepoURLFails(t *testing.T) {
	deps, _, _, _, git := testDeps(t)

	job := startTask(t, deps, "http://github.com/acme/widget.git")
	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "https")
	assert.False(t, git.sawSubcommand("clone"))
}

func TestExecute_CancellationBeforeWork(t *testing.T) {
	deps, _, _, _, _ := testDeps(t)

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	_, err := deps.Queue.Cancel(job.ID)
	require.NoError(t, err)

	NewRunner(deps).Execute(context.Background(), job)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, task.Status)
	assert.Equal(t, queue.JobCancelled, job.Status())
}

func TestExecute_SkipsAlreadyTerminalTask(t *testing.T) {
	deps, gw, _, _, _ := testDeps(t)

	job := startTask(t, deps, "https://github.com/acme/widget.git")
	require.NoError(t, deps.Store.UpdateTaskStatus(job.ID, store.StatusCancelled, 0, nil))

	NewRunner(deps).Execute(context.Background(), job)

	// the pipeline never started: no prompts, slot released
	assert.Empty(t, gw.prompts)
	assert.Equal(t, queue.JobCancelled, job.Status())

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, task.Status)
}

func TestPool_DrainsQueue(t *testing.T) {
	deps, _, sb, _, _ := testDeps(t)
	sb.exits[unitTestCmd] = []int{1, 0}

	job, err := deps.Queue.Submit("alice", queue.PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, deps.Store.CreateTask(&store.Task{
		ID:             job.ID,
		UserID:         "alice",
		RepoURL:        "https://github.com/acme/widget.git",
		BugDescription: "add returns the difference instead of the sum",
		TestCommand:    unitTestCmd,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- NewPool(deps).Run(ctx) }()

	require.Eventually(t, func() bool {
		task, err := deps.Store.GetTask(job.ID)
		return err == nil && task != nil && task.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	task, err := deps.Store.GetTask(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)

	cancel()
	require.NoError(t, <-done)
}
