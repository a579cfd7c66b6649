// Package worker executes admitted jobs: it wires the per-state effects
// for the orchestrator, persists progress and logs, and returns the queue
// slot when the task reaches a terminal status.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/asaproj/asa/internal/config"
	"github.com/asaproj/asa/internal/faults"
	"github.com/asaproj/asa/internal/gateway"
	"github.com/asaproj/asa/internal/gitops"
	"github.com/asaproj/asa/internal/index"
	"github.com/asaproj/asa/internal/metrics"
	"github.com/asaproj/asa/internal/orchestrator"
	"github.com/asaproj/asa/internal/patch"
	"github.com/asaproj/asa/internal/queue"
	"github.com/asaproj/asa/internal/sandbox"
	"github.com/asaproj/asa/internal/store"
)

// defaultTestCommand runs when a submission does not name one.
const defaultTestCommand = "pytest -x -q"

// llmGateway is the slice of the gateway the runner uses.
type llmGateway interface {
	ChatWithPrompt(ctx context.Context, call *gateway.Call, promptName string, fields map[string]any) (*gateway.Result, error)
	EndTask(taskID string)
}

// forge is the slice of the forge client the runner uses.
type forge interface {
	CreatePR(ctx context.Context, repo *gitops.Repo, head, base, title, body string) (*gitops.PullRequest, error)
}

// Deps bundles the services shared by all runners.
type Deps struct {
	Store    *store.Store
	Queue    *queue.Queue
	Gateway  llmGateway
	Sandbox  sandbox.Runner
	Forge    forge
	Embedder index.Embedder // nil disables the semantic index tier
	Metrics  *metrics.Collector
	Config   *config.Config
	Logger   *zap.Logger
}

// Runner executes one job to a terminal status.
type Runner struct {
	deps Deps
}

// NewRunner creates a runner over shared dependencies.
func NewRunner(deps Deps) *Runner {
	return &Runner{deps: deps}
}

// taskRun carries the mutable state of one task's execution between
// effects. Effects run strictly sequentially.
type taskRun struct {
	deps Deps
	job  *queue.Job
	task *store.Task

	workspace string
	repo      *gitops.Repo
	git       *gitops.Client
	idx       index.Index
	app       *patch.Applicator
	patches   *patch.Set

	// fault hypothesis from the analysis pass, shared by fix attempts
	hypothesis string

	// behavioral test synthesized during bug verification
	behaviorFile string
	behaviorCmd  string
	evalCase     *store.EvaluationCase

	// verdict from the post-fix behavioral re-run, recorded as an
	// evaluation when the task completes
	verdict string

	// result fields written together because the row update replaces all
	// three columns
	branch     *string
	prURL      *string
	fixSummary *string

	logger *zap.Logger
}

// Execute drives the job's task through the pipeline and persists the
// terminal status. It always releases the queue slot.
func (r *Runner) Execute(ctx context.Context, job *queue.Job) {
	deps := r.deps
	logger := deps.Logger.With(zap.String("task_id", job.ID), zap.String("user_id", job.UserID))

	task, err := deps.Store.GetTask(job.ID)
	if err != nil || task == nil {
		logger.Error("task row missing for admitted job", zap.Error(err))
		deps.Queue.Release(job, queue.JobFailed)
		return
	}
	if task.Status.Terminal() {
		// the row reached a final status while the job waited in the queue
		logger.Info("task already terminal, skipping", zap.String("status", string(task.Status)))
		switch task.Status {
		case store.StatusCompleted:
			deps.Queue.Release(job, queue.JobFinished)
		case store.StatusCancelled:
			deps.Queue.Release(job, queue.JobCancelled)
		default:
			deps.Queue.Release(job, queue.JobFailed)
		}
		return
	}

	// Cancellation closes this context so in-flight clones, test runs, and
	// LLM calls abort instead of running to completion.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if deps.Config.Timeouts.Task > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, deps.Config.Timeouts.Task)
		defer cancel()
	}
	go func() {
		select {
		case <-job.CancelChan():
			cancel()
		case <-runCtx.Done():
		}
	}()

	run := &taskRun{deps: deps, job: job, task: task, logger: logger}
	run.app = patch.NewApplicator("") // re-rooted once the workspace exists
	// call-count budgets live on the gateway instance and end with the task
	defer deps.Gateway.EndTask(job.ID)

	orch := orchestrator.New(run.effects(), logger,
		orchestrator.WithBehavioralVerification(deps.Config.EnableBehavioralVerification),
		orchestrator.WithCancelProbe(job.CancelRequested),
		orchestrator.WithMetrics(deps.Metrics),
		orchestrator.WithTransitionHook(run.persistTransition),
	)

	started := time.Now()
	outcome := orch.Run(runCtx)
	run.appendLog(orch.Visualize())

	status, jobStatus := terminalStatus(outcome)
	// an effect aborted by the cancel context reports failure; the cancel
	// request decides how the task is labeled
	if status == store.StatusFailed && job.CancelRequested() {
		status, jobStatus = store.StatusCancelled, queue.JobCancelled
	}
	var errText *string
	if outcome.Error != "" {
		errText = &outcome.Error
	}
	if err := deps.Store.UpdateTaskStatus(job.ID, status, orchestrator.ProgressFor(outcome.Final), errText); err != nil {
		logger.Error("failed to persist terminal status", zap.Error(err))
	}
	run.recordFinalEvaluation(status)

	deps.Queue.Release(job, jobStatus)
	if deps.Metrics != nil {
		deps.Metrics.RecordFinished(string(status), time.Since(started).Seconds())
	}
	logger.Info("task finished", zap.String("status", string(status)))
}

func terminalStatus(outcome *orchestrator.Outcome) (store.Status, queue.JobStatus) {
	switch {
	case outcome.Cancelled:
		return store.StatusCancelled, queue.JobCancelled
	case outcome.Final == orchestrator.StateCompleted:
		return store.StatusCompleted, queue.JobFinished
	case outcome.Final == orchestrator.StateTimeout:
		return store.StatusTimeout, queue.JobFailed
	default:
		return store.StatusFailed, queue.JobFailed
	}
}

// failureSignal maps an effect error to its transition signal. Policy
// rejections, exhausted budgets, and consumed retry policies are final:
// running the state again cannot change them, so they skip the in-state
// retry and fail the task directly.
func (run *taskRun) failureSignal(err error) orchestrator.Signal {
	var exhausted *faults.RetryExhausted
	if errors.As(err, &exhausted) {
		return orchestrator.SignalRetryExhausted
	}
	switch faults.CategoryOf(faults.KindOf(err)) {
	case faults.CategoryPolicy, faults.CategoryResource:
		return orchestrator.SignalRetryExhausted
	default:
		return orchestrator.SignalFailure
	}
}

// persistTransition mirrors every non-terminal transition into the task row
// so pollers and the push channel observe progress.
func (run *taskRun) persistTransition(from orchestrator.State, signal orchestrator.Signal, to orchestrator.State) {
	run.appendLog(fmt.Sprintf("state: %s -> %s (%s)\n", from, to, signal))
	if to.Terminal() || to == orchestrator.StateRetry {
		return
	}
	if err := run.deps.Store.UpdateTaskStatus(run.job.ID, store.Status(to), orchestrator.ProgressFor(to), nil); err != nil {
		run.logger.Warn("failed to persist transition", zap.Error(err))
	}
}

func (run *taskRun) appendLog(text string) {
	if err := run.deps.Store.AppendLog(run.job.ID, text); err != nil {
		run.logger.Warn("failed to append task log", zap.Error(err))
	}
}

func (run *taskRun) testCommand() string {
	if cmd := strings.TrimSpace(run.task.TestCommand); cmd != "" {
		return cmd
	}
	return defaultTestCommand
}

// effects builds the per-state effect table for this run.
func (run *taskRun) effects() map[orchestrator.State]orchestrator.Effect {
	return map[orchestrator.State]orchestrator.Effect{
		orchestrator.StateInit:                 run.initEffect,
		orchestrator.StateCloningRepo:          run.cloneEffect,
		orchestrator.StateIndexingCode:         run.indexEffect,
		orchestrator.StateVerifyingBugBehavior: run.verifyBugEffect,
		orchestrator.StateRunningTestsBefore:   run.testsBeforeEffect,
		orchestrator.StateGeneratingFix:        run.generateFixEffect,
		orchestrator.StateRunningTestsAfter:    run.testsAfterEffect,
		orchestrator.StateVerifyingFixBehavior: run.verifyFixEffect,
		orchestrator.StateCreatingPRBranch:     run.publishEffect,
	}
}

// initEffect validates the submission and allocates the workspace.
func (run *taskRun) initEffect(ctx context.Context) (orchestrator.Signal, error) {
	repo, err := gitops.ParseRepoURL(run.task.RepoURL)
	if err != nil {
		return orchestrator.SignalFailure, err
	}
	run.repo = repo

	run.workspace = filepath.Join(run.deps.Config.WorkspaceBase, run.job.ID)
	if err := os.MkdirAll(filepath.Dir(run.workspace), 0o755); err != nil {
		return orchestrator.SignalFailure, fmt.Errorf("allocate workspace: %w", err)
	}

	run.git = gitops.NewClient(run.workspace, run.deps.Config.Git.Token,
		run.deps.Config.Timeouts.GitClone, run.deps.Config.Timeouts.GitPush)
	run.app = patch.NewApplicator(run.workspace)
	return orchestrator.SignalSuccess, nil
}

func (run *taskRun) cloneEffect(ctx context.Context) (orchestrator.Signal, error) {
	run.appendLog(fmt.Sprintf("cloning %s\n", run.task.RepoURL))
	if err := run.git.Clone(ctx, run.task.RepoURL); err != nil {
		return orchestrator.SignalFailure, err
	}
	if err := run.deps.Store.SetTaskWorkspace(run.job.ID, run.workspace); err != nil {
		run.logger.Warn("failed to persist workspace path", zap.Error(err))
	}
	return orchestrator.SignalSuccess, nil
}

// indexEffect builds the code index: the semantic tier when an embedder is
// configured, the lexical tier otherwise or when embedding fails. The
// fallback reason lands in the task log so degraded retrieval is visible.
func (run *taskRun) indexEffect(ctx context.Context) (orchestrator.Signal, error) {
	if run.deps.Embedder != nil {
		idx, err := index.BuildSemantic(ctx, run.workspace, run.deps.Embedder)
		if err == nil {
			run.idx = idx
			orchestrator.Annotate(ctx, "index", "semantic")
			return orchestrator.SignalSuccess, nil
		}
		run.logger.Warn("semantic index build failed, falling back to lexical", zap.Error(err))
		run.appendLog(fmt.Sprintf("semantic index unavailable (%v), using lexical fallback\n", err))
	}

	idx, err := index.BuildLexical(run.workspace)
	if err != nil {
		return orchestrator.SignalFailure, fmt.Errorf("build code index: %w", err)
	}
	run.idx = idx
	if idx.Degraded() {
		run.appendLog("index: using lexical fallback, retrieval quality reduced\n")
		orchestrator.Annotate(ctx, "index", "lexical")
	}
	return orchestrator.SignalSuccess, nil
}

// verifyBugEffect synthesizes a behavioral test and runs it: the test
// failing confirms the bug. Synthesis errors do not abort the pipeline.
func (run *taskRun) verifyBugEffect(ctx context.Context) (orchestrator.Signal, error) {
	result, err := run.deps.Gateway.ChatWithPrompt(ctx, &gateway.Call{
		TaskID:   run.job.ID,
		UserID:   run.job.UserID,
		Purpose:  gateway.PurposeBehavioralTestGen,
		JSONOnly: true,
	}, "behavioral_test_generation", map[string]any{
		"bug_description": run.task.BugDescription,
		"code_context":    run.codeContext(ctx),
	})
	if err != nil {
		run.appendLog(fmt.Sprintf("behavioral test synthesis failed: %v\n", err))
		return orchestrator.SignalBugNotFound, nil
	}

	var synth struct {
		FilePath   string `json:"file_path"`
		Content    string `json:"content"`
		RunCommand string `json:"run_command"`
	}
	if err := json.Unmarshal([]byte(result.Content), &synth); err != nil || synth.FilePath == "" || synth.RunCommand == "" {
		run.appendLog("behavioral test response was not usable\n")
		return orchestrator.SignalBugNotFound, nil
	}

	path := filepath.Join(run.workspace, filepath.FromSlash(synth.FilePath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return orchestrator.SignalBugNotFound, nil
	}
	if err := os.WriteFile(path, []byte(synth.Content), 0o644); err != nil {
		return orchestrator.SignalBugNotFound, nil
	}
	run.behaviorFile = synth.FilePath
	run.behaviorCmd = synth.RunCommand
	if err := run.deps.Store.SetTaskBehavioralTest(run.job.ID, synth.FilePath); err != nil {
		run.logger.Warn("failed to persist behavioral test path", zap.Error(err))
	}
	ec := &store.EvaluationCase{TaskID: run.job.ID, FilePath: synth.FilePath, RunCommand: synth.RunCommand}
	if err := run.deps.Store.AddEvaluationCase(ec); err != nil {
		run.logger.Warn("failed to record evaluation case", zap.Error(err))
	} else {
		run.evalCase = ec
	}

	res, err := run.deps.Sandbox.Run(ctx, run.workspace, synth.RunCommand)
	if err != nil {
		run.appendLog(fmt.Sprintf("behavioral test did not run: %v\n", err))
		return orchestrator.SignalBugNotFound, nil
	}
	if res.ExitCode != 0 {
		run.appendLog("behavioral test failed as expected: bug confirmed\n")
		run.recordEvalResult("verify_bug", "bug_confirmed", map[string]any{"exit_code": res.ExitCode})
		return orchestrator.SignalBugConfirmed, nil
	}
	run.appendLog("behavioral test passed: bug not reproduced\n")
	run.recordEvalResult("verify_bug", "bug_not_reproduced", map[string]any{"exit_code": res.ExitCode})
	return orchestrator.SignalBugNotFound, nil
}

func (run *taskRun) testsBeforeEffect(ctx context.Context) (orchestrator.Signal, error) {
	return run.runTests(ctx, "before")
}

func (run *taskRun) testsAfterEffect(ctx context.Context) (orchestrator.Signal, error) {
	return run.runTests(ctx, "after")
}

func (run *taskRun) runTests(ctx context.Context, phase string) (orchestrator.Signal, error) {
	cmd := run.testCommand()
	run.appendLog(fmt.Sprintf("running tests (%s fix): %s\n", phase, cmd))

	var res *sandbox.Result
	err := faults.Retry(ctx, func(ctx context.Context) error {
		var runErr error
		res, runErr = run.deps.Sandbox.Run(ctx, run.workspace, cmd)
		return runErr
	}, func(attempt int, err error, wait time.Duration) {
		run.appendLog(fmt.Sprintf("test run attempt %d failed (%v), retrying in %s\n", attempt, err, wait))
	})
	if err != nil {
		if phase == "after" {
			// the transition table has no plain-failure edge after the fix:
			// a re-run that cannot execute cannot validate it either
			return orchestrator.SignalRetryExhausted, err
		}
		return orchestrator.SignalFailure, err
	}
	body := string(sandbox.Tail([]byte(res.Stdout+res.Stderr), sandbox.TailLimit))
	output := fmt.Sprintf("test output (exit %d):\n%s\n", res.ExitCode, body)
	run.appendLog(output)
	if err := run.deps.Store.SetTaskTestOutput(run.job.ID, output); err != nil {
		run.logger.Warn("failed to persist test output", zap.Error(err))
	}

	if res.ExitCode == 0 {
		return orchestrator.SignalTestsPass, nil
	}
	if res.ExitCode == 127 && phase == "before" {
		// the shell reports a missing command as 127: a broken test
		// command cannot be repaired by generating patches
		return orchestrator.SignalFailure,
			faults.Newf(faults.KindInvalidInput, "test command not found: %q", cmd)
	}
	return orchestrator.SignalTestsFail, nil
}

// generateFixEffect asks the gateway for a patch set and applies it. A
// re-entry after a failed attempt rolls the previous patches back first and
// reuses the first attempt's fault hypothesis.
func (run *taskRun) generateFixEffect(ctx context.Context) (orchestrator.Signal, error) {
	if len(run.app.AppliedFiles()) > 0 {
		run.appendLog("rolling back previous fix attempt\n")
		if err := run.app.Rollback(); err != nil {
			return orchestrator.SignalFailure, err
		}
	}

	codeCtx := run.codeContext(ctx)
	if run.hypothesis == "" {
		run.hypothesis = run.analyzeBug(ctx, codeCtx)
		if run.hypothesis != "" {
			run.appendLog(fmt.Sprintf("fault hypothesis: %s\n", run.hypothesis))
		}
	}
	if run.hypothesis != "" {
		codeCtx = "Fault hypothesis: " + run.hypothesis + "\n\n" + codeCtx
	}

	result, err := run.deps.Gateway.ChatWithPrompt(ctx, &gateway.Call{
		TaskID:   run.job.ID,
		UserID:   run.job.UserID,
		Purpose:  gateway.PurposeFixGeneration,
		JSONOnly: true,
	}, "fix_generation", map[string]any{
		"bug_description": run.task.BugDescription,
		"code_context":    codeCtx,
		"test_output":     run.lastTestOutput(),
	})
	if err != nil {
		return run.failureSignal(err), err
	}

	set, err := patch.Parse([]byte(result.Content))
	if err != nil {
		return orchestrator.SignalFailure, err
	}
	run.patches = set
	preview := run.app.Preview(set)
	run.appendLog(preview)

	if run.deps.Config.EnableGuardianReview {
		if err := run.guardianReview(ctx, preview); err != nil {
			run.appendLog(fmt.Sprintf("patch rejected: %v\n", err))
			return run.failureSignal(err), err
		}
		run.appendLog("guardian review approved the patch\n")
	}

	if err := run.app.Apply(set); err != nil {
		if rbErr := run.app.Rollback(); rbErr != nil {
			run.logger.Warn("rollback after failed apply", zap.Error(rbErr))
		}
		return orchestrator.SignalFailure, err
	}

	if set.Summary != "" {
		summary := set.Summary
		run.fixSummary = &summary
		run.persistResult()
	}
	return orchestrator.SignalSuccess, nil
}

// analyzeBug runs the cheaper analysis model over the index excerpts to
// localize the fault before the fix prompt. The pass is advisory: on any
// error the fix prompt just gets the raw excerpts.
func (run *taskRun) analyzeBug(ctx context.Context, codeCtx string) string {
	res, err := run.deps.Gateway.ChatWithPrompt(ctx, &gateway.Call{
		TaskID:   run.job.ID,
		UserID:   run.job.UserID,
		Purpose:  gateway.PurposeCodeAnalysis,
		JSONOnly: true,
	}, "bug_analysis", map[string]any{
		"bug_description": run.task.BugDescription,
		"code_context":    codeCtx,
	})
	if err != nil {
		run.logger.Debug("bug analysis pass skipped", zap.Error(err))
		return ""
	}
	hyp, _ := res.Object["hypothesis"].(string)
	return strings.TrimSpace(hyp)
}

// guardianReview asks a second model pass to veto unsafe or destructive
// patches before anything touches the working tree. Any verdict other than
// an explicit approve rejects the patch.
func (run *taskRun) guardianReview(ctx context.Context, preview string) error {
	res, err := run.deps.Gateway.ChatWithPrompt(ctx, &gateway.Call{
		TaskID:   run.job.ID,
		UserID:   run.job.UserID,
		Purpose:  gateway.PurposeGuardian,
		JSONOnly: true,
	}, "guardian_review", map[string]any{
		"patch_preview": preview,
	})
	if err != nil {
		return err
	}
	verdict, _ := res.Object["verdict"].(string)
	if verdict != "approve" {
		reason, _ := res.Object["reason"].(string)
		if reason == "" {
			reason = "no reason given"
		}
		return faults.Newf(faults.KindGuardianRejected, "guardian rejected the patch: %s", reason)
	}
	return nil
}

func (run *taskRun) persistResult() {
	if err := run.deps.Store.UpdateTaskResult(run.job.ID, run.branch, run.prURL, run.fixSummary); err != nil {
		run.logger.Warn("failed to persist task result", zap.Error(err))
	}
}

// verifyFixEffect re-runs the behavioral test from bug verification. An
// invalid outcome is logged but does not demote the fix; unit tests have
// already passed.
func (run *taskRun) verifyFixEffect(ctx context.Context) (orchestrator.Signal, error) {
	if run.behaviorCmd == "" {
		run.appendLog("no behavioral test to re-run\n")
		return orchestrator.SignalFixValidated, nil
	}
	res, err := run.deps.Sandbox.Run(ctx, run.workspace, run.behaviorCmd)
	if err != nil || res.ExitCode != 0 {
		run.appendLog("behavioral test still failing after fix\n")
		run.verdict = "fix_invalid"
	} else {
		run.appendLog("behavioral test passes after fix\n")
		run.verdict = "fix_valid"
	}
	run.recordEvalResult("verify_fix", run.verdict, nil)
	orchestrator.Annotate(ctx, "behavioral_verdict", run.verdict)
	if run.verdict == "fix_invalid" {
		return orchestrator.SignalFixInvalid, nil
	}
	return orchestrator.SignalFixValidated, nil
}

// recordEvalResult stores one phase verdict, linked to the behavioral test
// case when one was synthesized.
func (run *taskRun) recordEvalResult(phase, verdict string, details map[string]any) {
	res := &store.EvaluationResult{TaskID: run.job.ID, Phase: phase, Verdict: verdict}
	if run.evalCase != nil {
		res.CaseID = &run.evalCase.ID
	}
	if details != nil {
		b, _ := json.Marshal(details)
		res.DetailsJSON = string(b)
	}
	if err := run.deps.Store.AddEvaluationResult(res); err != nil {
		run.logger.Warn("failed to record evaluation result", zap.Error(err))
	}
}

// recordFinalEvaluation stores the overall assessment for completed tasks.
// Unit tests always passed by this point; the verdict reflects whether the
// behavioral re-run confirmed the fix too.
func (run *taskRun) recordFinalEvaluation(status store.Status) {
	if status != store.StatusCompleted {
		return
	}
	verdict := run.verdict
	if verdict == "" {
		verdict = "fix_unverified"
	}
	run.recordEvalResult("final", verdict, map[string]any{
		"unit_tests_passed":   true,
		"behavioral_verified": verdict == "fix_valid",
	})
}

// publishEffect creates the fix branch and commit, then optionally pushes
// and opens a pull request. Publication failures are reported but the task
// still completes.
func (run *taskRun) publishEffect(ctx context.Context) (orchestrator.Signal, error) {
	// the synthesized behavioral test is scaffolding, not part of the fix
	if run.behaviorFile != "" {
		_ = os.Remove(filepath.Join(run.workspace, filepath.FromSlash(run.behaviorFile)))
	}
	_ = os.RemoveAll(filepath.Join(run.workspace, patch.BackupDirName))

	if stat, err := run.git.DiffStat(ctx); err == nil && strings.TrimSpace(stat) != "" {
		run.appendLog("diff stat:\n" + stat)
	}

	branch := gitops.FixBranch(run.job.ID)
	if err := run.git.CreateBranch(ctx, branch); err != nil {
		return orchestrator.SignalFailure, err
	}
	if err := run.git.CommitAll(ctx, run.commitMessage()); err != nil {
		return orchestrator.SignalFailure, err
	}
	if sha, err := run.git.HeadSHA(ctx); err == nil {
		run.appendLog(fmt.Sprintf("fix commit %s on %s\n", sha, branch))
	}
	run.branch = &branch
	run.persistResult()

	if !run.deps.Config.Git.PushToRemote {
		run.appendLog(fmt.Sprintf("fix committed on %s (push disabled)\n", branch))
		return orchestrator.SignalSuccess, nil
	}

	if err := run.git.Push(ctx, branch); err != nil {
		run.appendLog(fmt.Sprintf("push failed, fix preserved locally: %v\n", err))
		return orchestrator.SignalFailure, err
	}

	pr, err := run.deps.Forge.CreatePR(ctx, run.repo, branch, "main",
		run.prTitle(), run.prBody(ctx))
	if err != nil {
		run.appendLog(fmt.Sprintf("pull request creation failed, branch pushed: %v\n", err))
		return orchestrator.SignalFailure, err
	}

	run.prURL = &pr.HTMLURL
	run.persistResult()
	run.appendLog(fmt.Sprintf("opened pull request %s\n", pr.HTMLURL))
	return orchestrator.SignalSuccess, nil
}

func (run *taskRun) commitMessage() string {
	msg := fmt.Sprintf("ASA: automated fix for task %s", run.job.ID)
	if run.patches != nil && run.patches.Summary != "" {
		msg += "\n\n" + run.patches.Summary
	}
	return msg
}

func (run *taskRun) prTitle() string {
	if run.patches != nil && run.patches.Summary != "" {
		return "Fix: " + run.patches.Summary
	}
	return "Automated fix for task " + run.job.ID
}

// prBody renders the pull request description with the review model. When
// the call fails the assembled plain report goes out instead; the PR is
// never blocked on a description.
func (run *taskRun) prBody(ctx context.Context) string {
	summary, files := "", ""
	if run.patches != nil {
		summary = run.patches.Summary
		files = strings.Join(run.patches.Files(), ", ")
	}
	res, err := run.deps.Gateway.ChatWithPrompt(ctx, &gateway.Call{
		TaskID:  run.job.ID,
		UserID:  run.job.UserID,
		Purpose: gateway.PurposeCodeReview,
	}, "pr_description", map[string]any{
		"bug_description": run.task.BugDescription,
		"fix_summary":     summary,
		"files_changed":   files,
	})
	if err == nil && strings.TrimSpace(res.Content) != "" {
		return res.Content
	}
	if err != nil {
		run.logger.Warn("pr description prompt failed, using assembled body", zap.Error(err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Automated fix for the reported bug.\n\nBug report:\n%s\n", run.task.BugDescription)
	if run.patches != nil {
		if run.patches.RootCause != "" {
			fmt.Fprintf(&b, "\nRoot cause:\n%s\n", run.patches.RootCause)
		}
		fmt.Fprintf(&b, "\nFiles changed: %s\n", files)
	}
	return b.String()
}

// codeContext pulls the most relevant excerpts for the bug description.
func (run *taskRun) codeContext(ctx context.Context) string {
	if run.idx == nil {
		return ""
	}
	hits, err := run.idx.Search(ctx, run.task.BugDescription, 5)
	if err != nil || len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	for _, hit := range hits {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", hit.Path, hit.Excerpt)
	}
	return b.String()
}

// lastTestOutput returns the most recent test run's output for the fix
// prompt. runTests keeps the column current.
func (run *taskRun) lastTestOutput() string {
	task, err := run.deps.Store.GetTask(run.job.ID)
	if err != nil || task == nil || task.TestOutput == nil {
		return ""
	}
	return *task.TestOutput
}
