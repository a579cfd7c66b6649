package orchestrator

// State is one node of the task pipeline.
type State string

const (
	StateQueued               State = "QUEUED"
	StateInit                 State = "INIT"
	StateCloningRepo          State = "CLONING_REPO"
	StateIndexingCode         State = "INDEXING_CODE"
	StateVerifyingBugBehavior State = "VERIFYING_BUG_BEHAVIOR"
	StateRunningTestsBefore   State = "RUNNING_TESTS_BEFORE_FIX"
	StateGeneratingFix        State = "GENERATING_FIX"
	StateRunningTestsAfter    State = "RUNNING_TESTS_AFTER_FIX"
	StateVerifyingFixBehavior State = "VERIFYING_FIX_BEHAVIOR"
	StateCreatingPRBranch     State = "CREATING_PR_BRANCH"
	StateRetry                State = "RETRY"
	StateCompleted            State = "COMPLETED"
	StateFailed               State = "FAILED"
	StateTimeout              State = "TIMEOUT"
)

// Terminal reports whether the state ends the pipeline.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimeout
}

// Signal is the closed-set outcome of a state's effect.
type Signal string

const (
	SignalSuccess        Signal = "success"
	SignalFailure        Signal = "failure"
	SignalTimeout        Signal = "timeout"
	SignalRetryExhausted Signal = "retry_exhausted"
	SignalTestsPass      Signal = "tests_pass"
	SignalTestsFail      Signal = "tests_fail"
	SignalBugConfirmed   Signal = "bug_confirmed"
	SignalBugNotFound    Signal = "bug_not_found"
	SignalFixValidated   Signal = "fix_validated"
	SignalFixInvalid     Signal = "fix_invalid"
)

// transitions is the authoritative pipeline graph. A missing entry is an
// invalid transition and fails the task. Targets assume behavioral
// verification enabled; nextState remaps the two behavioral hops when it
// is off.
var transitions = map[State]map[Signal]State{
	StateQueued: {
		SignalSuccess: StateInit,
	},
	StateInit: {
		SignalSuccess: StateCloningRepo,
		SignalFailure: StateFailed,
	},
	StateCloningRepo: {
		SignalSuccess: StateIndexingCode,
		SignalFailure: StateFailed,
	},
	StateIndexingCode: {
		SignalSuccess: StateVerifyingBugBehavior,
		SignalFailure: StateFailed,
	},
	StateVerifyingBugBehavior: {
		SignalBugConfirmed: StateRunningTestsBefore,
		SignalBugNotFound:  StateRunningTestsBefore,
	},
	StateRunningTestsBefore: {
		SignalTestsFail: StateGeneratingFix,
		// tests passing before any fix means the reported bug was not
		// observed
		SignalTestsPass: StateFailed,
		SignalFailure:   StateFailed,
	},
	StateGeneratingFix: {
		SignalSuccess:        StateRunningTestsAfter,
		SignalFailure:        StateRetry,
		SignalRetryExhausted: StateFailed,
	},
	StateRunningTestsAfter: {
		SignalTestsPass:      StateVerifyingFixBehavior,
		SignalTestsFail:      StateRetry,
		SignalRetryExhausted: StateFailed,
	},
	StateVerifyingFixBehavior: {
		SignalFixValidated: StateCreatingPRBranch,
		SignalFixInvalid:   StateCreatingPRBranch,
	},
	StateCreatingPRBranch: {
		SignalSuccess: StateCompleted,
		// PR publication failure never demotes a fix that passed tests
		SignalFailure: StateCompleted,
	},
}

// retryLimits caps in-state retries for the retry-eligible states.
var retryLimits = map[State]int{
	StateGeneratingFix:     2,
	StateRunningTestsAfter: 1,
}

// progressMap reports pipeline progress per state for the progress
// endpoint. Terminal states pin to 0 or 100.
var progressMap = map[State]int{
	StateQueued:               0,
	StateInit:                 5,
	StateCloningRepo:          10,
	StateIndexingCode:         20,
	StateVerifyingBugBehavior: 30,
	StateRunningTestsBefore:   40,
	StateGeneratingFix:        60,
	StateRunningTestsAfter:    80,
	StateVerifyingFixBehavior: 85,
	StateCreatingPRBranch:     95,
	StateCompleted:            100,
	StateFailed:               0,
	StateTimeout:              0,
}

// ProgressFor returns a state's progress percentage.
func ProgressFor(state State) int {
	return progressMap[state]
}
