// Package orchestrator drives a task through the pipeline's state graph.
// Each state runs an effect, the effect's outcome reduces to a signal, and
// the static transition table picks the next state. Effects never decide
// transitions themselves.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/asaproj/asa/internal/metrics"
)

// Effect executes one state's work and reduces its outcome to a signal.
// The returned error is recorded in the history; transitions are driven by
// the signal alone.
type Effect func(ctx context.Context) (Signal, error)

// StateContext is one history entry. The history is append-only and covers
// every state visited, including RETRY pseudo-entries.
type StateContext struct {
	State     State
	EnteredAt time.Time
	ExitedAt  time.Time
	Signal    Signal
	Error     string
	Meta      map[string]string
}

type annotKey struct{}

// Annotate attaches a key/value detail to the running state's history
// entry. Outside an effect it is a no-op.
func Annotate(ctx context.Context, key, value string) {
	if m, ok := ctx.Value(annotKey{}).(map[string]string); ok {
		m[key] = value
	}
}

// Outcome is the result of a full orchestrator run.
type Outcome struct {
	Final     State
	Cancelled bool
	Error     string
}

// Orchestrator runs one task. Instances are single-use and not safe for
// concurrent use.
type Orchestrator struct {
	effects    map[State]Effect
	behavioral bool

	// probe reports whether cancellation has been requested. Checked on
	// entry to every state.
	probe func() bool

	// onTransition observes every transition for logging and push updates.
	onTransition func(from State, signal Signal, to State)

	history  []StateContext
	counters map[State]int
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBehavioralVerification toggles the behavioral test states.
func WithBehavioralVerification(enabled bool) Option {
	return func(o *Orchestrator) { o.behavioral = enabled }
}

// WithCancelProbe installs the cancellation probe.
func WithCancelProbe(probe func() bool) Option {
	return func(o *Orchestrator) { o.probe = probe }
}

// WithTransitionHook installs a transition observer.
func WithTransitionHook(hook func(from State, signal Signal, to State)) Option {
	return func(o *Orchestrator) { o.onTransition = hook }
}

// WithMetrics installs the metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = collector }
}

// New creates an orchestrator over the given per-state effects.
func New(effects map[State]Effect, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		effects:  effects,
		probe:    func() bool { return false },
		counters: make(map[State]int),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// History returns the visited-state history.
func (o *Orchestrator) History() []StateContext {
	return o.history
}

// Run drives the pipeline from QUEUED to a terminal state. A cancelled
// probe stops the pipeline before the next state; an expired context
// produces TIMEOUT.
func (o *Orchestrator) Run(ctx context.Context) *Outcome {
	// QUEUED is recorded as visited with an implicit success; the task was
	// already admitted when the orchestrator starts.
	o.record(StateQueued, SignalSuccess, nil, time.Now().UTC(), nil)
	o.transition(StateQueued, SignalSuccess, StateInit)
	state := StateInit

	var lastErr string
	for !state.Terminal() {
		if o.probe() {
			o.logger.Info("cancellation requested, stopping pipeline",
				zap.String("state", string(state)))
			return &Outcome{Cancelled: true, Final: state}
		}
		if ctx.Err() == context.DeadlineExceeded {
			o.record(StateTimeout, SignalTimeout, ctx.Err(), time.Now().UTC(), nil)
			return &Outcome{Final: StateTimeout, Error: "task wall clock exceeded"}
		}

		entered := time.Now().UTC()
		meta := make(map[string]string)
		signal, err := o.runEffect(context.WithValue(ctx, annotKey{}, meta), state)
		if err != nil {
			lastErr = err.Error()
		}
		o.record(state, signal, err, entered, meta)

		next, ok := o.nextState(state, signal)
		if !ok {
			o.logger.Error("invalid transition",
				zap.String("state", string(state)),
				zap.String("signal", string(signal)))
			lastErr = fmt.Sprintf("no transition from %s on %s", state, signal)
			o.transition(state, signal, StateFailed)
			state = StateFailed
			break
		}

		if next == StateRetry {
			next = o.enterRetry(state)
		} else {
			// leaving a state by any non-retry edge resets its counter
			delete(o.counters, state)
		}

		o.transition(state, signal, next)
		state = next
	}

	out := &Outcome{Final: state}
	if state != StateCompleted {
		out.Error = lastErr
	}
	return out
}

// runEffect executes the state's effect. States without a registered
// effect pass through with success.
func (o *Orchestrator) runEffect(ctx context.Context, state State) (Signal, error) {
	effect, ok := o.effects[state]
	if !ok {
		return SignalSuccess, nil
	}
	return effect(ctx)
}

// nextState resolves the transition table, remapping the behavioral hops
// when behavioral verification is disabled.
func (o *Orchestrator) nextState(state State, signal Signal) (State, bool) {
	row, ok := transitions[state]
	if !ok {
		return "", false
	}
	next, ok := row[signal]
	if !ok {
		return "", false
	}

	if !o.behavioral {
		if state == StateIndexingCode && next == StateVerifyingBugBehavior {
			next = StateRunningTestsBefore
		}
		if state == StateRunningTestsAfter && next == StateVerifyingFixBehavior {
			next = StateCreatingPRBranch
		}
	}
	return next, true
}

// enterRetry consults the exiting state's counter: re-enter while budget
// remains, otherwise exhaust to FAILED. RETRY itself carries no effect.
func (o *Orchestrator) enterRetry(from State) State {
	max := retryLimits[from]
	now := time.Now().UTC()

	if o.counters[from] < max {
		o.counters[from]++
		o.record(StateRetry, SignalSuccess, nil, now, nil)
		if o.metrics != nil {
			o.metrics.RecordStateRetry(string(from))
		}
		o.logger.Info("retrying state",
			zap.String("state", string(from)),
			zap.Int("attempt", o.counters[from]),
			zap.Int("max", max))
		return from
	}

	o.record(StateRetry, SignalRetryExhausted, nil, now, nil)
	o.logger.Warn("retry budget exhausted", zap.String("state", string(from)))
	return StateFailed
}

func (o *Orchestrator) record(state State, signal Signal, err error, entered time.Time, meta map[string]string) {
	entry := StateContext{
		State:     state,
		EnteredAt: entered,
		ExitedAt:  time.Now().UTC(),
		Signal:    signal,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if len(meta) > 0 {
		entry.Meta = meta
	}
	o.history = append(o.history, entry)
}

func (o *Orchestrator) transition(from State, signal Signal, to State) {
	if o.metrics != nil {
		o.metrics.RecordTransition(string(from), string(to))
	}
	if o.onTransition != nil {
		o.onTransition(from, signal, to)
	}
}

// Visualize renders the history as a one-line-per-state trace, appended to
// the task log when the pipeline finishes.
func (o *Orchestrator) Visualize() string {
	var b strings.Builder
	b.WriteString("pipeline trace:\n")
	for _, entry := range o.history {
		fmt.Fprintf(&b, "  %s -> %s (%s)",
			entry.State, entry.Signal, entry.ExitedAt.Sub(entry.EnteredAt).Round(time.Millisecond))
		for _, key := range sortedKeys(entry.Meta) {
			fmt.Fprintf(&b, " %s=%s", key, entry.Meta[key])
		}
		if entry.Error != "" {
			fmt.Fprintf(&b, " error: %s", entry.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
