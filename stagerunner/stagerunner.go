// Package stagerunner implements the Stage Runner (spec.md §4.4): it
// drives exactly one stage invocation end to end — transitioning the
// StageTask to InProgress, building the stage's input, invoking the LLM
// through the Idempotency Ledger, parsing the output, persisting the
// result, and emitting the stage's lifecycle events. Retries on
// transient failure are handled here with the teacher's exponential
// backoff shape (graph/policy.go's computeBackoff), not pushed up into
// the Graph Executor.
package stagerunner

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/trace"

	"bidflow/domain"
	"bidflow/eventbus"
	"bidflow/idempotency"
	"bidflow/llm"
	"bidflow/statestore"
	"bidflow/telemetry"
	"bidflow/workflowerr"
)

// Stage describes one node in the fixed sequence: how to build its input,
// invoke it, and parse its result. Stages are data, not interfaces with
// one implementation apiece — grounded on the teacher's declarative
// NodePolicy attached to a plain node ID rather than a type per node.
type Stage struct {
	Name              string
	MaxToolIterations int
	Timeout           time.Duration
	SystemPrompt      string

	// BuildInput renders the stage's LLM input from the current ephemeral
	// State (spec.md §4.4.1's per-stage input contract).
	BuildInput func(s domain.State) ([]llm.Message, error)

	// ParseOutput turns the model's raw text into the stage's structured
	// output. Defaults to llm.ParseOutput (permissive JSON-or-fallback)
	// when nil.
	ParseOutput func(text string) json.RawMessage
}

// retryBase/retryMax/retryMaxAttempts are the stage-level retry
// parameters spec.md §4.4 specifies: exponential backoff starting at 1s,
// doubling, capped at 60s, up to 3 attempts total.
const (
	retryBase        = 1 * time.Second
	retryMax         = 60 * time.Second
	retryMaxAttempts = 3
)

// Runner executes Stages against a Store, a Ledger and an event bus.
// Metrics and Tracer are optional (nil is a valid no-op) and back
// SPEC_FULL.md §A.1's Prometheus/OpenTelemetry wiring.
type Runner struct {
	Store   statestore.Store
	Ledger  idempotency.Ledger
	Bus     *eventbus.Bus
	Model   llm.ChatModel
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	rng     *rand.Rand
	nowFunc func() time.Time
}

// New constructs a Runner. model may be a single provider-specific
// ChatModel (anthropic.ChatModel, openai.ChatModel, google.ChatModel from
// the llm subpackages) or llm.MockChatModel in tests.
func New(store statestore.Store, ledger idempotency.Ledger, bus *eventbus.Bus, model llm.ChatModel) *Runner {
	return &Runner{
		Store:   store,
		Ledger:  ledger,
		Bus:     bus,
		Model:   model,
		rng:     rand.New(rand.NewSource(1)),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Run drives one full execution of stage against the workflow identified
// by s, per spec.md §4.4's algorithm: GetTask, InProgress transition,
// stage_started, input build, idempotency-wrapped invocation with
// per-stage timeout and retry, output parse, Completed transition,
// stage_completed, progress increment. On exhausted retries it marks the
// task Failed, appends the structured error, emits stage_failed, and
// returns the error for the Graph Executor to act on (escalation).
func (r *Runner) Run(ctx context.Context, s domain.State, stage Stage) (json.RawMessage, error) {
	ctx, endSpan := telemetry.StartStageSpan(ctx, r.Tracer, s.WorkflowID.String(), stage.Name)

	task, err := r.Store.GetTask(ctx, s.WorkflowID, stage.Name)
	if err != nil {
		endSpan(err)
		return nil, err
	}

	inProgress := domain.StatusInProgress
	started := r.nowFunc()
	if err := r.Store.UpdateTask(ctx, task.ID, statestore.TaskFields{
		Status: &inProgress, StartedAt: &started,
	}); err != nil {
		endSpan(err)
		return nil, err
	}
	r.publish(ctx, s, eventbus.StageEventType(stage.Name, "started"), map[string]any{"stage": stage.Name})

	messages, err := stage.BuildInput(s)
	if err != nil {
		wrapped := workflowerr.Wrap(workflowerr.Validation, "building stage input", err)
		endSpan(wrapped)
		return nil, wrapped
	}

	parse := stage.ParseOutput
	if parse == nil {
		parse = llm.ParseOutput
	}

	var (
		output json.RawMessage
		runErr error
	)
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		output, runErr = r.invokeOnce(ctx, s, stage, task.RetryCount, messages, parse)
		if runErr == nil {
			break
		}
		if !isRetryable(runErr) || attempt == retryMaxAttempts-1 {
			break
		}
		r.Metrics.IncRetry(stage.Name)
		delay := computeBackoff(attempt, retryBase, retryMax, r.rng)
		select {
		case <-ctx.Done():
			runErr = workflowerr.Wrap(workflowerr.Cancelled, "stage retry wait cancelled", ctx.Err())
			break
		case <-time.After(delay):
		}
	}

	if runErr != nil {
		endSpan(runErr)
		r.Metrics.ObserveStage(stage.Name, "failed", r.nowFunc().Sub(started))
		return r.fail(ctx, s, task, stage, runErr)
	}

	completed := domain.StatusCompleted
	completedAt := r.nowFunc()
	execTime := completedAt.Sub(started)
	if err := r.Store.UpdateTask(ctx, task.ID, statestore.TaskFields{
		Status: &completed, Output: output, CompletedAt: &completedAt, ExecutionTime: &execTime,
	}); err != nil {
		endSpan(err)
		return nil, err
	}
	r.publish(ctx, s, eventbus.StageEventType(stage.Name, "completed"), map[string]any{"stage": stage.Name})
	if err := r.Store.IncrementProjectProgress(ctx, s.ProjectID, stage.Name); err != nil {
		endSpan(err)
		return nil, err
	}
	r.Metrics.ObserveStage(stage.Name, "completed", execTime)
	r.Metrics.IncProjectProgress(stage.Name)
	endSpan(nil)

	return output, nil
}

// invokeOnce wraps exactly one model invocation with the Idempotency
// Ledger, keyed per spec.md §4.2's
// "workflow:{id}:stage:{name}:{operation}" scheme. The operation part
// carries the task's retry count, so a stage reset by a feedback loop
// (which increments the count) calls the model again instead of reusing
// the cached result of its earlier run.
func (r *Runner) invokeOnce(ctx context.Context, s domain.State, stage Stage, retryCount int, messages []llm.Message, parse func(string) json.RawMessage) (json.RawMessage, error) {
	key := idempotency.Key(s.WorkflowID.String(), stage.Name, fmt.Sprintf("invoke-%d", retryCount))

	callCtx := ctx
	var cancel context.CancelFunc
	if stage.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	return r.Ledger.RunOnce(callCtx, key, 10*time.Minute, func(ctx context.Context) (json.RawMessage, error) {
		out, err := r.Model.Chat(ctx, messages, nil)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, workflowerr.Wrap(workflowerr.Timeout, fmt.Sprintf("stage %s exceeded timeout", stage.Name), err)
			}
			return nil, workflowerr.Wrap(workflowerr.Transient, fmt.Sprintf("stage %s model invocation failed", stage.Name), err)
		}
		return parse(out.Text), nil
	})
}

func (r *Runner) fail(ctx context.Context, s domain.State, task domain.StageTask, stage Stage, runErr error) (json.RawMessage, error) {
	failed := domain.StatusFailed
	completedAt := r.nowFunc()
	stageErr := domain.StageError{
		Kind:    string(kindOf(runErr)),
		Message: runErr.Error(),
		At:      completedAt,
	}
	_ = r.Store.UpdateTask(ctx, task.ID, statestore.TaskFields{
		Status: &failed, CompletedAt: &completedAt, AppendError: &stageErr,
	})
	r.publish(ctx, s, eventbus.StageEventType(stage.Name, "failed"), map[string]any{
		"stage": stage.Name, "error": runErr.Error(),
	})
	r.publish(ctx, s, eventbus.TypeManualInterventionNeeded, map[string]any{
		"stage": stage.Name, "reason": runErr.Error(),
	})
	return nil, runErr
}

func (r *Runner) publish(ctx context.Context, s domain.State, t eventbus.Type, payload map[string]any) {
	if r.Bus == nil {
		return
	}
	_, _ = r.Bus.Publish(ctx, eventbus.Event{
		WorkflowID: s.WorkflowID,
		SessionKey: s.SessionKey,
		Type:       t,
		Payload:    payload,
	})
}

func isRetryable(err error) bool {
	return workflowerr.Is(err, workflowerr.Transient)
}

func kindOf(err error) workflowerr.Kind {
	if we, ok := err.(*workflowerr.Error); ok {
		return we.Kind
	}
	return workflowerr.Internal
}

// computeBackoff mirrors the teacher's graph/policy.go formula: delay =
// min(base*2^attempt, maxDelay) + jitter(0, base).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exponentialDelay := base * (1 << attempt)
	if exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base)))
	}
	return exponentialDelay + jitter
}
