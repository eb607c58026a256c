// Package scheduler implements the Graph Executor (spec.md §4.6): the
// hub-and-spoke driver loop that repeatedly asks the Supervisor for the
// next decision, dispatches to a Stage via the Stage Runner, applies the
// decision's state bookkeeping (resets, checkpoint markers, feedback
// consumption), and stops at completion, a pause checkpoint, the overall
// workflow deadline, or a non-recoverable stage failure. Grounded on the
// teacher's graph/engine.go Run loop and graph/timeout.go's deadline
// checks, flattened from the teacher's generic Engine[S] into one
// concrete loop over domain.State, per SPEC_FULL.md §C's rationale
// ("stages are fixed").
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"bidflow/domain"
	"bidflow/eventbus"
	"bidflow/stagerunner"
	"bidflow/statestore"
	"bidflow/supervisor"
	"bidflow/telemetry"
	"bidflow/workflowerr"
)

// DefaultDeadline and DefaultWarnAt implement spec.md §4.6's "60 minutes of
// wall time from started_at" deadline and the 50-minute warning mark.
const (
	DefaultDeadline = 60 * time.Minute
	DefaultWarnAt   = 50 * time.Minute
)

// ExportFunc performs the export stage's external effect: writing each
// ready artifact's current version to object storage and returning its
// location. Object storage is an external collaborator per spec.md §1; the
// core only records the locations it is handed back.
type ExportFunc func(ctx context.Context, s domain.State) (locations map[string]string, err error)

// Executor drives one workflow's state through the fixed sequence.
// Construct with New; the zero value is not usable (Deadline, WarnAt and
// the internal clock need the defaults New supplies).
type Executor struct {
	Store   statestore.Store
	Bus     *eventbus.Bus
	Runner  *stagerunner.Runner
	Stages  map[string]stagerunner.Stage
	Export  ExportFunc
	Metrics *telemetry.Metrics

	Deadline time.Duration
	WarnAt   time.Duration

	nowFunc func() time.Time

	mu     sync.Mutex
	warned map[uuid.UUID]bool
}

// New constructs an Executor. stages must contain one entry per name in
// domain.FixedStages. The export step is not among them: it has no
// StageTask row and is driven by export instead.
func New(store statestore.Store, bus *eventbus.Bus, runner *stagerunner.Runner, stages map[string]stagerunner.Stage, export ExportFunc) *Executor {
	return &Executor{
		Store:    store,
		Bus:      bus,
		Runner:   runner,
		Stages:   stages,
		Export:   export,
		Deadline: DefaultDeadline,
		WarnAt:   DefaultWarnAt,
		nowFunc:  func() time.Time { return time.Now().UTC() },
		warned:   map[uuid.UUID]bool{},
	}
}

// Run advances state until it completes, pauses at a checkpoint, the
// workflow deadline elapses, or a stage fails non-recoverably. It never
// blocks waiting for human input — a pause checkpoint returns immediately
// with PauseFlag set, per spec.md GLOSSARY ("pause is invocation return
// plus durable checkpoint", not suspension.
func (e *Executor) Run(ctx context.Context, state domain.State) (domain.State, error) {
	if e.Metrics != nil {
		e.Metrics.WorkflowStarted()
		defer e.Metrics.WorkflowFinished()
	}

	for {
		now := e.nowFunc()
		if elapsed := now.Sub(state.StartedAt); elapsed >= e.Deadline {
			return e.failWorkflow(ctx, state, workflowerr.New(workflowerr.Timeout, "workflow exceeded 60 minute deadline"))
		} else if elapsed >= e.WarnAt {
			e.warnOnce(ctx, state)
		}

		decision := supervisor.Decide(state)
		e.publish(ctx, state, eventbus.TypeNodeDecided, map[string]any{
			"decision": decision.Next, "reason": decision.Reason,
		})

		if decision.Next == supervisor.DecisionComplete {
			return e.completeWorkflow(ctx, state)
		}
		if supervisor.PauseCheckpoints[decision.Next] {
			return e.pauseWorkflow(ctx, state, decision)
		}

		if len(decision.ResetStages) > 0 {
			if err := e.Store.ResetTasks(ctx, state.WorkflowID, decision.ResetStages); err != nil {
				return e.failWorkflow(ctx, state, err)
			}
		}
		state = applyDecision(state, decision)
		if len(decision.MarkCompleted) > 0 || len(decision.ClearCompleted) > 0 {
			if err := e.Store.UpdateWorkflow(ctx, state.WorkflowID, statestore.WorkflowFields{
				AddCompletedCheckpoints:    decision.MarkCompleted,
				RemoveCompletedCheckpoints: decision.ClearCompleted,
			}); err != nil {
				return e.failWorkflow(ctx, state, err)
			}
		}

		if decision.Next == supervisor.DecisionExport {
			next, err := e.runExport(ctx, state)
			if err != nil {
				return e.failWorkflow(ctx, state, err)
			}
			state = next
			continue
		}
		if decision.Next == supervisor.DecisionInitialize {
			// session.Resumer creates the workflow and its tasks before
			// ever handing state to Run; reaching this means a caller
			// invoked Run on a never-initialized State.
			return state, workflowerr.New(workflowerr.Internal, "scheduler.Run invoked before the workflow was created")
		}

		stage, ok := e.Stages[decision.Next]
		if !ok {
			return e.failWorkflow(ctx, state, workflowerr.New(workflowerr.Internal, "no stage registered for decision "+decision.Next))
		}

		output, err := e.Runner.Run(ctx, state, stage)
		if err != nil {
			return e.failWorkflow(ctx, state, err)
		}

		state = state.Clone()
		state.CompletedStages[stage.Name] = true
		state.TaskOutputs[stage.Name] = output
		state.LastUpdatedAt = e.nowFunc()
		if err := e.persist(ctx, state); err != nil {
			return state, err
		}
		e.emitStageSideEffects(ctx, state, stage.Name, output)
	}
}

// runExport performs the export pseudo-stage: it has no backing StageTask
// row (export is not in the spec.md §6 fixed sequence), so it is driven
// directly rather than through Stage Runner.
func (e *Executor) runExport(ctx context.Context, state domain.State) (domain.State, error) {
	if e.Export == nil {
		return state, workflowerr.New(workflowerr.Internal, "no export function configured")
	}
	locations, err := e.Export(ctx, state)
	if err != nil {
		return state, workflowerr.Wrap(workflowerr.Internal, "export failed", err)
	}

	next := state.Clone()
	for artifactID, location := range locations {
		next.ExportLocations[artifactID] = location
	}
	next.CompletedStages["export"] = true
	next.LastUpdatedAt = e.nowFunc()
	if err := e.Store.UpdateWorkflow(ctx, next.WorkflowID, statestore.WorkflowFields{
		AddCompletedCheckpoints: []string{"export"},
	}); err != nil {
		return next, err
	}
	if err := e.persist(ctx, next); err != nil {
		return next, err
	}
	e.publish(ctx, next, eventbus.TypeArtifactsExported, map[string]any{
		"artifact_ids":     next.ArtifactIDs,
		"export_locations": locations,
	})
	return next, nil
}

// emitStageSideEffects publishes the catalog events spec.md §6 associates
// with specific stages' output shape: artifacts_ready after content
// produces artifact ids, email_draft after submission drafts one. Both
// read best-effort fields out of the stage's parsed JSON output rather
// than hardcoding stage-specific logic elsewhere (spec.md §4.4: "No other
// stage-specific logic lives in the runner — it is data-driven").
func (e *Executor) emitStageSideEffects(ctx context.Context, state domain.State, stageName string, output json.RawMessage) {
	switch stageName {
	case "content":
		var parsed struct {
			ArtifactIDs []uuid.UUID      `json:"artifact_ids"`
			Artifacts   []map[string]any `json:"artifacts"`
		}
		if json.Unmarshal(output, &parsed) == nil && len(parsed.ArtifactIDs) > 0 {
			e.publish(ctx, state, eventbus.TypeArtifactsReady, map[string]any{
				"artifact_ids": parsed.ArtifactIDs,
				"artifacts":    parsed.Artifacts,
			})
		}
	case "submission":
		var parsed struct {
			Draft string `json:"draft"`
		}
		if json.Unmarshal(output, &parsed) == nil && parsed.Draft != "" {
			e.publish(ctx, state, eventbus.TypeEmailDraft, map[string]any{"draft": parsed.Draft})
		}
	}
}

func (e *Executor) pauseWorkflow(ctx context.Context, state domain.State, decision supervisor.Decision) (domain.State, error) {
	next := state.Clone()
	next.PauseFlag = true
	next.PauseCheckpoint = decision.Next
	next.LastUpdatedAt = e.nowFunc()

	waiting := domain.StatusWaiting
	if err := e.Store.UpdateWorkflow(ctx, next.WorkflowID, statestore.WorkflowFields{Status: &waiting}); err != nil {
		return next, err
	}
	e.publish(ctx, next, eventbus.TypeAwaitingFeedback, map[string]any{
		"checkpoint": decision.Next,
		"prompt":     checkpointPrompt(decision.Next),
	})
	return next, nil
}

func (e *Executor) completeWorkflow(ctx context.Context, state domain.State) (domain.State, error) {
	completed := domain.StatusCompleted
	now := e.nowFunc()
	if err := e.Store.UpdateWorkflow(ctx, state.WorkflowID, statestore.WorkflowFields{
		Status: &completed, CompletedAt: &now,
	}); err != nil {
		return state, err
	}
	e.publish(ctx, state, eventbus.TypeWorkflowCompleted, map[string]any{
		"completion_status":            "completed",
		"total_execution_time_seconds": now.Sub(state.StartedAt).Seconds(),
		"summary":                      "workflow completed successfully",
	})
	return state, nil
}

func (e *Executor) failWorkflow(ctx context.Context, state domain.State, cause error) (domain.State, error) {
	kind := workflowerr.Internal
	if we, ok := cause.(*workflowerr.Error); ok {
		kind = we.Kind
	}

	failed := domain.StatusFailed
	now := e.nowFunc()
	summary := cause.Error()
	_ = e.Store.UpdateWorkflow(ctx, state.WorkflowID, statestore.WorkflowFields{
		Status: &failed, CompletedAt: &now, ErrorSummary: &summary,
	})

	e.publish(ctx, state, eventbus.TypeErrorOccurred, map[string]any{
		"error_code":       string(kind),
		"error_message":    summary,
		"is_recoverable":   false,
		"suggested_actions": workflowerr.SuggestedActions(kind),
	})
	e.publish(ctx, state, eventbus.TypeWorkflowCompleted, map[string]any{
		"completion_status":            "failed",
		"total_execution_time_seconds": now.Sub(state.StartedAt).Seconds(),
		"summary":                      summary,
	})
	return state, cause
}

func (e *Executor) warnOnce(ctx context.Context, state domain.State) {
	e.mu.Lock()
	already := e.warned[state.WorkflowID]
	if !already {
		e.warned[state.WorkflowID] = true
	}
	e.mu.Unlock()
	if already {
		return
	}
	e.publish(ctx, state, eventbus.TypeProgressUpdate, map[string]any{
		"progress_percentage": progressPercentage(state),
		"current_step":        "deadline_warning",
	})
}

func (e *Executor) persist(ctx context.Context, state domain.State) error {
	inProgress := domain.StatusInProgress
	return e.Store.UpdateWorkflow(ctx, state.WorkflowID, statestore.WorkflowFields{Status: &inProgress})
}

func (e *Executor) publish(ctx context.Context, state domain.State, t eventbus.Type, payload map[string]any) {
	if e.Bus == nil {
		return
	}
	_, _ = e.Bus.Publish(ctx, eventbus.Event{
		WorkflowID: state.WorkflowID,
		SessionKey: state.SessionKey,
		Type:       t,
		Payload:    payload,
	})
}

// progressPercentage is a coarse completion estimate over the real fixed
// stages only (pause checkpoints and "export" are not counted).
func progressPercentage(state domain.State) float64 {
	done := 0
	for _, name := range domain.FixedStages {
		if state.CompletedStages[name] {
			done++
		}
	}
	return 100 * float64(done) / float64(len(domain.FixedStages))
}

// checkpointPrompt renders the human-facing prompt spec.md §6's
// awaiting_feedback event carries per checkpoint.
func checkpointPrompt(checkpoint string) string {
	switch checkpoint {
	case supervisor.DecisionAwaitAnalysisFeedback:
		return "Review the analysis. Reply to proceed, or ask to reparse/reanalyze."
	case supervisor.DecisionAwaitArtifactReview:
		return "Review the generated artifacts. Approve to export, or provide edits to regenerate."
	case supervisor.DecisionAwaitCommsPermission:
		return "Approve sending client communications for this bid?"
	case supervisor.DecisionAwaitSubmissionPermission:
		return "Approve final submission of this bid?"
	default:
		return "Awaiting input."
	}
}

// applyDecision returns a new State with the Decision's bookkeeping
// applied: ResetStages are dropped from CompletedStages/TaskOutputs (Run
// issues the parallel Store.ResetTasks call before calling this),
// ClearCompleted drops additional virtual keys, MarkCompleted adds them,
// and ConsumeFeedback clears the resume inputs so a later Decide call in
// the same invocation doesn't reprocess them.
func applyDecision(state domain.State, d supervisor.Decision) domain.State {
	next := state.Clone()
	for _, name := range d.ResetStages {
		delete(next.CompletedStages, name)
		delete(next.TaskOutputs, name)
	}
	for _, name := range d.ClearCompleted {
		delete(next.CompletedStages, name)
	}
	for _, name := range d.MarkCompleted {
		next.CompletedStages[name] = true
	}
	if len(d.ResetStages) > 0 {
		next.RetryCounter++
	}
	if d.ConsumeFeedback {
		next.UserFeedback = ""
		next.FeedbackIntent = ""
		next.ContentEdits = nil
	}
	return next
}
