// Package session implements the Session Resumer (spec.md §4.7): the
// bridge between invocations. It either creates a new Workflow and its
// initial ephemeral State, or reloads a paused Workflow's State and merges
// in the caller's resume input, before handing off to the Graph Executor.
// Grounded on the teacher's human_in_the_loop example's checkpoint-resume
// pattern (examples/human_in_the_loop/main.go): load by key, merge input,
// clear the pause flag, re-enter the driver loop.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bidflow/domain"
	"bidflow/eventbus"
	"bidflow/statestore"
	"bidflow/supervisor"
	"bidflow/workflowerr"
)

// Input is one invocation's request payload, the core fields of spec.md
// §6's entry-point request that the Session Resumer itself interprets.
// ProjectID and UserID are used only when starting a workflow; validation
// of the request shape is the Entry Handler's job.
type Input struct {
	ProjectID  uuid.UUID
	UserID     uuid.UUID
	SessionKey string
	Start      bool
	Chat       string
	ContentEdits []domain.ContentEdit
}

// Resumer bridges invocations for a fixed stage sequence.
type Resumer struct {
	Store  statestore.Store
	Bus    *eventbus.Bus
	Stages []string
	nowFunc func() time.Time
}

// New constructs a Resumer over the given Store/Bus, driving workflows
// through stages (normally domain.FixedStages).
func New(store statestore.Store, bus *eventbus.Bus, stages []string) *Resumer {
	return &Resumer{
		Store:   store,
		Bus:     bus,
		Stages:  stages,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Resolve implements spec.md §4.7's three-way branch: start a new workflow,
// resume an existing one with merged user input, or reject a malformed
// combination of Start and Chat/ContentEdits.
func (r *Resumer) Resolve(ctx context.Context, in Input) (domain.State, error) {
	hasUserInput := in.Chat != "" || len(in.ContentEdits) > 0

	if in.Start {
		if hasUserInput {
			return domain.State{}, workflowerr.New(workflowerr.Validation, "start=true forbids user_input")
		}
		return r.start(ctx, in)
	}
	return r.resume(ctx, in)
}

func (r *Resumer) start(ctx context.Context, in Input) (domain.State, error) {
	wf, err := r.Store.CreateWorkflow(ctx, in.ProjectID, in.UserID, in.SessionKey, r.Stages)
	if err != nil {
		return domain.State{}, err
	}

	now := r.nowFunc()
	state := domain.NewState(wf.ID, in.ProjectID, in.UserID, in.SessionKey, now)

	r.publish(ctx, state, eventbus.TypeWorkflowCreated, map[string]any{
		"workflow_execution_id": wf.ID,
		"total_tasks":           len(r.Stages),
		"agent_sequence":        r.Stages,
	})
	return state, nil
}

func (r *Resumer) resume(ctx context.Context, in Input) (domain.State, error) {
	state, err := r.Store.LoadWorkflowState(ctx, in.SessionKey)
	if err != nil {
		if workflowerr.Is(err, workflowerr.NotFound) {
			return domain.State{}, workflowerr.New(workflowerr.NotFound, "no resumable workflow for session "+in.SessionKey)
		}
		return domain.State{}, err
	}

	if in.Chat != "" {
		if _, err := r.Bus.Publish(ctx, eventbus.Event{
			WorkflowID: state.WorkflowID,
			SessionKey: state.SessionKey,
			Type:       eventbus.Type("user_message"),
			Payload:    map[string]any{"chat": in.Chat},
		}); err != nil {
			return domain.State{}, err
		}
	}

	next := state.Clone()
	next.UserFeedback = in.Chat
	next.FeedbackIntent = string(supervisor.ClassifyIntent(in.Chat))
	next.ContentEdits = in.ContentEdits
	next.PauseFlag = false
	next.PauseCheckpoint = ""
	next.LastUpdatedAt = r.nowFunc()

	return next, nil
}

func (r *Resumer) publish(ctx context.Context, state domain.State, t eventbus.Type, payload map[string]any) {
	if r.Bus == nil {
		return
	}
	_, _ = r.Bus.Publish(ctx, eventbus.Event{
		WorkflowID: state.WorkflowID,
		SessionKey: state.SessionKey,
		Type:       t,
		Payload:    payload,
	})
}
