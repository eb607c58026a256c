// Package domain defines the entities that make up a bid workflow: the
// workflow itself, its per-stage tasks, the artifacts a workflow produces,
// and the append-only event log. These are plain structs — the State Store
// (package statestore) is the only component that mutates them.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is shared by Workflow and StageTask; both progress through the
// same five-value lifecycle (spec.md §3).
type Status string

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "InProgress"
	StatusWaiting    Status = "Waiting"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// FixedStages is the immutable stage sequence every workflow runs through.
var FixedStages = []string{"parser", "analysis", "content", "compliance", "qa", "comms", "submission"}

// Workflow is the durable record of one end-to-end run through FixedStages
// for one session. It reaches exactly one terminal status (Completed or
// Failed); once terminal it is never mutated again.
type Workflow struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	UserID        uuid.UUID
	SessionKey    string
	Status        Status
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	CompletedAt   *time.Time
	ErrorSummary  string

	// CompletedCheckpoints durably records every CompletedStages key that
	// has no backing StageTask row: the four await_* pause checkpoints
	// once resolved, the export pseudo-stage, and a real stage name when
	// the Supervisor marks it skipped rather than executed (e.g. comms
	// declined). LoadWorkflowState unions this into the rehydrated
	// State.CompletedStages alongside real completed task rows, so a
	// resumed invocation can tell which checkpoint it already passed.
	CompletedCheckpoints []string
}

// Terminal reports whether the workflow has reached Completed or Failed.
func (w Workflow) Terminal() bool {
	return w.Status == StatusCompleted || w.Status == StatusFailed
}

// StageError is one entry in a StageTask's structured error log: a kind,
// a human message, and free-form context (e.g. the failing attempt number,
// the upstream error code). Recovered from original_source's
// error_handling.py, which logs exactly this shape per failure.
type StageError struct {
	Kind    string
	Message string
	Context map[string]any
	At      time.Time
}

// StageTask is one node's durable record within a Workflow. Sequence
// ordinals are unique per workflow; status progresses monotonically except
// when an explicit reset rule in the Supervisor rewinds it back to Open.
type StageTask struct {
	ID            uuid.UUID
	WorkflowID    uuid.UUID
	StageName     string
	SequenceOrder int
	Status        Status
	Input         json.RawMessage
	Output        json.RawMessage
	RetryCount    int
	ErrorLog      []StageError
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExecutionTime time.Duration
}

// ArtifactKind enumerates the kinds of deliverables the content stage can
// produce.
type ArtifactKind string

const (
	ArtifactKindDocument      ArtifactKind = "document"
	ArtifactKindQuestionnaire ArtifactKind = "questionnaire"
	ArtifactKindSpreadsheet   ArtifactKind = "spreadsheet"
)

// ArtifactStatus is the review lifecycle of an Artifact, distinct from
// Status (which belongs to Workflow/StageTask).
type ArtifactStatus string

const (
	ArtifactStatusDraft    ArtifactStatus = "Draft"
	ArtifactStatusReview   ArtifactStatus = "Review"
	ArtifactStatusApproved ArtifactStatus = "Approved"
	ArtifactStatusRejected ArtifactStatus = "Rejected"
)

// Artifact is a user-visible deliverable. Its own fields are immutable
// except Status and ApproverID; content lives in its Versions.
type Artifact struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	Name       string
	Kind       ArtifactKind
	Category   string
	Status     ArtifactStatus
	Tags       []string
	CreatedAt  time.Time
	ApprovedAt *time.Time
	ApproverID *uuid.UUID
}

// ArtifactVersion is one immutable, contiguously-numbered revision of an
// Artifact's content. Only the highest VersionNumber is "current".
type ArtifactVersion struct {
	ID             uuid.UUID
	ArtifactID     uuid.UUID
	VersionNumber  int
	Content        json.RawMessage
	ExportLocation string
	CreatedAt      time.Time
}

// State is the ephemeral, in-memory projection of a Workflow during
// execution (spec.md §3's "Workflow State"). It is rehydrated from
// Workflow + its StageTasks at the start of every invocation and written
// back to the State Store on every transition; it is never shared
// in-memory between invocations.
type State struct {
	WorkflowID uuid.UUID
	ProjectID  uuid.UUID
	UserID     uuid.UUID
	SessionKey string

	// CompletedStages is a subset of FixedStages plus the synthetic
	// await_* checkpoint names that have been reached.
	CompletedStages map[string]bool

	// TaskOutputs maps stage name to that stage's last parsed output.
	// Its key set matches CompletedStages restricted to real stages.
	TaskOutputs map[string]json.RawMessage

	// PauseFlag and PauseCheckpoint record an active human-input wait.
	PauseFlag      bool
	PauseCheckpoint string

	// UserFeedback/FeedbackIntent hold the most recent resume input.
	UserFeedback   string
	FeedbackIntent string
	ContentEdits   []ContentEdit

	// ArtifactIDs/ExportLocations accumulate across content/export stages.
	ArtifactIDs     []uuid.UUID
	ExportLocations map[string]string

	Errors      []StageError
	RetryCounter int

	StartedAt     time.Time
	LastUpdatedAt time.Time
}

// ContentEdit is a user-supplied revision to one artifact's content,
// carried on a resume invocation.
type ContentEdit struct {
	ArtifactID uuid.UUID
	Content    json.RawMessage
}

// Clone returns a deep-enough copy of the state so that a caller can
// mutate the copy without affecting the original. Maps and slices are
// copied; the struct is otherwise a plain value.
func (s State) Clone() State {
	out := s
	out.CompletedStages = make(map[string]bool, len(s.CompletedStages))
	for k, v := range s.CompletedStages {
		out.CompletedStages[k] = v
	}
	out.TaskOutputs = make(map[string]json.RawMessage, len(s.TaskOutputs))
	for k, v := range s.TaskOutputs {
		out.TaskOutputs[k] = v
	}
	out.ExportLocations = make(map[string]string, len(s.ExportLocations))
	for k, v := range s.ExportLocations {
		out.ExportLocations[k] = v
	}
	out.ContentEdits = append([]ContentEdit(nil), s.ContentEdits...)
	out.ArtifactIDs = append([]uuid.UUID(nil), s.ArtifactIDs...)
	out.Errors = append([]StageError(nil), s.Errors...)
	return out
}

// NewState builds the initial ephemeral projection for a freshly created
// workflow.
func NewState(workflowID, projectID, userID uuid.UUID, sessionKey string, now time.Time) State {
	return State{
		WorkflowID:      workflowID,
		ProjectID:       projectID,
		UserID:          userID,
		SessionKey:      sessionKey,
		CompletedStages: map[string]bool{},
		TaskOutputs:     map[string]json.RawMessage{},
		ExportLocations: map[string]string{},
		StartedAt:       now,
		LastUpdatedAt:   now,
	}
}
