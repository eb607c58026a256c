// Package statestore is the transactional State Store (spec.md §4.1): the
// durable home for Workflows, Stage Tasks, Artifacts, Artifact Versions,
// and the Event log. Grounded on the teacher's graph/store package — same
// shape of contract (Save*/Load*, ErrNotFound sentinel, pluggable
// backends) generalized from a single generic Store[S] into the five
// logical tables spec.md §6 names.
package statestore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bidflow/domain"
	"bidflow/eventbus"
	"bidflow/workflowerr"
)

// Store is the transactional interface every backend (Memory, SQLite,
// MySQL) implements. Multi-row invariants are grouped into single calls so
// backends can use one transaction: CreateWorkflow inserts the Workflow
// plus its N Stage Task rows atomically; UpdateTask and UpdateWorkflow are
// separate calls: stagerunner updates the task, and scheduler.Executor
// persists workflow-level changes with UpdateWorkflow afterwards.
type Store interface {
	// CreateWorkflow transactionally inserts a Workflow row and one
	// StageTask row per entry in stages, with monotonically increasing
	// sequence ordinals starting at 0. Fails with workflowerr.Conflict if
	// a non-terminal workflow already exists for session, whatever its
	// project: the conflict check does not look at project.
	CreateWorkflow(ctx context.Context, project, user uuid.UUID, session string, stages []string) (domain.Workflow, error)

	// LoadWorkflowState reassembles a domain.State by loading the most
	// recent non-terminal Workflow for session plus its StageTasks. Fails
	// with workflowerr.NotFound if none exists.
	LoadWorkflowState(ctx context.Context, session string) (domain.State, error)

	// GetWorkflow loads a single Workflow row by id.
	GetWorkflow(ctx context.Context, id uuid.UUID) (domain.Workflow, error)

	// UpdateWorkflow applies a partial update described by fields.
	UpdateWorkflow(ctx context.Context, id uuid.UUID, fields WorkflowFields) error

	// GetTask loads the StageTask row for (workflowID, stageName).
	GetTask(ctx context.Context, workflowID uuid.UUID, stageName string) (domain.StageTask, error)

	// UpdateTask applies a partial update to one StageTask. Fails with
	// workflowerr.NotFound if absent, workflowerr.InvalidTransition if
	// fields.Status regresses status without fields.Force.
	UpdateTask(ctx context.Context, taskID uuid.UUID, fields TaskFields) error

	// ResetTasks sets the named stages' tasks back to Open and increments
	// their retry counts, in a single transaction. Used by Supervisor
	// feedback-loop reset rules.
	ResetTasks(ctx context.Context, workflowID uuid.UUID, stageNames []string) error

	// IncrementProjectProgress bumps a per-project, per-stage counter that
	// survives process restarts (recovered from original_source per
	// SPEC_FULL.md §D.3).
	IncrementProjectProgress(ctx context.Context, projectID uuid.UUID, stageName string) error

	// CreateArtifact inserts a new Artifact in Draft status.
	CreateArtifact(ctx context.Context, a domain.Artifact) (domain.Artifact, error)

	// AddArtifactVersion inserts the next contiguous version for an
	// artifact (VersionNumber = current max + 1, starting at 1).
	AddArtifactVersion(ctx context.Context, artifactID uuid.UUID, content []byte, exportLocation string) (domain.ArtifactVersion, error)

	// UpdateArtifactStatus sets an artifact's status and, for Approved,
	// its approver and timestamp.
	UpdateArtifactStatus(ctx context.Context, artifactID uuid.UUID, status domain.ArtifactStatus, approver *uuid.UUID) error

	// AppendEvent inserts an event and returns it with its assigned,
	// session-monotonic ID.
	AppendEvent(ctx context.Context, e eventbus.Event) (eventbus.Event, error)

	// FetchEventsSince returns events for session with ID > afterID,
	// ordered by ID.
	FetchEventsSince(ctx context.Context, session string, afterID int64) ([]eventbus.Event, error)

	// Close releases backend resources (connection pools, files).
	Close() error
}

// WorkflowFields is a partial-update payload for UpdateWorkflow; zero
// values mean "leave unchanged" except where a pointer is used.
type WorkflowFields struct {
	Status       *domain.Status
	CompletedAt  *time.Time
	ErrorSummary *string

	// AddCompletedCheckpoints and RemoveCompletedCheckpoints apply a
	// delta to the Workflow's durable CompletedCheckpoints set: adds are
	// merged in (deduplicated), removes are filtered out. Both are
	// no-ops when empty.
	AddCompletedCheckpoints    []string
	RemoveCompletedCheckpoints []string
}

// TaskFields is a partial-update payload for UpdateTask.
type TaskFields struct {
	Status        *domain.Status
	Input         []byte
	Output        []byte
	AppendError   *domain.StageError
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExecutionTime *time.Duration
	Force         bool // allow a status regression (e.g. administrative repair)
}

// clock lets tests stub time.Now; production uses time.Now via systemClock.
type clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// errNotFound and errConflict are convenience constructors kept local to
// this package so every backend raises the same workflowerr.Error shape.
func errNotFound(msg string) error       { return workflowerr.New(workflowerr.NotFound, msg) }
func errConflict(msg string) error       { return workflowerr.New(workflowerr.Conflict, msg) }
func errInvalidTransition(m string) error { return workflowerr.New(workflowerr.InvalidTransition, m) }
