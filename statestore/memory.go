package statestore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bidflow/domain"
	"bidflow/eventbus"
)

// statusRank orders the shared Status enum so UpdateTask/UpdateWorkflow
// can detect a backwards transition. Waiting and InProgress are treated as
// siblings (a task can wait then resume in-progress) sitting strictly
// between Open and the terminal statuses.
var statusRank = map[domain.Status]int{
	domain.StatusOpen:       0,
	domain.StatusInProgress: 1,
	domain.StatusWaiting:    1,
	domain.StatusCompleted:  2,
	domain.StatusFailed:     2,
}

// Memory is an in-process Store implementation, the functional analogue of
// the teacher's store.NewMemStore used throughout graph/*_test.go. It is
// the default backend for unit tests across statestore, stagerunner,
// scheduler, session and entryhandler.
type Memory struct {
	mu sync.Mutex

	workflows map[uuid.UUID]*domain.Workflow
	tasks     map[uuid.UUID][]*domain.StageTask // workflowID -> ordered tasks
	artifacts map[uuid.UUID]*domain.Artifact
	versions  map[uuid.UUID][]*domain.ArtifactVersion
	events    map[string][]eventbus.Event // session -> events
	progress  map[string]int              // projectID|stage -> count
	nextEvent int64
	clock     clock
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		workflows: map[uuid.UUID]*domain.Workflow{},
		tasks:     map[uuid.UUID][]*domain.StageTask{},
		artifacts: map[uuid.UUID]*domain.Artifact{},
		versions:  map[uuid.UUID][]*domain.ArtifactVersion{},
		events:    map[string][]eventbus.Event{},
		progress:  map[string]int{},
		clock:     systemClock{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateWorkflow(ctx context.Context, project, user uuid.UUID, session string, stages []string) (domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workflows {
		if w.SessionKey == session && !w.Terminal() {
			return domain.Workflow{}, errConflict("active workflow already exists for session " + session)
		}
	}

	now := m.clock.Now()
	wf := &domain.Workflow{
		ID:            uuid.New(),
		ProjectID:     project,
		UserID:        user,
		SessionKey:    session,
		Status:        domain.StatusOpen,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	m.workflows[wf.ID] = wf

	tasks := make([]*domain.StageTask, 0, len(stages))
	for i, name := range stages {
		tasks = append(tasks, &domain.StageTask{
			ID:            uuid.New(),
			WorkflowID:    wf.ID,
			StageName:     name,
			SequenceOrder: i,
			Status:        domain.StatusOpen,
		})
	}
	m.tasks[wf.ID] = tasks

	return *wf, nil
}

func (m *Memory) LoadWorkflowState(ctx context.Context, session string) (domain.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.Workflow
	for _, w := range m.workflows {
		if w.SessionKey != session || w.Terminal() {
			continue
		}
		if best == nil || w.LastUpdatedAt.After(best.LastUpdatedAt) {
			best = w
		}
	}
	if best == nil {
		return domain.State{}, errNotFound("no active workflow for session " + session)
	}

	state := domain.NewState(best.ID, best.ProjectID, best.UserID, session, best.CreatedAt)
	state.LastUpdatedAt = best.LastUpdatedAt

	tasks := append([]*domain.StageTask(nil), m.tasks[best.ID]...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].SequenceOrder < tasks[j].SequenceOrder })
	for _, t := range tasks {
		if t.Status == domain.StatusCompleted {
			state.CompletedStages[t.StageName] = true
			state.TaskOutputs[t.StageName] = append(json.RawMessage(nil), t.Output...)
		}
		for _, e := range t.ErrorLog {
			state.Errors = append(state.Errors, e)
		}
		state.RetryCounter += t.RetryCount
	}
	for _, name := range best.CompletedCheckpoints {
		state.CompletedStages[name] = true
	}
	return state, nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id uuid.UUID) (domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return domain.Workflow{}, errNotFound("workflow not found")
	}
	return *w, nil
}

func (m *Memory) UpdateWorkflow(ctx context.Context, id uuid.UUID, fields WorkflowFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return errNotFound("workflow not found")
	}
	if w.Terminal() {
		return errInvalidTransition("workflow " + id.String() + " is already terminal")
	}
	if fields.Status != nil {
		w.Status = *fields.Status
	}
	if fields.CompletedAt != nil {
		w.CompletedAt = fields.CompletedAt
	}
	if fields.ErrorSummary != nil {
		w.ErrorSummary = *fields.ErrorSummary
	}
	w.CompletedCheckpoints = mergeCheckpoints(w.CompletedCheckpoints, fields.AddCompletedCheckpoints, fields.RemoveCompletedCheckpoints)
	w.LastUpdatedAt = m.clock.Now()
	return nil
}

// mergeCheckpoints applies an add/remove delta to a checkpoint set,
// deduplicating adds and dropping anything named in remove.
func mergeCheckpoints(current, add, remove []string) []string {
	removed := map[string]bool{}
	for _, name := range remove {
		removed[name] = true
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(current)+len(add))
	for _, name := range current {
		if removed[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, name := range add {
		if removed[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (m *Memory) GetTask(ctx context.Context, workflowID uuid.UUID, stageName string) (domain.StageTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks[workflowID] {
		if t.StageName == stageName {
			return *t, nil
		}
	}
	return domain.StageTask{}, errNotFound("task " + stageName + " not found for workflow " + workflowID.String())
}

func (m *Memory) UpdateTask(ctx context.Context, taskID uuid.UUID, fields TaskFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, list := range m.tasks {
		for _, t := range list {
			if t.ID != taskID {
				continue
			}
			if fields.Status != nil {
				if !fields.Force && statusRank[*fields.Status] < statusRank[t.Status] {
					return errInvalidTransition("task " + t.StageName + " cannot move from " + string(t.Status) + " to " + string(*fields.Status))
				}
				t.Status = *fields.Status
			}
			if fields.Input != nil {
				t.Input = append(json.RawMessage(nil), fields.Input...)
			}
			if fields.Output != nil {
				t.Output = append(json.RawMessage(nil), fields.Output...)
			}
			if fields.AppendError != nil {
				t.ErrorLog = append(t.ErrorLog, *fields.AppendError)
			}
			if fields.StartedAt != nil {
				t.StartedAt = fields.StartedAt
			}
			if fields.CompletedAt != nil {
				t.CompletedAt = fields.CompletedAt
			}
			if fields.ExecutionTime != nil {
				t.ExecutionTime = *fields.ExecutionTime
			}
			if wf, ok := m.workflows[t.WorkflowID]; ok {
				wf.LastUpdatedAt = m.clock.Now()
			}
			return nil
		}
	}
	return errNotFound("task not found")
}

func (m *Memory) ResetTasks(ctx context.Context, workflowID uuid.UUID, stageNames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := map[string]bool{}
	for _, n := range stageNames {
		names[n] = true
	}
	found := false
	for _, t := range m.tasks[workflowID] {
		if names[t.StageName] {
			t.Status = domain.StatusOpen
			t.Output = nil
			t.RetryCount++
			found = true
		}
	}
	if !found {
		return errNotFound("no matching tasks to reset")
	}
	if wf, ok := m.workflows[workflowID]; ok {
		wf.LastUpdatedAt = m.clock.Now()
	}
	return nil
}

func (m *Memory) IncrementProjectProgress(ctx context.Context, projectID uuid.UUID, stageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[projectID.String()+"|"+stageName]++
	return nil
}

func (m *Memory) ProjectProgress(projectID uuid.UUID, stageName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress[projectID.String()+"|"+stageName]
}

func (m *Memory) CreateArtifact(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = domain.ArtifactStatusDraft
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.clock.Now()
	}
	cp := a
	m.artifacts[a.ID] = &cp
	return cp, nil
}

func (m *Memory) AddArtifactVersion(ctx context.Context, artifactID uuid.UUID, content []byte, exportLocation string) (domain.ArtifactVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[artifactID]; !ok {
		return domain.ArtifactVersion{}, errNotFound("artifact not found")
	}
	next := len(m.versions[artifactID]) + 1
	v := &domain.ArtifactVersion{
		ID:             uuid.New(),
		ArtifactID:     artifactID,
		VersionNumber:  next,
		Content:        append(json.RawMessage(nil), content...),
		ExportLocation: exportLocation,
		CreatedAt:      m.clock.Now(),
	}
	m.versions[artifactID] = append(m.versions[artifactID], v)
	return *v, nil
}

func (m *Memory) UpdateArtifactStatus(ctx context.Context, artifactID uuid.UUID, status domain.ArtifactStatus, approver *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[artifactID]
	if !ok {
		return errNotFound("artifact not found")
	}
	a.Status = status
	if status == domain.ArtifactStatusApproved {
		now := m.clock.Now()
		a.ApprovedAt = &now
		a.ApproverID = approver
	}
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, e eventbus.Event) (eventbus.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	e.ID = m.nextEvent
	e.CreatedAt = m.clock.Now()
	m.events[e.SessionKey] = append(m.events[e.SessionKey], e)
	return e, nil
}

func (m *Memory) FetchEventsSince(ctx context.Context, session string, afterID int64) ([]eventbus.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []eventbus.Event
	for _, e := range m.events[session] {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ Store = (*Memory)(nil)

// WithClock overrides the time source the memory store stamps its rows
// with. The workflow deadline is checked by scheduler.Executor against its
// own clock, not this one.
func (m *Memory) WithClock(c clock) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = c
	return m
}

// FixedClock is a settable clock for tests.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock returns a FixedClock starting at now.
func NewFixedClock(now time.Time) *FixedClock { return &FixedClock{now: now} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
