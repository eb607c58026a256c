package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"bidflow/domain"
	"bidflow/eventbus"
)

// SQLite is the default production State Store backend (SPEC_FULL.md §B),
// a pure-Go, cgo-free backend adapted from the teacher's
// store.SQLiteStore[S]. Where the teacher persisted one generic JSON-blob
// state column, this backend has one table per §6 logical table so that
// UpdateTask/ResetTasks/UpdateWorkflow can mutate individual columns
// instead of rewriting an opaque blob.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) a SQLite-backed State Store at path.
// Use ":memory:" for a throwaway database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			error_summary TEXT NOT NULL DEFAULT '',
			completed_checkpoints_blob TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_session ON workflows(session_id)`,
		`CREATE TABLE IF NOT EXISTS stage_tasks (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			sequence_order INTEGER NOT NULL,
			status TEXT NOT NULL,
			input_blob TEXT NOT NULL DEFAULT '',
			output_blob TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_log_blob TEXT NOT NULL DEFAULT '[]',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			execution_time_seconds REAL NOT NULL DEFAULT 0,
			UNIQUE(workflow_id, stage_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON stage_tasks(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			tags_blob TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			approved_at TIMESTAMP,
			approver_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS artifact_versions (
			id TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			content_blob TEXT NOT NULL,
			export_location TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(artifact_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload_blob TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			operation_key TEXT PRIMARY KEY,
			result_blob TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			operation_key TEXT PRIMARY KEY,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS project_progress (
			project_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(project_id, stage_name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateWorkflow(ctx context.Context, project, user uuid.UUID, session string, stages []string) (domain.Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE session_id = ? AND status NOT IN ('Completed','Failed')`, session)
	if err := row.Scan(&count); err != nil {
		return domain.Workflow{}, fmt.Errorf("check conflict: %w", err)
	}
	if count > 0 {
		return domain.Workflow{}, errConflict("active workflow already exists for session " + session)
	}

	now := time.Now().UTC()
	wf := domain.Workflow{
		ID: uuid.New(), ProjectID: project, UserID: user, SessionKey: session,
		Status: domain.StatusOpen, CreatedAt: now, LastUpdatedAt: now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, project_id, user_id, session_id, status, created_at, last_updated_at, error_summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
		wf.ID.String(), wf.ProjectID.String(), wf.UserID.String(), wf.SessionKey, wf.Status, wf.CreatedAt, wf.LastUpdatedAt)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}

	for i, name := range stages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO stage_tasks (id, workflow_id, stage_name, sequence_order, status) VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), wf.ID.String(), name, i, domain.StatusOpen)
		if err != nil {
			return domain.Workflow{}, fmt.Errorf("insert stage task %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, fmt.Errorf("commit: %w", err)
	}
	return wf, nil
}

func (s *SQLite) LoadWorkflowState(ctx context.Context, session string) (domain.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, created_at, last_updated_at, completed_checkpoints_blob FROM workflows
		 WHERE session_id = ? AND status NOT IN ('Completed','Failed')
		 ORDER BY last_updated_at DESC LIMIT 1`, session)

	var (
		idStr, projStr, userStr, checkpointsBlob string
		createdAt, updatedAt                     time.Time
	)
	if err := row.Scan(&idStr, &projStr, &userStr, &createdAt, &updatedAt, &checkpointsBlob); err != nil {
		if err == sql.ErrNoRows {
			return domain.State{}, errNotFound("no active workflow for session " + session)
		}
		return domain.State{}, fmt.Errorf("load workflow: %w", err)
	}
	wfID, _ := uuid.Parse(idStr)
	projID, _ := uuid.Parse(projStr)
	userID, _ := uuid.Parse(userStr)

	state := domain.NewState(wfID, projID, userID, session, createdAt)
	state.LastUpdatedAt = updatedAt

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage_name, status, output_blob, error_log_blob, retry_count FROM stage_tasks
		 WHERE workflow_id = ? ORDER BY sequence_order`, idStr)
	if err != nil {
		return domain.State{}, fmt.Errorf("load stage tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, status, output, errLog string
		var retry int
		if err := rows.Scan(&name, &status, &output, &errLog, &retry); err != nil {
			return domain.State{}, fmt.Errorf("scan stage task: %w", err)
		}
		if status == string(domain.StatusCompleted) {
			state.CompletedStages[name] = true
			if output != "" {
				state.TaskOutputs[name] = json.RawMessage(output)
			}
		}
		var errs []domain.StageError
		if errLog != "" {
			_ = json.Unmarshal([]byte(errLog), &errs)
			state.Errors = append(state.Errors, errs...)
		}
		state.RetryCounter += retry
	}
	var checkpoints []string
	if checkpointsBlob != "" {
		_ = json.Unmarshal([]byte(checkpointsBlob), &checkpoints)
	}
	for _, name := range checkpoints {
		state.CompletedStages[name] = true
	}
	return state, rows.Err()
}

func (s *SQLite) GetWorkflow(ctx context.Context, id uuid.UUID) (domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, session_id, status, created_at, last_updated_at, completed_at, error_summary, completed_checkpoints_blob
		 FROM workflows WHERE id = ?`, id.String())
	return scanWorkflow(row)
}

func scanWorkflow(row *sql.Row) (domain.Workflow, error) {
	var (
		idStr, projStr, userStr, session, status, errSummary, checkpointsBlob string
		createdAt, updatedAt                                                 time.Time
		completedAt                                                          sql.NullTime
	)
	if err := row.Scan(&idStr, &projStr, &userStr, &session, &status, &createdAt, &updatedAt, &completedAt, &errSummary, &checkpointsBlob); err != nil {
		if err == sql.ErrNoRows {
			return domain.Workflow{}, errNotFound("workflow not found")
		}
		return domain.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	wf := domain.Workflow{
		ID: uuid.MustParse(idStr), ProjectID: uuid.MustParse(projStr), UserID: uuid.MustParse(userStr),
		SessionKey: session, Status: domain.Status(status), CreatedAt: createdAt, LastUpdatedAt: updatedAt,
		ErrorSummary: errSummary,
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	if checkpointsBlob != "" {
		_ = json.Unmarshal([]byte(checkpointsBlob), &wf.CompletedCheckpoints)
	}
	return wf, nil
}

func (s *SQLite) UpdateWorkflow(ctx context.Context, id uuid.UUID, fields WorkflowFields) error {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Terminal() {
		return errInvalidTransition("workflow " + id.String() + " is already terminal")
	}
	if fields.Status != nil {
		wf.Status = *fields.Status
	}
	if fields.CompletedAt != nil {
		wf.CompletedAt = fields.CompletedAt
	}
	if fields.ErrorSummary != nil {
		wf.ErrorSummary = *fields.ErrorSummary
	}
	wf.CompletedCheckpoints = mergeCheckpoints(wf.CompletedCheckpoints, fields.AddCompletedCheckpoints, fields.RemoveCompletedCheckpoints)
	wf.LastUpdatedAt = time.Now().UTC()

	checkpointsBlob, err := json.Marshal(wf.CompletedCheckpoints)
	if err != nil {
		return fmt.Errorf("marshal completed checkpoints: %w", err)
	}

	var completedAt any
	if wf.CompletedAt != nil {
		completedAt = *wf.CompletedAt
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE workflows SET status=?, last_updated_at=?, completed_at=?, error_summary=?, completed_checkpoints_blob=? WHERE id=?`,
		wf.Status, wf.LastUpdatedAt, completedAt, wf.ErrorSummary, string(checkpointsBlob), id.String())
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, workflowID uuid.UUID, stageName string) (domain.StageTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, stage_name, sequence_order, status, input_blob, output_blob,
		        retry_count, error_log_blob, started_at, completed_at, execution_time_seconds
		 FROM stage_tasks WHERE workflow_id=? AND stage_name=?`, workflowID.String(), stageName)
	return scanTask(row)
}

func scanTask(row *sql.Row) (domain.StageTask, error) {
	var (
		idStr, wfStr, name, status, input, output, errLog string
		seq, retry                                        int
		startedAt, completedAt                             sql.NullTime
		execSeconds                                        float64
	)
	if err := row.Scan(&idStr, &wfStr, &name, &seq, &status, &input, &output, &retry, &errLog, &startedAt, &completedAt, &execSeconds); err != nil {
		if err == sql.ErrNoRows {
			return domain.StageTask{}, errNotFound("stage task not found")
		}
		return domain.StageTask{}, fmt.Errorf("scan task: %w", err)
	}
	t := domain.StageTask{
		ID: uuid.MustParse(idStr), WorkflowID: uuid.MustParse(wfStr), StageName: name, SequenceOrder: seq,
		Status: domain.Status(status), RetryCount: retry, ExecutionTime: time.Duration(execSeconds * float64(time.Second)),
	}
	if input != "" {
		t.Input = json.RawMessage(input)
	}
	if output != "" {
		t.Output = json.RawMessage(output)
	}
	if errLog != "" {
		_ = json.Unmarshal([]byte(errLog), &t.ErrorLog)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (s *SQLite) UpdateTask(ctx context.Context, taskID uuid.UUID, fields TaskFields) error {
	var workflowID string
	row := s.db.QueryRowContext(ctx, `SELECT workflow_id, stage_name, status, error_log_blob FROM stage_tasks WHERE id=?`, taskID.String())
	var stageName, curStatus, errLog string
	if err := row.Scan(&workflowID, &stageName, &curStatus, &errLog); err != nil {
		if err == sql.ErrNoRows {
			return errNotFound("task not found")
		}
		return fmt.Errorf("load task: %w", err)
	}

	newStatus := domain.Status(curStatus)
	if fields.Status != nil {
		if !fields.Force && statusRank[*fields.Status] < statusRank[domain.Status(curStatus)] {
			return errInvalidTransition("task " + stageName + " cannot move from " + curStatus + " to " + string(*fields.Status))
		}
		newStatus = *fields.Status
	}

	var errs []domain.StageError
	if errLog != "" {
		_ = json.Unmarshal([]byte(errLog), &errs)
	}
	if fields.AppendError != nil {
		errs = append(errs, *fields.AppendError)
	}
	newErrLog, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal error log: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	setClauses := `status=?, error_log_blob=?`
	args := []any{newStatus, string(newErrLog)}
	if fields.Input != nil {
		setClauses += `, input_blob=?`
		args = append(args, string(fields.Input))
	}
	if fields.Output != nil {
		setClauses += `, output_blob=?`
		args = append(args, string(fields.Output))
	}
	if fields.StartedAt != nil {
		setClauses += `, started_at=?`
		args = append(args, *fields.StartedAt)
	}
	if fields.CompletedAt != nil {
		setClauses += `, completed_at=?`
		args = append(args, *fields.CompletedAt)
	}
	if fields.ExecutionTime != nil {
		setClauses += `, execution_time_seconds=?`
		args = append(args, fields.ExecutionTime.Seconds())
	}
	args = append(args, taskID.String())

	if _, err := tx.ExecContext(ctx, `UPDATE stage_tasks SET `+setClauses+` WHERE id=?`, args...); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET last_updated_at=? WHERE id=?`, time.Now().UTC(), workflowID); err != nil {
		return fmt.Errorf("touch workflow: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) ResetTasks(ctx context.Context, workflowID uuid.UUID, stageNames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var affected int64
	for _, name := range stageNames {
		res, err := tx.ExecContext(ctx,
			`UPDATE stage_tasks SET status=?, output_blob='', retry_count=retry_count+1 WHERE workflow_id=? AND stage_name=?`,
			domain.StatusOpen, workflowID.String(), name)
		if err != nil {
			return fmt.Errorf("reset task %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	if affected == 0 {
		return errNotFound("no matching tasks to reset")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET last_updated_at=? WHERE id=?`, time.Now().UTC(), workflowID.String()); err != nil {
		return fmt.Errorf("touch workflow: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) IncrementProjectProgress(ctx context.Context, projectID uuid.UUID, stageName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_progress (project_id, stage_name, count) VALUES (?, ?, 1)
		 ON CONFLICT(project_id, stage_name) DO UPDATE SET count = count + 1`,
		projectID.String(), stageName)
	if err != nil {
		return fmt.Errorf("increment progress: %w", err)
	}
	return nil
}

func (s *SQLite) CreateArtifact(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = domain.ArtifactStatusDraft
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, project_id, name, kind, category, status, tags_blob, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.ProjectID.String(), a.Name, a.Kind, a.Category, a.Status, string(tags), a.CreatedAt)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

func (s *SQLite) AddArtifactVersion(ctx context.Context, artifactID uuid.UUID, content []byte, exportLocation string) (domain.ArtifactVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVer sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version_number) FROM artifact_versions WHERE artifact_id=?`, artifactID.String()).Scan(&maxVer); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("max version: %w", err)
	}
	next := int(maxVer.Int64) + 1

	v := domain.ArtifactVersion{
		ID: uuid.New(), ArtifactID: artifactID, VersionNumber: next,
		Content: append(json.RawMessage(nil), content...), ExportLocation: exportLocation, CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO artifact_versions (id, artifact_id, version_number, content_blob, export_location, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID.String(), v.ArtifactID.String(), v.VersionNumber, string(v.Content), v.ExportLocation, v.CreatedAt)
	if err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("insert version: %w", err)
	}
	return v, tx.Commit()
}

func (s *SQLite) UpdateArtifactStatus(ctx context.Context, artifactID uuid.UUID, status domain.ArtifactStatus, approver *uuid.UUID) error {
	var approverStr any
	var approvedAt any
	if status == domain.ArtifactStatusApproved {
		approvedAt = time.Now().UTC()
		if approver != nil {
			approverStr = approver.String()
		}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET status=?, approved_at=COALESCE(?, approved_at), approver_id=COALESCE(?, approver_id) WHERE id=?`,
		status, approvedAt, approverStr, artifactID.String())
	if err != nil {
		return fmt.Errorf("update artifact status: %w", err)
	}
	return nil
}

func (s *SQLite) AppendEvent(ctx context.Context, e eventbus.Event) (eventbus.Event, error) {
	payload, err := e.MarshalPayload()
	if err != nil {
		return eventbus.Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	e.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, workflow_id, event_type, payload_blob, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.SessionKey, e.WorkflowID.String(), string(e.Type), string(payload), e.CreatedAt)
	if err != nil {
		return eventbus.Event{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eventbus.Event{}, fmt.Errorf("last insert id: %w", err)
	}
	e.ID = id
	return e, nil
}

func (s *SQLite) FetchEventsSince(ctx context.Context, session string, afterID int64) ([]eventbus.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, event_type, payload_blob, created_at FROM events
		 WHERE session_id = ? AND id > ? ORDER BY id`, session, afterID)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var out []eventbus.Event
	for rows.Next() {
		var id int64
		var wfStr, etype, payload string
		var createdAt time.Time
		if err := rows.Scan(&id, &wfStr, &etype, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := eventbus.Event{ID: id, SessionKey: session, Type: eventbus.Type(etype), CreatedAt: createdAt}
		if wfID, err := uuid.Parse(wfStr); err == nil {
			ev.WorkflowID = wfID
		}
		var m map[string]any
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &m)
		}
		ev.Payload = m
		out = append(out, ev)
	}
	return out, rows.Err()
}

var _ Store = (*SQLite)(nil)
