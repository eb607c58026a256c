package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"bidflow/domain"
	"bidflow/eventbus"
)

// MySQL is an alternate production State Store backend (SPEC_FULL.md §B),
// exercising the same Store interface as SQLite against
// github.com/go-sql-driver/mysql — adapted from the teacher's
// store.MySQLStore[S], split across the five logical tables instead of one
// opaque state blob per run.
type MySQL struct {
	db *sql.DB
}

// NewMySQL opens (and migrates) a MySQL-backed State Store using dsn, a
// go-sql-driver/mysql data source name (e.g.
// "user:pass@tcp(127.0.0.1:3306)/bidflow?parseTime=true").
func NewMySQL(dsn string) (*MySQL, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &MySQL{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQL) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id CHAR(36) PRIMARY KEY,
			project_id CHAR(36) NOT NULL,
			user_id CHAR(36) NOT NULL,
			session_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at DATETIME NOT NULL,
			last_updated_at DATETIME NOT NULL,
			completed_at DATETIME NULL,
			error_summary TEXT NOT NULL,
			completed_checkpoints_blob TEXT NOT NULL,
			INDEX idx_workflows_session (session_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS stage_tasks (
			id CHAR(36) PRIMARY KEY,
			workflow_id CHAR(36) NOT NULL,
			stage_name VARCHAR(64) NOT NULL,
			sequence_order INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			input_blob LONGTEXT NOT NULL,
			output_blob LONGTEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			error_log_blob LONGTEXT NOT NULL,
			started_at DATETIME NULL,
			completed_at DATETIME NULL,
			execution_time_seconds DOUBLE NOT NULL DEFAULT 0,
			UNIQUE KEY uq_workflow_stage (workflow_id, stage_name),
			INDEX idx_tasks_workflow (workflow_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id CHAR(36) PRIMARY KEY,
			project_id CHAR(36) NOT NULL,
			name VARCHAR(255) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			category VARCHAR(128) NOT NULL,
			status VARCHAR(32) NOT NULL,
			tags_blob TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			approved_at DATETIME NULL,
			approver_id CHAR(36) NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS artifact_versions (
			id CHAR(36) PRIMARY KEY,
			artifact_id CHAR(36) NOT NULL,
			version_number INT NOT NULL,
			content_blob LONGTEXT NOT NULL,
			export_location VARCHAR(1024) NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE KEY uq_artifact_version (artifact_id, version_number)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			workflow_id CHAR(36) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			payload_blob LONGTEXT NOT NULL,
			created_at DATETIME NOT NULL,
			INDEX idx_events_session (session_id, id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			operation_key VARCHAR(512) PRIMARY KEY,
			result_blob LONGTEXT NOT NULL,
			expires_at DATETIME NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS locks (
			operation_key VARCHAR(512) PRIMARY KEY,
			expires_at DATETIME NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS project_progress (
			project_id CHAR(36) NOT NULL,
			stage_name VARCHAR(64) NOT NULL,
			count INT NOT NULL DEFAULT 0,
			PRIMARY KEY(project_id, stage_name)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQL) Close() error { return s.db.Close() }

func (s *MySQL) CreateWorkflow(ctx context.Context, project, user uuid.UUID, session string, stages []string) (domain.Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE session_id = ? AND status NOT IN ('Completed','Failed')`, session,
	).Scan(&count); err != nil {
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
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, project_id, user_id, session_id, status, created_at, last_updated_at, error_summary, completed_checkpoints_blob)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '', '[]')`,
		wf.ID.String(), wf.ProjectID.String(), wf.UserID.String(), wf.SessionKey, wf.Status, wf.CreatedAt, wf.LastUpdatedAt,
	); err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}

	for i, name := range stages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_tasks (id, workflow_id, stage_name, sequence_order, status, input_blob, output_blob, error_log_blob)
			 VALUES (?, ?, ?, ?, ?, '', '', '[]')`,
			uuid.New().String(), wf.ID.String(), name, i, domain.StatusOpen,
		); err != nil {
			return domain.Workflow{}, fmt.Errorf("insert stage task %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, fmt.Errorf("commit: %w", err)
	}
	return wf, nil
}

func (s *MySQL) LoadWorkflowState(ctx context.Context, session string) (domain.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, created_at, last_updated_at, completed_checkpoints_blob FROM workflows
		 WHERE session_id = ? AND status NOT IN ('Completed','Failed')
		 ORDER BY last_updated_at DESC LIMIT 1`, session)

	var idStr, projStr, userStr, checkpointsBlob string
	var createdAt, updatedAt time.Time
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

func (s *MySQL) GetWorkflow(ctx context.Context, id uuid.UUID) (domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, session_id, status, created_at, last_updated_at, completed_at, error_summary, completed_checkpoints_blob
		 FROM workflows WHERE id = ?`, id.String())

	var idStr, projStr, userStr, session, status, errSummary, checkpointsBlob string
	var createdAt, updatedAt time.Time
	var completedAt sql.NullTime
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

func (s *MySQL) UpdateWorkflow(ctx context.Context, id uuid.UUID, fields WorkflowFields) error {
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

func (s *MySQL) GetTask(ctx context.Context, workflowID uuid.UUID, stageName string) (domain.StageTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, stage_name, sequence_order, status, input_blob, output_blob,
		        retry_count, error_log_blob, started_at, completed_at, execution_time_seconds
		 FROM stage_tasks WHERE workflow_id=? AND stage_name=?`, workflowID.String(), stageName)

	var idStr, wfStr, name, status, input, output, errLog string
	var seq, retry int
	var startedAt, completedAt sql.NullTime
	var execSeconds float64
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

func (s *MySQL) UpdateTask(ctx context.Context, taskID uuid.UUID, fields TaskFields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var workflowID, stageName, curStatus, errLog string
	if err := tx.QueryRowContext(ctx,
		`SELECT workflow_id, stage_name, status, error_log_blob FROM stage_tasks WHERE id=? FOR UPDATE`, taskID.String(),
	).Scan(&workflowID, &stageName, &curStatus, &errLog); err != nil {
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

func (s *MySQL) ResetTasks(ctx context.Context, workflowID uuid.UUID, stageNames []string) error {
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

func (s *MySQL) IncrementProjectProgress(ctx context.Context, projectID uuid.UUID, stageName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_progress (project_id, stage_name, count) VALUES (?, ?, 1)
		 ON DUPLICATE KEY UPDATE count = count + 1`,
		projectID.String(), stageName)
	if err != nil {
		return fmt.Errorf("increment progress: %w", err)
	}
	return nil
}

func (s *MySQL) CreateArtifact(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
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

func (s *MySQL) AddArtifactVersion(ctx context.Context, artifactID uuid.UUID, content []byte, exportLocation string) (domain.ArtifactVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVer sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version_number) FROM artifact_versions WHERE artifact_id=? FOR UPDATE`, artifactID.String(),
	).Scan(&maxVer); err != nil {
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

func (s *MySQL) UpdateArtifactStatus(ctx context.Context, artifactID uuid.UUID, status domain.ArtifactStatus, approver *uuid.UUID) error {
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

func (s *MySQL) AppendEvent(ctx context.Context, e eventbus.Event) (eventbus.Event, error) {
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

func (s *MySQL) FetchEventsSince(ctx context.Context, session string, afterID int64) ([]eventbus.Event, error) {
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

var _ Store = (*MySQL)(nil)
