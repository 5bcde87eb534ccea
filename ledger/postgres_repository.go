// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const workflowColumns = `workflow_id, trigger_kind, trigger_details, COALESCE(operation_key, ''), plan_name,
	overall_status, context_data, COALESCE(error_message, ''), start_time, end_time, last_updated_time`

const taskColumns = `task_id, workflow_id, task_order, step_name, agent_name, operation_key, operation_kind,
	COALESCE(external_task_id, ''), status, input_params, output_summary, error_details, retry_count,
	start_time, end_time`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure PostgresRepository implements Repository
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStore, op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func scanWorkflow(row rowScanner) (*WorkflowInstance, error) {
	wf := &WorkflowInstance{}
	var (
		status      string
		trigger     []byte
		contextJSON []byte
		endTime     sql.NullTime
	)
	err := row.Scan(&wf.WorkflowID, &wf.TriggerKind, &trigger, &wf.OperationKey, &wf.PlanName,
		&status, &contextJSON, &wf.ErrorMessage, &wf.StartTime, &endTime, &wf.LastUpdatedTime)
	if err != nil {
		return nil, err
	}

	wf.Status = WorkflowStatus(status)
	if len(trigger) > 0 {
		wf.TriggerDetails = json.RawMessage(trigger)
	}
	wf.ContextData = map[string]interface{}{}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &wf.ContextData); err != nil {
			return nil, fmt.Errorf("failed to decode context_data: %w", err)
		}
	}
	if endTime.Valid {
		wf.EndTime = &endTime.Time
	}
	return wf, nil
}

func scanTask(row rowScanner) (*TaskInstance, error) {
	t := &TaskInstance{}
	var (
		status    string
		input     []byte
		output    []byte
		errorJSON []byte
		endTime   sql.NullTime
	)
	err := row.Scan(&t.TaskID, &t.WorkflowID, &t.TaskOrder, &t.StepName, &t.AgentName,
		&t.OperationKey, &t.OperationKind, &t.ExternalTaskID, &status,
		&input, &output, &errorJSON, &t.RetryCount, &t.StartTime, &endTime)
	if err != nil {
		return nil, err
	}

	t.Status = TaskStatus(status)
	if len(input) > 0 {
		t.InputParams = json.RawMessage(input)
	}
	if len(output) > 0 {
		t.OutputSummary = json.RawMessage(output)
	}
	if len(errorJSON) > 0 {
		var d ErrorDetails
		if err := json.Unmarshal(errorJSON, &d); err != nil {
			return nil, fmt.Errorf("failed to decode error_details: %w", err)
		}
		t.ErrorDetails = &d
	}
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}
	return t, nil
}

// toValidJSON returns data, or an empty object when data is empty
func toValidJSON(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateWorkflow inserts a new workflow row
func (r *PostgresRepository) CreateWorkflow(ctx context.Context, wf *WorkflowInstance) error {
	if err := validateNewWorkflow(wf); err != nil {
		return err
	}
	contextJSON, err := json.Marshal(wf.ContextData)
	if err != nil {
		return fmt.Errorf("%w: context_data: %v", ErrInvalidInput, err)
	}

	now := r.now()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (
			workflow_id, trigger_kind, trigger_details, operation_key, plan_name,
			overall_status, context_data, start_time, last_updated_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		wf.WorkflowID, wf.TriggerKind, toValidJSON(wf.TriggerDetails), nullIfEmpty(wf.OperationKey), wf.PlanName,
		string(wf.Status), contextJSON, now)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return storeErr("create workflow", err)
	}

	wf.StartTime = now
	wf.LastUpdatedTime = now
	return nil
}

// lockWorkflowStatus reads the current status under a row lock
func lockWorkflowStatus(ctx context.Context, tx *sql.Tx, workflowID uuid.UUID) (WorkflowStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT overall_status FROM workflow_instances WHERE workflow_id = $1 FOR UPDATE`,
		workflowID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr("lock workflow", err)
	}
	return WorkflowStatus(status), nil
}

// UpdateWorkflowStatus moves a workflow between non-terminal states
func (r *PostgresRepository) UpdateWorkflowStatus(ctx context.Context, workflowID uuid.UUID, status WorkflowStatus) error {
	if status.IsTerminal() {
		return ErrInvalidTransition
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockWorkflowStatus(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if err := checkWorkflowTransition(current, status); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET overall_status = $2, last_updated_time = $3 WHERE workflow_id = $1`,
		workflowID, string(status), r.now()); err != nil {
		return storeErr("update workflow status", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// MergeContext merges patch into context_data with jsonb concatenation
func (r *PostgresRepository) MergeContext(ctx context.Context, workflowID uuid.UUID, patch map[string]interface{}) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("%w: context patch: %v", ErrInvalidInput, err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET context_data = context_data || $2::jsonb, last_updated_time = $3
		WHERE workflow_id = $1
			AND overall_status NOT IN ('completed', 'failed', 'completed_with_errors')`,
		workflowID, patchJSON, r.now())
	if err != nil {
		return storeErr("merge context", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("merge context", err)
	}
	if n == 0 {
		return r.explainMiss(ctx, workflowID)
	}
	return nil
}

// explainMiss tells a missing workflow apart from a terminal one
func (r *PostgresRepository) explainMiss(ctx context.Context, workflowID uuid.UUID) error {
	wf, err := r.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return ErrTerminalState
	}
	return ErrInvalidTransition
}

// FinalizeWorkflow sets the terminal status, end_time and error message
func (r *PostgresRepository) FinalizeWorkflow(ctx context.Context, workflowID uuid.UUID, status WorkflowStatus, errorMessage string) (*WorkflowInstance, error) {
	if !status.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	now := r.now()
	wf, err := scanWorkflow(r.db.QueryRowContext(ctx, `
		UPDATE workflow_instances
		SET overall_status = $2, error_message = $3, end_time = $4, last_updated_time = $4
		WHERE workflow_id = $1
			AND overall_status NOT IN ('completed', 'failed', 'completed_with_errors')
		RETURNING `+workflowColumns,
		workflowID, string(status), nullIfEmpty(errorMessage), now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMiss(ctx, workflowID)
	}
	if err != nil {
		return nil, storeErr("finalize workflow", err)
	}
	return wf, nil
}

// GetWorkflow retrieves a workflow by id
func (r *PostgresRepository) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*WorkflowInstance, error) {
	wf, err := scanWorkflow(r.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflow_instances WHERE workflow_id = $1`, workflowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return wf, nil
}

// GetWorkflowByOperationKey retrieves the workflow started with a caller key
func (r *PostgresRepository) GetWorkflowByOperationKey(ctx context.Context, operationKey string) (*WorkflowInstance, error) {
	wf, err := scanWorkflow(r.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflow_instances WHERE operation_key = $1`, operationKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get workflow by key", err)
	}
	return wf, nil
}

// ListWorkflows lists workflows newest first with an optional status filter
func (r *PostgresRepository) ListWorkflows(ctx context.Context, opts ListOptions) ([]WorkflowInstance, int, error) {
	opts = opts.normalized()

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_instances WHERE ($1 = '' OR overall_status = $1)`,
		string(opts.Status)).Scan(&total); err != nil {
		return nil, 0, storeErr("count workflows", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM workflow_instances
		WHERE ($1 = '' OR overall_status = $1)
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3`,
		string(opts.Status), opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, storeErr("list workflows", err)
	}
	defer rows.Close()

	out := []WorkflowInstance{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, storeErr("scan workflow", err)
		}
		out = append(out, *wf)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeErr("list workflows", err)
	}
	return out, total, nil
}

// CreateTask inserts a task row. The caller owns task_order assignment.
func (r *PostgresRepository) CreateTask(ctx context.Context, task *TaskInstance) error {
	if err := validateNewTask(task); err != nil {
		return err
	}

	now := r.now()
	var endTime sql.NullTime
	if task.Status.IsTerminal() {
		endTime = sql.NullTime{Time: now, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_instances (
			task_id, workflow_id, task_order, step_name, agent_name,
			operation_key, operation_kind, status, input_params, retry_count,
			start_time, end_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		task.TaskID, task.WorkflowID, task.TaskOrder, task.StepName, task.AgentName,
		task.OperationKey, task.OperationKind, string(task.Status), toValidJSON(task.InputParams), task.RetryCount,
		now, endTime)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return storeErr("create task", err)
	}

	task.StartTime = now
	if endTime.Valid {
		task.EndTime = &endTime.Time
	}
	return nil
}

// UpdateTask applies update under a row lock after checking the transition
func (r *PostgresRepository) UpdateTask(ctx context.Context, taskID uuid.UUID, update TaskUpdate) (*TaskInstance, error) {
	var errorJSON []byte
	if update.ErrorDetails != nil {
		b, err := json.Marshal(update.ErrorDetails)
		if err != nil {
			return nil, fmt.Errorf("%w: error_details: %v", ErrInvalidInput, err)
		}
		errorJSON = b
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM task_instances WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("lock task", err)
	}
	if err := checkTaskTransition(TaskStatus(current), update.Status); err != nil {
		return nil, err
	}

	now := r.now()
	var endTime sql.NullTime
	if update.Status.IsTerminal() {
		endTime = sql.NullTime{Time: now, Valid: true}
	}
	var externalID sql.NullString
	if update.ExternalTaskID != nil {
		externalID = sql.NullString{String: *update.ExternalTaskID, Valid: true}
	}
	var retryCount sql.NullInt64
	if update.RetryCount != nil {
		retryCount = sql.NullInt64{Int64: int64(*update.RetryCount), Valid: true}
	}
	var output []byte
	if len(update.OutputSummary) > 0 {
		output = update.OutputSummary
	}

	task, err := scanTask(tx.QueryRowContext(ctx, `
		UPDATE task_instances SET
			status = $2,
			external_task_id = COALESCE($3, external_task_id),
			output_summary = COALESCE($4::jsonb, output_summary),
			error_details = COALESCE($5::jsonb, error_details),
			retry_count = COALESCE($6, retry_count),
			end_time = COALESCE($7, end_time)
		WHERE task_id = $1
		RETURNING `+taskColumns,
		taskID, string(update.Status), externalID, output, errorJSON, retryCount, endTime))
	if err != nil {
		return nil, storeErr("update task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	return task, nil
}

// ListTasks returns the tasks of a workflow ordered by task_order
func (r *PostgresRepository) ListTasks(ctx context.Context, workflowID uuid.UUID) ([]TaskInstance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_instances WHERE workflow_id = $1 ORDER BY task_order`, workflowID)
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer rows.Close()

	out := []TaskInstance{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("scan task", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list tasks", err)
	}
	return out, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}
