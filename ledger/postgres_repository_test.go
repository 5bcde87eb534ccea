// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var workflowCols = []string{
	"workflow_id", "trigger_kind", "trigger_details", "operation_key", "plan_name",
	"overall_status", "context_data", "error_message", "start_time", "end_time", "last_updated_time",
}

var taskCols = []string{
	"task_id", "workflow_id", "task_order", "step_name", "agent_name", "operation_key", "operation_kind",
	"external_task_id", "status", "input_params", "output_summary", "error_details", "retry_count",
	"start_time", "end_time",
}

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := NewPostgresRepository(db)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func TestPostgresRepository_CreateWorkflow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO workflow_instances").
		WithArgs(sqlmock.AnyArg(), "podcast_request", []byte(`{"topic":"t"}`), sqlmock.AnyArg(), "podcast",
			"pending", []byte(`{}`), fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	wf := &WorkflowInstance{TriggerKind: "podcast_request", TriggerDetails: json.RawMessage(`{"topic":"t"}`), PlanName: "podcast"}
	require.NoError(t, repo.CreateWorkflow(context.Background(), wf))
	assert.NotEqual(t, uuid.Nil, wf.WorkflowID)
	assert.Equal(t, fixedNow, wf.StartTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CreateWorkflowDuplicateKey(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO workflow_instances").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := repo.CreateWorkflow(context.Background(), &WorkflowInstance{TriggerKind: "podcast_request", OperationKey: "k1"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresRepository_CreateWorkflowStoreError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO workflow_instances").
		WillReturnError(errors.New("connection refused"))

	err := repo.CreateWorkflow(context.Background(), &WorkflowInstance{TriggerKind: "podcast_request"})
	assert.ErrorIs(t, err, ErrStore)
}

func TestPostgresRepository_UpdateWorkflowStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT overall_status FROM workflow_instances").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"overall_status"}).AddRow("pending"))
	mock.ExpectExec("UPDATE workflow_instances SET overall_status").
		WithArgs(id, "in_progress", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.UpdateWorkflowStatus(context.Background(), id, WorkflowInProgress))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateWorkflowStatusTerminal(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT overall_status FROM workflow_instances").
		WillReturnRows(sqlmock.NewRows([]string{"overall_status"}).AddRow("failed"))
	mock.ExpectRollback()

	err := repo.UpdateWorkflowStatus(context.Background(), id, WorkflowInProgress)
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_MergeContext(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec("SET context_data = context_data \\|\\| \\$2::jsonb").
		WithArgs(id, []byte(`{"script_ref":"s3://a"}`), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MergeContext(context.Background(), id, map[string]interface{}{"script_ref": "s3://a"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_MergeContextTerminal(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec("SET context_data").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM workflow_instances WHERE workflow_id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(workflowCols).AddRow(
			id.String(), "podcast_request", []byte(`{}`), "", "podcast",
			"completed", []byte(`{}`), "", fixedNow, fixedNow, fixedNow))

	err := repo.MergeContext(context.Background(), id, map[string]interface{}{"k": "v"})
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestPostgresRepository_FinalizeWorkflow(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE workflow_instances").
		WithArgs(id, "completed_with_errors", sqlmock.AnyArg(), fixedNow).
		WillReturnRows(sqlmock.NewRows(workflowCols).AddRow(
			id.String(), "podcast_request", []byte(`{}`), "k1", "podcast",
			"completed_with_errors", []byte(`{"script_ref":"s3://a"}`), "step cover-art failed", fixedNow, fixedNow, fixedNow))

	wf, err := repo.FinalizeWorkflow(context.Background(), id, WorkflowCompletedWithErrors, "step cover-art failed")
	require.NoError(t, err)
	assert.Equal(t, WorkflowCompletedWithErrors, wf.Status)
	assert.Equal(t, "k1", wf.OperationKey)
	assert.Equal(t, "s3://a", wf.ContextData["script_ref"])
	require.NotNil(t, wf.EndTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_FinalizeMissingWorkflow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("UPDATE workflow_instances").WillReturnRows(sqlmock.NewRows(workflowCols))
	mock.ExpectQuery("SELECT (.+) FROM workflow_instances").WillReturnRows(sqlmock.NewRows(workflowCols))

	_, err := repo.FinalizeWorkflow(context.Background(), uuid.New(), WorkflowFailed, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepository_CreateTask(t *testing.T) {
	repo, mock := newMockRepo(t)
	wfID := uuid.New()

	mock.ExpectExec("INSERT INTO task_instances").
		WithArgs(sqlmock.AnyArg(), wfID, 1, "weave-script", "script-weaver",
			"k1", "weave_script", "pending", []byte(`{}`), 0, fixedNow, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	task := &TaskInstance{WorkflowID: wfID, TaskOrder: 1, StepName: "weave-script", AgentName: "script-weaver",
		OperationKey: "k1", OperationKind: "weave_script"}
	require.NoError(t, repo.CreateTask(context.Background(), task))
	assert.Equal(t, TaskPending, task.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateTask(t *testing.T) {
	repo, mock := newMockRepo(t)
	taskID, wfID := uuid.New(), uuid.New()
	retries := 3

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM task_instances").
		WithArgs(taskID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("polling"))
	mock.ExpectQuery("UPDATE task_instances SET").
		WithArgs(taskID, "failed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(
			taskID.String(), wfID.String(), 1, "weave-script", "script-weaver", "k1", "weave_script",
			"h-1", "failed", []byte(`{}`), nil, []byte(`{"code":"agent_failed","message":"m","retryable":true}`), 3,
			fixedNow, fixedNow))
	mock.ExpectCommit()

	task, err := repo.UpdateTask(context.Background(), taskID, TaskUpdate{
		Status:       TaskFailed,
		ErrorDetails: &ErrorDetails{Code: "agent_failed", Message: "m", Retryable: true},
		RetryCount:   &retries,
	})
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	require.NotNil(t, task.ErrorDetails)
	assert.Equal(t, "agent_failed", task.ErrorDetails.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateTerminalTask(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM task_instances").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	_, err := repo.UpdateTask(context.Background(), uuid.New(), TaskUpdate{Status: TaskFailed})
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ListTasksOrdered(t *testing.T) {
	repo, mock := newMockRepo(t)
	wfID := uuid.New()

	rows := sqlmock.NewRows(taskCols)
	for i := 1; i <= 3; i++ {
		rows.AddRow(uuid.New().String(), wfID.String(), i, "segment-audio", "voice-synth", "k", "synthesize_segment",
			"", "completed", []byte(`{}`), []byte(`{"audio_ref":"x"}`), nil, 0, fixedNow, fixedNow)
	}
	mock.ExpectQuery("ORDER BY task_order").WithArgs(wfID).WillReturnRows(rows)

	tasks, err := repo.ListTasks(context.Background(), wfID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, i+1, task.TaskOrder)
		assert.Nil(t, task.ErrorDetails)
	}
}

func TestPostgresRepository_ListWorkflows(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT COUNT").WithArgs("failed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("ORDER BY start_time DESC").WithArgs("failed", 10, 0).
		WillReturnRows(sqlmock.NewRows(workflowCols).AddRow(
			id.String(), "podcast_request", []byte(`{}`), "", "podcast",
			"failed", []byte(`{}`), "step weave-script failed", fixedNow, fixedNow, fixedNow))

	out, total, err := repo.ListWorkflows(context.Background(), ListOptions{Status: WorkflowFailed, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, out, 1)
	assert.Equal(t, "step weave-script failed", out[0].ErrorMessage)
}
