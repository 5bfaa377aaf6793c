// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"saga-orchestrator/internal/workflow"
	"saga-orchestrator/pkg/errors"
)

// PGStore Store 的 Postgres 实现。行锁 + SKIP LOCKED 提供跨进程互斥，
// 每个方法一个事务。建表见 migrations/0001_workflow_engine.sql。
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore 建立连接池并 Ping
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalJSON(v interface{}) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalMap(b []byte) map[string]interface{} {
	if len(b) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// ---- 定义管理 ----

func (s *PGStore) PutDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return errors.Wrap(err, "marshal definition")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (name, version, document)
		VALUES ($1, $2, $3)
		ON CONFLICT (name, version) DO UPDATE SET document = EXCLUDED.document`,
		def.Name, def.Version, doc)
	return errors.Wrap(err, "put definition")
}

func (s *PGStore) GetDefinition(ctx context.Context, name, version string) (*workflow.WorkflowDefinition, error) {
	var (
		doc       []byte
		createdAt time.Time
		err       error
	)
	if version == "" {
		err = s.pool.QueryRow(ctx, `
			SELECT document, created_at FROM workflow_definitions
			WHERE name = $1 ORDER BY created_at DESC LIMIT 1`, name).Scan(&doc, &createdAt)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT document, created_at FROM workflow_definitions
			WHERE name = $1 AND version = $2`, name, version).Scan(&doc, &createdAt)
	}
	if err == pgx.ErrNoRows {
		return nil, errors.ErrDefinitionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get definition")
	}
	var def workflow.WorkflowDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, errors.Wrap(err, "unmarshal definition")
	}
	def.CreatedAt = createdAt
	return &def, nil
}

// ---- 入口 ----

func (s *PGStore) StartRun(ctx context.Context, def *workflow.WorkflowDefinition, input, runCtx map[string]interface{}) (*workflow.Run, error) {
	run := &workflow.Run{
		ID:              uuid.NewString(),
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Status:          workflow.RunPending,
		Input:           input,
		Context:         runCtx,
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_runs (id, workflow_name, workflow_version, status, input, context)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, run.WorkflowName, run.WorkflowVersion, string(run.Status),
			marshalJSON(input), marshalJSON(runCtx)); err != nil {
			return errors.Wrap(err, "insert run")
		}
		for _, sd := range def.Steps {
			if _, err := tx.Exec(ctx, `
				INSERT INTO run_steps (run_id, step_id, status, compensation_status)
				VALUES ($1, $2, $3, $4)`,
				run.ID, sd.ID, string(workflow.StepPending), string(workflow.CompPending)); err != nil {
				return errors.Wrap(err, "insert run step")
			}
		}
		return enqueueTx(ctx, tx, workflow.NewExecuteStepMessage(run.ID, def.Steps[0].ID, workflow.ScheduledByStart, time.Now()))
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PGStore) RetryStep(ctx context.Context, runID, stepID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
		if err == pgx.ErrNoRows {
			return errors.ErrRunNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock run")
		}
		tag, err := tx.Exec(ctx, `
			UPDATE run_steps SET status = $3, last_error = NULL, ended_at = NULL, updated_at = now()
			WHERE run_id = $1 AND step_id = $2`,
			runID, stepID, string(workflow.StepPending))
		if err != nil {
			return errors.Wrap(err, "reset step")
		}
		if tag.RowsAffected() == 0 {
			return errors.ErrStepNotFound
		}
		if _, err := tx.Exec(ctx, `
			UPDATE workflow_runs SET status = $2, error_code = NULL, error_step_id = NULL,
				error_message = NULL, updated_at = now()
			WHERE id = $1`,
			runID, string(workflow.RunRunning)); err != nil {
			return errors.Wrap(err, "resume run")
		}
		return enqueueTx(ctx, tx, workflow.NewExecuteStepMessage(runID, stepID, workflow.ScheduledByManualRetry, time.Now()))
	})
}

func (s *PGStore) CancelRun(ctx context.Context, def *workflow.WorkflowDefinition, runID string, compensate bool) (workflow.RunStatus, error) {
	var result workflow.RunStatus
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
		if err == pgx.ErrNoRows {
			return errors.ErrRunNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock run")
		}
		if status == string(workflow.RunCompleted) || status == string(workflow.RunCompensated) {
			return errors.ErrRunTerminal
		}

		cancel := func() error {
			result = workflow.RunCancelled
			_, err := tx.Exec(ctx, `
				UPDATE workflow_runs SET status = $2, updated_at = now(), completed_at = now()
				WHERE id = $1`, runID, string(workflow.RunCancelled))
			return errors.Wrap(err, "cancel run")
		}
		if !compensate {
			return cancel()
		}

		succeeded, err := succeededTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		queue := def.CompensationQueue(succeeded)
		if len(queue) == 0 {
			return cancel()
		}
		result = workflow.RunCompensating
		if _, err := tx.Exec(ctx, `
			UPDATE workflow_runs SET status = $2, error_code = $3, updated_at = now()
			WHERE id = $1`,
			runID, string(workflow.RunCompensating), workflow.ErrCodeCancelled); err != nil {
			return errors.Wrap(err, "mark compensating")
		}
		return enqueueTx(ctx, tx, workflow.NewCompensateMessage(runID, queue, workflow.ReasonCancel, time.Now()))
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func succeededTx(ctx context.Context, tx pgx.Tx, runID string) (map[string]bool, error) {
	rows, err := tx.Query(ctx,
		`SELECT step_id FROM run_steps WHERE run_id = $1 AND status = $2`,
		runID, string(workflow.StepSucceeded))
	if err != nil {
		return nil, errors.Wrap(err, "query succeeded steps")
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan step id")
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ---- 查询 ----

const runColumns = `id, workflow_name, workflow_version, status, input, context,
	error_code, error_step_id, error_message, created_at, updated_at, completed_at`

func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		r                       workflow.Run
		status                  string
		input, runCtx           []byte
		errCode, errStep, errMsg sql.NullString
		completedAt             sql.NullTime
	)
	err := row.Scan(&r.ID, &r.WorkflowName, &r.WorkflowVersion, &status, &input, &runCtx,
		&errCode, &errStep, &errMsg, &r.CreatedAt, &r.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Status = workflow.RunStatus(status)
	r.Input = unmarshalMap(input)
	r.Context = unmarshalMap(runCtx)
	if errCode.Valid {
		r.LastError = &workflow.RunError{Code: errCode.String, StepID: errStep.String, Message: errMsg.String}
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

func (s *PGStore) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID))
	if err == pgx.ErrNoRows {
		return nil, errors.ErrRunNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get run")
	}
	return run, nil
}

func (s *PGStore) ListRuns(ctx context.Context, status workflow.RunStatus, limit int) ([]workflow.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC, id LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at DESC, id LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *PGStore) ListRunSteps(ctx context.Context, runID string) ([]workflow.RunStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, step_id, status, attempts, compensation_status, compensation_attempts,
			output, last_error, compensation_error, started_at, ended_at, updated_at
		FROM run_steps WHERE run_id = $1 ORDER BY step_id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "list run steps")
	}
	defer rows.Close()

	var out []workflow.RunStep
	for rows.Next() {
		var (
			st                 workflow.RunStep
			status, compStatus string
			output             []byte
			lastErr, compErr   sql.NullString
			startedAt, endedAt sql.NullTime
		)
		if err := rows.Scan(&st.RunID, &st.StepID, &status, &st.Attempts, &compStatus,
			&st.CompensationAttempts, &output, &lastErr, &compErr,
			&startedAt, &endedAt, &st.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan run step")
		}
		st.Status = workflow.StepStatus(status)
		st.CompensationStatus = workflow.CompensationStatus(compStatus)
		st.Output = unmarshalMap(output)
		st.LastError = lastErr.String
		st.CompensationError = compErr.String
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			st.EndedAt = &endedAt.Time
		}
		out = append(out, st)
	}
	if len(out) == 0 {
		// 区分空 Run 与不存在的 Run
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
			return nil, errors.Wrap(err, "check run exists")
		}
		if !exists {
			return nil, errors.ErrRunNotFound
		}
	}
	return out, rows.Err()
}

func (s *PGStore) ListAttempts(ctx context.Context, runID string) ([]workflow.StepAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step_id, attempt_no, attempt_type, succeeded,
			status_code, error_kind, error_message, response, duration_ms, started_at, finished_at
		FROM step_attempts WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	defer rows.Close()

	var out []workflow.StepAttempt
	for rows.Next() {
		var (
			a          workflow.StepAttempt
			statusCode sql.NullInt32
			kind, msg  sql.NullString
			response   []byte
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepID, &a.AttemptNo, &a.AttemptType,
			&a.Succeeded, &statusCode, &kind, &msg, &response, &a.DurationMs, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, errors.Wrap(err, "scan attempt")
		}
		a.StatusCode = int(statusCode.Int32)
		a.ErrorKind = kind.String
		a.Error = msg.String
		a.Response = unmarshalMap(response)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- outbox ----

func enqueueTx(ctx context.Context, tx pgx.Tx, msg workflow.OutboxMessage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (run_id, kind, payload, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.RunID, string(msg.Kind), []byte(msg.Payload), string(workflow.OutboxPending), msg.NextAttemptAt)
	return errors.Wrap(err, "enqueue outbox")
}

func (s *PGStore) EnqueueOutbox(ctx context.Context, msg workflow.OutboxMessage) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return enqueueTx(ctx, tx, msg)
	})
}

// ClaimNext 单语句原子领取：最老的到期 PENDING 或租约过期 IN_FLIGHT 行，
// SKIP LOCKED 跳过并发领取者正在处理的行。
func (s *PGStore) ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*workflow.OutboxMessage, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE outbox
		SET status = 'IN_FLIGHT', lock_owner = $1, lock_acquired_at = now(), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM outbox
			WHERE (status = 'PENDING' AND next_attempt_at <= now())
			   OR (status = 'IN_FLIGHT' AND lock_acquired_at < now() - make_interval(secs => $2::double precision))
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, run_id, kind, payload, status, attempts, next_attempt_at, lock_owner, lock_acquired_at, created_at`,
		workerID, leaseTTL.Seconds())

	var (
		m              workflow.OutboxMessage
		kind, status   string
		lockOwner      sql.NullString
		lockAcquiredAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.RunID, &kind, &m.Payload, &status, &m.Attempts,
		&m.NextAttemptAt, &lockOwner, &lockAcquiredAt, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}
	m.Kind = workflow.OutboxKind(kind)
	m.Status = workflow.OutboxStatus(status)
	m.LockOwner = lockOwner.String
	if lockAcquiredAt.Valid {
		m.LockAcquiredAt = &lockAcquiredAt.Time
	}
	return &m, nil
}

func (s *PGStore) MarkDone(ctx context.Context, msgID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'DONE', lock_owner = NULL, lock_acquired_at = NULL
		WHERE id = $1`, msgID)
	return errors.Wrap(err, "mark outbox done")
}

func (s *PGStore) Requeue(ctx context.Context, msgID int64, delay time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'PENDING', next_attempt_at = now() + make_interval(secs => $2::double precision),
			lock_owner = NULL, lock_acquired_at = NULL
		WHERE id = $1`, msgID, delay.Seconds())
	return errors.Wrap(err, "requeue outbox")
}

func (s *PGStore) OutboxStats(ctx context.Context) (int, time.Duration, error) {
	var (
		count  int
		oldest sql.NullTime
	)
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), min(created_at) FROM outbox WHERE status = 'PENDING'`).Scan(&count, &oldest)
	if err != nil {
		return 0, 0, errors.Wrap(err, "outbox stats")
	}
	if !oldest.Valid {
		return count, 0, nil
	}
	return count, time.Since(oldest.Time), nil
}

// ---- 步骤执行 ----

func (s *PGStore) ReserveStepAttempt(ctx context.Context, runID, stepID string) (int, bool, error) {
	var (
		attemptNo int
		skip      bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var runStatus string
		err := tx.QueryRow(ctx,
			`SELECT status FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&runStatus)
		if err == pgx.ErrNoRows {
			skip = true
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "lock run")
		}
		// 只有能转入 RUNNING 的 Run 才执行；COMPENSATING 与各终态都吸收
		switch workflow.RunStatus(runStatus) {
		case workflow.RunPending, workflow.RunFailed, workflow.RunRunning:
		default:
			skip = true
			return nil
		}

		var stepStatus string
		err = tx.QueryRow(ctx,
			`SELECT status FROM run_steps WHERE run_id = $1 AND step_id = $2 FOR UPDATE`,
			runID, stepID).Scan(&stepStatus)
		if err == pgx.ErrNoRows {
			skip = true
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "lock step")
		}
		if workflow.StepStatus(stepStatus).Absorbing() {
			skip = true
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE workflow_runs SET status = $2, error_code = NULL, error_step_id = NULL,
				error_message = NULL, updated_at = now()
			WHERE id = $1 AND status IN ('PENDING', 'FAILED', 'RUNNING')`,
			runID, string(workflow.RunRunning)); err != nil {
			return errors.Wrap(err, "run to running")
		}
		return tx.QueryRow(ctx, `
			UPDATE run_steps SET status = $3, attempts = attempts + 1,
				started_at = COALESCE(started_at, now()), updated_at = now()
			WHERE run_id = $1 AND step_id = $2
			RETURNING attempts`,
			runID, stepID, string(workflow.StepRunning)).Scan(&attemptNo)
	})
	if err != nil {
		return 0, false, err
	}
	return attemptNo, skip, nil
}

func insertAttemptTx(ctx context.Context, tx pgx.Tx, runID, stepID string, rec AttemptRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO step_attempts (run_id, step_id, attempt_no, attempt_type, succeeded,
			status_code, error_kind, error_message, response, duration_ms, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT ON CONSTRAINT step_attempts_unique DO NOTHING`,
		runID, stepID, rec.AttemptNo, rec.Type, rec.Succeeded,
		sql.NullInt32{Int32: int32(rec.StatusCode), Valid: rec.StatusCode != 0},
		nullStr(rec.ErrorKind), nullStr(rec.ErrMsg), marshalJSON(rec.Response),
		rec.DurationMs, rec.StartedAt, rec.FinishedAt)
	return errors.Wrap(err, "insert attempt")
}

func (s *PGStore) RecordStepSuccess(ctx context.Context, runID, stepID string, rec AttemptRecord, output map[string]interface{}, nextStepID string) (bool, error) {
	var completed bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var runStatus string
		err := tx.QueryRow(ctx,
			`SELECT status FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&runStatus)
		if err == pgx.ErrNoRows {
			return errors.ErrRunNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock run")
		}
		if err := insertAttemptTx(ctx, tx, runID, stepID, rec); err != nil {
			return err
		}
		// Run 已离开可执行状态（取消、补偿中或终态）时只留审计记录，
		// 不改步骤与 Run，也不续投。与 ReserveStepAttempt 同一组门禁。
		switch workflow.RunStatus(runStatus) {
		case workflow.RunPending, workflow.RunFailed, workflow.RunRunning:
		default:
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE run_steps SET status = $3, output = $4, last_error = NULL,
				ended_at = now(), updated_at = now()
			WHERE run_id = $1 AND step_id = $2`,
			runID, stepID, string(workflow.StepSucceeded), marshalJSON(output)); err != nil {
			return errors.Wrap(err, "step succeeded")
		}
		if nextStepID != "" {
			return enqueueTx(ctx, tx,
				workflow.NewExecuteStepMessage(runID, nextStepID, workflow.ScheduledByNextStep, time.Now()))
		}
		completed = true
		_, err = tx.Exec(ctx, `
			UPDATE workflow_runs SET status = $2, updated_at = now(), completed_at = now()
			WHERE id = $1`, runID, string(workflow.RunCompleted))
		return errors.Wrap(err, "run completed")
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

func (s *PGStore) RecordStepFailure(ctx context.Context, def *workflow.WorkflowDefinition, runID, stepID string, rec AttemptRecord, outcome FailureOutcome, retryDelay time.Duration) (workflow.RunStatus, error) {
	var result workflow.RunStatus
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var runStatus string
		err := tx.QueryRow(ctx,
			`SELECT status FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&runStatus)
		if err == pgx.ErrNoRows {
			return errors.ErrRunNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock run")
		}
		result = workflow.RunStatus(runStatus)

		if err := insertAttemptTx(ctx, tx, runID, stepID, rec); err != nil {
			return err
		}
		// 与 RecordStepSuccess 相同的门禁：Run 不再可执行时吸收结果
		switch workflow.RunStatus(runStatus) {
		case workflow.RunPending, workflow.RunFailed, workflow.RunRunning:
		default:
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE run_steps SET status = $3, last_error = $4, ended_at = now(), updated_at = now()
			WHERE run_id = $1 AND step_id = $2`,
			runID, stepID, string(workflow.StepFailed), nullStr(rec.ErrMsg)); err != nil {
			return errors.Wrap(err, "step failed")
		}

		fail := func() error {
			result = workflow.RunFailed
			_, err := tx.Exec(ctx, `
				UPDATE workflow_runs SET status = $2, error_code = $3, error_step_id = $4,
					error_message = $5, updated_at = now(), completed_at = now()
				WHERE id = $1`,
				runID, string(workflow.RunFailed), workflow.ErrCodeStepFailed, stepID, nullStr(rec.ErrMsg))
			return errors.Wrap(err, "run failed")
		}

		switch outcome {
		case OutcomeRetry:
			return enqueueTx(ctx, tx,
				workflow.NewExecuteStepMessage(runID, stepID, workflow.ScheduledByRetry, time.Now().Add(retryDelay)))
		case OutcomeCompensate:
			succeeded, err := succeededTx(ctx, tx, runID)
			if err != nil {
				return err
			}
			queue := def.CompensationQueue(succeeded)
			if len(queue) == 0 {
				return fail()
			}
			result = workflow.RunCompensating
			if _, err := tx.Exec(ctx, `
				UPDATE workflow_runs SET status = $2, error_code = $3, error_step_id = $4,
					error_message = $5, updated_at = now()
				WHERE id = $1`,
				runID, string(workflow.RunCompensating), workflow.ErrCodeStepFailed, stepID, nullStr(rec.ErrMsg)); err != nil {
				return errors.Wrap(err, "mark compensating")
			}
			return enqueueTx(ctx, tx,
				workflow.NewCompensateMessage(runID, queue, workflow.ReasonStepFailure, time.Now()))
		default:
			return fail()
		}
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (s *PGStore) FailRun(ctx context.Context, runID, code, stepID, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET status = $2, error_code = $3, error_step_id = $4,
			error_message = $5, updated_at = now(), completed_at = now()
		WHERE id = $1`,
		runID, string(workflow.RunFailed), code, nullStr(stepID), nullStr(message))
	return errors.Wrap(err, "fail run")
}

// ---- 补偿 ----

func markCompensatedTx(ctx context.Context, tx pgx.Tx, runID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE workflow_runs SET status = $2, updated_at = now(), completed_at = now()
		WHERE id = $1 AND status <> $2`,
		runID, string(workflow.RunCompensated))
	if err != nil {
		return false, errors.Wrap(err, "mark compensated")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) MarkRunCompensated(ctx context.Context, runID string) (bool, error) {
	var transitioned bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		transitioned, err = markCompensatedTx(ctx, tx, runID)
		return err
	})
	return transitioned, err
}

func (s *PGStore) ReserveCompensation(ctx context.Context, runID, stepID string) (int, bool, error) {
	var (
		attemptNo int
		skip      bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var compStatus string
		err := tx.QueryRow(ctx,
			`SELECT compensation_status FROM run_steps WHERE run_id = $1 AND step_id = $2 FOR UPDATE`,
			runID, stepID).Scan(&compStatus)
		if err == pgx.ErrNoRows {
			skip = true
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "lock step")
		}
		switch workflow.CompensationStatus(compStatus) {
		case workflow.CompCompensated, workflow.CompSkipped, workflow.CompRunning:
			skip = true
			return nil
		}
		return tx.QueryRow(ctx, `
			UPDATE run_steps SET compensation_status = $3, compensation_attempts = compensation_attempts + 1,
				updated_at = now()
			WHERE run_id = $1 AND step_id = $2
			RETURNING compensation_attempts`,
			runID, stepID, string(workflow.CompRunning)).Scan(&attemptNo)
	})
	if err != nil {
		return 0, false, err
	}
	return attemptNo, skip, nil
}

func continueCompensationTx(ctx context.Context, tx pgx.Tx, runID string, remaining []string, reason string) (bool, error) {
	if len(remaining) == 0 {
		return markCompensatedTx(ctx, tx, runID)
	}
	return false, enqueueTx(ctx, tx, workflow.NewCompensateMessage(runID, remaining, reason, time.Now()))
}

func (s *PGStore) SkipCompensation(ctx context.Context, runID, stepID string, remaining []string, reason string) (bool, error) {
	var runCompensated bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE run_steps SET compensation_status = $3, compensation_error = NULL, updated_at = now()
			WHERE run_id = $1 AND step_id = $2`,
			runID, stepID, string(workflow.CompSkipped)); err != nil {
			return errors.Wrap(err, "skip compensation")
		}
		var err error
		runCompensated, err = continueCompensationTx(ctx, tx, runID, remaining, reason)
		return err
	})
	return runCompensated, err
}

func (s *PGStore) RecordCompensationSuccess(ctx context.Context, runID, stepID string, rec AttemptRecord, remaining []string, reason string) (bool, error) {
	var runCompensated bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertAttemptTx(ctx, tx, runID, stepID, rec); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE run_steps SET compensation_status = $3, compensation_error = NULL,
				status = CASE WHEN status = $4 THEN $5 ELSE status END, updated_at = now()
			WHERE run_id = $1 AND step_id = $2`,
			runID, stepID, string(workflow.CompCompensated),
			string(workflow.StepSucceeded), string(workflow.StepCompensated)); err != nil {
			return errors.Wrap(err, "compensation succeeded")
		}
		var err error
		runCompensated, err = continueCompensationTx(ctx, tx, runID, remaining, reason)
		return err
	})
	return runCompensated, err
}

func (s *PGStore) RecordCompensationFailure(ctx context.Context, runID, stepID string, rec AttemptRecord, retry bool, retryDelay time.Duration, queue []string, reason string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertAttemptTx(ctx, tx, runID, stepID, rec); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE run_steps SET compensation_status = $3, compensation_error = $4, updated_at = now()
			WHERE run_id = $1 AND step_id = $2`,
			runID, stepID, string(workflow.CompFailed), nullStr(rec.ErrMsg)); err != nil {
			return errors.Wrap(err, "compensation failed")
		}
		if retry {
			return enqueueTx(ctx, tx,
				workflow.NewCompensateMessage(runID, queue, reason, time.Now().Add(retryDelay)))
		}
		_, err := tx.Exec(ctx, `
			UPDATE workflow_runs SET status = $2, error_code = $3, error_step_id = $4,
				error_message = $5, updated_at = now(), completed_at = now()
			WHERE id = $1`,
			runID, string(workflow.RunFailed), workflow.ErrCodeCompensationFailed, stepID, nullStr(rec.ErrMsg))
		return errors.Wrap(err, "run failed after compensation")
	})
}
