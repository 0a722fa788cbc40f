package idemflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PgIdempotencyStore is the Postgres-backed IdempotencyStore.
type PgIdempotencyStore struct {
	t dbTables
}

func NewPgIdempotencyStore(cfg DBConfig) *PgIdempotencyStore {
	return &PgIdempotencyStore{t: newDBTables(cfg)}
}

func (s *PgIdempotencyStore) InsertRecord(ctx context.Context, db DBTX, rec *IdempotencyRecord) (bool, error) {
	tag, err := db.Exec(ctx, s.t.insertIdempotencyKeySQL(),
		rec.Key, rec.Method, rec.ResourcePath, rec.ResourceParams, string(rec.RecoveryPoint))
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgIdempotencyStore) GetRecord(ctx context.Context, db DBTX, key string, forUpdate bool) (*IdempotencyRecord, error) {
	query := s.t.selectIdempotencyKeySQL()
	if forUpdate {
		query = s.t.selectIdempotencyKeyForUpdateSQL()
	}

	rec := &IdempotencyRecord{}
	var (
		point string
		code  *int
		body  []byte
	)
	err := db.QueryRow(ctx, query, key).Scan(
		&rec.Key, &rec.Method, &rec.ResourcePath, &rec.ResourceParams,
		&point, &code, &body, &rec.LockedAt, &rec.Version, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	rec.RecoveryPoint = RecoveryPoint(point)
	if code != nil {
		rec.ResponseCode = *code
	}
	rec.ResponseBody = body
	return rec, nil
}

func (s *PgIdempotencyStore) LockRecord(ctx context.Context, db DBTX, key string) error {
	_, err := db.Exec(ctx, s.t.lockIdempotencyKeySQL(), key)
	if err != nil {
		return fmt.Errorf("lock idempotency record: %w", err)
	}
	return nil
}

func (s *PgIdempotencyStore) AdvanceRecord(ctx context.Context, db DBTX, key string, fromVersion int64, next RecoveryPoint) error {
	tag, err := db.Exec(ctx, s.t.advanceRecoveryPointSQL(), key, string(next), fromVersion)
	if err != nil {
		return fmt.Errorf("advance idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRecord
	}
	return nil
}

func (s *PgIdempotencyStore) FinishRecord(ctx context.Context, db DBTX, key string, fromVersion int64, code int, body json.RawMessage) error {
	tag, err := db.Exec(ctx, s.t.finishIdempotencyKeySQL(),
		key, string(RecoveryPointFinished), code, body, fromVersion)
	if err != nil {
		return fmt.Errorf("finish idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRecord
	}
	return nil
}

// PgBatchJobStore is the Postgres-backed BatchJobStore.
type PgBatchJobStore struct {
	t dbTables

	// Codec defaults to JSONCodec.
	Codec Codec
}

func NewPgBatchJobStore(cfg DBConfig) *PgBatchJobStore {
	return &PgBatchJobStore{t: newDBTables(cfg)}
}

func (s *PgBatchJobStore) codec() Codec {
	if s.Codec == nil {
		return JSONCodec{}
	}
	return s.Codec
}

func (s *PgBatchJobStore) InsertJob(ctx context.Context, db DBTX, job *BatchJob) error {
	contextJSON, resultJSON, err := s.marshalJob(job)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, s.t.insertBatchJobSQL(),
		job.ID, job.Type, contextJSON, resultJSON, job.DryRun, string(job.Status))
	if err != nil {
		return fmt.Errorf("insert batch job: %w", err)
	}
	return nil
}

func (s *PgBatchJobStore) GetJob(ctx context.Context, db DBTX, id string, forUpdate bool) (*BatchJob, error) {
	query := s.t.selectBatchJobSQL()
	if forUpdate {
		query = s.t.selectBatchJobForUpdateSQL()
	}
	job, err := s.scanJob(db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	return job, nil
}

func (s *PgBatchJobStore) ListJobs(ctx context.Context, db DBTX, sel BatchJobSelector) ([]*BatchJob, int64, error) {
	limit := sel.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.Query(ctx, s.t.listBatchJobsSQL(), sel.Type, string(sel.Status), limit, sel.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*BatchJob
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan batch job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var count int64
	if err := db.QueryRow(ctx, s.t.countBatchJobsSQL(), sel.Type, string(sel.Status)).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count batch jobs: %w", err)
	}
	return jobs, count, nil
}

func (s *PgBatchJobStore) UpdateJob(ctx context.Context, db DBTX, job *BatchJob) error {
	contextJSON, resultJSON, err := s.marshalJob(job)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, s.t.updateBatchJobSQL(), job.ID, contextJSON, resultJSON, job.DryRun)
	if err != nil {
		return fmt.Errorf("update batch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchJobNotFound
	}
	return nil
}

func (s *PgBatchJobStore) StampStatus(ctx context.Context, db DBTX, id string, status BatchJobStatus) error {
	props, ok := batchJobStatusColumns[status]
	if !ok {
		return fmt.Errorf("idemflow: status %s has no timestamp column", status)
	}
	tag, err := db.Exec(ctx, s.t.stampBatchJobStatusSQL(props.column), id, string(status))
	if err != nil {
		return fmt.Errorf("stamp batch job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchJobNotFound
	}
	return nil
}

func (s *PgBatchJobStore) ClaimJob(ctx context.Context, db DBTX, status BatchJobStatus, jobType string) (*BatchJob, error) {
	job, err := s.scanJob(db.QueryRow(ctx, s.t.claimBatchJobSQL(), string(status), jobType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim batch job: %w", err)
	}
	return job, nil
}

func (s *PgBatchJobStore) marshalJob(job *BatchJob) (contextJSON, resultJSON []byte, err error) {
	jobContext := job.Context
	if jobContext == nil {
		jobContext = map[string]any{}
	}
	contextJSON, err = s.codec().Marshal(jobContext)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal batch job context: %w", err)
	}
	resultJSON, err = s.codec().Marshal(job.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal batch job result: %w", err)
	}
	return contextJSON, resultJSON, nil
}

func (s *PgBatchJobStore) scanJob(row pgx.Row) (*BatchJob, error) {
	job := &BatchJob{}
	var (
		status      string
		contextJSON []byte
		resultJSON  []byte
	)
	err := row.Scan(
		&job.ID, &job.Type, &contextJSON, &resultJSON, &job.DryRun, &status,
		&job.PreProcessedAt, &job.ConfirmedAt, &job.ProcessingAt,
		&job.CompletedAt, &job.CanceledAt, &job.FailedAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = BatchJobStatus(status)
	if len(contextJSON) > 0 {
		if err := s.codec().Unmarshal(contextJSON, &job.Context); err != nil {
			return nil, fmt.Errorf("unmarshal batch job context: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := s.codec().Unmarshal(resultJSON, &job.Result); err != nil {
			return nil, fmt.Errorf("unmarshal batch job result: %w", err)
		}
	}
	return job, nil
}
