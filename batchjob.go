package idemflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BatchJob is a persisted, asynchronously processed unit of work.
//
// The timestamp columns are append-only and double as the audit trail; the
// stored status is authoritative and must always agree with
// StatusFromTimestamps. Callers never mutate a job directly; every mutation
// goes through BatchJobService so the state machine stays enforceable.
type BatchJob struct {
	ID      string
	Type    string
	Context map[string]any
	Result  BatchJobResult
	DryRun  bool
	Status  BatchJobStatus

	PreProcessedAt *time.Time
	ConfirmedAt    *time.Time
	ProcessingAt   *time.Time
	CompletedAt    *time.Time
	CanceledAt     *time.Time
	FailedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchJobError is a structured processing error accumulated in the result.
type BatchJobError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// BatchJobResult is the job-specific output. Fields merge on update: zero
// values leave the stored value untouched.
type BatchJobResult struct {
	Count            int64           `json:"count,omitempty"`
	AdvancementCount int64           `json:"advancement_count,omitempty"`
	Progress         float64         `json:"progress,omitempty"`
	Errors           []BatchJobError `json:"errors,omitempty"`
}

// RetryCount reads retry accounting from the job context.
func (j *BatchJob) RetryCount() int {
	if j.Context == nil {
		return 0
	}
	switch v := j.Context[retryCountKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		// JSON numbers decode as float64.
		return int(v)
	default:
		return 0
	}
}

// StatusFromTimestamps derives the status from which timestamp columns are
// set: the latest populated timestamp wins, ties resolve in lifecycle order.
// It exists to audit the stored status against the append-only history.
func (j *BatchJob) StatusFromTimestamps() BatchJobStatus {
	status := BatchJobStatusCreated
	var latest time.Time

	consider := func(ts *time.Time, s BatchJobStatus) {
		if ts != nil && !ts.Before(latest) {
			latest = *ts
			status = s
		}
	}
	consider(j.PreProcessedAt, BatchJobStatusPreProcessed)
	consider(j.ConfirmedAt, BatchJobStatusConfirmed)
	consider(j.ProcessingAt, BatchJobStatusProcessing)
	consider(j.CompletedAt, BatchJobStatusCompleted)
	consider(j.CanceledAt, BatchJobStatusCanceled)
	consider(j.FailedAt, BatchJobStatusFailed)
	return status
}

// BatchJobSelector filters ListJobs.
type BatchJobSelector struct {
	Type   string
	Status BatchJobStatus
	Limit  int
	Offset int
}

// CreateBatchJobInput creates a new batch job.
type CreateBatchJobInput struct {
	Type    string
	Context map[string]any
	DryRun  bool
}

// BatchJobUpdate merges into a job: context keys overwrite per key, result
// fields overwrite when non-zero, DryRun when set.
type BatchJobUpdate struct {
	Context map[string]any
	Result  *BatchJobResult
	DryRun  *bool
}

// BatchJobStore persists batch jobs. Methods take the DBTX of the
// surrounding atomic phase.
type BatchJobStore interface {
	InsertJob(ctx context.Context, db DBTX, job *BatchJob) error
	GetJob(ctx context.Context, db DBTX, id string, forUpdate bool) (*BatchJob, error)
	ListJobs(ctx context.Context, db DBTX, sel BatchJobSelector) ([]*BatchJob, int64, error)
	UpdateJob(ctx context.Context, db DBTX, job *BatchJob) error
	StampStatus(ctx context.Context, db DBTX, id string, status BatchJobStatus) error

	// ClaimJob locks one job in the given status for the transaction, or
	// returns nil when none is claimable.
	ClaimJob(ctx context.Context, db DBTX, status BatchJobStatus, jobType string) (*BatchJob, error)
}

// BatchJobService enforces the batch job state machine.
//
// Every transition is one atomic phase: retrieve under a row lock, assert
// the precondition, stamp the timestamp and status, then emit the lifecycle
// event once the transaction has committed.
type BatchJobService struct {
	Runner     AtomicRunner
	Store      BatchJobStore
	Bus        Bus
	Strategies *StrategyRegistry

	// Now defaults to time.Now; only used for in-memory stamps mirroring
	// what the database wrote.
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func NewBatchJobService(runner AtomicRunner, store BatchJobStore, bus Bus, strategies *StrategyRegistry) *BatchJobService {
	return &BatchJobService{Runner: runner, Store: store, Bus: bus, Strategies: strategies}
}

func (s *BatchJobService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *BatchJobService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// publish delivers events after the transaction that produced them has
// committed. Failures are logged, not surfaced: the state change is already
// durable and consumers are idempotent against redelivery.
func (s *BatchJobService) publish(ctx context.Context, events ...Event) {
	if s.Bus == nil {
		return
	}
	for _, evt := range events {
		if err := s.Bus.Publish(ctx, evt); err != nil {
			s.logger().Error("publish lifecycle event failed", "event", evt.Name, "error", err)
		}
	}
}

// Create persists a new job in the created status and emits batch.created.
func (s *BatchJobService) Create(ctx context.Context, input CreateBatchJobInput) (*BatchJob, error) {
	id, err := newUUIDv7(s.now())
	if err != nil {
		return nil, fmt.Errorf("generate batch job id: %w", err)
	}

	job := &BatchJob{
		ID:      id,
		Type:    input.Type,
		Context: input.Context,
		DryRun:  input.DryRun,
		Status:  BatchJobStatusCreated,
	}
	err = s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		return s.Store.InsertJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{Name: EventBatchJobCreated, Data: map[string]any{"id": job.ID}})
	return job, nil
}

// Retrieve loads a job by id.
func (s *BatchJobService) Retrieve(ctx context.Context, id string) (*BatchJob, error) {
	var job *BatchJob
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		var err error
		job, err = s.Store.GetJob(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListAndCount returns a page of jobs and the unpaged total.
func (s *BatchJobService) ListAndCount(ctx context.Context, sel BatchJobSelector) ([]*BatchJob, int64, error) {
	var (
		jobs  []*BatchJob
		count int64
	)
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		var err error
		jobs, count, err = s.Store.ListJobs(ctx, tx, sel)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return jobs, count, nil
}

// Update merges context, result and dry_run into the job and emits
// batch.updated.
func (s *BatchJobService) Update(ctx context.Context, id string, upd BatchJobUpdate) (*BatchJob, error) {
	var job *BatchJob
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		cur, err := s.Store.GetJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		mergeJobUpdate(cur, upd)
		if err := s.Store.UpdateJob(ctx, tx, cur); err != nil {
			return err
		}
		job = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{Name: EventBatchJobUpdated, Data: map[string]any{"id": id}})
	return job, nil
}

// SetPreProcessingDone marks pre-processing complete. Calling it on an
// already pre-processed job is a no-op; any other status than created is
// rejected. Unless the job is a dry run, the job cascades straight into
// confirmed. Both stamps happen in the same atomic phase, so a failed
// confirm rolls the pre-processed stamp back and the job stays created.
func (s *BatchJobService) SetPreProcessingDone(ctx context.Context, id string) (*BatchJob, error) {
	var (
		job    *BatchJob
		events []Event
	)
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		events = events[:0]
		cur, err := s.Store.GetJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur.Status == BatchJobStatusPreProcessed {
			job = cur
			return nil
		}
		if cur.Status != BatchJobStatusCreated {
			return &NotAllowedError{JobID: cur.ID, From: cur.Status, To: BatchJobStatusPreProcessed}
		}

		if err := s.Store.StampStatus(ctx, tx, id, BatchJobStatusPreProcessed); err != nil {
			return err
		}
		s.stampLocal(cur, BatchJobStatusPreProcessed)
		events = append(events, Event{Name: EventBatchJobPreProcessed, Data: map[string]any{"id": id}})

		if !cur.DryRun {
			if err := s.Store.StampStatus(ctx, tx, id, BatchJobStatusConfirmed); err != nil {
				return err
			}
			s.stampLocal(cur, BatchJobStatusConfirmed)
			events = append(events, Event{Name: EventBatchJobConfirmed, Data: map[string]any{"id": id}})
		}
		job = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events...)
	return job, nil
}

// Confirm moves a pre-processed job to confirmed.
func (s *BatchJobService) Confirm(ctx context.Context, id string) (*BatchJob, error) {
	return s.transition(ctx, id, BatchJobStatusConfirmed, func(cur *BatchJob) error {
		if cur.Status != BatchJobStatusPreProcessed {
			return &NotAllowedError{JobID: cur.ID, From: cur.Status, To: BatchJobStatusConfirmed}
		}
		return nil
	})
}

// SetProcessing moves a confirmed job to processing.
func (s *BatchJobService) SetProcessing(ctx context.Context, id string) (*BatchJob, error) {
	return s.transition(ctx, id, BatchJobStatusProcessing, func(cur *BatchJob) error {
		if cur.Status != BatchJobStatusConfirmed {
			return &NotAllowedError{JobID: cur.ID, From: cur.Status, To: BatchJobStatusProcessing}
		}
		return nil
	})
}

// Complete moves a processing job to completed.
func (s *BatchJobService) Complete(ctx context.Context, id string) (*BatchJob, error) {
	return s.transition(ctx, id, BatchJobStatusCompleted, func(cur *BatchJob) error {
		if cur.Status != BatchJobStatusProcessing {
			return &NotAllowedError{JobID: cur.ID, From: cur.Status, To: BatchJobStatusCompleted}
		}
		return nil
	})
}

// Cancel cancels a job in any status except completed.
func (s *BatchJobService) Cancel(ctx context.Context, id string) (*BatchJob, error) {
	return s.transition(ctx, id, BatchJobStatusCanceled, func(cur *BatchJob) error {
		if cur.Status == BatchJobStatusCompleted {
			return &NotAllowedError{JobID: cur.ID, From: cur.Status, To: BatchJobStatusCanceled}
		}
		return nil
	})
}

// SetFailed fails a job from any status, optionally recording a structured
// error in result.errors first.
func (s *BatchJobService) SetFailed(ctx context.Context, id string, jobErr *BatchJobError) (*BatchJob, error) {
	var job *BatchJob
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		cur, err := s.Store.GetJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if jobErr != nil {
			cur.Result.Errors = append(cur.Result.Errors, *jobErr)
			if err := s.Store.UpdateJob(ctx, tx, cur); err != nil {
				return err
			}
		}
		if err := s.Store.StampStatus(ctx, tx, id, BatchJobStatusFailed); err != nil {
			return err
		}
		s.stampLocal(cur, BatchJobStatusFailed)
		job = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{Name: EventBatchJobFailed, Data: map[string]any{"id": id}})
	return job, nil
}

// RecordRetry accounts for a retryable processing error without failing the
// job: the error lands in result.errors and context.retry_count increments.
// The job is left for re-invocation by the processing pipeline.
func (s *BatchJobService) RecordRetry(ctx context.Context, id string, jobErr *BatchJobError) (*BatchJob, error) {
	var job *BatchJob
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		cur, err := s.Store.GetJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur.Context == nil {
			cur.Context = map[string]any{}
		}
		cur.Context[retryCountKey] = cur.RetryCount() + 1
		if jobErr != nil {
			cur.Result.Errors = append(cur.Result.Errors, *jobErr)
		}
		if err := s.Store.UpdateJob(ctx, tx, cur); err != nil {
			return err
		}
		job = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{Name: EventBatchJobUpdated, Data: map[string]any{"id": id}})
	return job, nil
}

// PrepareForProcessing lets the type-specific strategy normalize a creation
// input before the job is persisted.
func (s *BatchJobService) PrepareForProcessing(ctx context.Context, input CreateBatchJobInput) (CreateBatchJobInput, error) {
	strategy, err := s.Strategies.Resolve(input.Type)
	if err != nil {
		return CreateBatchJobInput{}, err
	}
	return strategy.PrepareBatchJobForProcessing(ctx, input)
}

// transition runs one guarded transition: retrieve under the row lock, let
// the guard assert the precondition, stamp, then emit after the commit.
func (s *BatchJobService) transition(ctx context.Context, id string, to BatchJobStatus, guard func(*BatchJob) error) (*BatchJob, error) {
	props, ok := batchJobStatusColumns[to]
	if !ok {
		return nil, fmt.Errorf("idemflow: %s is not a stampable status", to)
	}

	var job *BatchJob
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		cur, err := s.Store.GetJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := guard(cur); err != nil {
			return err
		}
		if err := s.Store.StampStatus(ctx, tx, id, to); err != nil {
			return err
		}
		s.stampLocal(cur, to)
		job = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{Name: props.event, Data: map[string]any{"id": id}})
	return job, nil
}

// stampLocal mirrors on the in-memory job what StampStatus wrote.
func (s *BatchJobService) stampLocal(job *BatchJob, status BatchJobStatus) {
	now := s.now()
	job.Status = status
	job.UpdatedAt = now
	switch status {
	case BatchJobStatusPreProcessed:
		job.PreProcessedAt = &now
	case BatchJobStatusConfirmed:
		job.ConfirmedAt = &now
	case BatchJobStatusProcessing:
		job.ProcessingAt = &now
	case BatchJobStatusCompleted:
		job.CompletedAt = &now
	case BatchJobStatusCanceled:
		job.CanceledAt = &now
	case BatchJobStatusFailed:
		job.FailedAt = &now
	}
}

func mergeJobUpdate(job *BatchJob, upd BatchJobUpdate) {
	if upd.Context != nil {
		if job.Context == nil {
			job.Context = map[string]any{}
		}
		for k, v := range upd.Context {
			job.Context[k] = v
		}
	}
	if upd.Result != nil {
		if upd.Result.Count != 0 {
			job.Result.Count = upd.Result.Count
		}
		if upd.Result.AdvancementCount != 0 {
			job.Result.AdvancementCount = upd.Result.AdvancementCount
		}
		if upd.Result.Progress != 0 {
			job.Result.Progress = upd.Result.Progress
		}
		if upd.Result.Errors != nil {
			job.Result.Errors = upd.Result.Errors
		}
	}
	if upd.DryRun != nil {
		job.DryRun = *upd.DryRun
	}
}
