package idemflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Worker polls for batch jobs and drives them through the processing
// pipeline: created jobs are pre-processed (and confirmed unless dry run),
// confirmed jobs are processed to completion by their strategy.
type Worker struct {
	jobs     *BatchJobService
	config   WorkerConfig
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
}

// WorkerConfig configures worker behavior.
type WorkerConfig struct {
	Concurrency  int           // Number of concurrent claim loops
	JobTypes     []string      // Job types to handle; empty means all
	PollInterval time.Duration // Poll frequency
	MaxRetries   int           // Retryable processing errors tolerated per job
	RetryBackoff time.Duration // Pause between processing attempts

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewWorker creates a new worker instance.
func NewWorker(jobs *BatchJobService, config WorkerConfig) *Worker {
	if config.Concurrency == 0 {
		config.Concurrency = 2
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 1 * time.Second
	}
	if len(config.JobTypes) == 0 {
		// Empty selector matches every type at the claim query.
		config.JobTypes = []string{""}
	}

	return &Worker{
		jobs:   jobs,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (w *Worker) logger() *slog.Logger {
	if w.config.Logger != nil {
		return w.config.Logger
	}
	return slog.Default()
}

// Processed returns how many jobs this worker completed.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Failed returns how many jobs this worker moved to failed.
func (w *Worker) Failed() int64 { return w.failed.Load() }

// Run starts the worker. Blocks until Stop is called or the context is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.started.Store(true)
	defer close(w.doneCh)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.claimLoop(workerCtx)
	}

	select {
	case <-w.stopCh:
		cancel()
	case <-ctx.Done():
		cancel()
	}

	w.wg.Wait()
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs to drain.
// Safe to call repeatedly; before Run it only arms the stop signal, so a
// later Run returns immediately.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if !w.started.Load() {
		return
	}
	<-w.doneCh
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.pollAndProcess(ctx); err != nil && ctx.Err() == nil {
				w.logger().Error("worker poll failed", "error", err)
			}
		}
	}
}

// pollAndProcess takes one pipeline step per configured job type.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for _, jobType := range w.config.JobTypes {
		if err := w.preProcessOne(ctx, jobType); err != nil {
			return err
		}
		if err := w.processOne(ctx, jobType); err != nil {
			return err
		}
	}
	return nil
}

// preProcessOne claims one created job, runs the strategy's pre-processing
// and marks it done (which cascades into confirmed unless the job is a dry
// run). The whole step runs inside the claim transaction so the row lock
// keeps a second worker from pre-processing the same job.
func (w *Worker) preProcessOne(ctx context.Context, jobType string) error {
	var (
		claimedID string
		failErr   *BatchJobError
	)
	err := w.jobs.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		job, err := w.jobs.Store.ClaimJob(ctx, tx, BatchJobStatusCreated, jobType)
		if err != nil || job == nil {
			return err
		}
		claimedID = job.ID

		strategy, err := w.jobs.Strategies.Resolve(job.Type)
		if err != nil {
			failErr = &BatchJobError{Message: err.Error(), Code: "strategy_not_found"}
			return nil
		}
		if err := strategy.PreProcessBatchJob(ctx, job.ID); err != nil {
			failErr = &BatchJobError{Message: err.Error(), Code: "pre_processing_failed"}
			return nil
		}
		_, err = w.jobs.SetPreProcessingDone(ctx, job.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("pre-process %s job: %w", jobType, err)
	}
	if failErr != nil && claimedID != "" {
		w.failJob(ctx, claimedID, failErr)
	}
	return nil
}

// processOne claims one confirmed job and drives it to completed or failed,
// with bounded retries for retryable strategy errors.
func (w *Worker) processOne(ctx context.Context, jobType string) error {
	job, err := w.claim(ctx, BatchJobStatusConfirmed, jobType)
	if err != nil || job == nil {
		return err
	}

	strategy, err := w.jobs.Strategies.Resolve(job.Type)
	if err != nil {
		w.failJob(ctx, job.ID, &BatchJobError{Message: err.Error(), Code: "strategy_not_found"})
		return nil
	}

	for {
		procErr := strategy.ProcessJob(ctx, job.ID)
		if procErr == nil {
			if _, err := w.jobs.Complete(ctx, job.ID); err != nil {
				return fmt.Errorf("complete job %s: %w", job.ID, err)
			}
			w.processed.Inc()
			return nil
		}

		if !IsRetryableError(procErr) {
			w.failJob(ctx, job.ID, &BatchJobError{Message: procErr.Error(), Code: "processing_failed"})
			return nil
		}

		updated, err := w.jobs.RecordRetry(ctx, job.ID, &BatchJobError{Message: procErr.Error(), Code: "retryable"})
		if err != nil {
			return fmt.Errorf("record retry for job %s: %w", job.ID, err)
		}
		job = updated
		if job.RetryCount() >= w.config.MaxRetries {
			w.failJob(ctx, job.ID, &BatchJobError{Message: "retry attempts exhausted", Code: "retries_exhausted"})
			return nil
		}

		w.logger().Warn("retrying batch job", "job_id", job.ID, "retry_count", job.RetryCount(), "error", procErr)
		t := time.NewTimer(w.config.RetryBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// claim locks one job in the given status and advances it to the next
// pipeline status inside the same transaction, so two workers never pick up
// the same job.
func (w *Worker) claim(ctx context.Context, status BatchJobStatus, jobType string) (*BatchJob, error) {
	var claimed *BatchJob
	err := w.jobs.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		job, err := w.jobs.Store.ClaimJob(ctx, tx, status, jobType)
		if err != nil || job == nil {
			return err
		}
		if status == BatchJobStatusConfirmed {
			// The SetProcessing call joins this transaction through ctx, so
			// the claim and the transition commit together.
			job, err = w.jobs.SetProcessing(ctx, job.ID)
			if err != nil {
				return err
			}
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s job: %w", status, err)
	}
	return claimed, nil
}

func (w *Worker) failJob(ctx context.Context, id string, jobErr *BatchJobError) {
	if _, err := w.jobs.SetFailed(ctx, id, jobErr); err != nil {
		w.logger().Error("failed to mark batch job as failed", "job_id", id, "error", err)
		return
	}
	w.failed.Inc()
}
