package idemflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// stubRunner executes work directly without a database. Fake stores ignore
// the DBTX argument.
type stubRunner struct {
	mu    sync.Mutex
	calls int
}

func (r *stubRunner) RunWithTransaction(ctx context.Context, work func(ctx context.Context, tx DBTX) error, opts ...AtomicOption) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	cfg := getAtomicConfig(opts)
	err := work(ctx, nil)
	if err != nil && cfg.onError != nil {
		herr := cfg.onError(err)
		if cfg.dontFail {
			return herr
		}
		if herr != nil {
			return herr
		}
	}
	return err
}

// fakeIdempotencyStore keeps records in memory with the same version CAS
// semantics as the Postgres store.
type fakeIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*IdempotencyRecord
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{records: map[string]*IdempotencyRecord{}}
}

func cloneRecord(rec *IdempotencyRecord) *IdempotencyRecord {
	c := *rec
	c.ResourceParams = append(json.RawMessage(nil), rec.ResourceParams...)
	c.ResponseBody = append(json.RawMessage(nil), rec.ResponseBody...)
	if rec.LockedAt != nil {
		ts := *rec.LockedAt
		c.LockedAt = &ts
	}
	return &c
}

func (s *fakeIdempotencyStore) InsertRecord(ctx context.Context, db DBTX, rec *IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return false, nil
	}
	stored := cloneRecord(rec)
	stored.Version = 1
	stored.CreatedAt = time.Now()
	s.records[rec.Key] = stored
	return true, nil
}

func (s *fakeIdempotencyStore) GetRecord(ctx context.Context, db DBTX, key string, forUpdate bool) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrIdempotencyKeyNotFound
	}
	return cloneRecord(rec), nil
}

func (s *fakeIdempotencyStore) LockRecord(ctx context.Context, db DBTX, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		now := time.Now()
		rec.LockedAt = &now
	}
	return nil
}

func (s *fakeIdempotencyStore) AdvanceRecord(ctx context.Context, db DBTX, key string, fromVersion int64, next RecoveryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.Version != fromVersion {
		return ErrStaleRecord
	}
	rec.RecoveryPoint = next
	rec.Version++
	rec.LockedAt = nil
	return nil
}

func (s *fakeIdempotencyStore) FinishRecord(ctx context.Context, db DBTX, key string, fromVersion int64, code int, body json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.Version != fromVersion {
		return ErrStaleRecord
	}
	rec.RecoveryPoint = RecoveryPointFinished
	rec.ResponseCode = code
	rec.ResponseBody = append(json.RawMessage(nil), body...)
	rec.Version++
	rec.LockedAt = nil
	return nil
}

// fakeBatchJobStore keeps jobs in memory. Error-path tests inject failures
// through updateErr and stampErr.
type fakeBatchJobStore struct {
	mu   sync.Mutex
	jobs map[string]*BatchJob

	updateErr error
	stampErr  map[BatchJobStatus]error
}

func newFakeBatchJobStore() *fakeBatchJobStore {
	return &fakeBatchJobStore{jobs: map[string]*BatchJob{}}
}

func cloneJob(job *BatchJob) *BatchJob {
	c := *job
	if job.Context != nil {
		c.Context = map[string]any{}
		for k, v := range job.Context {
			c.Context[k] = v
		}
	}
	c.Result.Errors = append([]BatchJobError(nil), job.Result.Errors...)
	cloneTS := func(ts *time.Time) *time.Time {
		if ts == nil {
			return nil
		}
		v := *ts
		return &v
	}
	c.PreProcessedAt = cloneTS(job.PreProcessedAt)
	c.ConfirmedAt = cloneTS(job.ConfirmedAt)
	c.ProcessingAt = cloneTS(job.ProcessingAt)
	c.CompletedAt = cloneTS(job.CompletedAt)
	c.CanceledAt = cloneTS(job.CanceledAt)
	c.FailedAt = cloneTS(job.FailedAt)
	return &c
}

func (s *fakeBatchJobStore) InsertJob(ctx context.Context, db DBTX, job *BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneJob(job)
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	s.jobs[job.ID] = stored
	return nil
}

func (s *fakeBatchJobStore) GetJob(ctx context.Context, db DBTX, id string, forUpdate bool) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrBatchJobNotFound
	}
	return cloneJob(job), nil
}

func (s *fakeBatchJobStore) ListJobs(ctx context.Context, db DBTX, sel BatchJobSelector) ([]*BatchJob, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*BatchJob
	for _, job := range s.jobs {
		if sel.Type != "" && job.Type != sel.Type {
			continue
		}
		if sel.Status != "" && job.Status != sel.Status {
			continue
		}
		all = append(all, cloneJob(job))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	count := int64(len(all))
	limit := sel.Limit
	if limit <= 0 {
		limit = 20
	}
	if sel.Offset > len(all) {
		return nil, count, nil
	}
	all = all[sel.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, count, nil
}

func (s *fakeBatchJobStore) UpdateJob(ctx context.Context, db DBTX, job *BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	stored, ok := s.jobs[job.ID]
	if !ok {
		return ErrBatchJobNotFound
	}
	updated := cloneJob(job)
	updated.CreatedAt = stored.CreatedAt
	updated.Status = stored.Status
	updated.UpdatedAt = time.Now()
	s.jobs[job.ID] = updated
	return nil
}

func (s *fakeBatchJobStore) StampStatus(ctx context.Context, db DBTX, id string, status BatchJobStatus) error {
	if _, ok := batchJobStatusColumns[status]; !ok {
		return ErrBatchJobNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stampErr[status]; err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok {
		return ErrBatchJobNotFound
	}
	now := time.Now()
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
	return nil
}

func (s *fakeBatchJobStore) ClaimJob(ctx context.Context, db DBTX, status BatchJobStatus, jobType string) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*BatchJob
	for _, job := range s.jobs {
		if job.Status != status {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	return cloneJob(candidates[0]), nil
}

// rollbackRunner gives a fakeBatchJobStore transaction semantics: the job
// map is snapshotted before the work runs and restored when it fails.
type rollbackRunner struct {
	stubRunner
	store *fakeBatchJobStore
}

func (r *rollbackRunner) RunWithTransaction(ctx context.Context, work func(ctx context.Context, tx DBTX) error, opts ...AtomicOption) error {
	r.store.mu.Lock()
	snapshot := map[string]*BatchJob{}
	for id, job := range r.store.jobs {
		snapshot[id] = cloneJob(job)
	}
	r.store.mu.Unlock()

	err := r.stubRunner.RunWithTransaction(ctx, work, opts...)
	if err != nil {
		r.store.mu.Lock()
		r.store.jobs = snapshot
		r.store.mu.Unlock()
	}
	return err
}
