package idemflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RecoveryPoint names the next unit of work for an idempotent operation.
type RecoveryPoint string

const (
	// RecoveryPointStarted is the initial recovery point of every record.
	RecoveryPointStarted RecoveryPoint = "started"

	// RecoveryPointFinished is terminal; the stored response is replayed as-is.
	RecoveryPointFinished RecoveryPoint = "finished"
)

// IdempotencyRecord is the persisted progress of one idempotent operation.
//
// The record is created on first sight of a key, advanced once per stage by
// the workflow loop, and never deleted so the final response stays replayable.
type IdempotencyRecord struct {
	Key            string
	Method         string
	ResourcePath   string
	ResourceParams json.RawMessage
	RecoveryPoint  RecoveryPoint
	ResponseCode   int
	ResponseBody   json.RawMessage
	LockedAt       *time.Time
	Version        int64
	CreatedAt      time.Time
}

// Finished reports whether the record reached its terminal recovery point.
func (r *IdempotencyRecord) Finished() bool {
	return r.RecoveryPoint == RecoveryPointFinished
}

// StageResult is what a stage function returns: either the next recovery
// point to advance to, or a terminal HTTP-shaped response. Events attached
// via Emit are published once the stage's transaction has committed.
type StageResult struct {
	RecoveryPoint RecoveryPoint
	ResponseCode  int
	ResponseBody  json.RawMessage
	Events        []Event
}

// Advance returns a StageResult that moves the record to the next point.
func Advance(next RecoveryPoint) *StageResult {
	return &StageResult{RecoveryPoint: next}
}

// Respond returns a terminal StageResult; the record is finished and the
// response is stored for verbatim replay.
func Respond(code int, body json.RawMessage) *StageResult {
	return &StageResult{ResponseCode: code, ResponseBody: body}
}

// Emit attaches a domain event to the result. The workflow publishes it
// after the stage's transaction commits, so an event never announces a
// rolled-back write.
func (r *StageResult) Emit(name string, data map[string]any) *StageResult {
	r.Events = append(r.Events, Event{Name: name, Data: data})
	return r
}

// StageFunc performs the domain work for one recovery point. It runs inside
// the same transaction that advances the record, so its writes and the
// advancement commit or roll back together.
type StageFunc func(ctx context.Context, tx DBTX) (*StageResult, error)

// BatchJobStatus represents the lifecycle state of a batch job.
type BatchJobStatus string

const (
	BatchJobStatusCreated      BatchJobStatus = "created"
	BatchJobStatusPreProcessed BatchJobStatus = "pre_processed"
	BatchJobStatusConfirmed    BatchJobStatus = "confirmed"
	BatchJobStatusProcessing   BatchJobStatus = "processing"
	BatchJobStatusCompleted    BatchJobStatus = "completed"
	BatchJobStatusCanceled     BatchJobStatus = "canceled"
	BatchJobStatusFailed       BatchJobStatus = "failed"
)

// Error definitions
var (
	// ErrIdempotencyKeyNotFound indicates no record exists for the key.
	ErrIdempotencyKeyNotFound = errors.New("idemflow: idempotency key not found")

	// ErrBatchJobNotFound indicates the batch job does not exist.
	ErrBatchJobNotFound = errors.New("idemflow: batch job not found")

	// ErrStaleRecord indicates a concurrent caller advanced the record first.
	// The loser should reload the record and resume from its current point.
	ErrStaleRecord = errors.New("idemflow: idempotency record was advanced concurrently")

	// ErrStrategyNotFound indicates no strategy is registered for a job type.
	ErrStrategyNotFound = errors.New("idemflow: no batch job strategy registered for type")
)

// ConflictError is returned when an idempotency key is reused with a request
// fingerprint that does not match the recorded one.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idemflow: key %q was used for a different request", e.Key)
}

// NotAllowedError is returned for illegal batch job transitions.
type NotAllowedError struct {
	JobID string
	From  BatchJobStatus
	To    BatchJobStatus
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("idemflow: batch job %s cannot move from %s to %s", e.JobID, e.From, e.To)
}

// RetryableError wraps a strategy error to indicate the job should be retried.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// TerminalError wraps an error to indicate it should not be retried.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "terminal: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// NewTerminalError creates a new terminal error.
func NewTerminalError(err error) error {
	return &TerminalError{Err: err}
}

// IsTerminalError checks if an error is terminal.
func IsTerminalError(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
