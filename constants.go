package idemflow

// Lifecycle event names emitted by the batch job service.
const (
	EventBatchJobCreated      = "batch.created"
	EventBatchJobUpdated      = "batch.updated"
	EventBatchJobPreProcessed = "batch.pre_processed"
	EventBatchJobConfirmed    = "batch.confirmed"
	EventBatchJobProcessing   = "batch.processing"
	EventBatchJobCompleted    = "batch.completed"
	EventBatchJobCanceled     = "batch.canceled"
	EventBatchJobFailed       = "batch.failed"
)

// batchJobStatusColumns maps each stamped status to its timestamp column and
// lifecycle event. The column names feed stampBatchJobStatusSQL and must stay
// in sync with the schema.
var batchJobStatusColumns = map[BatchJobStatus]struct {
	column string
	event  string
}{
	BatchJobStatusPreProcessed: {column: "pre_processed_at", event: EventBatchJobPreProcessed},
	BatchJobStatusConfirmed:    {column: "confirmed_at", event: EventBatchJobConfirmed},
	BatchJobStatusProcessing:   {column: "processing_at", event: EventBatchJobProcessing},
	BatchJobStatusCompleted:    {column: "completed_at", event: EventBatchJobCompleted},
	BatchJobStatusCanceled:     {column: "canceled_at", event: EventBatchJobCanceled},
	BatchJobStatusFailed:       {column: "failed_at", event: EventBatchJobFailed},
}

// retryCountKey is where retry accounting lives inside a job's context.
const retryCountKey = "retry_count"
