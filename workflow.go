package idemflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// unknownRecoveryPointBody is the 500-shaped response stamped onto records
// whose recovery point no stage recognizes.
var unknownRecoveryPointBody = json.RawMessage(`{"code":"unknown_error","message":"An unknown error occurred."}`)

// Workflow is a named sequence of recovery points over idempotency records.
//
// Stages are registered per recovery point; Run drives the record through
// them with a loop, not recursion, so a process restart resumes cleanly from
// whatever the record says comes next.
type Workflow struct {
	Keys *IdempotencyKeyService

	// Bus receives the events stages attach via StageResult.Emit. Optional;
	// without a bus the events are dropped.
	Bus Bus

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	stages map[RecoveryPoint]StageFunc
}

func NewWorkflow(keys *IdempotencyKeyService) *Workflow {
	return &Workflow{Keys: keys, stages: map[RecoveryPoint]StageFunc{}}
}

func (w *Workflow) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// On registers the stage for a recovery point. Registering the finished
// point or the same point twice is a programming error and panics, the same
// way duplicate workflow registration does.
func (w *Workflow) On(point RecoveryPoint, stage StageFunc) *Workflow {
	if point == RecoveryPointFinished {
		panic("idemflow: cannot register a stage for the finished recovery point")
	}
	if stage == nil {
		panic("idemflow: stage is nil")
	}
	if _, ok := w.stages[point]; ok {
		panic(fmt.Sprintf("idemflow: stage already registered for recovery point %q", point))
	}
	w.stages[point] = stage
	return w
}

// Run drives the record to its finished recovery point.
//
// Each iteration executes the stage registered for the record's current
// point inside its own atomic phase. A stage error aborts the loop without
// advancing the record; the same request can be retried later and re-enters
// the failed stage. An unrecognized recovery point is an internal invariant
// violation: the record is force-finished with a 500-shaped response rather
// than looping forever.
func (w *Workflow) Run(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error) {
	if rec == nil {
		return nil, ErrIdempotencyKeyNotFound
	}

	for !rec.Finished() {
		stage, ok := w.stages[rec.RecoveryPoint]
		if !ok {
			w.logger().Error("no stage for recovery point, force-finishing record",
				"key", rec.Key, "recovery_point", rec.RecoveryPoint)
			return w.Keys.ForceFinish(ctx, rec.Key, http.StatusInternalServerError, unknownRecoveryPointBody)
		}

		// Wrap the stage to capture its events; they go out only after
		// WorkStage returns, which is after the transaction committed.
		var pending []Event
		wrapped := func(ctx context.Context, tx DBTX) (*StageResult, error) {
			res, err := stage(ctx, tx)
			if res != nil {
				pending = res.Events
			}
			return res, err
		}

		next, err := w.Keys.WorkStage(ctx, rec.Key, rec.RecoveryPoint, wrapped)
		if err != nil {
			return rec, err
		}
		w.publish(ctx, pending)
		rec = next
	}
	return rec, nil
}

// publish delivers stage events. Failures are logged, not surfaced: the
// record already advanced durably and consumers tolerate redelivery.
func (w *Workflow) publish(ctx context.Context, events []Event) {
	if w.Bus == nil || len(events) == 0 {
		return
	}
	for _, evt := range events {
		if err := w.Bus.Publish(ctx, evt); err != nil {
			w.logger().Error("publish stage event failed", "event", evt.Name, "error", err)
		}
	}
}

// Execute initializes the record for a request and runs it to completion.
// Repeating the call with the same key returns the stored response without
// re-executing any stage.
func (w *Workflow) Execute(ctx context.Context, key, method, path string, params any) (*IdempotencyRecord, error) {
	rec, err := w.Keys.InitializeRequest(ctx, key, method, path, params)
	if err != nil {
		return nil, err
	}
	return w.Run(ctx, rec)
}
