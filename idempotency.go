package idemflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

// IdempotencyStore persists idempotency records. All methods take the DBTX of
// the surrounding atomic phase so record mutations commit with the step's
// domain writes.
type IdempotencyStore interface {
	// InsertRecord creates the record if the key is unseen. Returns false
	// when a record for the key already exists.
	InsertRecord(ctx context.Context, db DBTX, rec *IdempotencyRecord) (bool, error)

	// GetRecord loads a record. With forUpdate the row stays locked for the
	// rest of the transaction, serializing concurrent executions of the key.
	GetRecord(ctx context.Context, db DBTX, key string, forUpdate bool) (*IdempotencyRecord, error)

	// LockRecord stamps locked_at for observability of in-flight steps.
	LockRecord(ctx context.Context, db DBTX, key string) error

	// AdvanceRecord moves the record to the next recovery point iff the
	// version still matches; otherwise ErrStaleRecord.
	AdvanceRecord(ctx context.Context, db DBTX, key string, fromVersion int64, next RecoveryPoint) error

	// FinishRecord stores the terminal response and sets the recovery point
	// to finished, with the same version check as AdvanceRecord.
	FinishRecord(ctx context.Context, db DBTX, key string, fromVersion int64, code int, body json.RawMessage) error
}

// IdempotencyKeyService drives idempotency records through their recovery
// points. One record per key; the record is the single source of truth for
// how far the operation got.
type IdempotencyKeyService struct {
	Runner AtomicRunner
	Store  IdempotencyStore

	// Codec defaults to JSONCodec.
	Codec Codec

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func NewIdempotencyKeyService(runner AtomicRunner, store IdempotencyStore) *IdempotencyKeyService {
	return &IdempotencyKeyService{Runner: runner, Store: store}
}

func (s *IdempotencyKeyService) codec() Codec {
	if s.Codec == nil {
		return JSONCodec{}
	}
	return s.Codec
}

func (s *IdempotencyKeyService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// InitializeRequest creates or loads the record for a key.
//
// An empty key gets a server-generated token, so the operation is still
// individually keyed instead of colliding on the empty string. For an
// existing key the request fingerprint (method, path, params) must match the
// recorded one; a mismatch is a ConflictError and the record is not touched.
//
// A finished record is returned as-is: the caller replays the stored
// response without re-executing any step.
func (s *IdempotencyKeyService) InitializeRequest(ctx context.Context, key, method, path string, params any) (*IdempotencyRecord, error) {
	if key == "" {
		token, err := newSecureToken()
		if err != nil {
			return nil, fmt.Errorf("generate idempotency key: %w", err)
		}
		key = token
	}

	paramsJSON, err := s.codec().Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal request params: %w", err)
	}

	var rec *IdempotencyRecord
	err = s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		created, err := s.Store.InsertRecord(ctx, tx, &IdempotencyRecord{
			Key:            key,
			Method:         method,
			ResourcePath:   path,
			ResourceParams: paramsJSON,
			RecoveryPoint:  RecoveryPointStarted,
		})
		if err != nil {
			return err
		}

		rec, err = s.Store.GetRecord(ctx, tx, key, false)
		if err != nil {
			return err
		}

		if !created && !rec.matchesFingerprint(method, path, paramsJSON) {
			rec = nil
			return &ConflictError{Key: key}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Retrieve loads the record for a key.
func (s *IdempotencyKeyService) Retrieve(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec *IdempotencyRecord
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		var err error
		rec, err = s.Store.GetRecord(ctx, tx, key, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// WorkStage executes one stage of the operation inside a single atomic phase:
// lock the record, run the stage function, advance or finish the record.
//
// The stage's writes and the record mutation are one transaction, so a crash
// can never leave the step's effects committed without the record knowing.
// If the stage fails, nothing is advanced and a later call re-enters the same
// recovery point.
//
// Concurrent callers of the same key block on the row lock. Whoever loses
// finds the record no longer at point and gets it back untouched without the
// stage running; the caller re-dispatches on the current recovery point
// (a finished record becomes a replay).
func (s *IdempotencyKeyService) WorkStage(ctx context.Context, key string, point RecoveryPoint, stage StageFunc) (*IdempotencyRecord, error) {
	var rec *IdempotencyRecord
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		cur, err := s.Store.GetRecord(ctx, tx, key, true)
		if err != nil {
			return err
		}
		if cur.Finished() || cur.RecoveryPoint != point {
			rec = cur
			return nil
		}

		if err := s.Store.LockRecord(ctx, tx, key); err != nil {
			return err
		}

		res, err := stage(ctx, tx)
		if err != nil {
			return err
		}
		if res == nil {
			return errors.New("idemflow: stage returned neither a recovery point nor a response")
		}

		if res.RecoveryPoint != "" {
			if err := s.Store.AdvanceRecord(ctx, tx, key, cur.Version, res.RecoveryPoint); err != nil {
				return err
			}
			cur.RecoveryPoint = res.RecoveryPoint
		} else {
			if err := s.Store.FinishRecord(ctx, tx, key, cur.Version, res.ResponseCode, res.ResponseBody); err != nil {
				return err
			}
			cur.RecoveryPoint = RecoveryPointFinished
			cur.ResponseCode = res.ResponseCode
			cur.ResponseBody = res.ResponseBody
		}
		cur.Version++
		cur.LockedAt = nil
		rec = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ForceFinish stamps a terminal response onto the record regardless of its
// current point. The workflow loop uses it to stop records stuck on an
// unrecognized recovery point from looping forever.
func (s *IdempotencyKeyService) ForceFinish(ctx context.Context, key string, code int, body json.RawMessage) (*IdempotencyRecord, error) {
	var rec *IdempotencyRecord
	err := s.Runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		cur, err := s.Store.GetRecord(ctx, tx, key, true)
		if err != nil {
			return err
		}
		if cur.Finished() {
			rec = cur
			return nil
		}
		if err := s.Store.FinishRecord(ctx, tx, key, cur.Version, code, body); err != nil {
			return err
		}
		cur.RecoveryPoint = RecoveryPointFinished
		cur.ResponseCode = code
		cur.ResponseBody = body
		cur.Version++
		rec = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// matchesFingerprint compares the recorded request fingerprint against the
// incoming one. Params compare structurally: jsonb round-trips do not
// preserve key order or whitespace.
func (r *IdempotencyRecord) matchesFingerprint(method, path string, params json.RawMessage) bool {
	if r.Method != method || r.ResourcePath != path {
		return false
	}
	return jsonEqual(r.ResourceParams, params)
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
