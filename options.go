package idemflow

import "github.com/jackc/pgx/v5"

// AtomicOption configures a single RunWithTransaction call.
type AtomicOption func(*atomicConfig)

type atomicConfig struct {
	isolation pgx.TxIsoLevel
	onError   func(error) error
	dontFail  bool
}

// WithIsolation starts the transaction at the given isolation level.
// Ignored for nested calls, which join the already-open transaction.
func WithIsolation(level pgx.TxIsoLevel) AtomicOption {
	return func(c *atomicConfig) {
		c.isolation = level
	}
}

// WithErrorHandler runs compensating logic against the rolled-back state.
// The returned error replaces the original one; returning nil keeps the
// original error.
func WithErrorHandler(handler func(error) error) AtomicOption {
	return func(c *atomicConfig) {
		c.onError = handler
	}
}

// WithFallback runs the handler like WithErrorHandler but the handler's
// return value becomes the call's outcome: returning nil swallows the
// failure. Callers use this to translate low-level failures into
// domain-level fallback values they capture from the handler.
func WithFallback(handler func(error) error) AtomicOption {
	return func(c *atomicConfig) {
		c.onError = handler
		c.dontFail = true
	}
}

func getAtomicConfig(opts []AtomicOption) *atomicConfig {
	cfg := &atomicConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
