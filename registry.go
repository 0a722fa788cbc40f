package idemflow

import (
	"context"
	"fmt"
	"sync"
)

// BatchJobStrategy implements the type-specific work of a batch job.
// The lifecycle service and worker only enforce the state machine and retry
// bookkeeping around it.
type BatchJobStrategy interface {
	// Type is the job type this strategy handles.
	Type() string

	// PrepareBatchJobForProcessing normalizes a creation input before the
	// job is persisted.
	PrepareBatchJobForProcessing(ctx context.Context, input CreateBatchJobInput) (CreateBatchJobInput, error)

	// PreProcessBatchJob validates and sizes the job ahead of confirmation.
	PreProcessBatchJob(ctx context.Context, id string) error

	// ProcessJob performs the job's actual work. Wrap errors in
	// RetryableError to keep the job out of failed and eligible for another
	// attempt.
	ProcessJob(ctx context.Context, id string) error

	// BuildTemplate returns a handle to the job type's input template.
	BuildTemplate(ctx context.Context) (string, error)
}

// StrategyRegistry maps batch job types to strategies.
//
// Registration is type-safe at wiring time; resolution is dynamic (by job
// type from the database row).
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]BatchJobStrategy
}

func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{strategies: map[string]BatchJobStrategy{}}
}

// Register registers a strategy for its job type. Registering a second
// strategy for the same type panics; wiring bugs should not surface as
// runtime resolution surprises.
func (r *StrategyRegistry) Register(strategy BatchJobStrategy) {
	if err := r.register(strategy); err != nil {
		panic(err)
	}
}

func (r *StrategyRegistry) register(strategy BatchJobStrategy) error {
	if strategy == nil {
		return fmt.Errorf("strategy is nil")
	}
	jobType := strategy.Type()
	if jobType == "" {
		return fmt.Errorf("strategy type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[jobType]; ok {
		return fmt.Errorf("strategy already registered for type: %s", jobType)
	}
	r.strategies[jobType] = strategy
	return nil
}

// Resolve returns the strategy for a job type.
func (r *StrategyRegistry) Resolve(jobType string) (BatchJobStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	strategy, ok := r.strategies[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, jobType)
	}
	return strategy, nil
}

// Types returns all registered job types.
func (r *StrategyRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.strategies))
	for t := range r.strategies {
		types = append(types, t)
	}
	return types
}
