package types

import "context"

// Hooks are optional callbacks for worker lifecycle events.
//
// All hooks are invoked asynchronously so they cannot block lifecycle
// progress. Nil members are skipped. Hook errors are logged, not
// propagated.
type Hooks struct {
	// OnStateChanged is called after each worker state transition.
	OnStateChanged func(ctx context.Context, from, to State) error

	// OnAssignmentReleased is called after the worker releases an
	// assignment during drain or rebalance.
	OnAssignmentReleased func(ctx context.Context, docID string) error

	// OnDrainExhausted is called when assignments remain after the drain
	// retry budget is spent. The remaining document ids are passed.
	OnDrainExhausted func(ctx context.Context, remaining []string) error
}
