package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

type indexedResult struct {
	index  int
	result contracts.ValidatorResult
}

// runValidators dispatches every validator concurrently and joins them under
// one shared deadline. On expiry it reports timedOut and returns nothing;
// late results are dropped with their goroutines.
func runValidators(ctx context.Context, vs []validators.Validator, action contracts.ActionPrimitive, budget time.Duration) (results []contracts.ValidatorResult, timedOut bool) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// Buffered so stragglers never block after the join gives up.
	out := make(chan indexedResult, len(vs))
	var g errgroup.Group
	for i, v := range vs {
		g.Go(func() error {
			out <- indexedResult{index: i, result: validateSafely(ctx, v, action)}
			return nil
		})
	}

	all := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(all)
	}()

	select {
	case <-all:
	case <-ctx.Done():
		return nil, true
	}

	close(out)
	results = make([]contracts.ValidatorResult, len(vs))
	for r := range out {
		results[r.index] = r.result
	}
	return results, false
}

// validateSafely shields the join from validators that were not built with
// validators.New and can still panic.
func validateSafely(ctx context.Context, v validators.Validator, action contracts.ActionPrimitive) (res contracts.ValidatorResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = contracts.ValidatorResult{
				ValidatorName: v.Name(),
				Decision:      contracts.ValidatorFail,
				Reason:        fmt.Sprintf("Validator exception: %v", r),
				LatencyMs:     float64(time.Since(start).Microseconds()) / 1000.0,
			}
		}
	}()
	return v.Validate(ctx, action)
}

func timeoutResults(vs []validators.Validator, budget time.Duration) []contracts.ValidatorResult {
	ms := budget.Milliseconds()
	out := make([]contracts.ValidatorResult, len(vs))
	for i, v := range vs {
		out[i] = contracts.ValidatorResult{
			ValidatorName: v.Name(),
			Decision:      contracts.ValidatorTimeout,
			Reason:        fmt.Sprintf("Validator exceeded timeout of %dms", ms),
			LatencyMs:     float64(ms),
		}
	}
	return out
}

type callResult[T any] struct {
	val T
	err error
}

// callWithDeadline runs fn under timeout d and returns when either fn does or
// the deadline passes, whichever is first. Panics in fn become errors.
func callWithDeadline[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ch := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- callResult[T]{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- callResult[T]{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
