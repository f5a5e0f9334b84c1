package pipeline

import (
	"context"
	"time"
)

type callResult[T any] struct {
	value T
	err   error
}

// runBounded runs call, giving up after timeout (no limit when timeout <= 0).
// after runs exactly once when call returns, even if the caller already gave
// up; it releases inputs owned by the call. discard receives the value of a
// call that finished after the caller gave up.
func runBounded[T any](ctx context.Context, timeout time.Duration, call func() (T, error), after func(), discard func(T)) (T, error) {
	if timeout <= 0 {
		v, err := call()
		if after != nil {
			after()
		}
		return v, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		v, err := call()
		if after != nil {
			after()
		}
		done <- callResult[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			if discard != nil {
				discard(r.value)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
