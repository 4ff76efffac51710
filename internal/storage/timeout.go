package storage

import (
	"context"
	"errors"
	"fmt"
)

// await runs fn on its own goroutine and returns when it finishes or ctx is done,
// whichever comes first. A backend that ignores ctx cannot hang the caller.
func await[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("backend panic: %v", p)
			}
			done <- r
		}()
		r.v, r.err = fn(ctx)
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.v, ErrTimeout
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctxErr(ctx)
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
