package core

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// RunAll processes items on concurrency lanes using static index striping:
// lane L handles indices L, L+concurrency, L+2*concurrency, ... in order,
// waiting for each worker call before advancing. Lanes run concurrently and
// RunAll returns once every lane is exhausted.
//
// A worker error does not stop its lane or the others; all errors are joined.
// A canceled ctx stops lanes from starting further items.
func RunAll[T any](ctx context.Context, items []T, concurrency int, worker func(ctx context.Context, lane int, item T) error) error {
	if len(items) == 0 {
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	// errgroup's Wait keeps only the first error, so each lane reports its
	// joined errors through laneErrs and the group is used only to join lanes.
	laneErrs := make([]error, concurrency)
	var g errgroup.Group
	for lane := 0; lane < concurrency; lane++ {
		g.Go(func() error {
			var errs []error
			for i := lane; i < len(items); i += concurrency {
				if err := ctx.Err(); err != nil {
					errs = append(errs, err)
					break
				}
				if err := worker(ctx, lane, items[i]); err != nil {
					errs = append(errs, err)
				}
			}
			laneErrs[lane] = errors.Join(errs...)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(laneErrs...)
}
