package push

import (
	"context"
	"sync"
)

// Outcome is the result of one fanned-out operation: either a value or an
// error, at the item's original index.
type Outcome[R any] struct {
	Index int
	Value R
	Err   error
}

// Collect runs fn once per item concurrently and waits for every outcome.
// No outcome short-circuits its siblings: a failing item never cancels or
// blocks the others. Results are returned in input order.
func Collect[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error)) []Outcome[R] {
	outcomes := make([]Outcome[R], len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			value, err := fn(ctx, item)
			outcomes[i] = Outcome[R]{Index: i, Value: value, Err: err}
		}(i, item)
	}
	wg.Wait()

	return outcomes
}
