// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"context"
	"sync"

	"github.com/grafana/dskit/concurrency"
)

// RunMany builds and runs one Fetcher per assignment, bounding the number
// running at once to maxConcurrency. It returns once every Fetcher has
// returned a FetchResult, in the same order as assignments. RunMany never
// calls Shutdown itself: ctx is handed to concurrency.ForEachJob and to
// each Fetch, and individual Fetchers can be shut down through the handles
// OnStarted receives. RunMany has no error return.
//
// OnStarted, if non-nil, is invoked synchronously for every Fetcher right
// before its Fetch call, letting a caller collect Shutdown handles to
// cancel individual fetchers without tearing down the rest of the batch.
func RunMany(ctx context.Context, assignments []*AssignedFetcherBuilder, maxConcurrency int, onStarted func(index int, f *Fetcher)) []FetchResult {
	results := make([]FetchResult, len(assignments))
	var mu sync.Mutex

	// The job function never returns an error: Fetcher.Fetch has no error
	// return of its own, only a FetchResult. Any error ForEachJob itself
	// reports (such as ctx cancellation) is discarded.
	_ = concurrency.ForEachJob(ctx, len(assignments), maxConcurrency, func(ctx context.Context, idx int) error {
		f := assignments[idx].Build()

		mu.Lock()
		if onStarted != nil {
			onStarted(idx, f)
		}
		mu.Unlock()

		result := f.Fetch(ctx)

		mu.Lock()
		results[idx] = result
		mu.Unlock()
		return nil
	})

	return results
}
