// Package pagination drives one ingestion run: it fetches pages of
// occurrences from Rollbar, normalizes them, stores them and advances a
// persisted cursor until the requested number of records is stored or the
// source runs out.
//
// Example usage:
//
//	orch, err := pagination.New(rollbarClient, store, store.Cursors(), pagination.Config{
//		ProjectCounter: 1234,
//		Target:         500,
//		PageSize:       20,
//	})
//	result, err := orch.Run(ctx)
//
// A run moves through init → fetching → writing → ... and ends in one of
// three states:
//   - done: the target was reached or the source was exhausted
//   - failed: a fatal error stopped the run; the error is a *RunError that
//     reports the records stored so far and the offset to resume from
//   - cancelled: ctx was cancelled; the run stopped at a page boundary
//
// Cancellation is only observed between pages. A page that is being fetched
// or written when ctx is cancelled is finished first, so the cursor is never
// saved in the middle of a page. Pages are processed one at a time.
package pagination
