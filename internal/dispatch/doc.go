// Package dispatch takes one selected ticket through the dispatch state
// machine: re-verify it, claim it, run it through the workflow tool and
// reconcile the result back into the tracker.
//
// States:
//
//	Selected → Verifying → InProgress → Running → {Succeeded | Failed | TimedOut} → Reconciled
//
// Verifying may end in an abort, which changes nothing except, for an
// empty description, one comment asking for one.
//
// Race guards:
//   - The ticket is re-fetched before claiming. A changed status or
//     assignee aborts silently.
//   - The ticket is re-fetched again after a successful run. If it was
//     reassigned or canceled meanwhile it is not moved to Done.
//   - After a failed run a ticket canceled meanwhile is not moved back to Todo.
//
// Failure handling:
//   - Failed and timed-out runs increment the retry tracker.
//   - Below max_retries the ticket goes back to Todo for another attempt.
//   - At the ceiling its status is left alone and the comment asks for
//     manual attention.
//   - Every terminal outcome produces exactly one comment.
//
// Dispatch never returns an error. Tracker write failures are logged and
// the machine carries on; a panic after the job was recorded finalises it
// as failed.
package dispatch
