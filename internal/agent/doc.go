// Package agent runs device jobs one at a time.
//
// # Overview
//
// Two orchestrators share a broker session:
//
//   - Drainer: runs once at startup and finishes the backlog left from before
//   - Runner: claims and runs jobs as the service announces them
//
// The Drainer always completes before the Runner starts.
//
// # Drainer
//
//	report, err := agent.NewDrainer(agent.DrainerParams{
//	    Jobs:       client,
//	    Reporter:   reporter,
//	    Dispatcher: dispatcher,
//	    Logger:     logger,
//	}).Drain(ctx)
//
// The backlog is the union of in-progress and queued jobs, ordered by
// enqueue time and then job id. For each job in turn:
//
//  1. Report IN_PROGRESS
//  2. Describe the job to fetch its document
//  3. Run the first step's action
//  4. Report SUCCEEDED or FAILED
//
// # Runner
//
// The Runner reacts to three inputs:
//
//   - Next-job notifications: claim unless busy, else remember a waiter
//   - Claim replies: run the job on a worker goroutine, or release
//   - Acknowledgements of terminal reports: release, and claim again if a
//     waiter was remembered
//
// Reservation and release go through guard.Guard, so two jobs never run at
// once and a notification that arrives while busy is never lost.
//
// Actions may defer completion (a reboot, for instance). The job then keeps
// the reservation until Runner.Complete reports its outcome, or until the
// next startup drain finishes it.
//
// # Failure Handling
//
// Unknown actions, malformed documents, handler errors and panics all end
// as a FAILED report. Rejections from the service are logged with their raw
// payload and never stop the agent.
package agent
