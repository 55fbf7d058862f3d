// Package jobs speaks the job coordination protocol for a single device.
//
// # Overview
//
// The coordination service hands out jobs over publish/subscribe topics
// rooted at:
//
//	$aws/things/<thing>/jobs
//
// Every request has an accepted and a rejected reply topic. The Client and
// Reporter hide that pairing behind ordinary Go calls returning a value or
// an error.
//
// # Client
//
//	client := jobs.NewClient(jobs.ClientParams{
//	    ThingName:      "pump-7",
//	    Transport:      session,
//	    RequestTimeout: 30 * time.Second,
//	    Logger:         logger,
//	})
//
// Key operations:
//
//   - ListPending(ctx): in-progress and queued job summaries
//   - Describe(ctx, jobID): one execution including its document
//   - ClaimNext(ctx): start the next pending job, nil when none
//   - SubscribeNotifications(ctx, fn): next-job change feed
//
// # Request/Response Correlation
//
// For each request the client:
//
//  1. Subscribes to the reply family once, waiting for both SUBACKs
//  2. Generates a clientToken and registers a single-slot reply channel
//  3. Publishes the request
//  4. Receives the reply routed by clientToken, or gives up on timeout
//
// Replies are broadcast to every subscriber of the thing, so replies with an
// unknown token are dropped.
//
// # Reporter
//
// The Reporter publishes IN_PROGRESS, SUCCEEDED and FAILED updates and
// delivers the service's verdicts through a single wildcard subscription
// covering every job. An Ack is Tracked when it answers an update sent by the
// same Reporter after SubscribeAcks; each tracked update resolves once.
//
// # Testing
//
// FakeService implements Transport in memory. It keeps a job table, answers
// requests the way the real service does, and can be told to reject claims,
// lists or updates.
package jobs
