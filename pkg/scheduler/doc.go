// Package scheduler runs the recurring billing jobs.
//
// Four jobs are registered on a cron schedule:
//
//   - sweep: retries pending records whose backoff has elapsed
//   - schedules: applies scheduled downgrades and cancellations
//   - close_period: finalizes and charges last period's drafts, then opens
//     the current period's drafts
//   - grace: suspends services of customers whose grace period ran out
//
// Each job lists the customers it concerns and fans out across them with a
// bounded errgroup. A failing customer is logged and counted but never stops
// the job; the next run picks it up again.
//
// Jobs also run on demand through RunJob, which the scheduler binary uses
// for its run-once mode.
package scheduler
