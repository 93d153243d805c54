// Package scheduler turns due times into engine tasks.
//
// Two kinds of triggers exist:
//   - durable one-shot jobs keyed by a stable job key (ScheduleOnce/Cancel),
//     persisted in a JobStore and restored on Start;
//   - cron jobs for maintenance (AddCron), kept in memory only.
//
// Execution (timeouts, retries, panics) belongs to the task engine.
package scheduler
