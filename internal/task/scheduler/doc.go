// Package scheduler runs named jobs on cron schedules and keeps their run
// statistics and a bounded execution history.
//
// Job definitions and history are persisted; handlers are not. A process
// re-supplies handlers at startup through Create (which upserts by name) or
// Enable, and only then is the job's trigger armed. Execution goes through
// the task engine so a slow job never overlaps itself.
package scheduler
