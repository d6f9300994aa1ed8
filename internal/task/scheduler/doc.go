// Package scheduler triggers named jobs on cron or interval schedules.
//
// Each registered job runs on its own goroutine under a supervisor, with a
// per-run timeout. A trigger that fires while the previous run of the same
// job is still in flight is skipped by default.
package scheduler
