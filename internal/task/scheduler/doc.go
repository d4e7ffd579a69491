// Package scheduler registers named cron and interval triggers on top of
// robfig/cron and runs each firing with a bounded context.
//
// Jobs run on the cron goroutine pool. A job still running when its next
// trigger fires is skipped, and a panicking job is recovered and logged.
package scheduler
