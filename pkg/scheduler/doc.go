// Package scheduler drives the billing engine on a clock.
//
// Two cron jobs are registered: monthly generation, once at the start of each
// billing cycle, and the overdue sweep, once a day. Each job never overlaps
// with itself, inside one process (cron's SkipIfStillRunning plus an in-flight
// guard shared with manual triggers) and, when a Redis locker is configured,
// across instances. The two jobs may run at the same time as each other.
//
// Monthly generation is a logged no-op while automatic generation is
// disabled. The sweep always runs.
package scheduler
