// Package audit keeps a durable log of connection and execution activity.
//
// An [Auditor] subscribes to sshpool events (see [Auditor.Record]) and
// observes executions as an executor.Observer (see [Auditor.ObserveExec]).
// Both paths enqueue entries that a single writer goroutine stores in the
// audit_logs table, so pool code never waits on the database. Entries that
// arrive while the queue is full are dropped with a log line.
//
// Reused-connection events are not stored; they are counted in pool stats and
// would dominate the table.
//
// # Retention
//
// Entries are kept for [DefaultRetentionDays] unless configured otherwise.
// [Auditor.PurgeOlderThan] removes older rows and is meant to be scheduled.
//
// # Log Prefixes
//
// Audit log messages use the [audit] prefix.
package audit
