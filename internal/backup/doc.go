// Package backup runs scheduled tenant database backups.
//
// A cron-driven Scheduler asks the ConfigProvider which tenants are due,
// hands each one to the Executor and records the outcome. The Executor
// exports the tenant, writes a compressed snapshot with a checksum and
// passes it to the Validator before the record is marked succeeded.
// Failures are queued with the RetryManager, and the RetentionManager trims
// old snapshots after every successful run. Every step is written to the
// audit log through the EventLogger, and failures reach the configured
// channels through the NotificationManager.
package backup
