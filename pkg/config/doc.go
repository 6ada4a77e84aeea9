// Package config loads the billing worker's configuration from environment
// variables, with billing rules optionally kept in a YAML file.
//
// Server:
//
//	CLUBHOUSE_HOST="0.0.0.0"
//	CLUBHOUSE_PORT="8080"
//	CLUBHOUSE_SHUTDOWN_TIMEOUT="30s"
//
// Storage:
//
//	CLUBHOUSE_STORAGE_DRIVER="postgres"  # postgres or sqlite
//	CLUBHOUSE_POSTGRES_URL="postgres://localhost/clubhouse?sslmode=disable"
//	CLUBHOUSE_POSTGRES_REPLICA_URLS="postgres://replica1/clubhouse,postgres://replica2/clubhouse"
//	CLUBHOUSE_SQLITE_PATH="clubhouse.db"
//
// Distributed lock (optional):
//
//	CLUBHOUSE_REDIS_URL="redis://localhost:6379/0"
//	CLUBHOUSE_LOCK_TTL="1h"
//
// Scheduler:
//
//	CLUBHOUSE_SCHEDULER_ENABLED="true"
//	CLUBHOUSE_MONTHLY_SCHEDULE="0 1 1 * *"
//	CLUBHOUSE_DAILY_SCHEDULE="5 0 * * *"
//	CLUBHOUSE_TIMEZONE="UTC"
//
// Billing, from CLUBHOUSE_BILLING_FILE:
//
//	automatic_generation: true
//	months_ahead: 0
//	monthly_due_amount: "30.00"
//	due_day_of_month: 10
//	billable_roles: [player]
//
// and the matching overrides CLUBHOUSE_BILLING_AUTO_GENERATE,
// CLUBHOUSE_BILLING_MONTHS_AHEAD, CLUBHOUSE_BILLING_MONTHLY_AMOUNT,
// CLUBHOUSE_BILLING_DUE_DAY ("last" for the end of the month) and
// CLUBHOUSE_BILLING_ROLES.
//
// Observability:
//
//	CLUBHOUSE_LOG_LEVEL="info"
//	CLUBHOUSE_METRICS_ENABLED="true"
//	CLUBHOUSE_OTEL_ENABLED="false"
//	CLUBHOUSE_OTEL_ENDPOINT="localhost:4317"
package config
