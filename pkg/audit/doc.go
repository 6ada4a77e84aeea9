// Package audit records who changed which due record, and every billing run.
//
// # Overview
//
// Each state-changing operation on a due record (manual creation, payment
// confirmation, rejection, notes, deletion) and each billing run (monthly
// generation, overdue sweep, bulk backfill) produces one Event. Events carry
// the request ID or job run ID from the context plus the actor taken from the
// X-Actor header, so a change can be traced back to the request log.
//
// # Sinks
//
//   - FileLogger appends newline-delimited JSON with size based rotation.
//   - SQLStore writes to the billing_audit_events table in the billing
//     database and answers Search queries for the admin API.
//   - MultiLogger fans out to several sinks.
//
// Audit failures never fail the audited operation. Record logs them and
// moves on.
//
// # Usage
//
//	store := audit.NewSQLStore(db, audit.DialectPostgres)
//	if err := store.EnsureSchema(ctx); err != nil {
//		return err
//	}
//	logger := audit.NewMultiLogger(store, fileLogger)
//
//	event := audit.NewEvent(ctx, audit.EventTypeDuePaid, audit.StatusSuccess)
//	event.DueID = &rec.ID
//	audit.Record(ctx, logger, event)
package audit
