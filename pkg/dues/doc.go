// Package dues implements membership billing: monthly due records, their
// payment lifecycle, automatic generation and the overdue sweep.
//
// # Components
//
//   - DueDate computes when a period's due must be paid.
//   - DueRecord methods (MarkOverdue, MarkPaid, MarkRejected, AddNote) enforce
//     the lifecycle pending -> overdue -> paid|rejected.
//   - Engine backfills members from their registration month and creates the
//     current period's dues for every billable member.
//   - Sweeper moves pending dues past their due date to overdue.
//   - Service carries the operations driven by club staff.
//
// Every operation takes `now` explicitly. Nothing in this package reads the
// wall clock for business decisions, so callers (the scheduler, the API,
// tests) control time.
//
// # Concurrency
//
// The Store's unique (member, period) constraint is the guard against double
// creation. Engine treats ErrDuplicate on insert as "already exists". Status
// changes are written with Store.Update conditioned on the previous status,
// so a record paid by staff while a sweep is running is never overwritten.
package dues
