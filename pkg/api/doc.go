// Package api exposes the billing engine over HTTP for club administrators.
//
// Routes registered by DueHandlers:
//
//	POST   /dues                              create a due manually
//	GET    /dues/{id}                         fetch one due
//	DELETE /dues/{id}                         delete a pending due
//	POST   /dues/{id}/confirm                 mark paid
//	POST   /dues/{id}/reject                  mark rejected
//	POST   /dues/{id}/notes                   append a note
//	GET    /members/{member_id}/dues          list a member's dues
//	POST   /members/{member_id}/dues/backfill backfill one member
//	POST   /billing/run/monthly               run monthly generation now
//	POST   /billing/run/sweep                 run the overdue sweep now
//	POST   /billing/run/backfill              backfill every member (?async=true, ?workers=N)
//
// With an audit store configured, GET /audit/events searches the audit
// trail. Mutations are attributed to the X-Actor request header.
//
// Errors are JSON bodies of the form {"error": "...", "field": "..."}.
// Validation failures map to 400, unknown records or members to 404, and
// lifecycle or concurrency conflicts to 409.
package api
