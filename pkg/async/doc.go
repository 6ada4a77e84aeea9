// Package async runs background work with panic recovery, per-task timeouts
// and error collection.
//
// SafeGo starts a single fire-and-forget task, used by the admin API to kick
// off long bulk backfills without holding the request open:
//
//	async.SafeGo(ctx, logger, 30*time.Minute, "bulk backfill", func(ctx context.Context) error {
//		_, err := engine.BackfillAllMembers(ctx, time.Now(), 8)
//		return err
//	})
//
// Batch fans a slice of items out to a bounded set of workers and returns
// every error encountered:
//
//	errs := async.Batch(ctx, members, async.BatchOptions{Workers: 8, TaskName: "backfill"},
//		func(ctx context.Context, m *members.Member) error {
//			_, err := engine.BackfillMember(ctx, m, now)
//			return err
//		})
package async
