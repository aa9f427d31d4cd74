// Package taskmanager schedules background jobs with per-lane FIFO ordering
// and cooperative cancellation.
//
// Invariants:
// - At most one job runs at a time per lane.
// - Job errors and panics land on the task record, never in the consumer.
// - Cancel returns true at most once per task.
//
// Usage:
//
//	mgr := taskmanager.New()
//	defer mgr.Close()
//	id, _ := mgr.Submit(ctx, "session-chat-1", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
//	record, _ := mgr.Await(ctx, id)
//	_ = record
package taskmanager
