// Package lanes provides per-key mutual exclusion with FIFO hand-off.
//
// Invariants:
//   - At most one holder per key at a time.
//   - Waiters for a key are granted the lane in Acquire order.
//   - A waiter that gives up never receives the lane afterwards.
//
// Usage:
//
//	locker := lanes.New(logger)
//	release, err := locker.Acquire(ctx, sessionID, 2*time.Second)
//	if err != nil {
//		return err
//	}
//	defer release()
package lanes
