package engine

import (
	"context"
	"runtime/debug"
	"time"

	"condor/internal/logger"
	"condor/internal/store/model"

	"github.com/google/uuid"
)

func (e *Engine) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.queue.C():
			e.processTask(ctx, task)
			e.queue.Done(task.StrategyID)
		}
	}
}

// processTask acquires the strategy's soft lock against the scanner's
// snapshot, re-reads the row, and dispatches to the handler for its status.
// A missed lock means another worker or an API caller got there first with a
// newer version; the next scan pass will pick the row up again. The caller
// owns the queue's inflight marker: only workerLoop clears it, so a direct
// ProcessOnce call cannot erase a marker it never set.
func (e *Engine) processTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("worker panic on strategy %d: %v\n%s", task.StrategyID, r, debug.Stack())
		}
	}()

	token := uuid.NewString()
	ok, err := e.store.AcquireLock(ctx, task.StrategyID, task.Status, task.Version, token, e.now().Add(e.lockTTL()))
	if err != nil {
		logger.Errorf("acquire lock for strategy %d failed: %v", task.StrategyID, err)
		return
	}
	if !ok {
		logger.Debugf("strategy %d lock contended or snapshot stale (status=%s version=%d), skipping",
			task.StrategyID, task.Status, task.Version)
		return
	}
	defer func() {
		if err := e.store.ReleaseLock(ctx, task.StrategyID, token); err != nil {
			logger.Warnf("release lock for strategy %d failed: %v", task.StrategyID, err)
		}
	}()

	row, err := e.store.GetLockedStrategy(ctx, task.StrategyID, token)
	if err != nil {
		logger.Errorf("reload locked strategy %d failed: %v", task.StrategyID, err)
		return
	}
	if row == nil {
		return
	}

	if e.expireIfDue(ctx, row) {
		return
	}

	handler, ok := e.handlers[row.Status]
	if !ok {
		logger.Debugf("strategy %d in %s has no handler, nothing to do", row.ID, row.Status)
		return
	}
	handler(ctx, row)
}

// expireIfDue applies the time-based expiry check that precedes every
// handler. Returns true when the strategy was just expired.
func (e *Engine) expireIfDue(ctx context.Context, row *model.StrategyModel) bool {
	if !row.Status.Expirable() {
		return false
	}
	deadline, ok := expiryDeadline(row)
	if !ok || e.now().Before(deadline) {
		return false
	}
	updated, err := e.store.UpdateStrategyGuarded(ctx, row.ID, row.Status, map[string]any{
		"status": model.StatusExpired,
	})
	if err != nil {
		logger.Errorf("expire strategy %d failed: %v", row.ID, err)
		return false
	}
	if !updated {
		return false
	}
	logger.Infof("strategy %d expired (deadline %s, was %s)", row.ID, deadline.Format(time.RFC3339), row.Status)
	emitEvent(ctx, e.store, row.ID, EventExpired, map[string]any{
		"deadline":    deadline.UnixMilli(),
		"from_status": row.Status,
	})
	return true
}

// expiryDeadline resolves the strategy's deadline. Relative deadlines are
// stamped onto expire_at at activation; a relative strategy that never
// activated has none yet.
func expiryDeadline(row *model.StrategyModel) (time.Time, bool) {
	switch row.ExpireMode {
	case model.ExpireModeAbsolute:
		if row.ExpireAtUnix != nil {
			return time.UnixMilli(*row.ExpireAtUnix), true
		}
	case model.ExpireModeRelative:
		if row.ExpireAtUnix != nil {
			return time.UnixMilli(*row.ExpireAtUnix), true
		}
		if row.LogicalActivatedAt != nil && row.ExpireInSeconds != nil {
			return time.UnixMilli(*row.LogicalActivatedAt).Add(time.Duration(*row.ExpireInSeconds) * time.Second), true
		}
	}
	return time.Time{}, false
}
