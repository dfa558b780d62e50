package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"condor/internal/config"
	"condor/internal/logger"
	"condor/internal/market"
	"condor/internal/policy"
	"condor/internal/store"
	"condor/internal/store/model"

	"golang.org/x/sync/errgroup"
)

// ActivationVerifier checks a strategy's configuration against the venue
// before it may begin evaluating. On success it returns the conditions with
// contract IDs resolved, ready to persist back onto the row.
type ActivationVerifier interface {
	Verify(ctx context.Context, conds []Condition, action *TradeAction) ([]Condition, error)
}

// TradeExecutor submits and reconciles orders for triggered strategies.
// tradeID doubles as the client order id, which is what makes submission
// idempotent and status checks possible across restarts.
type TradeExecutor interface {
	SubmitOrder(ctx context.Context, tradeID string, action TradeAction) error
	// OrderStatus reports the instruction's venue-side state. It returns
	// ORDER_SUBMITTED while the order is still working, and one of FILLED,
	// CANCELLED, EXPIRED or FAILED once it settles.
	OrderStatus(ctx context.Context, tradeID, symbol string) (model.StrategyStatus, error)
}

// Engine is the scheduler: a scanner that turns due strategies into tasks
// and a worker pool that processes them under per-strategy soft locks.
type Engine struct {
	cfg      config.EngineConfig
	store    store.Store
	market   market.Gateway
	eval     *Evaluator
	verifier ActivationVerifier
	executor TradeExecutor
	queue    *TaskQueue
	handlers map[model.StrategyStatus]handlerFunc

	// nowFn is swappable so lifecycle tests can pin the clock.
	nowFn func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.EngineConfig, st store.Store, gw market.Gateway, reg *policy.Registry, verifier ActivationVerifier, executor TradeExecutor) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		market:   gw,
		eval:     NewEvaluator(reg),
		verifier: verifier,
		executor: executor,
		queue:    NewTaskQueue(cfg.QueueSize),
		nowFn:    time.Now,
	}
	e.handlers = e.handlerTable()
	return e
}

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) lockTTL() time.Duration {
	ttl := time.Duration(e.cfg.LockTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return ttl
}

func (e *Engine) throttleWindow() time.Duration {
	return time.Duration(e.cfg.EventThrottleSeconds) * time.Second
}

// Start runs the scanner and worker pool until ctx is cancelled. Leftover
// locks from a previous process are swept first so a crash can never strand
// a strategy beyond one lock TTL.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.mu.Lock()
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()
	defer close(done)
	defer cancel()

	cleared, err := e.store.ClearAllLocks(ctx)
	if err != nil {
		return fmt.Errorf("sweep stale locks: %w", err)
	}
	if cleared > 0 {
		logger.Warnf("cleared %d stale strategy lock(s) left by a previous run", cleared)
	}

	interval := time.Duration(e.cfg.ScanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	workers := e.cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	logger.Infof("engine starting: scan every %s, %d worker(s), lock ttl %s", interval, workers, e.lockTTL())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := e.ScanOnce(ctx); err != nil {
					logger.Errorf("scan pass failed: %v", err)
				}
			}
		}
	})
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			e.workerLoop(ctx, id)
			return nil
		})
	}
	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Stop cancels the scanner and workers and joins them, giving up after the
// configured stop timeout so shutdown cannot hang on a stuck venue call.
// A no-op when Start never ran.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	timeout := time.Duration(e.cfg.StopTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("engine workers did not drain within %s", timeout)
	}
}

// ScanOnce enqueues one task per due strategy. Duplicate enqueues while a
// strategy is still in flight are dropped by the queue.
func (e *Engine) ScanOnce(ctx context.Context) error {
	rows, err := e.store.ListByStatuses(ctx, model.ScannableStatuses())
	if err != nil {
		return fmt.Errorf("list scannable strategies: %w", err)
	}
	enqueued := 0
	for _, row := range rows {
		if e.queue.Enqueue(Task{
			StrategyID: row.ID,
			Status:     row.Status,
			Version:    row.Version,
			Reason:     "scan",
		}) {
			enqueued++
		}
	}
	if enqueued > 0 {
		logger.Debugf("scan pass enqueued %d of %d candidate strategies", enqueued, len(rows))
	}
	return nil
}

// Enqueue offers an out-of-band recheck of one strategy, typically right
// after an API mutation. Returns false when it is already in flight.
func (e *Engine) Enqueue(ctx context.Context, strategyID int64, reason string) (bool, error) {
	row, err := e.store.GetStrategy(ctx, strategyID)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, fmt.Errorf("strategy %d not found", strategyID)
	}
	return e.queue.Enqueue(Task{
		StrategyID: row.ID,
		Status:     row.Status,
		Version:    row.Version,
		Reason:     reason,
	}), nil
}

// ProcessOnce runs one synchronous pass over a single strategy using the
// row's current snapshot. Used by tests and the manual recheck endpoint.
func (e *Engine) ProcessOnce(ctx context.Context, strategyID int64) error {
	row, err := e.store.GetStrategy(ctx, strategyID)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("strategy %d not found", strategyID)
	}
	e.processTask(ctx, Task{
		StrategyID: row.ID,
		Status:     row.Status,
		Version:    row.Version,
		Reason:     "manual",
	})
	return nil
}
