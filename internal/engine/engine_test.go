package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"condor/internal/config"
	"condor/internal/market"
	"condor/internal/policy"
	"condor/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
)

type fakeGateway struct {
	ready   bool
	series  map[string][]float64
	extrema map[string]market.Extrema
	err     error
}

func (g *fakeGateway) Ready(context.Context) bool { return g.ready }

func (g *fakeGateway) Series(_ context.Context, req market.SeriesRequest) ([]float64, error) {
	if g.err != nil {
		return nil, g.err
	}
	vals := g.series[req.Symbol]
	if len(vals) > req.Points {
		vals = vals[len(vals)-req.Points:]
	}
	return vals, nil
}

func (g *fakeGateway) ExtremaSince(_ context.Context, symbol string, _ time.Time) (market.Extrema, error) {
	if g.err != nil {
		return market.Extrema{}, g.err
	}
	return g.extrema[symbol], nil
}

type fakeVerifier struct {
	err   error
	calls int
}

func (v *fakeVerifier) Verify(_ context.Context, conds []Condition, _ *TradeAction) ([]Condition, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	out := make([]Condition, len(conds))
	copy(out, conds)
	for i := range out {
		for j := range out[i].Contracts {
			out[i].Contracts[j].ContractID = out[i].Contracts[j].Symbol
		}
	}
	return out, nil
}

type fakeExecutor struct {
	submitErr error
	status    model.StrategyStatus
	statusErr error
	submitted []string
}

func (x *fakeExecutor) SubmitOrder(_ context.Context, tradeID string, _ TradeAction) error {
	if x.submitErr != nil {
		return x.submitErr
	}
	x.submitted = append(x.submitted, tradeID)
	return nil
}

func (x *fakeExecutor) OrderStatus(_ context.Context, _, _ string) (model.StrategyStatus, error) {
	if x.statusErr != nil {
		return "", x.statusErr
	}
	if x.status == "" {
		return model.StatusFilled, nil
	}
	return x.status, nil
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		ScanIntervalSeconds:  1,
		WorkerCount:          1,
		QueueSize:            16,
		LockTTLSeconds:       30,
		EventThrottleSeconds: 300,
		StopTimeoutSeconds:   5,
	}
}

func newTestEngine(t *testing.T, st *memStore, gw market.Gateway, verifier ActivationVerifier, executor TradeExecutor) *Engine {
	t.Helper()
	reg, err := policy.NewRegistry("")
	require.NoError(t, err)
	if gw == nil {
		gw = &fakeGateway{ready: true}
	}
	if verifier == nil {
		verifier = &fakeVerifier{}
	}
	if executor == nil {
		executor = &fakeExecutor{}
	}
	return New(testEngineConfig(), st, gw, reg, verifier, executor)
}

func simpleConditions(t *testing.T, threshold float64) datatypes.JSON {
	t.Helper()
	raw, err := json.Marshal([]Condition{{
		ConditionID: "c1",
		Metric:      policy.MetricPrice,
		TriggerMode: policy.LevelInstant,
		Window:      "1h",
		Operator:    policy.OpGTE,
		Threshold:   threshold,
		Contracts:   []ContractRef{{Symbol: "BTCUSDT"}},
	}})
	require.NoError(t, err)
	return datatypes.JSON(raw)
}

func marketAction(t *testing.T) datatypes.JSON {
	t.Helper()
	raw, err := json.Marshal(TradeAction{Symbol: "BTCUSDT", Side: "BUY", OrderType: "MARKET", Quantity: 0.5})
	require.NoError(t, err)
	return datatypes.JSON(raw)
}

func seedStrategy(t *testing.T, st *memStore, status model.StrategyStatus, mutate func(*model.StrategyModel)) *model.StrategyModel {
	t.Helper()
	row := &model.StrategyModel{
		Name:           "test strategy",
		Status:         status,
		ConditionLogic: "AND",
		Conditions:     simpleConditions(t, 10.0),
		ExpireMode:     model.ExpireModeNone,
	}
	if mutate != nil {
		mutate(row)
	}
	require.NoError(t, st.CreateStrategy(context.Background(), row))
	return row
}

func TestVerificationActivates(t *testing.T) {
	st := newMemStore()
	verifier := &fakeVerifier{}
	e := newTestEngine(t, st, nil, verifier, nil)
	row := seedStrategy(t, st, model.StatusVerifying, nil)

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	after, err := st.GetStrategy(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, after.Status)
	assert.Equal(t, int64(2), after.Version, "guarded transition bumps version by exactly one")
	assert.Equal(t, 1, verifier.calls)
	require.NotNil(t, after.ActivatedAtUnix)
	require.NotNil(t, after.LogicalActivatedAt)

	conds, err := ParseConditions([]byte(after.Conditions))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", conds[0].Contracts[0].ContractID, "verification resolves contract ids")
	assert.Len(t, st.eventsOfType(row.ID, EventActivated), 1)
	assert.Empty(t, after.LockToken, "lock released after the pass")
}

func TestVerificationFailure(t *testing.T) {
	st := newMemStore()
	verifier := &fakeVerifier{err: fmt.Errorf("contract delisted")}
	e := newTestEngine(t, st, nil, verifier, nil)
	row := seedStrategy(t, st, model.StatusVerifying, nil)

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	after, _ := st.GetStrategy(context.Background(), row.ID)
	assert.Equal(t, model.StatusVerifyFailed, after.Status)
	events := st.eventsOfType(row.ID, EventVerifyFailed)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Detail), "contract delisted")
}

func TestRelativeExpiryStampedAtActivation(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, nil, nil, nil)
	base := time.Now()
	e.nowFn = func() time.Time { return base }

	secs := int64(3600)
	row := seedStrategy(t, st, model.StatusVerifying, func(s *model.StrategyModel) {
		s.ExpireMode = model.ExpireModeRelative
		s.ExpireInSeconds = &secs
	})

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	after, _ := st.GetStrategy(context.Background(), row.ID)
	require.Equal(t, model.StatusActive, after.Status)
	require.NotNil(t, after.ExpireAtUnix)
	assert.Equal(t, base.UnixMilli()+secs*1000, *after.ExpireAtUnix)
}

func TestFullLifecycleWithChain(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{ready: true, series: map[string][]float64{"BTCUSDT": {10.5}}}
	executor := &fakeExecutor{}
	e := newTestEngine(t, st, gw, nil, executor)

	downstream := seedStrategy(t, st, model.StatusPendingActivation, nil)
	nowMs := time.Now().UnixMilli()
	upstream := seedStrategy(t, st, model.StatusActive, func(s *model.StrategyModel) {
		s.TradeAction = marketAction(t)
		s.NextID = &downstream.ID
		s.LogicalActivatedAt = &nowMs
	})

	ctx := context.Background()

	// Pass 1: conditions met, strategy fires.
	require.NoError(t, e.ProcessOnce(ctx, upstream.ID))
	after, _ := st.GetStrategy(ctx, upstream.ID)
	require.Equal(t, model.StatusTriggered, after.Status)
	assert.Len(t, st.eventsOfType(upstream.ID, EventConditionsMet), 1)

	// Pass 2: downstream chain-activated on the trigger itself, then the
	// order is dispatched.
	require.NoError(t, e.ProcessOnce(ctx, upstream.ID))
	after, _ = st.GetStrategy(ctx, upstream.ID)
	require.Equal(t, model.StatusOrderSubmitted, after.Status)
	require.Len(t, executor.submitted, 1)
	ti, found, err := st.LatestTradeInstruction(ctx, upstream.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusOrderSubmitted, ti.Status)

	down, _ := st.GetStrategy(ctx, downstream.ID)
	assert.Equal(t, model.StatusActive, down.Status, "downstream goes straight to ACTIVE")
	require.NotNil(t, down.LogicalActivatedAt)
	assert.Len(t, st.eventsOfType(upstream.ID, EventChainActivated), 1)
	assert.Len(t, st.eventsOfType(downstream.ID, EventActivated), 1)

	// Pass 3: fill reconciled. The chain does not fire again.
	require.NoError(t, e.ProcessOnce(ctx, upstream.ID))
	after, _ = st.GetStrategy(ctx, upstream.ID)
	assert.Equal(t, model.StatusFilled, after.Status)
	ti, _, _ = st.LatestTradeInstruction(ctx, upstream.ID)
	assert.Equal(t, model.StatusFilled, ti.Status)
	assert.Len(t, st.eventsOfType(upstream.ID, EventChainActivated), 1)

	// A terminal strategy is out of the scanner's reach.
	require.NoError(t, e.ScanOnce(ctx))
	assert.Equal(t, 1, e.queue.Len(), "only the downstream remains scannable")
}

func TestChainSkipsBusyDownstream(t *testing.T) {
	st := newMemStore()
	executor := &fakeExecutor{}
	e := newTestEngine(t, st, nil, nil, executor)

	downstream := seedStrategy(t, st, model.StatusCancelled, nil)
	upstream := seedStrategy(t, st, model.StatusTriggered, func(s *model.StrategyModel) {
		s.TradeAction = marketAction(t)
		s.NextID = &downstream.ID
	})

	require.NoError(t, e.ProcessOnce(context.Background(), upstream.ID))

	after, _ := st.GetStrategy(context.Background(), upstream.ID)
	assert.Equal(t, model.StatusOrderSubmitted, after.Status, "a skipped chain never blocks dispatch")
	down, _ := st.GetStrategy(context.Background(), downstream.ID)
	assert.Equal(t, model.StatusCancelled, down.Status, "terminal downstream left alone")
	assert.Len(t, st.eventsOfType(upstream.ID, EventChainSkipped), 1)
}

func TestAbsoluteExpiry(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, nil, nil, nil)

	past := time.Now().Add(-time.Minute).UnixMilli()
	row := seedStrategy(t, st, model.StatusActive, func(s *model.StrategyModel) {
		s.ExpireMode = model.ExpireModeAbsolute
		s.ExpireAtUnix = &past
	})

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	after, _ := st.GetStrategy(context.Background(), row.ID)
	assert.Equal(t, model.StatusExpired, after.Status)
	assert.Len(t, st.eventsOfType(row.ID, EventExpired), 1)
}

func TestLockContentionSkipsPass(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{ready: true, series: map[string][]float64{"BTCUSDT": {10.5}}}
	e := newTestEngine(t, st, gw, nil, nil)
	row := seedStrategy(t, st, model.StatusActive, nil)

	// Another worker holds a live lock.
	held, err := st.AcquireLock(context.Background(), row.ID, model.StatusActive, row.Version, "other-worker", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	after, _ := st.GetStrategy(context.Background(), row.ID)
	assert.Equal(t, model.StatusActive, after.Status, "contended pass must not touch the row")
	assert.Equal(t, int64(1), after.Version)
	assert.Equal(t, "other-worker", after.LockToken)
}

func TestStaleSnapshotSkipsPass(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, nil, nil, nil)
	row := seedStrategy(t, st, model.StatusActive, nil)

	// Snapshot carries an outdated version.
	e.processTask(context.Background(), Task{StrategyID: row.ID, Status: model.StatusActive, Version: 7})

	after, _ := st.GetStrategy(context.Background(), row.ID)
	assert.Equal(t, int64(1), after.Version)
	assert.Equal(t, model.StatusActive, after.Status)
}

func TestWaitingEventsThrottled(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{ready: true, series: map[string][]float64{}} // no data: WAITING
	e := newTestEngine(t, st, gw, nil, nil)

	base := time.Now()
	e.nowFn = func() time.Time { return base }
	row := seedStrategy(t, st, model.StatusActive, nil)

	ctx := context.Background()
	require.NoError(t, e.ProcessOnce(ctx, row.ID))
	require.NoError(t, e.ProcessOnce(ctx, row.ID))
	assert.Len(t, st.eventsOfType(row.ID, EventWaitingForData), 1, "repeat outcome inside the window is suppressed")

	// Beyond the throttle window the same outcome may speak again.
	e.nowFn = func() time.Time { return base.Add(6 * time.Minute) }
	require.NoError(t, e.ProcessOnce(ctx, row.ID))
	assert.Len(t, st.eventsOfType(row.ID, EventWaitingForData), 2)

	// Runs are recorded for every pass regardless of throttling.
	runs, err := st.ListRuns(ctx, row.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestGatewayDownOutcome(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{ready: false}
	e := newTestEngine(t, st, gw, nil, nil)
	row := seedStrategy(t, st, model.StatusActive, nil)

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	after, _ := st.GetStrategy(context.Background(), row.ID)
	assert.Equal(t, model.StatusActive, after.Status, "gateway outage never changes strategy state")
	runs, _ := st.ListRuns(context.Background(), row.ID, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, string(OutcomeGatewayDown), runs[0].Outcome)
}

func TestSubmitFailureFailsStrategy(t *testing.T) {
	st := newMemStore()
	executor := &fakeExecutor{submitErr: fmt.Errorf("insufficient margin")}
	e := newTestEngine(t, st, nil, nil, executor)
	row := seedStrategy(t, st, model.StatusTriggered, func(s *model.StrategyModel) {
		s.TradeAction = marketAction(t)
	})

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	after, _ := st.GetStrategy(context.Background(), row.ID)
	assert.Equal(t, model.StatusFailed, after.Status)
	ti, found, _ := st.LatestTradeInstruction(context.Background(), row.ID)
	require.True(t, found)
	assert.Equal(t, model.StatusFailed, ti.Status)
}

func TestTriggeredWithoutActionCompletesViaChain(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, nil, nil, nil)
	downstream := seedStrategy(t, st, model.StatusPendingActivation, nil)
	row := seedStrategy(t, st, model.StatusTriggered, func(s *model.StrategyModel) {
		s.NextID = &downstream.ID
	})

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	after, _ := st.GetStrategy(context.Background(), row.ID)
	assert.Equal(t, model.StatusFilled, after.Status)
	_, found, _ := st.LatestTradeInstruction(context.Background(), row.ID)
	assert.False(t, found, "no instruction created without a trade action")
	down, _ := st.GetStrategy(context.Background(), downstream.ID)
	assert.Equal(t, model.StatusActive, down.Status)
}

func TestTriggeredWithNothingToDoFails(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, nil, nil, nil)
	row := seedStrategy(t, st, model.StatusTriggered, nil)

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	after, _ := st.GetStrategy(context.Background(), row.ID)
	assert.Equal(t, model.StatusFailed, after.Status, "no action and no downstream leaves nothing to execute")
	events := st.eventsOfType(row.ID, EventFailed)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Detail), "no trade action")
	_, found, _ := st.LatestTradeInstruction(context.Background(), row.ID)
	assert.False(t, found)
}

func TestScanOnceEnqueuesScannable(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, nil, nil, nil)

	seedStrategy(t, st, model.StatusActive, nil)
	seedStrategy(t, st, model.StatusPendingActivation, nil)
	seedStrategy(t, st, model.StatusFilled, nil)
	seedStrategy(t, st, model.StatusCancelled, nil)

	require.NoError(t, e.ScanOnce(context.Background()))
	assert.Equal(t, 2, e.queue.Len())

	// A second scan while tasks are still queued adds nothing.
	require.NoError(t, e.ScanOnce(context.Background()))
	assert.Equal(t, 2, e.queue.Len())
}

func TestActiveConfigProblemsDemoteToVerifyFailed(t *testing.T) {
	t.Run("unparsable conditions", func(t *testing.T) {
		st := newMemStore()
		e := newTestEngine(t, st, nil, nil, nil)
		row := seedStrategy(t, st, model.StatusActive, func(s *model.StrategyModel) {
			s.Conditions = datatypes.JSON([]byte(`{"broken`))
		})

		require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

		after, _ := st.GetStrategy(context.Background(), row.ID)
		assert.Equal(t, model.StatusVerifyFailed, after.Status, "a correctable config problem is not terminal")
		events := st.eventsOfType(row.ID, EventVerifyFailed)
		require.Len(t, events, 1)
		assert.Contains(t, string(events[0].Detail), string(OutcomeConfigInvalid))
	})

	t.Run("no conditions configured", func(t *testing.T) {
		st := newMemStore()
		e := newTestEngine(t, st, nil, nil, nil)
		row := seedStrategy(t, st, model.StatusActive, func(s *model.StrategyModel) {
			s.Conditions = datatypes.JSON([]byte(`[]`))
		})

		require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

		after, _ := st.GetStrategy(context.Background(), row.ID)
		assert.Equal(t, model.StatusVerifyFailed, after.Status)
		events := st.eventsOfType(row.ID, EventVerifyFailed)
		require.Len(t, events, 1)
		assert.Contains(t, string(events[0].Detail), string(OutcomeNoConditions))
	})
}

func TestOrderReconcileCopiesTerminalStatus(t *testing.T) {
	cases := []struct {
		name  string
		venue model.StrategyStatus
		event string
	}{
		{"cancelled at the venue", model.StatusCancelled, EventCancelled},
		{"expired at the venue", model.StatusExpired, EventExpired},
		{"rejected at the venue", model.StatusFailed, EventFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStore()
			executor := &fakeExecutor{status: tc.venue}
			e := newTestEngine(t, st, nil, nil, executor)
			row := seedStrategy(t, st, model.StatusOrderSubmitted, func(s *model.StrategyModel) {
				s.TradeAction = marketAction(t)
			})
			require.NoError(t, st.CreateTradeInstruction(context.Background(), &model.TradeInstructionModel{
				TradeID: "t-1", StrategyID: row.ID, Status: model.StatusOrderSubmitted,
			}))

			require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

			after, _ := st.GetStrategy(context.Background(), row.ID)
			assert.Equal(t, tc.venue, after.Status)
			ti, found, _ := st.LatestTradeInstruction(context.Background(), row.ID)
			require.True(t, found)
			assert.Equal(t, tc.venue, ti.Status, "instruction carries the same terminal status")
			assert.Len(t, st.eventsOfType(row.ID, tc.event), 1)
		})
	}
}

func TestRunMetricsRecordResolvedPolicy(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{ready: true, series: map[string][]float64{"BTCUSDT": {9.0}}}
	e := newTestEngine(t, st, gw, nil, nil)
	row := seedStrategy(t, st, model.StatusActive, nil)

	require.NoError(t, e.ProcessOnce(context.Background(), row.ID))

	runs, err := st.ListRuns(context.Background(), row.ID, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	metrics := []byte(runs[0].Metrics)
	assert.Equal(t, string(policy.LevelInstant), gjson.GetBytes(metrics, "c1.policy.mode").String())
	assert.Equal(t, "1h", gjson.GetBytes(metrics, "c1.policy.window").String())
	assert.True(t, gjson.GetBytes(metrics, "c1.state").Exists())
}

func TestManualPassKeepsQueueMarker(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, nil, nil, nil)
	row := seedStrategy(t, st, model.StatusPendingActivation, nil)
	ctx := context.Background()

	ok, err := e.Enqueue(ctx, row.ID, "api")
	require.NoError(t, err)
	require.True(t, ok)

	// A direct pass must not release the marker owned by the queued task.
	require.NoError(t, e.ProcessOnce(ctx, row.ID))

	ok, err = e.Enqueue(ctx, row.ID, "api")
	require.NoError(t, err)
	assert.False(t, ok, "strategy still in flight")
	assert.Equal(t, 1, e.queue.Len())
}

func TestGatewayOutageResetsConditionStates(t *testing.T) {
	st := newMemStore()
	gw := &fakeGateway{ready: true, series: map[string][]float64{"BTCUSDT": {9.0}}}
	e := newTestEngine(t, st, gw, nil, nil)
	row := seedStrategy(t, st, model.StatusActive, nil)
	ctx := context.Background()

	require.NoError(t, e.ProcessOnce(ctx, row.ID))
	states, err := st.ListConditionStates(ctx, row.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, model.ConditionFalse, states[0].State)

	gw.ready = false
	require.NoError(t, e.ProcessOnce(ctx, row.ID))
	states, _ = st.ListConditionStates(ctx, row.ID)
	require.Len(t, states, 1)
	assert.Equal(t, model.ConditionNotEvaluated, states[0].State, "a stale verdict does not outlive its data")
}

func TestStopJoinsEngine(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, nil, nil, nil)

	require.NoError(t, e.Stop(), "stop before start is a no-op")

	done := make(chan error, 1)
	go func() { done <- e.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.cancel != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not shut down")
	}
}
