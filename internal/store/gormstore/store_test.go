package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"condor/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "condor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createStrategy(t *testing.T, s *GormStore, status model.StrategyStatus) *model.StrategyModel {
	t.Helper()
	row := &model.StrategyModel{
		Name:           "btc breakout",
		Status:         status,
		ConditionLogic: "AND",
		Conditions:     datatypes.JSON(`[]`),
		ExpireMode:     model.ExpireModeNone,
	}
	require.NoError(t, s.CreateStrategy(context.Background(), row))
	return row
}

func TestCreateAndGetStrategy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := createStrategy(t, s, "")
	assert.Equal(t, model.StatusPendingActivation, row.Status)
	assert.Equal(t, int64(1), row.Version)
	assert.NotZero(t, row.CreatedAtUnix)

	got, err := s.GetStrategy(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "btc breakout", got.Name)

	missing, err := s.GetStrategy(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSoftDeleteHidesStrategy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createStrategy(t, s, model.StatusCancelled)

	ok, err := s.SoftDeleteStrategy(ctx, row.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetStrategy(ctx, row.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	list, err := s.ListStrategies(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Second delete is a no-op.
	ok, err = s.SoftDeleteStrategy(ctx, row.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListByStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createStrategy(t, s, model.StatusActive)
	createStrategy(t, s, model.StatusPaused)
	createStrategy(t, s, model.StatusFilled)

	rows, err := s.ListByStatuses(ctx, []model.StrategyStatus{model.StatusActive, model.StatusPaused})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.ListByStatuses(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestGuardedUpdateBumpsVersionOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createStrategy(t, s, model.StatusVerifying)

	ok, err := s.UpdateStrategyGuarded(ctx, row.ID, model.StatusVerifying, map[string]any{
		"status": model.StatusActive,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetStrategy(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, row.Version+1, got.Version)

	// Guard against the old status misses and leaves the row alone.
	ok, err = s.UpdateStrategyGuarded(ctx, row.ID, model.StatusVerifying, map[string]any{
		"status": model.StatusFailed,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := s.GetStrategy(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, again.Status)
	assert.Equal(t, got.Version, again.Version)
}

func TestCASUpdateRejectsStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createStrategy(t, s, model.StatusPendingActivation)

	ok, err := s.UpdateStrategyCAS(ctx, row.ID, row.Status, row.Version+5, map[string]any{
		"name": "renamed",
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UpdateStrategyCAS(ctx, row.ID, row.Status, row.Version, map[string]any{
		"name": "renamed",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetStrategy(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, row.Version+1, got.Version)
}

func TestLockLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createStrategy(t, s, model.StatusActive)
	until := time.Now().Add(time.Minute)

	ok, err := s.AcquireLock(ctx, row.ID, row.Status, row.Version, "worker-a", until)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("live lock blocks others", func(t *testing.T) {
		ok, err := s.AcquireLock(ctx, row.ID, row.Status, row.Version, "worker-b", until)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("locking does not bump the version", func(t *testing.T) {
		got, err := s.GetStrategy(ctx, row.ID)
		require.NoError(t, err)
		assert.Equal(t, row.Version, got.Version)
	})

	t.Run("owner reads through its token", func(t *testing.T) {
		got, err := s.GetLockedStrategy(ctx, row.ID, "worker-a")
		require.NoError(t, err)
		require.NotNil(t, got)

		stranger, err := s.GetLockedStrategy(ctx, row.ID, "worker-b")
		require.NoError(t, err)
		assert.Nil(t, stranger)
	})

	t.Run("foreign token cannot release", func(t *testing.T) {
		require.NoError(t, s.ReleaseLock(ctx, row.ID, "worker-b"))
		got, err := s.GetLockedStrategy(ctx, row.ID, "worker-a")
		require.NoError(t, err)
		require.NotNil(t, got)
	})

	t.Run("owner releases", func(t *testing.T) {
		require.NoError(t, s.ReleaseLock(ctx, row.ID, "worker-a"))
		ok, err := s.AcquireLock(ctx, row.ID, row.Status, row.Version, "worker-b", until)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createStrategy(t, s, model.StatusActive)

	ok, err := s.AcquireLock(ctx, row.ID, row.Status, row.Version, "crashed-worker", time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(ctx, row.ID, row.Status, row.Version, "worker-b", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClearAllLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createStrategy(t, s, model.StatusActive)
	b := createStrategy(t, s, model.StatusTriggered)

	until := time.Now().Add(time.Minute)
	ok, err := s.AcquireLock(ctx, a.ID, a.Status, a.Version, "worker-a", until)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.AcquireLock(ctx, b.ID, b.Status, b.Version, "worker-b", until)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ClearAllLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err = s.AcquireLock(ctx, a.ID, a.Status, a.Version, "worker-c", until)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionStateUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createStrategy(t, s, model.StatusActive)

	val := 101.5
	require.NoError(t, s.UpsertConditionStates(ctx, []model.ConditionStateModel{
		{StrategyID: row.ID, ConditionID: "c1", State: model.ConditionWaiting},
		{StrategyID: row.ID, ConditionID: "c2", State: model.ConditionFalse, ObservedValue: &val},
	}))

	// Second pass flips c1; c2 stays put.
	require.NoError(t, s.UpsertConditionStates(ctx, []model.ConditionStateModel{
		{StrategyID: row.ID, ConditionID: "c1", State: model.ConditionTrue, ObservedValue: &val},
	}))

	states, err := s.ListConditionStates(ctx, row.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, model.ConditionTrue, states[0].State)
	assert.Equal(t, model.ConditionFalse, states[1].State)

	require.NoError(t, s.DeleteConditionStates(ctx, row.ID))
	states, err = s.ListConditionStates(ctx, row.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestTradeInstructions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createStrategy(t, s, model.StatusTriggered)

	_, found, err := s.LatestTradeInstruction(ctx, row.ID)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.CreateTradeInstruction(ctx, &model.TradeInstructionModel{
		TradeID:    "trade-1",
		StrategyID: row.ID,
		Summary:    "BUY 0.5 BTCUSDT MARKET",
		Status:     model.StatusOrderSubmitted,
	}))

	ti, found, err := s.LatestTradeInstruction(ctx, row.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "trade-1", ti.TradeID)
	assert.Equal(t, model.StatusOrderSubmitted, ti.Status)

	ok, err := s.UpdateTradeInstructionStatus(ctx, "trade-1", model.StatusFilled)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateTradeInstructionStatus(ctx, "no-such-trade", model.StatusFailed)
	require.NoError(t, err)
	assert.False(t, ok)

	ti, found, err = s.LatestTradeInstruction(ctx, row.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusFilled, ti.Status)
}

func TestRuntimeStateUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createStrategy(t, s, model.StatusActive)

	_, found, err := s.GetRuntimeState(ctx, row.ID, "event_throttle")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetRuntimeState(ctx, row.ID, "event_throttle", []byte(`{"last_type":"WAITING_FOR_DATA"}`)))
	require.NoError(t, s.SetRuntimeState(ctx, row.ID, "event_throttle", []byte(`{"last_type":"GATEWAY_DOWN"}`)))

	val, found, err := s.GetRuntimeState(ctx, row.ID, "event_throttle")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"last_type":"GATEWAY_DOWN"}`, string(val))
}
