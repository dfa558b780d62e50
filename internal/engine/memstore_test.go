package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"condor/internal/store/model"

	"gorm.io/datatypes"
)

// memStore is an in-memory Store with the same conditional-write semantics
// as the sqlite implementation.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	strategies map[int64]*model.StrategyModel
	condStates map[int64]map[string]model.ConditionStateModel
	runs       []model.StrategyRunModel
	events     []model.EventModel
	trades     []model.TradeInstructionModel
	runtime    map[int64]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		strategies: make(map[int64]*model.StrategyModel),
		condStates: make(map[int64]map[string]model.ConditionStateModel),
		runtime:    make(map[int64]map[string][]byte),
	}
}

func (m *memStore) Close() error { return nil }

func cloneStrategy(st *model.StrategyModel) *model.StrategyModel {
	cp := *st
	return &cp
}

func (m *memStore) CreateStrategy(_ context.Context, st *model.StrategyModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	st.ID = m.nextID
	now := time.Now().UnixMilli()
	st.CreatedAtUnix = now
	st.UpdatedAtUnix = now
	if st.Version <= 0 {
		st.Version = 1
	}
	m.strategies[st.ID] = cloneStrategy(st)
	return nil
}

func (m *memStore) GetStrategy(_ context.Context, id int64) (*model.StrategyModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok || st.Deleted != 0 {
		return nil, nil
	}
	return cloneStrategy(st), nil
}

func (m *memStore) ListStrategies(_ context.Context, limit, offset int) ([]model.StrategyModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StrategyModel
	for id := int64(1); id <= m.nextID; id++ {
		if st, ok := m.strategies[id]; ok && st.Deleted == 0 {
			out = append(out, *cloneStrategy(st))
		}
	}
	return out, nil
}

func (m *memStore) ListByStatuses(_ context.Context, statuses []model.StrategyStatus) ([]model.StrategyModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StrategyModel
	for id := int64(1); id <= m.nextID; id++ {
		st, ok := m.strategies[id]
		if !ok || st.Deleted != 0 {
			continue
		}
		for _, s := range statuses {
			if st.Status == s {
				out = append(out, *cloneStrategy(st))
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) SoftDeleteStrategy(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok || st.Deleted != 0 {
		return false, nil
	}
	st.Deleted = 1
	return true, nil
}

func applyUpdates(st *model.StrategyModel, updates map[string]any) error {
	for key, val := range updates {
		switch key {
		case "status":
			st.Status = val.(model.StrategyStatus)
		case "name":
			st.Name = val.(string)
		case "condition_logic":
			st.ConditionLogic = val.(string)
		case "conditions_json":
			st.Conditions = val.(datatypes.JSON)
		case "trade_action_json":
			st.TradeAction = val.(datatypes.JSON)
		case "activated_at":
			ms := val.(int64)
			st.ActivatedAtUnix = &ms
		case "logical_activated_at":
			ms := val.(int64)
			st.LogicalActivatedAt = &ms
		case "expire_at":
			ms := val.(int64)
			st.ExpireAtUnix = &ms
		case "upstream_strategy_id":
			id := val.(int64)
			st.UpstreamID = &id
		default:
			return fmt.Errorf("memStore cannot apply column %q", key)
		}
	}
	st.UpdatedAtUnix = time.Now().UnixMilli()
	return nil
}

func (m *memStore) UpdateStrategyGuarded(_ context.Context, id int64, expect model.StrategyStatus, updates map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok || st.Deleted != 0 || st.Status != expect {
		return false, nil
	}
	if err := applyUpdates(st, updates); err != nil {
		return false, err
	}
	st.Version++
	return true, nil
}

func (m *memStore) UpdateStrategyCAS(_ context.Context, id int64, expect model.StrategyStatus, version int64, updates map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok || st.Deleted != 0 || st.Status != expect || st.Version != version {
		return false, nil
	}
	if err := applyUpdates(st, updates); err != nil {
		return false, err
	}
	st.Version++
	return true, nil
}

func (m *memStore) AcquireLock(_ context.Context, id int64, status model.StrategyStatus, version int64, token string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok || st.Deleted != 0 || st.Status != status || st.Version != version {
		return false, nil
	}
	now := time.Now().UnixMilli()
	if st.LockUntil != nil && *st.LockUntil > now {
		return false, nil
	}
	ms := until.UnixMilli()
	st.LockUntil = &ms
	st.LockToken = token
	return true, nil
}

func (m *memStore) GetLockedStrategy(_ context.Context, id int64, token string) (*model.StrategyModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok || st.Deleted != 0 || st.LockToken != token {
		return nil, nil
	}
	return cloneStrategy(st), nil
}

func (m *memStore) ReleaseLock(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok || st.LockToken != token {
		return nil
	}
	st.LockUntil = nil
	st.LockToken = ""
	return nil
}

func (m *memStore) ClearAllLocks(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, st := range m.strategies {
		if st.LockUntil != nil || st.LockToken != "" {
			st.LockUntil = nil
			st.LockToken = ""
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpsertConditionStates(_ context.Context, states []model.ConditionStateModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range states {
		byID, ok := m.condStates[st.StrategyID]
		if !ok {
			byID = make(map[string]model.ConditionStateModel)
			m.condStates[st.StrategyID] = byID
		}
		byID[st.ConditionID] = st
	}
	return nil
}

func (m *memStore) ListConditionStates(_ context.Context, strategyID int64) ([]model.ConditionStateModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConditionStateModel
	for _, st := range m.condStates[strategyID] {
		out = append(out, st)
	}
	return out, nil
}

func (m *memStore) DeleteConditionStates(_ context.Context, strategyID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.condStates, strategyID)
	return nil
}

func (m *memStore) AppendRun(_ context.Context, run *model.StrategyRunModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *memStore) ListRuns(_ context.Context, strategyID int64, limit int) ([]model.StrategyRunModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StrategyRunModel
	for i := len(m.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.runs[i].StrategyID == strategyID {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, evt *model.EventModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *evt)
	return nil
}

func (m *memStore) ListEvents(_ context.Context, strategyID int64, limit int) ([]model.EventModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventModel
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.events[i].StrategyID == strategyID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *memStore) eventsOfType(strategyID int64, eventType string) []model.EventModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventModel
	for _, evt := range m.events {
		if evt.StrategyID == strategyID && evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func (m *memStore) CreateTradeInstruction(_ context.Context, ti *model.TradeInstructionModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti.ID = int64(len(m.trades) + 1)
	now := time.Now().UnixMilli()
	ti.CreatedAtUnix = now
	ti.UpdatedAtUnix = now
	m.trades = append(m.trades, *ti)
	return nil
}

func (m *memStore) LatestTradeInstruction(_ context.Context, strategyID int64) (*model.TradeInstructionModel, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.trades) - 1; i >= 0; i-- {
		if m.trades[i].StrategyID == strategyID {
			cp := m.trades[i]
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) UpdateTradeInstructionStatus(_ context.Context, tradeID string, status model.StrategyStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.trades {
		if m.trades[i].TradeID == tradeID {
			m.trades[i].Status = status
			m.trades[i].UpdatedAtUnix = time.Now().UnixMilli()
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetRuntimeState(_ context.Context, strategyID int64, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.runtime[strategyID][key]
	return val, ok, nil
}

func (m *memStore) SetRuntimeState(_ context.Context, strategyID int64, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.runtime[strategyID]
	if !ok {
		byKey = make(map[string][]byte)
		m.runtime[strategyID] = byKey
	}
	byKey[key] = value
	return nil
}
