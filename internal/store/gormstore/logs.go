package gormstore

import (
	"context"
	"fmt"
	"time"

	"condor/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --------------------------- Condition states ---------------------------

func (s *GormStore) UpsertConditionStates(ctx context.Context, states []model.ConditionStateModel) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if len(states) == 0 {
		return nil
	}
	rows := make([]model.ConditionStateModel, 0, len(states))
	for _, st := range states {
		if st.StrategyID <= 0 || st.ConditionID == "" {
			return fmt.Errorf("condition state requires strategy_id and condition_id")
		}
		if st.LastEvaluatedAt == 0 {
			st.LastEvaluatedAt = time.Now().UnixMilli()
		}
		rows = append(rows, st)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "strategy_id"}, {Name: "condition_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "observed_value", "last_evaluated_at"}),
		}).
		Create(&rows).Error
}

func (s *GormStore) ListConditionStates(ctx context.Context, strategyID int64) ([]model.ConditionStateModel, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var out []model.ConditionStateModel
	err := s.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("condition_id ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteConditionStates(ctx context.Context, strategyID int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	return s.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Delete(&model.ConditionStateModel{}).Error
}

// --------------------------- Trade instructions ---------------------------

func (s *GormStore) CreateTradeInstruction(ctx context.Context, ti *model.TradeInstructionModel) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if ti == nil || ti.StrategyID <= 0 || ti.TradeID == "" {
		return fmt.Errorf("trade instruction requires trade_id and strategy_id")
	}
	now := time.Now().UnixMilli()
	if ti.CreatedAtUnix == 0 {
		ti.CreatedAtUnix = now
	}
	ti.UpdatedAtUnix = now
	return s.db.WithContext(ctx).Create(ti).Error
}

func (s *GormStore) LatestTradeInstruction(ctx context.Context, strategyID int64) (*model.TradeInstructionModel, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("gorm store not initialized")
	}
	var ti model.TradeInstructionModel
	err := s.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("updated_at DESC, id DESC").
		First(&ti).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &ti, true, nil
}

func (s *GormStore) UpdateTradeInstructionStatus(ctx context.Context, tradeID string, status model.StrategyStatus) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&model.TradeInstructionModel{}).
		Where("trade_id = ?", tradeID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
