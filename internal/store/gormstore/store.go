package gormstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"condor/internal/store"
	"condor/internal/store/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore implements store.Store on gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var (
	_ store.StrategyRepository     = (*GormStore)(nil)
	_ store.LockRepository         = (*GormStore)(nil)
	_ store.ProjectionRepository   = (*GormStore)(nil)
	_ store.TradeRepository        = (*GormStore)(nil)
	_ store.RuntimeStateRepository = (*GormStore)(nil)
)

// NewGormStore opens (and migrates) the sqlite database at path.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&model.StrategyModel{},
		&model.ConditionStateModel{},
		&model.TradeInstructionModel{},
		&model.RuntimeStateModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: workers and HTTP readers share a small pool to keep lock
	// contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --------------------------- Strategies ---------------------------

func (s *GormStore) CreateStrategy(ctx context.Context, st *model.StrategyModel) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if st == nil {
		return fmt.Errorf("nil strategy")
	}
	now := time.Now().UnixMilli()
	if st.CreatedAtUnix == 0 {
		st.CreatedAtUnix = now
	}
	st.UpdatedAtUnix = now
	if st.Version <= 0 {
		st.Version = 1
	}
	if st.Status == "" {
		st.Status = model.StatusPendingActivation
	}
	return s.db.WithContext(ctx).Create(st).Error
}

func (s *GormStore) GetStrategy(ctx context.Context, id int64) (*model.StrategyModel, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var st model.StrategyModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND deleted = 0", id).
		First(&st).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (s *GormStore) ListStrategies(ctx context.Context, limit, offset int) ([]model.StrategyModel, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var out []model.StrategyModel
	err := s.db.WithContext(ctx).
		Where("deleted = 0").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	return out, err
}

func (s *GormStore) ListByStatuses(ctx context.Context, statuses []model.StrategyStatus) ([]model.StrategyModel, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	var out []model.StrategyModel
	err := s.db.WithContext(ctx).
		Where("deleted = 0 AND status IN ?", statuses).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) SoftDeleteStrategy(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&model.StrategyModel{}).
		Where("id = ? AND deleted = 0", id).
		Updates(map[string]any{
			"deleted":    1,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) UpdateStrategyGuarded(ctx context.Context, id int64, expect model.StrategyStatus, updates map[string]any) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store not initialized")
	}
	payload := clonePayload(updates)
	payload["version"] = gorm.Expr("version + 1")
	payload["updated_at"] = time.Now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&model.StrategyModel{}).
		Where("id = ? AND status = ? AND deleted = 0", id, expect).
		Updates(payload)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) UpdateStrategyCAS(ctx context.Context, id int64, expect model.StrategyStatus, version int64, updates map[string]any) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store not initialized")
	}
	payload := clonePayload(updates)
	payload["version"] = gorm.Expr("version + 1")
	payload["updated_at"] = time.Now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&model.StrategyModel{}).
		Where("id = ? AND status = ? AND version = ? AND deleted = 0", id, expect, version).
		Updates(payload)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// --------------------------- Soft lock ---------------------------

func (s *GormStore) AcquireLock(ctx context.Context, id int64, status model.StrategyStatus, version int64, token string, until time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store not initialized")
	}
	now := time.Now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&model.StrategyModel{}).
		Where("id = ? AND status = ? AND version = ? AND deleted = 0 AND (lock_until IS NULL OR lock_until <= ?)",
			id, status, version, now).
		Updates(map[string]any{
			"lock_until": until.UnixMilli(),
			"lock_token": token,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) GetLockedStrategy(ctx context.Context, id int64, token string) (*model.StrategyModel, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var st model.StrategyModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND lock_token = ? AND deleted = 0", id, token).
		First(&st).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (s *GormStore) ReleaseLock(ctx context.Context, id int64, token string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	// Only the owner clears its lock; the TTL is the backstop for crashes.
	return s.db.WithContext(ctx).Model(&model.StrategyModel{}).
		Where("id = ? AND lock_token = ?", id, token).
		Updates(map[string]any{
			"lock_until": nil,
			"lock_token": "",
		}).Error
}

func (s *GormStore) ClearAllLocks(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&model.StrategyModel{}).
		Where("lock_until IS NOT NULL").
		Updates(map[string]any{
			"lock_until": nil,
			"lock_token": "",
		})
	return res.RowsAffected, res.Error
}

// --------------------------- Runtime state ---------------------------

func (s *GormStore) GetRuntimeState(ctx context.Context, strategyID int64, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("gorm store not initialized")
	}
	var row model.RuntimeStateModel
	err := s.db.WithContext(ctx).
		Where("strategy_id = ? AND state_key = ?", strategyID, key).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(row.Value), true, nil
}

func (s *GormStore) SetRuntimeState(ctx context.Context, strategyID int64, key string, value []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	row := model.RuntimeStateModel{
		StrategyID:    strategyID,
		Key:           key,
		Value:         value,
		UpdatedAtUnix: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "strategy_id"}, {Name: "state_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
}

// --------------------------- Helpers ---------------------------

func clonePayload(updates map[string]any) map[string]any {
	out := make(map[string]any, len(updates)+2)
	for k, v := range updates {
		out[k] = v
	}
	return out
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
