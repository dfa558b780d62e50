package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"condor/internal/store"
	"condor/internal/store/model"

	"gorm.io/datatypes"

	_ "modernc.org/sqlite"
)

// AuditStore keeps the append-only run and event history on its own SQLite
// file, away from the strategy rows the workers contend on.
type AuditStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ store.AuditRepository = (*AuditStore)(nil)

// NewAuditStore opens (and migrates) the audit database at path.
func NewAuditStore(path string) (*AuditStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit log path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureAuditSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &AuditStore{db: db, path: path}, nil
}

// Close closes the underlying DB.
func (s *AuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureAuditSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS strategy_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			condition_met INTEGER,
			reason TEXT,
			metrics TEXT,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE TABLE IF NOT EXISTS strategy_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_uuid TEXT,
			strategy_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			detail TEXT,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_runs_strategy ON strategy_runs(strategy_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_strategy ON strategy_events(strategy_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *AuditStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit store not initialized")
	}
	return db, nil
}

// AppendRun writes one evaluation pass snapshot.
func (s *AuditStore) AppendRun(ctx context.Context, run *model.StrategyRunModel) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if run == nil || run.StrategyID <= 0 {
		return fmt.Errorf("strategy run requires strategy_id")
	}
	if run.CreatedAtUnix == 0 {
		run.CreatedAtUnix = time.Now().UnixMilli()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO strategy_runs (strategy_id, outcome, condition_met, reason, metrics, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.StrategyID, run.Outcome, run.ConditionMet, run.Reason, string(run.Metrics), run.CreatedAtUnix)
	if err != nil {
		return err
	}
	run.ID, _ = res.LastInsertId()
	return nil
}

// ListRuns returns the newest runs for the strategy.
func (s *AuditStore) ListRuns(ctx context.Context, strategyID int64, limit int) ([]model.StrategyRunModel, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, strategy_id, outcome, condition_met, reason, metrics, created_at
		FROM strategy_runs WHERE strategy_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StrategyRunModel
	for rows.Next() {
		var (
			run     model.StrategyRunModel
			reason  sql.NullString
			metrics sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.StrategyID, &run.Outcome, &run.ConditionMet, &reason, &metrics, &run.CreatedAtUnix); err != nil {
			return nil, err
		}
		run.Reason = reason.String
		if metrics.Valid && metrics.String != "" {
			run.Metrics = datatypes.JSON(metrics.String)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AppendEvent writes one strategy event.
func (s *AuditStore) AppendEvent(ctx context.Context, evt *model.EventModel) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if evt == nil || evt.StrategyID <= 0 {
		return fmt.Errorf("event requires strategy_id")
	}
	if evt.CreatedAtUnix == 0 {
		evt.CreatedAtUnix = time.Now().UnixMilli()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO strategy_events (event_uuid, strategy_id, event_type, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		evt.EventID, evt.StrategyID, evt.Type, string(evt.Detail), evt.CreatedAtUnix)
	if err != nil {
		return err
	}
	evt.ID, _ = res.LastInsertId()
	return nil
}

// ListEvents returns the newest events for the strategy.
func (s *AuditStore) ListEvents(ctx context.Context, strategyID int64, limit int) ([]model.EventModel, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, event_uuid, strategy_id, event_type, detail, created_at
		FROM strategy_events WHERE strategy_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventModel
	for rows.Next() {
		var (
			evt    model.EventModel
			uuid   sql.NullString
			detail sql.NullString
		)
		if err := rows.Scan(&evt.ID, &uuid, &evt.StrategyID, &evt.Type, &detail, &evt.CreatedAtUnix); err != nil {
			return nil, err
		}
		evt.EventID = uuid.String
		if detail.Valid && detail.String != "" {
			evt.Detail = datatypes.JSON(detail.String)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
