package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/vadro/position_guard/internal/domain"
)

// AuditStore records every protection change (with before/after size and
// price) and closed positions in sqlite, so corrective actions stay
// reviewable after the fact.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &AuditStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *AuditStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS protection_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			monitor_key TEXT NOT NULL,
			symbol TEXT NOT NULL,
			account TEXT NOT NULL,
			change_type TEXT NOT NULL,
			order_id TEXT,
			before_qty TEXT NOT NULL,
			after_qty TEXT NOT NULL,
			before_price TEXT NOT NULL,
			after_price TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_monitor ON protection_changes(monitor_key);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			account TEXT NOT NULL,
			size TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			tps_hit INTEGER NOT NULL DEFAULT 0,
			closed_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *AuditStore) Close() error { return s.db.Close() }

func (s *AuditStore) RecordChange(ctx context.Context, c *domain.ProtectionChange) error {
	query := `INSERT INTO protection_changes (monitor_key, symbol, account, change_type, order_id, before_qty, after_qty, before_price, after_price, reason, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		c.MonitorKey, c.Symbol, c.Account, c.ChangeType, c.OrderID,
		c.BeforeQty.String(), c.AfterQty.String(),
		c.BeforePrice.String(), c.AfterPrice.String(),
		c.Reason, c.CreatedAt)
	return err
}

func (s *AuditStore) ListChanges(ctx context.Context, limit int) ([]*domain.ProtectionChange, error) {
	query := `SELECT id, monitor_key, symbol, account, change_type, order_id, before_qty, after_qty, before_price, after_price, reason, created_at
			  FROM protection_changes ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*domain.ProtectionChange
	for rows.Next() {
		var c domain.ProtectionChange
		var beforeQty, afterQty, beforePrice, afterPrice string
		if err := rows.Scan(&c.ID, &c.MonitorKey, &c.Symbol, &c.Account, &c.ChangeType, &c.OrderID,
			&beforeQty, &afterQty, &beforePrice, &afterPrice, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.BeforeQty, _ = decimal.NewFromString(beforeQty)
		c.AfterQty, _ = decimal.NewFromString(afterQty)
		c.BeforePrice, _ = decimal.NewFromString(beforePrice)
		c.AfterPrice, _ = decimal.NewFromString(afterPrice)
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}

func (s *AuditStore) SavePositionHistory(ctx context.Context, h *domain.PositionHistory) error {
	query := `INSERT INTO position_history (symbol, side, account, size, entry_price, exit_price, tps_hit, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		h.Symbol, h.Side, h.Account,
		h.Size.String(), h.EntryPrice.String(), h.ExitPrice.String(),
		h.TPsHit, h.ClosedAt)
	return err
}

func (s *AuditStore) ListPositionHistory(ctx context.Context, limit int) ([]*domain.PositionHistory, error) {
	query := `SELECT id, symbol, side, account, size, entry_price, exit_price, tps_hit, closed_at
			  FROM position_history ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*domain.PositionHistory
	for rows.Next() {
		var h domain.PositionHistory
		var size, entry, exit string
		if err := rows.Scan(&h.ID, &h.Symbol, &h.Side, &h.Account, &size, &entry, &exit, &h.TPsHit, &h.ClosedAt); err != nil {
			return nil, err
		}
		h.Size, _ = decimal.NewFromString(size)
		h.EntryPrice, _ = decimal.NewFromString(entry)
		h.ExitPrice, _ = decimal.NewFromString(exit)
		history = append(history, &h)
	}
	return history, rows.Err()
}
