package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadro/position_guard/internal/domain"
)

func TestAuditStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewAuditStore(dbPath)
	if err != nil {
		t.Fatalf("NewAuditStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	change := &domain.ProtectionChange{
		MonitorKey:  "BTCUSDT|LONG|primary",
		Symbol:      "BTCUSDT",
		Account:     domain.AccountPrimary,
		ChangeType:  domain.ChangeAmendQty,
		OrderID:     "ord-1",
		BeforeQty:   decimal.NewFromInt(100),
		AfterQty:    decimal.NewFromInt(15),
		BeforePrice: decimal.NewFromInt(95),
		AfterPrice:  decimal.NewFromInt(95),
		Reason:      "resize to remaining",
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.RecordChange(ctx, change); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	changes, err := store.ListChanges(ctx, 10)
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("changes: got %d, want 1", len(changes))
	}
	got := changes[0]
	if got.ChangeType != domain.ChangeAmendQty {
		t.Errorf("change type: got %s", got.ChangeType)
	}
	if !got.BeforeQty.Equal(decimal.NewFromInt(100)) || !got.AfterQty.Equal(decimal.NewFromInt(15)) {
		t.Errorf("quantities: got %s -> %s, want 100 -> 15", got.BeforeQty, got.AfterQty)
	}

	hist := &domain.PositionHistory{
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Account:    domain.AccountPrimary,
		Size:       decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(100),
		ExitPrice:  decimal.RequireFromString("100.06"),
		TPsHit:     1,
		ClosedAt:   time.Now().UTC(),
	}
	if err := store.SavePositionHistory(ctx, hist); err != nil {
		t.Fatalf("SavePositionHistory: %v", err)
	}
	rows, err := store.ListPositionHistory(ctx, 10)
	if err != nil {
		t.Fatalf("ListPositionHistory: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("history rows: got %d, want 1", len(rows))
	}
	if rows[0].TPsHit != 1 || !rows[0].ExitPrice.Equal(decimal.RequireFromString("100.06")) {
		t.Errorf("history row mismatch: %+v", rows[0])
	}
}
