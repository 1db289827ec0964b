package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is one trading account's view of the exchange. Transient
// failures are retried with backoff inside the implementation; rejections
// surface as *RejectionError.
type Gateway interface {
	Account() Account
	GetPositions(ctx context.Context) ([]*Position, error)
	GetPosition(ctx context.Context, symbol string, side Side) (*Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	PlaceOrder(ctx context.Context, req *OrderRequest) (string, error)
	AmendOrder(ctx context.Context, symbol, orderID string, qty, triggerPrice *decimal.Decimal) error
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// MonitorStore is the durable system of record for monitors. It is the
// only state shared across monitor goroutines.
type MonitorStore interface {
	// Begin snapshots the store and returns a transaction id. Writes
	// staged under the id land atomically on Commit; Rollback discards
	// them and leaves the store identical to its pre-Begin state.
	Begin() (string, error)
	Read() (map[string]*Monitor, error)
	Write(monitors map[string]*Monitor, txnID string) error
	Commit(txnID string) error
	Rollback(txnID string) error

	Get(key string) (*Monitor, error)
	Add(m *Monitor) error
	Update(m *Monitor) error
	Remove(key string) error

	VerifyIntegrity() error
	Close() error
}

// AuditLog records protection changes and closed positions.
type AuditLog interface {
	RecordChange(ctx context.Context, change *ProtectionChange) error
	ListChanges(ctx context.Context, limit int) ([]*ProtectionChange, error)
	SavePositionHistory(ctx context.Context, h *PositionHistory) error
	ListPositionHistory(ctx context.Context, limit int) ([]*PositionHistory, error)
}
