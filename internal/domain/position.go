package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the authoritative exchange view of an open position.
type Position struct {
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
}

const (
	OrderTypeLimit  = "Limit"
	OrderTypeMarket = "Market"
)

// Order is the authoritative exchange view of an open or historical order.
type Order struct {
	OrderID      string
	Symbol       string
	Side         Side
	OrderType    string
	Qty          decimal.Decimal
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	ReduceOnly   bool
	Status       string
	CreatedAt    time.Time
}

// IsStop reports whether the order is a trigger-based stop.
func (o *Order) IsStop() bool {
	return !o.TriggerPrice.IsZero()
}

// IsTakeProfit reports whether the order looks like a reduce-only
// take-profit limit order.
func (o *Order) IsTakeProfit() bool {
	return o.ReduceOnly && !o.IsStop() && o.OrderType == OrderTypeLimit
}

// IsEntry reports whether the order is a resting (non-reduce-only) limit
// entry that will grow the position when it fills.
func (o *Order) IsEntry() bool {
	return !o.ReduceOnly && o.OrderType == OrderTypeLimit
}

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Symbol       string
	Side         Side
	OrderType    string
	Qty          decimal.Decimal
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	ReduceOnly   bool
}

// PositionHistory is a closed position written to the audit database.
type PositionHistory struct {
	ID         int64
	Symbol     string
	Side       Side
	Account    Account
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	TPsHit     int
	ClosedAt   time.Time
}

const (
	ChangeAmendQty     = "amend_qty"
	ChangeAmendTrigger = "amend_trigger"
	ChangePlace        = "place"
	ChangeCancel       = "cancel"
)

// ProtectionChange is one audit row: any mutation that removes or resizes
// protection, with before/after quantities and prices.
type ProtectionChange struct {
	ID          int64
	MonitorKey  string
	Symbol      string
	Account     Account
	ChangeType  string
	OrderID     string
	BeforeQty   decimal.Decimal
	AfterQty    decimal.Decimal
	BeforePrice decimal.Decimal
	AfterPrice  decimal.Decimal
	Reason      string
	CreatedAt   time.Time
}
