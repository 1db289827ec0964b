package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventTPHit          EventType = "TP_HIT"
	EventSLHit          EventType = "SL_HIT"
	EventBreakevenMoved EventType = "BREAKEVEN_MOVED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventMonitorError   EventType = "MONITOR_ERROR"
	EventMonitorCreated EventType = "MONITOR_CREATED"
	EventMonitorRemoved EventType = "MONITOR_REMOVED"
)

// Event is one entry on the notification stream. Delivery is best-effort
// and at-most-once; nothing in order protection depends on it.
type Event struct {
	Type       EventType
	MonitorKey string
	Symbol     string
	Side       Side
	Account    Account
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Message    string
	At         time.Time
}
