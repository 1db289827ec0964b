package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing side for a position side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type Account string

const (
	AccountPrimary Account = "primary"
	AccountMirror  Account = "mirror"
)

// Phase is the lifecycle stage of a monitored position.
type Phase string

const (
	PhaseBuilding     Phase = "BUILDING"
	PhaseProfitTaking Phase = "PROFIT_TAKING"
	PhaseClosed       Phase = "CLOSED"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseBuilding:     {PhaseProfitTaking, PhaseClosed},
	PhaseProfitTaking: {PhaseClosed},
	PhaseClosed:       {},
}

// CanTransition reports whether a phase change is allowed.
func CanTransition(from, to Phase) bool {
	for _, p := range phaseTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// TPLevel is one take-profit order attached to a position.
type TPLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Sequence int             `json:"sequence"`
	OrderID  string          `json:"order_id,omitempty"`
	Hit      bool            `json:"hit"`
}

// StopLoss is the single protective stop order attached to a position.
type StopLoss struct {
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	OrderID     string          `json:"order_id,omitempty"`
	AtBreakeven bool            `json:"at_breakeven"`
}

// Monitor is the persisted state of one tracked position on one account.
// It is a cache of exchange truth and reconciles toward it.
type Monitor struct {
	Version int     `json:"version"`
	Symbol  string  `json:"symbol"`
	Side    Side    `json:"side"`
	Account Account `json:"account"`

	PositionSize  decimal.Decimal `json:"position_size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`

	TakeProfits []TPLevel `json:"take_profits"`
	Stop        *StopLoss `json:"stop,omitempty"`

	Phase           Phase           `json:"phase"`
	PendingEntry    bool            `json:"pending_entry"`
	PendingEntryQty decimal.Decimal `json:"pending_entry_qty"`

	// Sizing rules captured at creation; later config changes do not
	// retroactively apply to an already-tracked position.
	TPSplit         []decimal.Decimal `json:"tp_split"`
	BreakevenBuffer decimal.Decimal   `json:"breakeven_buffer"`
	FirstTPToBE     bool              `json:"first_tp_to_be"`
	QtyStep         decimal.Decimal   `json:"qty_step"`
	MinQty          decimal.Decimal   `json:"min_qty"`

	CreatedAt      time.Time `json:"created_at"`
	LastChecked    time.Time `json:"last_checked"`
	Active         bool      `json:"active"`
	NeedsRebalance bool      `json:"needs_rebalance"`
	DisplayKey     string    `json:"display_key,omitempty"`
}

const MonitorVersion = 1

// MonitorKey builds the store key for a (symbol, side, account) triple.
func MonitorKey(symbol string, side Side, account Account) string {
	return fmt.Sprintf("%s|%s|%s", symbol, side, account)
}

// MonitorParams are the construction inputs for a new Monitor.
type MonitorParams struct {
	Symbol          string
	Side            Side
	Account         Account
	Size            decimal.Decimal
	EntryPrice      decimal.Decimal
	TPSplit         []decimal.Decimal
	BreakevenBuffer decimal.Decimal
	FirstTPToBE     bool
	QtyStep         decimal.Decimal
	MinQty          decimal.Decimal
}

// NewMonitor validates params and returns a BUILDING monitor.
func NewMonitor(p MonitorParams) (*Monitor, error) {
	if p.Symbol == "" {
		return nil, fmt.Errorf("monitor: symbol is required")
	}
	if p.Side != SideLong && p.Side != SideShort {
		return nil, fmt.Errorf("monitor: invalid side %q", p.Side)
	}
	if p.Account != AccountPrimary && p.Account != AccountMirror {
		return nil, fmt.Errorf("monitor: invalid account %q", p.Account)
	}
	if !p.Size.IsPositive() {
		return nil, fmt.Errorf("monitor: size must be positive, got %s", p.Size)
	}
	if len(p.TPSplit) == 0 {
		return nil, fmt.Errorf("monitor: tp split is required")
	}
	sum := decimal.Zero
	for i, pct := range p.TPSplit {
		if !pct.IsPositive() {
			return nil, fmt.Errorf("monitor: tp split level %d must be positive", i)
		}
		sum = sum.Add(pct)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("monitor: tp split must sum to 1, got %s", sum)
	}
	if !p.QtyStep.IsPositive() {
		return nil, fmt.Errorf("monitor: qty step must be positive")
	}
	if p.MinQty.IsNegative() {
		return nil, fmt.Errorf("monitor: min qty must not be negative")
	}

	now := time.Now().UTC()
	return &Monitor{
		Version:         MonitorVersion,
		Symbol:          p.Symbol,
		Side:            p.Side,
		Account:         p.Account,
		PositionSize:    p.Size,
		RemainingSize:   p.Size,
		FilledSize:      p.Size,
		EntryPrice:      p.EntryPrice,
		Phase:           PhaseBuilding,
		TPSplit:         append([]decimal.Decimal(nil), p.TPSplit...),
		BreakevenBuffer: p.BreakevenBuffer,
		FirstTPToBE:     p.FirstTPToBE,
		QtyStep:         p.QtyStep,
		MinQty:          p.MinQty,
		CreatedAt:       now,
		LastChecked:     now,
		Active:          true,
		DisplayKey:      fmt.Sprintf("%s %s (%s)", p.Symbol, p.Side, p.Account),
	}, nil
}

// Key returns the store key for this monitor.
func (m *Monitor) Key() string {
	return MonitorKey(m.Symbol, m.Side, m.Account)
}

// Clone returns a deep copy. Monitors cross goroutine boundaries only as
// copies; the store cache is never handed out by reference.
func (m *Monitor) Clone() *Monitor {
	if m == nil {
		return nil
	}
	c := *m
	c.TakeProfits = append([]TPLevel(nil), m.TakeProfits...)
	c.TPSplit = append([]decimal.Decimal(nil), m.TPSplit...)
	if m.Stop != nil {
		stop := *m.Stop
		c.Stop = &stop
	}
	return &c
}

// Transition applies a phase change, rejecting invalid ones.
func (m *Monitor) Transition(to Phase) error {
	if !CanTransition(m.Phase, to) {
		return fmt.Errorf("monitor %s: invalid phase transition %s -> %s", m.Key(), m.Phase, to)
	}
	m.Phase = to
	return nil
}

// UnhitLevels returns the take-profit levels that have not filled yet,
// in sequence order.
func (m *Monitor) UnhitLevels() []*TPLevel {
	var out []*TPLevel
	for i := range m.TakeProfits {
		if !m.TakeProfits[i].Hit {
			out = append(out, &m.TakeProfits[i])
		}
	}
	return out
}

// MatchTPByQuantity finds the un-hit level whose quantity equals delta
// within one quantity step. Returns nil when no level matches.
func (m *Monitor) MatchTPByQuantity(delta decimal.Decimal) *TPLevel {
	for _, lvl := range m.UnhitLevels() {
		if lvl.Quantity.Sub(delta).Abs().LessThanOrEqual(m.QtyStep) {
			return lvl
		}
	}
	return nil
}

// HitCount returns how many take-profit levels have filled.
func (m *Monitor) HitCount() int {
	n := 0
	for i := range m.TakeProfits {
		if m.TakeProfits[i].Hit {
			n++
		}
	}
	return n
}

// BreakevenPrice is the entry price padded by the fee buffer in the
// favorable direction, so a triggered stop still exits flat after fees.
func (m *Monitor) BreakevenPrice() decimal.Decimal {
	buffer := m.EntryPrice.Mul(m.BreakevenBuffer)
	if m.Side == SideLong {
		return m.EntryPrice.Add(buffer)
	}
	return m.EntryPrice.Sub(buffer)
}
