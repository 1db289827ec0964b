package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadro/position_guard/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type MockGateway struct {
	mu      sync.Mutex
	account domain.Account

	positions map[string]*domain.Position
	orders    map[string]*domain.Order
	nextID    int

	PlaceCalls  int
	AmendCalls  int
	CancelCalls int

	RejectAmend bool
	FailWith    error
	OnPlace     func(id string) // runs after each successful place
}

func NewMockGateway(account domain.Account) *MockGateway {
	return &MockGateway{
		account:   account,
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.Order),
	}
}

func posKey(symbol string, side domain.Side) string {
	return symbol + "|" + string(side)
}

func (m *MockGateway) SetPosition(symbol string, side domain.Side, size, entryPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[posKey(symbol, side)] = &domain.Position{
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		EntryPrice: entryPrice,
	}
}

// FillOrder simulates a reduce-only fill: the order disappears and the
// position shrinks by its quantity.
func (m *MockGateway) FillOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return
	}
	delete(m.orders, orderID)
	if !o.ReduceOnly {
		return
	}
	key := posKey(o.Symbol, o.Side.Opposite())
	if p, ok := m.positions[key]; ok {
		p.Size = p.Size.Sub(o.Qty)
		if !p.Size.IsPositive() {
			p.Size = decimal.Zero
		}
	}
}

func (m *MockGateway) Order(orderID string) *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[orderID]
}

func (m *MockGateway) Account() domain.Account { return m.account }

func (m *MockGateway) GetPositions(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []*domain.Position
	for _, p := range m.positions {
		if p.Size.IsPositive() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockGateway) GetPosition(ctx context.Context, symbol string, side domain.Side) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	if p, ok := m.positions[posKey(symbol, side)]; ok {
		cp := *p
		return &cp, nil
	}
	return &domain.Position{Symbol: symbol, Side: side}, nil
}

func (m *MockGateway) GetOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []*domain.Order
	for _, o := range m.orders {
		if o.Symbol == symbol {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockGateway) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}
	m.PlaceCalls++
	m.nextID++
	id := fmt.Sprintf("ord-%d", m.nextID)
	m.orders[id] = &domain.Order{
		OrderID:      id,
		Symbol:       req.Symbol,
		Side:         req.Side,
		OrderType:    req.OrderType,
		Qty:          req.Qty,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		ReduceOnly:   req.ReduceOnly,
		Status:       "New",
		CreatedAt:    time.Now().UTC(),
	}
	if m.OnPlace != nil {
		m.OnPlace(id)
	}
	return id, nil
}

func (m *MockGateway) AmendOrder(ctx context.Context, symbol, orderID string, qty, triggerPrice *decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if m.RejectAmend {
		return &domain.RejectionError{Code: 110001, Reason: "order amend rejected"}
	}
	o, ok := m.orders[orderID]
	if !ok {
		return &domain.RejectionError{Code: 110001, Reason: "order not exists"}
	}
	m.AmendCalls++
	if qty != nil {
		o.Qty = *qty
	}
	if triggerPrice != nil {
		o.TriggerPrice = *triggerPrice
	}
	return nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if _, ok := m.orders[orderID]; !ok {
		return &domain.RejectionError{Code: 110001, Reason: "order not exists"}
	}
	m.CancelCalls++
	delete(m.orders, orderID)
	return nil
}

type MockStore struct {
	mu       sync.Mutex
	monitors map[string]*domain.Monitor
	staged   map[string]map[string]*domain.Monitor
}

func NewMockStore() *MockStore {
	return &MockStore{
		monitors: make(map[string]*domain.Monitor),
		staged:   make(map[string]map[string]*domain.Monitor),
	}
}

func (s *MockStore) Begin() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("txn-%d", len(s.staged)+1)
	s.staged[id] = nil
	return id, nil
}

func (s *MockStore) Read() (map[string]*domain.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*domain.Monitor, len(s.monitors))
	for k, m := range s.monitors {
		out[k] = m.Clone()
	}
	return out, nil
}

func (s *MockStore) Write(monitors map[string]*domain.Monitor, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.staged[txnID]; !ok {
		return domain.ErrTxnNotFound
	}
	staged := make(map[string]*domain.Monitor, len(monitors))
	for k, m := range monitors {
		staged[k] = m.Clone()
	}
	s.staged[txnID] = staged
	return nil
}

func (s *MockStore) Commit(txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged, ok := s.staged[txnID]
	if !ok {
		return domain.ErrTxnNotFound
	}
	delete(s.staged, txnID)
	if staged != nil {
		s.monitors = staged
	}
	return nil
}

func (s *MockStore) Rollback(txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.staged[txnID]; !ok {
		return domain.ErrTxnNotFound
	}
	delete(s.staged, txnID)
	return nil
}

func (s *MockStore) Get(key string) (*domain.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[key]
	if !ok {
		return nil, domain.ErrMonitorNotFound
	}
	return m.Clone(), nil
}

func (s *MockStore) Add(m *domain.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[m.Key()]; ok {
		return domain.ErrMonitorExists
	}
	s.monitors[m.Key()] = m.Clone()
	return nil
}

func (s *MockStore) Update(m *domain.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[m.Key()]; !ok {
		return domain.ErrMonitorNotFound
	}
	s.monitors[m.Key()] = m.Clone()
	return nil
}

func (s *MockStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[key]; !ok {
		return domain.ErrMonitorNotFound
	}
	delete(s.monitors, key)
	return nil
}

func (s *MockStore) VerifyIntegrity() error { return nil }
func (s *MockStore) Close() error           { return nil }

type MockAudit struct {
	mu      sync.Mutex
	Changes []*domain.ProtectionChange
	History []*domain.PositionHistory
}

func (a *MockAudit) RecordChange(ctx context.Context, c *domain.ProtectionChange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Changes = append(a.Changes, c)
	return nil
}

func (a *MockAudit) ListChanges(ctx context.Context, limit int) ([]*domain.ProtectionChange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Changes, nil
}

func (a *MockAudit) SavePositionHistory(ctx context.Context, h *domain.PositionHistory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.History = append(a.History, h)
	return nil
}

func (a *MockAudit) ListPositionHistory(ctx context.Context, limit int) ([]*domain.PositionHistory, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.History, nil
}
