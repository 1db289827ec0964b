package usecase

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
)

// SyncReason tags why the primary asked the mirror to catch up.
type SyncReason string

const (
	SyncTPHit     SyncReason = "tp_hit"
	SyncBreakeven SyncReason = "breakeven"
	SyncEntryFill SyncReason = "entry_fill"
	SyncResize    SyncReason = "resize"
	SyncClosed    SyncReason = "closed"
	SyncPeriodic  SyncReason = "periodic"
)

// MirrorSignal carries a primary-side change to the mirror account.
// Prices are the primary's; quantities are never copied, the mirror is
// sized from its own position.
type MirrorSignal struct {
	Symbol    string
	Side      domain.Side
	Reason    SyncReason
	SLTrigger decimal.Decimal
	TPPrices  []decimal.Decimal
}

// MirrorSynchronizer follows primary-side events and brings the mirror
// account's protection in line. Signals flow one way; mirror failures
// are logged and never reach the primary's monitors.
type MirrorSynchronizer struct {
	gateway    domain.Gateway
	store      domain.MonitorStore
	rebalancer *Rebalancer
	defaults   MonitorDefaults
	signals    <-chan MirrorSignal
	log        *zap.Logger
}

// MonitorDefaults seeds newly created monitors.
type MonitorDefaults struct {
	TPSplit         []decimal.Decimal
	BreakevenBuffer decimal.Decimal
	FirstTPToBE     bool
	QtyStep         decimal.Decimal
	MinQty          decimal.Decimal
}

func NewMirrorSynchronizer(gateway domain.Gateway, store domain.MonitorStore, rebalancer *Rebalancer, defaults MonitorDefaults, signals <-chan MirrorSignal, log *zap.Logger) *MirrorSynchronizer {
	return &MirrorSynchronizer{
		gateway:    gateway,
		store:      store,
		rebalancer: rebalancer,
		defaults:   defaults,
		signals:    signals,
		log:        log.With(zap.String("account", string(domain.AccountMirror))),
	}
}

// Run consumes signals until ctx is cancelled.
func (ms *MirrorSynchronizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ms.signals:
			if err := ms.syncOne(ctx, sig); err != nil {
				ms.log.Error("mirror sync failed",
					zap.String("symbol", sig.Symbol),
					zap.String("reason", string(sig.Reason)),
					zap.Error(err))
			}
		}
	}
}

// syncOne reconciles one mirror position against a primary-side change.
// Every step reads the mirror account fresh; primary state is only an
// intent, never a quantity source.
func (ms *MirrorSynchronizer) syncOne(ctx context.Context, sig MirrorSignal) error {
	pos, err := ms.gateway.GetPosition(ctx, sig.Symbol, sig.Side)
	if err != nil {
		return err
	}
	orders, err := ms.gateway.GetOpenOrders(ctx, sig.Symbol)
	if err != nil {
		return err
	}

	key := domain.MonitorKey(sig.Symbol, sig.Side, domain.AccountMirror)

	if pos.Size.IsZero() {
		return ms.retire(ctx, key, sig, orders)
	}

	m, err := ms.store.Get(key)
	if err != nil {
		if !errors.Is(err, domain.ErrMonitorNotFound) {
			return err
		}
		m, err = ms.createMonitor(pos, sig)
		if err != nil {
			return err
		}
		if err := ms.store.Add(m); err != nil {
			return err
		}
		ms.log.Info("mirror monitor created",
			zap.String("symbol", sig.Symbol),
			zap.String("size", pos.Size.String()))
	}

	ms.pruneDuplicates(ctx, m, orders)

	m.RemainingSize = pos.Size
	if !pos.EntryPrice.IsZero() {
		m.EntryPrice = pos.EntryPrice
	}
	ms.adoptPrimaryPrices(m, sig)

	if sig.Reason == SyncBreakeven && m.Stop != nil && !m.Stop.AtBreakeven {
		// The mirror's breakeven comes from its own entry, not the
		// primary's trigger.
		if err := ms.rebalancer.MoveStopToBreakeven(ctx, m, orders); err != nil {
			return err
		}
	}

	if _, err := ms.rebalancer.Apply(ctx, m, orders); err != nil {
		return err
	}
	m.LastChecked = time.Now().UTC()
	return ms.store.Update(m)
}

// retire cleans up the mirror side of a closed position.
func (ms *MirrorSynchronizer) retire(ctx context.Context, key string, sig MirrorSignal, orders []*domain.Order) error {
	m, err := ms.store.Get(key)
	if err != nil {
		if errors.Is(err, domain.ErrMonitorNotFound) {
			return nil
		}
		return err
	}
	if err := ms.rebalancer.CancelAll(ctx, m, orders); err != nil {
		ms.log.Warn("mirror cleanup cancel failed", zap.Error(err))
	}
	if err := ms.store.Remove(key); err != nil && !errors.Is(err, domain.ErrMonitorNotFound) {
		return err
	}
	ms.log.Info("mirror monitor retired", zap.String("symbol", sig.Symbol))
	return nil
}

// createMonitor builds a mirror monitor from the mirror's own position
// and the primary's price ladder.
func (ms *MirrorSynchronizer) createMonitor(pos *domain.Position, sig MirrorSignal) (*domain.Monitor, error) {
	params := domain.MonitorParams{
		Symbol:          sig.Symbol,
		Side:            sig.Side,
		Account:         domain.AccountMirror,
		Size:            pos.Size,
		EntryPrice:      pos.EntryPrice,
		TPSplit:         ms.defaults.TPSplit,
		BreakevenBuffer: ms.defaults.BreakevenBuffer,
		FirstTPToBE:     ms.defaults.FirstTPToBE,
		QtyStep:         ms.defaults.QtyStep,
		MinQty:          ms.defaults.MinQty,
	}
	m, err := domain.NewMonitor(params)
	if err != nil {
		return nil, err
	}
	ms.adoptPrimaryPrices(m, sig)
	return m, nil
}

// adoptPrimaryPrices rewrites the price ladder from the signal.
// Quantities stay zero here; the rebalancer recomputes them from the
// mirror's remaining size.
func (ms *MirrorSynchronizer) adoptPrimaryPrices(m *domain.Monitor, sig MirrorSignal) {
	if len(sig.TPPrices) > 0 {
		prices := make([]decimal.Decimal, len(sig.TPPrices))
		copy(prices, sig.TPPrices)
		// Nearest target first, same order the primary works them.
		sort.Slice(prices, func(i, j int) bool {
			if m.Side == domain.SideLong {
				return prices[i].LessThan(prices[j])
			}
			return prices[i].GreaterThan(prices[j])
		})

		levels := make([]domain.TPLevel, 0, len(prices))
		for i, p := range prices {
			lvl := domain.TPLevel{Price: p, Sequence: i + 1}
			// Keep the live order attached when the price survives.
			for j := range m.TakeProfits {
				if !m.TakeProfits[j].Hit && m.TakeProfits[j].Price.Equal(p) {
					lvl.OrderID = m.TakeProfits[j].OrderID
					lvl.Quantity = m.TakeProfits[j].Quantity
					break
				}
			}
			levels = append(levels, lvl)
		}
		m.TakeProfits = levels
	}

	if !sig.SLTrigger.IsZero() {
		if m.Stop == nil {
			m.Stop = &domain.StopLoss{Price: sig.SLTrigger}
		} else if !m.Stop.AtBreakeven {
			m.Stop.Price = sig.SLTrigger
		}
	}
}

// pruneDuplicates keeps the newest order per TP price and cancels the
// rest. Duplicates appear when a place succeeded but its response was
// lost before the order id was persisted.
func (ms *MirrorSynchronizer) pruneDuplicates(ctx context.Context, m *domain.Monitor, orders []*domain.Order) {
	byPrice := map[string][]*domain.Order{}
	for _, o := range orders {
		if o.IsTakeProfit() && o.Side == m.Side.Opposite() {
			k := o.Price.String()
			byPrice[k] = append(byPrice[k], o)
		}
	}
	for _, group := range byPrice {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		keep := group[0]
		for _, dup := range group[1:] {
			ms.log.Warn("cancelling duplicate take profit",
				zap.String("symbol", m.Symbol),
				zap.String("price", dup.Price.String()),
				zap.String("order_id", dup.OrderID))
			if err := ms.rebalancer.cancelOrder(ctx, m, dup, "duplicate take profit"); err != nil {
				ms.log.Warn("duplicate cancel failed", zap.Error(err))
			}
		}
		for i := range m.TakeProfits {
			if m.TakeProfits[i].Price.Equal(keep.Price) {
				m.TakeProfits[i].OrderID = keep.OrderID
			}
		}
	}

	// A position carries at most one stop. A lost place response can
	// leave an extra trigger order behind that nothing tracks.
	var stops []*domain.Order
	for _, o := range orders {
		if o.IsStop() && o.ReduceOnly && o.Side == m.Side.Opposite() {
			stops = append(stops, o)
		}
	}
	if len(stops) > 1 {
		sort.Slice(stops, func(i, j int) bool {
			return stops[i].CreatedAt.After(stops[j].CreatedAt)
		})
		keep := stops[0]
		for _, dup := range stops[1:] {
			ms.log.Warn("cancelling duplicate stop",
				zap.String("symbol", m.Symbol),
				zap.String("trigger", dup.TriggerPrice.String()),
				zap.String("order_id", dup.OrderID))
			if err := ms.rebalancer.cancelOrder(ctx, m, dup, "duplicate stop"); err != nil {
				ms.log.Warn("duplicate cancel failed", zap.Error(err))
			}
		}
		if m.Stop == nil {
			m.Stop = &domain.StopLoss{Price: keep.TriggerPrice, Quantity: keep.Qty}
		}
		m.Stop.OrderID = keep.OrderID
	}
}
