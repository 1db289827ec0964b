package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
	"github.com/vadro/position_guard/internal/infrastructure/metrics"
)

// errMonitorClosed ends a monitor's loop after its position reached zero
// and the record was removed from the store.
var errMonitorClosed = errors.New("monitor closed")

// PositionMonitor drives one position's protection. Ticks are strictly
// sequential; the store is the only state it shares with anything else.
type PositionMonitor struct {
	key        string
	gateway    domain.Gateway
	store      domain.MonitorStore
	rebalancer *Rebalancer
	notifier   *Notifier
	audit      domain.AuditLog
	mirror     chan<- MirrorSignal // nil on mirror-account monitors
	interval   time.Duration
	log        *zap.Logger

	nudge chan struct{}
}

func NewPositionMonitor(key string, gateway domain.Gateway, store domain.MonitorStore, rebalancer *Rebalancer, notifier *Notifier, audit domain.AuditLog, mirror chan<- MirrorSignal, interval time.Duration, log *zap.Logger) *PositionMonitor {
	return &PositionMonitor{
		key:        key,
		gateway:    gateway,
		store:      store,
		rebalancer: rebalancer,
		notifier:   notifier,
		audit:      audit,
		mirror:     mirror,
		interval:   interval,
		log:        log.With(zap.String("monitor", key)),
		nudge:      make(chan struct{}, 1),
	}
}

// Nudge requests an immediate tick (order-stream fill seen). Coalesces:
// a pending nudge absorbs later ones.
func (pm *PositionMonitor) Nudge() {
	select {
	case pm.nudge <- struct{}{}:
	default:
	}
}

// Run ticks until the position closes, the record disappears from the
// store, a fatal error isolates this monitor, or ctx is cancelled.
func (pm *PositionMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	if done := pm.runTick(ctx); done {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-pm.nudge:
		}
		if done := pm.runTick(ctx); done {
			return
		}
	}
}

func (pm *PositionMonitor) runTick(ctx context.Context) bool {
	m, err := pm.store.Get(pm.key)
	if err != nil {
		if errors.Is(err, domain.ErrMonitorNotFound) {
			// Retired externally (sweep or reload); nothing left to do.
			return true
		}
		pm.log.Error("store read failed", zap.Error(err))
		return false
	}
	if !m.Active {
		return true
	}

	err = pm.tick(ctx, m)
	switch {
	case errors.Is(err, errMonitorClosed):
		return true
	case errors.Is(err, context.Canceled):
		return true
	case err != nil:
		// Fatal: stop this loop, leave every other monitor running.
		pm.log.Error("monitor stopped on unrecoverable error", zap.Error(err))
		metrics.MonitorErrors.WithLabelValues(string(m.Account)).Inc()
		m.Active = false
		if uerr := pm.store.Update(m); uerr != nil {
			pm.log.Error("failed to persist stopped monitor", zap.Error(uerr))
		}
		pm.notifier.Publish(domain.Event{
			Type:       domain.EventMonitorError,
			MonitorKey: m.Key(),
			Symbol:     m.Symbol,
			Side:       m.Side,
			Account:    m.Account,
			Message:    err.Error(),
		})
		return true
	default:
		return false
	}
}

// tick reconciles cached state against the exchange. The exchange is the
// source of truth; the monitor only trusts itself about mutations it
// issued moments ago.
func (pm *PositionMonitor) tick(ctx context.Context, m *domain.Monitor) error {
	pos, err := pm.gateway.GetPosition(ctx, m.Symbol, m.Side)
	if err != nil {
		return pm.readFailure("position fetch failed", err)
	}
	orders, err := pm.gateway.GetOpenOrders(ctx, m.Symbol)
	if err != nil {
		return pm.readFailure("order fetch failed", err)
	}

	m.LastChecked = time.Now().UTC()
	pm.trackPendingEntries(m, orders)

	cached := m.RemainingSize
	live := pos.Size

	if live.IsZero() && !m.PendingEntry {
		return pm.close(ctx, m, orders)
	}

	var mutationErr error
	switch {
	case live.Equal(cached):
		if m.NeedsRebalance {
			_, mutationErr = pm.rebalancer.Apply(ctx, m, orders)
			if mutationErr == nil {
				m.NeedsRebalance = false
			}
		}

	case live.LessThan(cached):
		mutationErr = pm.onShrink(ctx, m, pos, orders, cached.Sub(live))

	default:
		// Position grew: a resting entry filled (or someone added
		// manually). The exchange VWAP entry is authoritative.
		m.RemainingSize = live
		m.FilledSize = live
		if live.GreaterThan(m.PositionSize) {
			m.PositionSize = live
		}
		if !pos.EntryPrice.IsZero() {
			m.EntryPrice = pos.EntryPrice
		}
		_, mutationErr = pm.rebalancer.Apply(ctx, m, orders)
		pm.signalMirror(m, SyncEntryFill)
	}

	if mutationErr != nil {
		if handled := pm.mutationFailure(m, mutationErr); !handled {
			// The tick may already have placed orders before the failure;
			// persist their ids so a restart cannot place them again.
			if uerr := pm.store.Update(m); uerr != nil {
				pm.log.Error("failed to flush state on aborted tick", zap.Error(uerr))
			}
			return mutationErr
		}
	}

	if err := pm.store.Update(m); err != nil {
		return err
	}
	return nil
}

// onShrink classifies a size decrease as a tracked TP fill or an
// untracked change and reacts accordingly.
func (pm *PositionMonitor) onShrink(ctx context.Context, m *domain.Monitor, pos *domain.Position, orders []*domain.Order, delta decimal.Decimal) error {
	if lvl := m.MatchTPByQuantity(delta); lvl != nil {
		lvl.Hit = true
		lvl.OrderID = ""
		m.RemainingSize = pos.Size
		metrics.TPHits.WithLabelValues(string(m.Account)).Inc()
		pm.log.Info("take profit filled",
			zap.Int("level", lvl.Sequence),
			zap.String("price", lvl.Price.String()),
			zap.String("qty", lvl.Quantity.String()),
			zap.String("remaining", m.RemainingSize.String()))
		pm.notifier.Publish(domain.Event{
			Type:       domain.EventTPHit,
			MonitorKey: m.Key(),
			Symbol:     m.Symbol,
			Side:       m.Side,
			Account:    m.Account,
			Price:      lvl.Price,
			Quantity:   lvl.Quantity,
		})

		if m.HitCount() == 1 {
			if m.Phase == domain.PhaseBuilding {
				if err := m.Transition(domain.PhaseProfitTaking); err != nil {
					return err
				}
			}
			if m.FirstTPToBE && m.Stop != nil {
				if err := pm.rebalancer.MoveStopToBreakeven(ctx, m, orders); err != nil {
					return err
				}
				pm.notifier.Publish(domain.Event{
					Type:       domain.EventBreakevenMoved,
					MonitorKey: m.Key(),
					Symbol:     m.Symbol,
					Side:       m.Side,
					Account:    m.Account,
					Price:      m.Stop.Price,
				})
				pm.signalMirror(m, SyncBreakeven)
			}
		}

		// Remaining TP orders keep their sizes; only the stop shrinks
		// to the new remaining. Apply is a no-op for everything else.
		if _, err := pm.rebalancer.Apply(ctx, m, orders); err != nil {
			return err
		}
		pm.signalMirror(m, SyncTPHit)
		return nil
	}

	// Untracked shrink: manual intervention, slippage or a partial
	// fill. Recompute everything at the new size.
	pm.log.Warn("untracked position shrink, rebalancing",
		zap.String("cached", m.RemainingSize.String()),
		zap.String("live", pos.Size.String()))
	m.RemainingSize = pos.Size
	if _, err := pm.rebalancer.Apply(ctx, m, orders); err != nil {
		return err
	}
	pm.signalMirror(m, SyncResize)
	return nil
}

// close retires the monitor: no live position, no resting entries.
func (pm *PositionMonitor) close(ctx context.Context, m *domain.Monitor, orders []*domain.Order) error {
	slHit := m.Stop != nil && m.Stop.OrderID != "" && !hasOrder(orders, m.Stop.OrderID)

	if err := pm.rebalancer.CancelAll(ctx, m, orders); err != nil {
		// Dangling orders are reduce-only; with the position flat the
		// exchange rejects or expires them, so removal still proceeds.
		pm.log.Warn("cleanup cancel failed on closed position", zap.Error(err))
	}
	if err := m.Transition(domain.PhaseClosed); err != nil {
		return err
	}
	if err := pm.store.Remove(m.Key()); err != nil && !errors.Is(err, domain.ErrMonitorNotFound) {
		return err
	}

	exitPrice := decimal.Zero
	eventType := domain.EventPositionClosed
	if slHit {
		eventType = domain.EventSLHit
		exitPrice = m.Stop.Price
	}
	if err := pm.audit.SavePositionHistory(ctx, &domain.PositionHistory{
		Symbol:     m.Symbol,
		Side:       m.Side,
		Account:    m.Account,
		Size:       m.PositionSize,
		EntryPrice: m.EntryPrice,
		ExitPrice:  exitPrice,
		TPsHit:     m.HitCount(),
		ClosedAt:   time.Now().UTC(),
	}); err != nil {
		pm.log.Warn("position history write failed", zap.Error(err))
	}

	pm.log.Info("position closed, monitor retired", zap.Int("tps_hit", m.HitCount()))
	pm.notifier.Publish(domain.Event{
		Type:       eventType,
		MonitorKey: m.Key(),
		Symbol:     m.Symbol,
		Side:       m.Side,
		Account:    m.Account,
		Quantity:   m.PositionSize,
	})
	pm.signalMirror(m, SyncClosed)
	return errMonitorClosed
}

func (pm *PositionMonitor) trackPendingEntries(m *domain.Monitor, orders []*domain.Order) {
	qty := decimal.Zero
	for _, o := range orders {
		if o.IsEntry() && o.Side == m.Side {
			qty = qty.Add(o.Qty)
		}
	}
	m.PendingEntry = qty.IsPositive()
	m.PendingEntryQty = qty
}

// readFailure maps gateway read errors to tick outcomes: transient and
// rejected reads are retried on the next tick, never acted on.
func (pm *PositionMonitor) readFailure(msg string, err error) error {
	if domain.IsTransient(err) || domain.IsRejection(err) {
		pm.log.Warn(msg+", retrying next tick", zap.Error(err))
		return nil
	}
	return err
}

// mutationFailure reports whether a rebalance error was absorbed.
// Rejections schedule a corrective rebalance instead of retrying in a
// loop; transient errors simply wait for the next tick.
func (pm *PositionMonitor) mutationFailure(m *domain.Monitor, err error) bool {
	if domain.IsRejection(err) {
		pm.log.Warn("order mutation rejected, flagging for rebalance", zap.Error(err))
		m.NeedsRebalance = true
		return true
	}
	if domain.IsTransient(err) {
		pm.log.Warn("order mutation failed transiently, retrying next tick", zap.Error(err))
		return true
	}
	return false
}

func (pm *PositionMonitor) signalMirror(m *domain.Monitor, reason SyncReason) {
	if pm.mirror == nil {
		return
	}
	sig := MirrorSignal{
		Symbol: m.Symbol,
		Side:   m.Side,
		Reason: reason,
	}
	if m.Stop != nil {
		sig.SLTrigger = m.Stop.Price
	}
	for i := range m.TakeProfits {
		if !m.TakeProfits[i].Hit {
			sig.TPPrices = append(sig.TPPrices, m.TakeProfits[i].Price)
		}
	}
	select {
	case pm.mirror <- sig:
	default:
		pm.log.Warn("mirror signal buffer full, relying on periodic sync")
	}
}

func hasOrder(orders []*domain.Order, id string) bool {
	for _, o := range orders {
		if o.OrderID == id {
			return true
		}
	}
	return false
}
