package usecase

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
	"github.com/vadro/position_guard/internal/infrastructure/metrics"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Created []string
	Removed []string
	Flagged []string
}

func (r SweepReport) Empty() bool {
	return len(r.Created) == 0 && len(r.Removed) == 0 && len(r.Flagged) == 0
}

// ReconciliationSweep walks every position on one account and repairs
// drift between the store and the exchange: untracked positions get
// monitors, orphaned monitors get retired, count mismatches get flagged
// for the owning monitor to rebalance. Running it twice against an
// unchanged exchange changes nothing the second time.
type ReconciliationSweep struct {
	gateway    domain.Gateway
	store      domain.MonitorStore
	rebalancer *Rebalancer
	notifier   *Notifier
	defaults   MonitorDefaults
	log        *zap.Logger
}

func NewReconciliationSweep(gateway domain.Gateway, store domain.MonitorStore, rebalancer *Rebalancer, notifier *Notifier, defaults MonitorDefaults, log *zap.Logger) *ReconciliationSweep {
	return &ReconciliationSweep{
		gateway:    gateway,
		store:      store,
		rebalancer: rebalancer,
		notifier:   notifier,
		defaults:   defaults,
		log:        log.With(zap.String("component", "sweep")),
	}
}

// SweepOnce runs a single reconciliation pass.
func (rs *ReconciliationSweep) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	positions, err := rs.gateway.GetPositions(ctx)
	if err != nil {
		return report, err
	}
	monitors, err := rs.store.Read()
	if err != nil {
		return report, err
	}
	account := rs.gateway.Account()

	live := make(map[string]*domain.Position, len(positions))
	for _, p := range positions {
		live[domain.MonitorKey(p.Symbol, p.Side, account)] = p
	}

	for key, pos := range live {
		m, tracked := monitors[key]
		if !tracked {
			created, err := rs.adopt(ctx, pos, account)
			if err != nil {
				rs.log.Error("failed to adopt untracked position",
					zap.String("key", key), zap.Error(err))
				continue
			}
			report.Created = append(report.Created, key)
			metrics.SweepCorrections.WithLabelValues("created").Inc()
			rs.notifier.Publish(domain.Event{
				Type:       domain.EventMonitorCreated,
				MonitorKey: key,
				Symbol:     created.Symbol,
				Side:       created.Side,
				Account:    account,
				Quantity:   created.PositionSize,
				Message:    "adopted by reconciliation sweep",
			})
			continue
		}

		if flagged := rs.checkOrderCounts(ctx, m); flagged {
			report.Flagged = append(report.Flagged, key)
			metrics.SweepCorrections.WithLabelValues("flagged").Inc()
		}
	}

	for key, m := range monitors {
		if m.Account != account {
			continue
		}
		if _, ok := live[key]; ok {
			continue
		}
		if m.PendingEntry {
			// Not orphaned: the position has not opened yet.
			continue
		}
		if err := rs.retire(ctx, m); err != nil {
			rs.log.Error("failed to retire orphaned monitor",
				zap.String("key", key), zap.Error(err))
			continue
		}
		report.Removed = append(report.Removed, key)
		metrics.SweepCorrections.WithLabelValues("removed").Inc()
		rs.notifier.Publish(domain.Event{
			Type:       domain.EventMonitorRemoved,
			MonitorKey: key,
			Symbol:     m.Symbol,
			Side:       m.Side,
			Account:    account,
			Message:    "orphaned monitor removed by reconciliation sweep",
		})
	}

	if !report.Empty() {
		rs.log.Info("sweep corrected drift",
			zap.Strings("created", report.Created),
			zap.Strings("removed", report.Removed),
			zap.Strings("flagged", report.Flagged))
	}
	return report, nil
}

// adopt builds a monitor for a position opened outside the process,
// reconstructing the ladder from whatever protective orders already
// rest on the exchange.
func (rs *ReconciliationSweep) adopt(ctx context.Context, pos *domain.Position, account domain.Account) (*domain.Monitor, error) {
	m, err := domain.NewMonitor(domain.MonitorParams{
		Symbol:          pos.Symbol,
		Side:            pos.Side,
		Account:         account,
		Size:            pos.Size,
		EntryPrice:      pos.EntryPrice,
		TPSplit:         rs.defaults.TPSplit,
		BreakevenBuffer: rs.defaults.BreakevenBuffer,
		FirstTPToBE:     rs.defaults.FirstTPToBE,
		QtyStep:         rs.defaults.QtyStep,
		MinQty:          rs.defaults.MinQty,
	})
	if err != nil {
		return nil, err
	}

	orders, err := rs.gateway.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	rs.inferLadder(m, orders)

	if err := rs.store.Add(m); err != nil {
		if errors.Is(err, domain.ErrMonitorExists) {
			return m, rs.store.Update(m)
		}
		return nil, err
	}
	return m, nil
}

// inferLadder maps live reduce-only orders onto the monitor: limit
// orders become TP levels sorted nearest target first, the trigger
// order becomes the stop.
func (rs *ReconciliationSweep) inferLadder(m *domain.Monitor, orders []*domain.Order) {
	var tps []*domain.Order
	for _, o := range orders {
		if o.Side != m.Side.Opposite() || !o.ReduceOnly {
			continue
		}
		if o.IsStop() {
			if m.Stop == nil {
				m.Stop = &domain.StopLoss{
					Price:    o.TriggerPrice,
					Quantity: o.Qty,
					OrderID:  o.OrderID,
				}
			}
			continue
		}
		if o.IsTakeProfit() {
			tps = append(tps, o)
		}
	}

	sort.Slice(tps, func(i, j int) bool {
		if m.Side == domain.SideLong {
			return tps[i].Price.LessThan(tps[j].Price)
		}
		return tps[i].Price.GreaterThan(tps[j].Price)
	})
	for i, o := range tps {
		m.TakeProfits = append(m.TakeProfits, domain.TPLevel{
			Price:    o.Price,
			Quantity: o.Qty,
			Sequence: i + 1,
			OrderID:  o.OrderID,
		})
	}
}

// retire cancels leftover protection and drops the store record.
func (rs *ReconciliationSweep) retire(ctx context.Context, m *domain.Monitor) error {
	orders, err := rs.gateway.GetOpenOrders(ctx, m.Symbol)
	if err != nil {
		return err
	}
	if err := rs.rebalancer.CancelAll(ctx, m, orders); err != nil {
		rs.log.Warn("orphan cleanup cancel failed",
			zap.String("key", m.Key()), zap.Error(err))
	}
	if err := rs.store.Remove(m.Key()); err != nil && !errors.Is(err, domain.ErrMonitorNotFound) {
		return err
	}
	return nil
}

// checkOrderCounts flags a monitor whose live protective order count no
// longer matches its expectation. Size drift is left to the owning
// monitor's own tick; the sweep only judges order counts. The flag is
// sticky until the owning monitor rebalances, so repeated sweeps do not
// re-flag.
func (rs *ReconciliationSweep) checkOrderCounts(ctx context.Context, m *domain.Monitor) bool {
	if m.NeedsRebalance {
		return false
	}
	orders, err := rs.gateway.GetOpenOrders(ctx, m.Symbol)
	if err != nil {
		rs.log.Warn("order count check skipped",
			zap.String("key", m.Key()), zap.Error(err))
		return false
	}

	tpCount, slCount := 0, 0
	for _, o := range orders {
		if o.Side != m.Side.Opposite() || !o.ReduceOnly {
			continue
		}
		if o.IsStop() {
			slCount++
		} else if o.IsTakeProfit() {
			tpCount++
		}
	}

	expectedTP := 0
	for _, lvl := range m.UnhitLevels() {
		if lvl.Quantity.GreaterThan(decimal.Zero) || lvl.OrderID != "" {
			expectedTP++
		}
	}
	expectedSL := 0
	if m.Stop != nil {
		expectedSL = 1
	}

	if tpCount == expectedTP && slCount == expectedSL {
		return false
	}

	rs.log.Warn("order count mismatch, flagging for rebalance",
		zap.String("key", m.Key()),
		zap.Int("live_tp", tpCount), zap.Int("want_tp", expectedTP),
		zap.Int("live_sl", slCount), zap.Int("want_sl", expectedSL))
	m.NeedsRebalance = true
	m.LastChecked = time.Now().UTC()
	if err := rs.store.Update(m); err != nil {
		rs.log.Error("failed to persist rebalance flag",
			zap.String("key", m.Key()), zap.Error(err))
		return false
	}
	return true
}
