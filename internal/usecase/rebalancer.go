package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vadro/position_guard/internal/domain"
	"github.com/vadro/position_guard/internal/infrastructure/metrics"
)

// SplitQuantities distributes remaining across the un-hit levels of a
// proportional split. Each quantity is floored to the exchange step and
// the rounding remainder lands on the last surviving level, so the sum
// always equals remaining exactly. A level whose share falls below
// minQty is dropped and its share folded into the next-smallest
// surviving level. Dropped levels come back as zero.
func SplitQuantities(remaining decimal.Decimal, split []decimal.Decimal, step, minQty decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(split))
	if len(split) == 0 || !remaining.IsPositive() || !step.IsPositive() {
		return out
	}

	pcts := append([]decimal.Decimal(nil), split...)
	active := make([]int, len(split))
	for i := range split {
		active[i] = i
	}

	var qtys map[int]decimal.Decimal
	for {
		total := decimal.Zero
		for _, i := range active {
			total = total.Add(pcts[i])
		}

		qtys = make(map[int]decimal.Decimal, len(active))
		for _, i := range active {
			raw := remaining.Mul(pcts[i]).Div(total)
			qtys[i] = raw.Div(step).Floor().Mul(step)
		}

		if len(active) == 1 {
			break
		}

		// Smallest-share level below the exchange minimum gets dropped
		// first; its share folds into the next-smallest survivor.
		drop := -1
		for _, i := range active {
			if qtys[i].LessThan(minQty) {
				if drop == -1 || pcts[i].LessThan(pcts[drop]) {
					drop = i
				}
			}
		}
		if drop == -1 {
			break
		}

		target := -1
		for _, i := range active {
			if i == drop {
				continue
			}
			if target == -1 || pcts[i].LessThan(pcts[target]) {
				target = i
			}
		}
		pcts[target] = pcts[target].Add(pcts[drop])

		next := active[:0]
		for _, i := range active {
			if i != drop {
				next = append(next, i)
			}
		}
		active = next
	}

	sum := decimal.Zero
	for _, i := range active {
		sum = sum.Add(qtys[i])
	}
	last := active[len(active)-1]
	qtys[last] = qtys[last].Add(remaining.Sub(sum))

	for i, q := range qtys {
		out[i] = q
	}
	return out
}

// Rebalancer reconciles a monitor's live orders with the quantities its
// remaining size calls for. It only ever changes sizes; trigger prices
// are untouched except by the explicit breakeven move.
type Rebalancer struct {
	gateway domain.Gateway
	audit   domain.AuditLog
	sem     *semaphore.Weighted
	log     *zap.Logger
}

func NewRebalancer(gateway domain.Gateway, audit domain.AuditLog, sem *semaphore.Weighted, log *zap.Logger) *Rebalancer {
	return &Rebalancer{
		gateway: gateway,
		audit:   audit,
		sem:     sem,
		log:     log,
	}
}

// mutate runs one outbound order mutation under the shared semaphore
// that rations exchange calls across every monitor.
func (r *Rebalancer) mutate(ctx context.Context, fn func() error) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	return fn()
}

func (r *Rebalancer) recordChange(ctx context.Context, m *domain.Monitor, changeType, orderID string, beforeQty, afterQty, beforePrice, afterPrice decimal.Decimal, reason string) {
	err := r.audit.RecordChange(ctx, &domain.ProtectionChange{
		MonitorKey:  m.Key(),
		Symbol:      m.Symbol,
		Account:     m.Account,
		ChangeType:  changeType,
		OrderID:     orderID,
		BeforeQty:   beforeQty,
		AfterQty:    afterQty,
		BeforePrice: beforePrice,
		AfterPrice:  afterPrice,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		r.log.Warn("audit write failed", zap.Error(err))
	}
}

// targetQuantities computes per-level targets for the monitor's un-hit
// levels, keyed by index into m.TakeProfits.
func targetQuantities(m *domain.Monitor) map[int]decimal.Decimal {
	var idxs []int
	var split []decimal.Decimal
	for i := range m.TakeProfits {
		if m.TakeProfits[i].Hit {
			continue
		}
		idxs = append(idxs, i)
		if i < len(m.TPSplit) {
			split = append(split, m.TPSplit[i])
		} else {
			split = append(split, m.TPSplit[len(m.TPSplit)-1])
		}
	}

	targets := make(map[int]decimal.Decimal, len(idxs))
	if len(idxs) == 0 {
		return targets
	}
	qtys := SplitQuantities(m.RemainingSize, split, m.QtyStep, m.MinQty)
	for j, i := range idxs {
		targets[i] = qtys[j]
	}
	return targets
}

// stopQuantity is the full remaining size plus any still-unfilled entry
// limit quantity, so one stop protects the eventually fully-built
// position.
func stopQuantity(m *domain.Monitor) decimal.Decimal {
	return m.RemainingSize.Add(m.PendingEntryQty)
}

// Apply brings live orders in line with the monitor's targets. Amend in
// place where possible; cancel-and-replace only when the exchange
// rejects the amend or no matching order exists. Running it twice with
// the same remaining size issues no mutations the second time.
func (r *Rebalancer) Apply(ctx context.Context, m *domain.Monitor, live []*domain.Order) (bool, error) {
	byID := make(map[string]*domain.Order, len(live))
	for _, o := range live {
		byID[o.OrderID] = o
	}

	mutated := false
	targets := targetQuantities(m)

	for i := range m.TakeProfits {
		lvl := &m.TakeProfits[i]
		if lvl.Hit {
			continue
		}
		target := targets[i]
		order := byID[lvl.OrderID]

		switch {
		case target.IsZero():
			if order != nil {
				if err := r.cancelOrder(ctx, m, order, "level below exchange minimum"); err != nil {
					return mutated, err
				}
				lvl.OrderID = ""
				mutated = true
			}
			lvl.Quantity = decimal.Zero

		case order == nil:
			id, err := r.placeTP(ctx, m, lvl, target)
			if err != nil {
				return mutated, err
			}
			lvl.OrderID = id
			lvl.Quantity = target
			mutated = true

		case !order.Qty.Equal(target):
			if err := r.amendQty(ctx, m, order, target, lvl.Price); err != nil {
				if !domain.IsRejection(err) {
					return mutated, err
				}
				// Exchange refused the amend: replace instead, keeping
				// the level's trigger price.
				if err := r.cancelOrder(ctx, m, order, "amend rejected, replacing"); err != nil {
					return mutated, err
				}
				id, err := r.placeTP(ctx, m, lvl, target)
				if err != nil {
					return mutated, err
				}
				lvl.OrderID = id
			}
			lvl.Quantity = target
			mutated = true
		}
	}

	slMutated, err := r.applyStop(ctx, m, byID)
	if err != nil {
		return mutated || slMutated, err
	}
	mutated = mutated || slMutated

	if mutated {
		metrics.Rebalances.WithLabelValues(string(m.Account)).Inc()
	}
	return mutated, nil
}

func (r *Rebalancer) applyStop(ctx context.Context, m *domain.Monitor, byID map[string]*domain.Order) (bool, error) {
	if m.Stop == nil {
		return false, nil
	}
	target := stopQuantity(m)
	order := byID[m.Stop.OrderID]

	switch {
	case order == nil:
		id, err := r.placeStop(ctx, m, target)
		if err != nil {
			return false, err
		}
		m.Stop.OrderID = id
		m.Stop.Quantity = target
		return true, nil

	case !order.Qty.Equal(target):
		if err := r.amendQty(ctx, m, order, target, m.Stop.Price); err != nil {
			if !domain.IsRejection(err) {
				return false, err
			}
			if err := r.cancelOrder(ctx, m, order, "amend rejected, replacing"); err != nil {
				return false, err
			}
			id, err := r.placeStop(ctx, m, target)
			if err != nil {
				return false, err
			}
			m.Stop.OrderID = id
		}
		m.Stop.Quantity = target
		return true, nil
	}
	return false, nil
}

func (r *Rebalancer) placeTP(ctx context.Context, m *domain.Monitor, lvl *domain.TPLevel, qty decimal.Decimal) (string, error) {
	var orderID string
	err := r.mutate(ctx, func() error {
		id, err := r.gateway.PlaceOrder(ctx, &domain.OrderRequest{
			Symbol:     m.Symbol,
			Side:       m.Side.Opposite(),
			OrderType:  domain.OrderTypeLimit,
			Qty:        qty,
			Price:      lvl.Price,
			ReduceOnly: true,
		})
		orderID = id
		return err
	})
	if err != nil {
		return "", err
	}
	metrics.OrderMutations.WithLabelValues(string(m.Account), "place").Inc()
	r.recordChange(ctx, m, domain.ChangePlace, orderID, decimal.Zero, qty, lvl.Price, lvl.Price,
		fmt.Sprintf("tp level %d", lvl.Sequence))
	return orderID, nil
}

func (r *Rebalancer) placeStop(ctx context.Context, m *domain.Monitor, qty decimal.Decimal) (string, error) {
	var orderID string
	err := r.mutate(ctx, func() error {
		id, err := r.gateway.PlaceOrder(ctx, &domain.OrderRequest{
			Symbol:       m.Symbol,
			Side:         m.Side.Opposite(),
			OrderType:    domain.OrderTypeMarket,
			Qty:          qty,
			TriggerPrice: m.Stop.Price,
			ReduceOnly:   true,
		})
		orderID = id
		return err
	})
	if err != nil {
		return "", err
	}
	metrics.OrderMutations.WithLabelValues(string(m.Account), "place").Inc()
	r.recordChange(ctx, m, domain.ChangePlace, orderID, decimal.Zero, qty, m.Stop.Price, m.Stop.Price, "stop loss")
	return orderID, nil
}

func (r *Rebalancer) amendQty(ctx context.Context, m *domain.Monitor, order *domain.Order, qty, price decimal.Decimal) error {
	err := r.mutate(ctx, func() error {
		return r.gateway.AmendOrder(ctx, m.Symbol, order.OrderID, &qty, nil)
	})
	if err != nil {
		return err
	}
	metrics.OrderMutations.WithLabelValues(string(m.Account), "amend").Inc()
	r.recordChange(ctx, m, domain.ChangeAmendQty, order.OrderID, order.Qty, qty, price, price, "resize to remaining")
	return nil
}

func (r *Rebalancer) cancelOrder(ctx context.Context, m *domain.Monitor, order *domain.Order, reason string) error {
	err := r.mutate(ctx, func() error {
		return r.gateway.CancelOrder(ctx, m.Symbol, order.OrderID)
	})
	if err != nil {
		return err
	}
	metrics.OrderMutations.WithLabelValues(string(m.Account), "cancel").Inc()
	price := order.Price
	if order.IsStop() {
		price = order.TriggerPrice
	}
	r.recordChange(ctx, m, domain.ChangeCancel, order.OrderID, order.Qty, decimal.Zero, price, price, reason)
	return nil
}

// CancelAll removes every reduce-only order the monitor still has live.
// Used when the position closes or an orphaned monitor is retired.
func (r *Rebalancer) CancelAll(ctx context.Context, m *domain.Monitor, live []*domain.Order) error {
	for _, o := range live {
		if !o.ReduceOnly {
			continue
		}
		if err := r.cancelOrder(ctx, m, o, "position closed"); err != nil {
			return err
		}
	}
	for i := range m.TakeProfits {
		m.TakeProfits[i].OrderID = ""
	}
	if m.Stop != nil {
		m.Stop.OrderID = ""
	}
	return nil
}

// MoveStopToBreakeven relocates the stop trigger to entry plus the fee
// buffer. The only code path that changes a trigger price, and it
// changes nothing else.
func (r *Rebalancer) MoveStopToBreakeven(ctx context.Context, m *domain.Monitor, live []*domain.Order) error {
	if m.Stop == nil || m.Stop.AtBreakeven {
		return nil
	}
	target := m.BreakevenPrice()

	var order *domain.Order
	for _, o := range live {
		if o.OrderID == m.Stop.OrderID {
			order = o
			break
		}
	}

	before := m.Stop.Price
	if order != nil {
		err := r.mutate(ctx, func() error {
			return r.gateway.AmendOrder(ctx, m.Symbol, order.OrderID, nil, &target)
		})
		if err != nil {
			if !domain.IsRejection(err) {
				return err
			}
			if err := r.cancelOrder(ctx, m, order, "amend rejected, replacing at breakeven"); err != nil {
				return err
			}
			m.Stop.Price = target
			id, err := r.placeStop(ctx, m, order.Qty)
			if err != nil {
				return err
			}
			m.Stop.OrderID = id
		} else {
			metrics.OrderMutations.WithLabelValues(string(m.Account), "amend").Inc()
		}
	}

	m.Stop.Price = target
	m.Stop.AtBreakeven = true
	r.recordChange(ctx, m, domain.ChangeAmendTrigger, m.Stop.OrderID,
		m.Stop.Quantity, m.Stop.Quantity, before, target, "breakeven move")
	return nil
}
