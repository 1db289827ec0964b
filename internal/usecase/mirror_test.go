package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
)

func testDefaults() MonitorDefaults {
	return MonitorDefaults{
		TPSplit:         []decimal.Decimal{d("0.85"), d("0.05"), d("0.05"), d("0.05")},
		BreakevenBuffer: d("0.0006"),
		FirstTPToBE:     true,
		QtyStep:         d("1"),
		MinQty:          d("1"),
	}
}

func newMirrorSync(gw *MockGateway, store *MockStore) *MirrorSynchronizer {
	r := newTestRebalancer(gw, &MockAudit{})
	return NewMirrorSynchronizer(gw, store, r, testDefaults(), nil, zap.NewNop())
}

func TestMirrorScalesToOwnPositionSize(t *testing.T) {
	gw := NewMockGateway(domain.AccountMirror)
	// Primary holds 100; the mirror account only holds 33.
	gw.SetPosition("BTCUSDT", domain.SideLong, d("33"), d("99"))
	store := NewMockStore()
	ms := newMirrorSync(gw, store)
	ctx := context.Background()

	sig := MirrorSignal{
		Symbol:    "BTCUSDT",
		Side:      domain.SideLong,
		Reason:    SyncEntryFill,
		SLTrigger: d("95"),
		TPPrices:  []decimal.Decimal{d("110"), d("120"), d("130"), d("140")},
	}
	if err := ms.syncOne(ctx, sig); err != nil {
		t.Fatalf("syncOne: %v", err)
	}

	key := domain.MonitorKey("BTCUSDT", domain.SideLong, domain.AccountMirror)
	m, err := store.Get(key)
	if err != nil {
		t.Fatalf("mirror monitor not created: %v", err)
	}
	if !m.RemainingSize.Equal(d("33")) {
		t.Errorf("mirror remaining: got %s, want 33", m.RemainingSize)
	}
	if !m.EntryPrice.Equal(d("99")) {
		t.Errorf("mirror entry: got %s, want its own 99", m.EntryPrice)
	}

	tpSum := decimal.Zero
	for _, lvl := range m.TakeProfits {
		tpSum = tpSum.Add(lvl.Quantity)
	}
	if !tpSum.Equal(d("33")) {
		t.Errorf("mirror tp quantities sum to %s, want 33", tpSum)
	}
	if !m.TakeProfits[0].Price.Equal(d("110")) {
		t.Errorf("mirror tp1 price: got %s, want primary's 110", m.TakeProfits[0].Price)
	}
	if m.Stop == nil || !m.Stop.Quantity.Equal(d("33")) {
		t.Fatalf("mirror stop not sized to 33")
	}
	if !m.Stop.Price.Equal(d("95")) {
		t.Errorf("mirror stop trigger: got %s, want primary's 95", m.Stop.Price)
	}
}

func TestMirrorBreakevenUsesOwnEntry(t *testing.T) {
	gw := NewMockGateway(domain.AccountMirror)
	gw.SetPosition("BTCUSDT", domain.SideLong, d("33"), d("99"))
	store := NewMockStore()
	ms := newMirrorSync(gw, store)
	ctx := context.Background()

	seed := MirrorSignal{
		Symbol:    "BTCUSDT",
		Side:      domain.SideLong,
		Reason:    SyncEntryFill,
		SLTrigger: d("95"),
		TPPrices:  []decimal.Decimal{d("110"), d("120")},
	}
	if err := ms.syncOne(ctx, seed); err != nil {
		t.Fatalf("seed syncOne: %v", err)
	}

	be := MirrorSignal{
		Symbol:    "BTCUSDT",
		Side:      domain.SideLong,
		Reason:    SyncBreakeven,
		SLTrigger: d("100.06"), // primary's breakeven, not the mirror's
		TPPrices:  []decimal.Decimal{d("120")},
	}
	if err := ms.syncOne(ctx, be); err != nil {
		t.Fatalf("breakeven syncOne: %v", err)
	}

	key := domain.MonitorKey("BTCUSDT", domain.SideLong, domain.AccountMirror)
	m, _ := store.Get(key)
	if m.Stop == nil || !m.Stop.AtBreakeven {
		t.Fatal("mirror stop not at breakeven")
	}
	want := d("99.0594") // 99 + 99*0.0006
	if !m.Stop.Price.Equal(want) {
		t.Errorf("mirror breakeven: got %s, want %s from its own entry", m.Stop.Price, want)
	}
}

func TestMirrorRetiresOnClosedSignal(t *testing.T) {
	gw := NewMockGateway(domain.AccountMirror)
	gw.SetPosition("BTCUSDT", domain.SideLong, d("33"), d("99"))
	store := NewMockStore()
	ms := newMirrorSync(gw, store)
	ctx := context.Background()

	seed := MirrorSignal{
		Symbol:    "BTCUSDT",
		Side:      domain.SideLong,
		Reason:    SyncEntryFill,
		SLTrigger: d("95"),
		TPPrices:  []decimal.Decimal{d("110")},
	}
	if err := ms.syncOne(ctx, seed); err != nil {
		t.Fatalf("seed syncOne: %v", err)
	}

	gw.SetPosition("BTCUSDT", domain.SideLong, d("0"), d("99"))
	closed := MirrorSignal{Symbol: "BTCUSDT", Side: domain.SideLong, Reason: SyncClosed}
	if err := ms.syncOne(ctx, closed); err != nil {
		t.Fatalf("closed syncOne: %v", err)
	}

	key := domain.MonitorKey("BTCUSDT", domain.SideLong, domain.AccountMirror)
	if _, err := store.Get(key); !errors.Is(err, domain.ErrMonitorNotFound) {
		t.Error("mirror monitor still tracked after close")
	}
	left, _ := gw.GetOpenOrders(ctx, "BTCUSDT")
	if len(left) != 0 {
		t.Errorf("%d mirror orders still live after close", len(left))
	}
}

func TestMirrorFailureDoesNotTouchStore(t *testing.T) {
	gw := NewMockGateway(domain.AccountMirror)
	gw.FailWith = &domain.TransientError{Cause: errors.New("timeout")}
	store := NewMockStore()
	ms := newMirrorSync(gw, store)

	sig := MirrorSignal{Symbol: "BTCUSDT", Side: domain.SideLong, Reason: SyncTPHit}
	if err := ms.syncOne(context.Background(), sig); err == nil {
		t.Fatal("expected error from failing gateway")
	}
	if monitors, _ := store.Read(); len(monitors) != 0 {
		t.Error("failed sync wrote to the store")
	}
}

func TestMirrorPrunesDuplicateTakeProfits(t *testing.T) {
	gw := NewMockGateway(domain.AccountMirror)
	gw.SetPosition("BTCUSDT", domain.SideLong, d("33"), d("99"))
	store := NewMockStore()
	ms := newMirrorSync(gw, store)
	ctx := context.Background()

	seed := MirrorSignal{
		Symbol:    "BTCUSDT",
		Side:      domain.SideLong,
		Reason:    SyncEntryFill,
		SLTrigger: d("95"),
		TPPrices:  []decimal.Decimal{d("110")},
	}
	if err := ms.syncOne(ctx, seed); err != nil {
		t.Fatalf("seed syncOne: %v", err)
	}

	// A second order at the same price, as left behind by a lost
	// place-order response.
	if _, err := gw.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.SideShort,
		OrderType:  domain.OrderTypeLimit,
		Qty:        d("33"),
		Price:      d("110"),
		ReduceOnly: true,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if err := ms.syncOne(ctx, seed); err != nil {
		t.Fatalf("second syncOne: %v", err)
	}

	live, _ := gw.GetOpenOrders(ctx, "BTCUSDT")
	tpCount := 0
	for _, o := range live {
		if o.IsTakeProfit() {
			tpCount++
		}
	}
	if tpCount != 1 {
		t.Errorf("%d take-profit orders at one price, want 1", tpCount)
	}
}

func TestMirrorPrunesDuplicateStops(t *testing.T) {
	gw := NewMockGateway(domain.AccountMirror)
	gw.SetPosition("BTCUSDT", domain.SideLong, d("33"), d("99"))
	store := NewMockStore()
	ms := newMirrorSync(gw, store)
	ctx := context.Background()

	seed := MirrorSignal{
		Symbol:    "BTCUSDT",
		Side:      domain.SideLong,
		Reason:    SyncEntryFill,
		SLTrigger: d("95"),
		TPPrices:  []decimal.Decimal{d("110")},
	}
	if err := ms.syncOne(ctx, seed); err != nil {
		t.Fatalf("seed syncOne: %v", err)
	}

	// A retry after a lost place-order response left a second trigger
	// order at the same stop price.
	if _, err := gw.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         domain.SideShort,
		OrderType:    domain.OrderTypeMarket,
		Qty:          d("33"),
		TriggerPrice: d("95"),
		ReduceOnly:   true,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	// Repeated syncs must converge to exactly one stop, not oscillate.
	for i := 0; i < 3; i++ {
		if err := ms.syncOne(ctx, seed); err != nil {
			t.Fatalf("syncOne %d: %v", i+1, err)
		}
	}

	live, _ := gw.GetOpenOrders(ctx, "BTCUSDT")
	var stops []*domain.Order
	for _, o := range live {
		if o.IsStop() {
			stops = append(stops, o)
		}
	}
	if len(stops) != 1 {
		t.Fatalf("%d live stop orders, want 1", len(stops))
	}

	key := domain.MonitorKey("BTCUSDT", domain.SideLong, domain.AccountMirror)
	m, _ := store.Get(key)
	if m.Stop == nil || m.Stop.OrderID != stops[0].OrderID {
		t.Errorf("tracked stop id %q does not match the surviving order %q",
			m.Stop.OrderID, stops[0].OrderID)
	}
}
