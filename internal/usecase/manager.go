package usecase

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
	"github.com/vadro/position_guard/internal/infrastructure/metrics"
)

// SupervisorOptions wire the supervisor's collaborators and timings.
type SupervisorOptions struct {
	Store    domain.MonitorStore
	Audit    domain.AuditLog
	Notifier *Notifier

	Gateways    map[domain.Account]domain.Gateway
	Rebalancers map[domain.Account]*Rebalancer
	Defaults    MonitorDefaults

	TickInterval      time.Duration
	SweepInterval     time.Duration
	IntegrityInterval time.Duration
	ReloadSignalPath  string
}

type runningMonitor struct {
	pm     *PositionMonitor
	cancel context.CancelFunc
}

// Supervisor owns the monitor goroutines. One goroutine per tracked
// position; the periodic sweep repairs drift and reload picks up
// monitors the sweep created.
type Supervisor struct {
	opts     SupervisorOptions
	mirrorCh chan MirrorSignal
	log      *zap.Logger

	mu      sync.Mutex
	running map[string]*runningMonitor
	wg      sync.WaitGroup

	lastReload time.Time
}

func NewSupervisor(opts SupervisorOptions, log *zap.Logger) *Supervisor {
	return &Supervisor{
		opts:     opts,
		mirrorCh: make(chan MirrorSignal, 64),
		log:      log.With(zap.String("component", "supervisor")),
		running:  make(map[string]*runningMonitor),
	}
}

// Run blocks until ctx is cancelled. It starts the mirror synchronizer,
// spawns monitors for everything already in the store, then drives the
// sweep, integrity and reload-signal loops.
func (s *Supervisor) Run(ctx context.Context) error {
	if mg, ok := s.opts.Gateways[domain.AccountMirror]; ok {
		mirrorSync := NewMirrorSynchronizer(mg, s.opts.Store,
			s.opts.Rebalancers[domain.AccountMirror], s.opts.Defaults, s.mirrorCh, s.log)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			mirrorSync.Run(ctx)
		}()
	}

	if err := s.sweepAll(ctx); err != nil {
		s.log.Error("initial sweep failed", zap.Error(err))
	}
	if err := s.Reload(ctx); err != nil {
		return err
	}

	sweepTicker := time.NewTicker(s.opts.SweepInterval)
	defer sweepTicker.Stop()
	integrityTicker := time.NewTicker(s.opts.IntegrityInterval)
	defer integrityTicker.Stop()
	reloadTicker := time.NewTicker(2 * time.Second)
	defer reloadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()

		case <-sweepTicker.C:
			if err := s.sweepAll(ctx); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
			if err := s.Reload(ctx); err != nil {
				s.log.Error("reload after sweep failed", zap.Error(err))
			}
			s.periodicMirrorSync()

		case <-integrityTicker.C:
			if err := s.opts.Store.VerifyIntegrity(); err != nil {
				s.log.Error("store integrity check failed", zap.Error(err))
			}

		case <-reloadTicker.C:
			if s.reloadSignalled() {
				s.log.Info("reload signal received")
				if err := s.sweepAll(ctx); err != nil {
					s.log.Error("signalled sweep failed", zap.Error(err))
				}
				if err := s.Reload(ctx); err != nil {
					s.log.Error("signalled reload failed", zap.Error(err))
				}
			}
		}
	}
}

func (s *Supervisor) sweepAll(ctx context.Context) error {
	var firstErr error
	for account, gw := range s.opts.Gateways {
		sweep := NewReconciliationSweep(gw, s.opts.Store,
			s.opts.Rebalancers[account], s.opts.Notifier, s.opts.Defaults, s.log)
		if _, err := sweep.SweepOnce(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reload spawns monitors for active store records that have no running
// goroutine yet. Already-running monitors are left alone.
func (s *Supervisor) Reload(ctx context.Context) error {
	monitors, err := s.opts.Store.Read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range monitors {
		if !m.Active {
			continue
		}
		if _, ok := s.running[key]; ok {
			continue
		}
		gw, ok := s.opts.Gateways[m.Account]
		if !ok {
			s.log.Warn("no gateway configured for account, skipping monitor",
				zap.String("key", key), zap.String("account", string(m.Account)))
			continue
		}

		var mirrorCh chan<- MirrorSignal
		if m.Account == domain.AccountPrimary {
			if _, hasMirror := s.opts.Gateways[domain.AccountMirror]; hasMirror {
				mirrorCh = s.mirrorCh
			}
		}
		pm := NewPositionMonitor(key, gw, s.opts.Store,
			s.opts.Rebalancers[m.Account], s.opts.Notifier, s.opts.Audit,
			mirrorCh, s.opts.TickInterval, s.log)

		mctx, cancel := context.WithCancel(ctx)
		s.running[key] = &runningMonitor{pm: pm, cancel: cancel}
		metrics.ActiveMonitors.WithLabelValues(string(m.Account)).Inc()
		s.log.Info("monitor started", zap.String("key", key))

		s.wg.Add(1)
		go func(key string, account domain.Account) {
			defer s.wg.Done()
			pm.Run(mctx)
			cancel()

			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
			metrics.ActiveMonitors.WithLabelValues(string(account)).Dec()
			s.log.Info("monitor stopped", zap.String("key", key))
		}(key, m.Account)
	}
	return nil
}

// periodicMirrorSync pushes a catch-up signal for every primary monitor,
// so a mirror that missed event-driven signals converges each sweep cycle.
func (s *Supervisor) periodicMirrorSync() {
	if _, ok := s.opts.Gateways[domain.AccountMirror]; !ok {
		return
	}
	monitors, err := s.opts.Store.Read()
	if err != nil {
		s.log.Error("periodic mirror sync read failed", zap.Error(err))
		return
	}
	for _, m := range monitors {
		if m.Account != domain.AccountPrimary || !m.Active {
			continue
		}
		sig := MirrorSignal{Symbol: m.Symbol, Side: m.Side, Reason: SyncPeriodic}
		if m.Stop != nil {
			sig.SLTrigger = m.Stop.Price
		}
		for i := range m.TakeProfits {
			if !m.TakeProfits[i].Hit {
				sig.TPPrices = append(sig.TPPrices, m.TakeProfits[i].Price)
			}
		}
		select {
		case s.mirrorCh <- sig:
		default:
		}
	}
}

// NudgeSymbol asks every running monitor on a symbol for an immediate
// tick. Driven by order-stream fills.
func (s *Supervisor) NudgeSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rm := range s.running {
		if rm.pm == nil {
			continue
		}
		if symbolOfKey(key) == symbol {
			rm.pm.Nudge()
		}
	}
}

// Stop cancels every monitor and waits for the goroutines to drain.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for _, rm := range s.running {
		rm.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// reloadSignalled reports whether the reload signal file was touched
// since the last reload.
func (s *Supervisor) reloadSignalled() bool {
	if s.opts.ReloadSignalPath == "" {
		return false
	}
	info, err := os.Stat(s.opts.ReloadSignalPath)
	if err != nil {
		return false
	}
	if !info.ModTime().After(s.lastReload) {
		return false
	}
	s.lastReload = info.ModTime()
	return true
}

func symbolOfKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i]
		}
	}
	return key
}
