package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
)

func testMonitor(t *testing.T, symbol string) *domain.Monitor {
	t.Helper()
	m, err := domain.NewMonitor(domain.MonitorParams{
		Symbol:          symbol,
		Side:            domain.SideLong,
		Account:         domain.AccountPrimary,
		Size:            decimal.NewFromInt(100),
		EntryPrice:      decimal.NewFromInt(100),
		TPSplit:         []decimal.Decimal{decimal.NewFromFloat(0.85), decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.05)},
		BreakevenBuffer: decimal.NewFromFloat(0.0006),
		QtyStep:         decimal.NewFromInt(1),
		MinQty:          decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return m
}

func openTestStore(t *testing.T, dir string) *BadgerStore {
	t.Helper()
	s, err := Open(Options{
		Path:            filepath.Join(dir, "monitors"),
		BackupDir:       filepath.Join(dir, "backups"),
		BackupRetention: 3,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	m := testMonitor(t, "BTCUSDT")
	if err := s.Add(m); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(m); !errors.Is(err, domain.ErrMonitorExists) {
		t.Errorf("duplicate Add: got %v, want ErrMonitorExists", err)
	}

	got, err := s.Get(m.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.PositionSize.Equal(m.PositionSize) {
		t.Errorf("size: got %s, want %s", got.PositionSize, m.PositionSize)
	}

	got.RemainingSize = decimal.NewFromInt(15)
	if err := s.Update(got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Survives a reopen.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s = openTestStore(t, dir)
	defer s.Close()

	got, err = s.Get(m.Key())
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !got.RemainingSize.Equal(decimal.NewFromInt(15)) {
		t.Errorf("remaining after reopen: got %s, want 15", got.RemainingSize)
	}

	if err := s.Remove(m.Key()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(m.Key()); !errors.Is(err, domain.ErrMonitorNotFound) {
		t.Errorf("Get after Remove: got %v, want ErrMonitorNotFound", err)
	}
}

func TestRollbackLeavesStoreUntouched(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	m := testMonitor(t, "BTCUSDT")
	if err := s.Add(m); err != nil {
		t.Fatalf("Add: %v", err)
	}

	txn, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	staged, _ := s.Read()
	staged[m.Key()].RemainingSize = decimal.NewFromInt(1)
	staged["GONE"] = testMonitor(t, "ETHUSDT")
	if err := s.Write(staged, txn); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Rollback(txn); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	after, _ := s.Read()
	if len(after) != 1 {
		t.Fatalf("store has %d monitors after rollback, want 1", len(after))
	}
	if !after[m.Key()].RemainingSize.Equal(decimal.NewFromInt(100)) {
		t.Errorf("remaining after rollback: got %s, want 100", after[m.Key()].RemainingSize)
	}

	if err := s.Commit(txn); !errors.Is(err, domain.ErrTxnNotFound) {
		t.Errorf("Commit after Rollback: got %v, want ErrTxnNotFound", err)
	}
}

func TestConcurrentUpdatesDoNotRevertEachOther(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	const workers = 8
	keys := make([]string, workers)
	for i := 0; i < workers; i++ {
		m := testMonitor(t, fmt.Sprintf("SYM%dUSDT", i))
		keys[i] = m.Key()
		if err := s.Add(m); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	// Each worker owns one monitor, the way per-position goroutines do.
	// Every committed round must survive its neighbours' commits.
	const rounds = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for r := 1; r <= rounds; r++ {
				m, err := s.Get(keys[i])
				if err != nil {
					t.Errorf("worker %d round %d Get: %v", i, r, err)
					return
				}
				m.RemainingSize = decimal.NewFromInt(int64(r))
				if err := s.Update(m); err != nil {
					t.Errorf("worker %d round %d Update: %v", i, r, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i, key := range keys {
		m, err := s.Get(key)
		if err != nil {
			t.Fatalf("monitor %d: %v", i, err)
		}
		if !m.RemainingSize.Equal(decimal.NewFromInt(rounds)) {
			t.Errorf("monitor %d: remaining %s, want %d (committed update lost)",
				i, m.RemainingSize, rounds)
		}
	}
}

func TestCommitReplacesRecordSetAtomically(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	a := testMonitor(t, "BTCUSDT")
	b := testMonitor(t, "ETHUSDT")
	if err := s.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(b); err != nil {
		t.Fatalf("Add: %v", err)
	}

	txn, _ := s.Begin()
	staged, _ := s.Read()
	delete(staged, b.Key())
	staged[a.Key()].Phase = domain.PhaseProfitTaking
	if err := s.Write(staged, txn); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Commit(txn); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, _ := s.Read()
	if len(after) != 1 {
		t.Fatalf("store has %d monitors after commit, want 1", len(after))
	}
	if after[a.Key()].Phase != domain.PhaseProfitTaking {
		t.Errorf("phase not updated by commit")
	}
	if err := s.VerifyIntegrity(); err != nil {
		t.Errorf("VerifyIntegrity after commit: %v", err)
	}
}

func TestCorruptedRecordRestoredFromBackup(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	m := testMonitor(t, "BTCUSDT")
	if err := s.Add(m); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// An Update leaves a backup that already contains the monitor.
	m.RemainingSize = decimal.NewFromInt(15)
	if err := s.Update(m); err != nil {
		t.Fatalf("Update: %v", err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(monitorPrefix+"XRPUSDT|LONG|primary"), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("inject corruption: %v", err)
	}

	if err := s.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity should recover, got: %v", err)
	}

	got, err := s.Get(m.Key())
	if err != nil {
		t.Fatalf("monitor lost in recovery: %v", err)
	}
	if !got.PositionSize.Equal(decimal.NewFromInt(100)) {
		t.Errorf("recovered size: got %s, want 100", got.PositionSize)
	}
	if _, err := s.Get("XRPUSDT|LONG|primary"); !errors.Is(err, domain.ErrMonitorNotFound) {
		t.Error("corrupted record survived recovery")
	}
}

func TestBackupsPrunedToRetention(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	m := testMonitor(t, "BTCUSDT")
	if err := s.Add(m); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for i := 0; i < 6; i++ {
		m.LastChecked = m.LastChecked.Add(1)
		if err := s.Update(m); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	baks := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), backupSuffix) {
			baks++
		}
	}
	if baks > 3 {
		t.Errorf("%d backups on disk, retention is 3", baks)
	}
}

func TestChecksumSidecarWritten(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	if err := s.Add(testMonitor(t, "BTCUSDT")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sidecar := filepath.Join(dir, "monitors") + ".checksum.json"
	if _, err := os.Stat(sidecar); err != nil {
		t.Errorf("checksum sidecar missing: %v", err)
	}
}
