package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
	"github.com/vadro/position_guard/internal/infrastructure/metrics"
)

const (
	monitorPrefix = "monitor/"
	checksumKey   = "meta/checksum"
	backupSuffix  = ".bak"
)

// Options configure the monitor store.
type Options struct {
	Path            string
	BackupDir       string
	BackupRetention int
}

// checksumRecord names the store and its last-known-good content hash.
// It lives both inside the store and as a sidecar file, so the hash is
// still readable when the store itself will not open.
type checksumRecord struct {
	Store     string    `json:"store"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

type txnEnvelope struct {
	id        string
	preBackup string
	staged    map[string]*domain.Monitor
	hasStaged bool
	startedAt time.Time
}

// BadgerStore is the durable monitor store. A single mutex serializes all
// writers; reads are served from an in-memory cache of deep copies.
// Every committed write refreshes the checksum record, and a timestamped
// backup is taken at the start of every transaction so a failed commit
// can always fall back to the pre-operation state.
type BadgerStore struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex // single-writer discipline, also guards txns
	txns map[string]*txnEnvelope

	cacheMu sync.RWMutex
	cache   map[string]*domain.Monitor

	db *badger.DB
}

// Open loads (or creates) the store. A store that fails its integrity
// check with undecodable records is restored from the most recent valid
// backup; with no usable backup a fresh empty store is created and the
// reconciliation sweep rebuilds monitors from exchange truth.
func Open(opts Options, log *zap.Logger) (*BadgerStore, error) {
	if opts.BackupRetention < 1 {
		opts.BackupRetention = 10
	}
	if err := os.MkdirAll(opts.BackupDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create backup dir")
	}

	s := &BadgerStore{
		opts: opts,
		log:  log,
		txns: make(map[string]*txnEnvelope),
	}

	db, err := badger.Open(badger.DefaultOptions(opts.Path).WithLogger(nil))
	if err != nil {
		log.Warn("monitor store failed to open, restoring from backup", zap.Error(err))
		if err := os.RemoveAll(opts.Path); err != nil {
			return nil, errors.Wrap(err, "clear corrupted store")
		}
		db, err = badger.Open(badger.DefaultOptions(opts.Path).WithLogger(nil))
		if err != nil {
			return nil, errors.Wrap(err, "reopen store")
		}
		s.db = db
		if err := s.restoreFromBackup(); err != nil {
			return nil, err
		}
		return s, nil
	}
	s.db = db

	if err := s.loadAndVerify(); err != nil {
		log.Warn("monitor store integrity check failed, restoring from backup", zap.Error(err))
		if err := s.restoreFromBackup(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// --- reads ---

func (s *BadgerStore) Read() (map[string]*domain.Monitor, error) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	out := make(map[string]*domain.Monitor, len(s.cache))
	for k, m := range s.cache {
		out[k] = m.Clone()
	}
	return out, nil
}

func (s *BadgerStore) Get(key string) (*domain.Monitor, error) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	m, ok := s.cache[key]
	if !ok {
		return nil, domain.ErrMonitorNotFound
	}
	return m.Clone(), nil
}

// --- transactions ---

func (s *BadgerStore) Begin() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked()
}

func (s *BadgerStore) beginLocked() (string, error) {
	backupPath, err := s.takeBackup()
	if err != nil {
		return "", errors.Wrap(err, "pre-transaction backup")
	}

	id := uuid.NewString()
	s.txns[id] = &txnEnvelope{
		id:        id,
		preBackup: backupPath,
		startedAt: time.Now().UTC(),
	}
	return id, nil
}

func (s *BadgerStore) Write(monitors map[string]*domain.Monitor, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(monitors, txnID)
}

func (s *BadgerStore) writeLocked(monitors map[string]*domain.Monitor, txnID string) error {
	env, ok := s.txns[txnID]
	if !ok {
		return domain.ErrTxnNotFound
	}

	staged := make(map[string]*domain.Monitor, len(monitors))
	for k, m := range monitors {
		staged[k] = m.Clone()
	}
	env.staged = staged
	env.hasStaged = true
	return nil
}

func (s *BadgerStore) Commit(txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(txnID)
}

func (s *BadgerStore) commitLocked(txnID string) error {
	env, ok := s.txns[txnID]
	if !ok {
		return domain.ErrTxnNotFound
	}
	delete(s.txns, txnID)

	if !env.hasStaged {
		return nil
	}

	if err := s.persist(env.staged); err != nil {
		// The staged batch did not land; fall back to the backup taken
		// at Begin so the store is never left half-updated.
		s.log.Error("commit failed, restoring pre-transaction backup", zap.Error(err))
		if rerr := s.loadBackupFile(env.preBackup); rerr != nil {
			return errors.Wrapf(rerr, "commit failed (%v) and backup restore failed", err)
		}
		return err
	}

	s.cacheMu.Lock()
	s.cache = env.staged
	s.cacheMu.Unlock()
	return nil
}

func (s *BadgerStore) Rollback(txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked(txnID)
}

func (s *BadgerStore) rollbackLocked(txnID string) error {
	if _, ok := s.txns[txnID]; !ok {
		return domain.ErrTxnNotFound
	}
	// Staged writes never touched disk; dropping the envelope leaves the
	// store identical to its pre-Begin state.
	delete(s.txns, txnID)
	return nil
}

// --- monitor operations, each in its own transaction ---

// applyLocked runs one read-modify-write transaction with the writer
// lock held end to end. Without the lock spanning the whole cycle,
// concurrent operations would each commit the full snapshot they read
// at their start and silently revert each other's committed changes.
func (s *BadgerStore) applyLocked(mutate func(map[string]*domain.Monitor) error) error {
	txnID, err := s.beginLocked()
	if err != nil {
		return err
	}
	data, err := s.Read()
	if err != nil {
		s.rollbackLocked(txnID)
		return err
	}
	if err := mutate(data); err != nil {
		s.rollbackLocked(txnID)
		return err
	}
	if err := s.writeLocked(data, txnID); err != nil {
		s.rollbackLocked(txnID)
		return err
	}
	return s.commitLocked(txnID)
}

func (s *BadgerStore) Add(m *domain.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(func(data map[string]*domain.Monitor) error {
		if _, exists := data[m.Key()]; exists {
			return errors.Wrap(domain.ErrMonitorExists, m.Key())
		}
		data[m.Key()] = m
		return nil
	})
}

func (s *BadgerStore) Update(m *domain.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(func(data map[string]*domain.Monitor) error {
		if _, exists := data[m.Key()]; !exists {
			return domain.ErrMonitorNotFound
		}
		data[m.Key()] = m
		return nil
	})
}

func (s *BadgerStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(func(data map[string]*domain.Monitor) error {
		if _, exists := data[key]; !exists {
			return domain.ErrMonitorNotFound
		}
		delete(data, key)
		return nil
	})
}

// --- persistence internals ---

// persist replaces the full record set in one atomic badger update and
// refreshes the checksum record.
func (s *BadgerStore) persist(monitors map[string]*domain.Monitor) error {
	encoded := make(map[string][]byte, len(monitors))
	for k, m := range monitors {
		b, err := json.Marshal(m)
		if err != nil {
			return errors.Wrapf(err, "marshal monitor %s", k)
		}
		encoded[k] = b
	}
	sum := contentHash(encoded)

	check, err := json.Marshal(checksumRecord{
		Store:     s.opts.Path,
		Hash:      sum,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		// Drop records absent from the new set.
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(monitorPrefix)})
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, ok := encoded[strings.TrimPrefix(string(key), monitorPrefix)]; !ok {
				stale = append(stale, key)
			}
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		for k, b := range encoded {
			if err := txn.Set([]byte(monitorPrefix+k), b); err != nil {
				return err
			}
		}
		return txn.Set([]byte(checksumKey), check)
	})
	if err != nil {
		return err
	}

	s.writeSidecar(check)
	return nil
}

// writeSidecar mirrors the checksum record to a file next to the store
// via temp-file-then-rename. Best effort: the in-store copy is canonical.
func (s *BadgerStore) writeSidecar(check []byte) {
	sidecar := s.opts.Path + ".checksum.json"
	tmp := sidecar + ".tmp"
	if err := os.WriteFile(tmp, check, 0o644); err != nil {
		s.log.Warn("checksum sidecar write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, sidecar); err != nil {
		s.log.Warn("checksum sidecar rename failed", zap.Error(err))
	}
}

// readAll scans the store, returning decoded monitors, the raw bytes per
// key for hashing, and how many records failed to decode.
func (s *BadgerStore) readAll() (map[string]*domain.Monitor, map[string][]byte, int, error) {
	monitors := make(map[string]*domain.Monitor)
	raw := make(map[string][]byte)
	bad := 0

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(monitorPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.KeyCopy(nil)), monitorPrefix)
			err := item.Value(func(val []byte) error {
				b := append([]byte(nil), val...)
				raw[key] = b
				var m domain.Monitor
				if err := json.Unmarshal(b, &m); err != nil {
					bad++
					return nil
				}
				monitors[key] = &m
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, 0, err
	}
	return monitors, raw, bad, nil
}

func (s *BadgerStore) storedChecksum() (*checksumRecord, error) {
	var rec *checksumRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checksumKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var r checksumRecord
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			rec = &r
			return nil
		})
	})
	return rec, err
}

// loadAndVerify fills the cache and checks content against the checksum
// record. Undecodable records mean corruption; a bare hash mismatch with
// all records intact is self-healed by rewriting the checksum.
func (s *BadgerStore) loadAndVerify() error {
	monitors, raw, bad, err := s.readAll()
	if err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("store has %d undecodable monitor records", bad)
	}

	stored, err := s.storedChecksum()
	if err != nil {
		return errors.Wrap(err, "read checksum record")
	}
	if stored != nil && stored.Hash != contentHash(raw) {
		s.log.Warn("checksum record stale, rewriting",
			zap.String("stored", stored.Hash))
		if err := s.persist(monitors); err != nil {
			return err
		}
	}

	s.cacheMu.Lock()
	s.cache = monitors
	s.cacheMu.Unlock()
	return nil
}

// VerifyIntegrity re-checks the live store against its checksum record
// and triggers a backup restore when records fail to decode. Called on a
// timer by the supervisor.
func (s *BadgerStore) VerifyIntegrity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadAndVerify(); err != nil {
		s.log.Error("integrity check failed, restoring from backup", zap.Error(err))
		return s.restoreFromBackup()
	}
	return nil
}

func contentHash(raw map[string][]byte) string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
		h.Write(raw[k])
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// --- backups ---

func (s *BadgerStore) takeBackup() (string, error) {
	name := fmt.Sprintf("monitors_%s_%s%s",
		time.Now().UTC().Format("20060102T150405.000"),
		uuid.NewString()[:8], backupSuffix)
	path := filepath.Join(s.opts.BackupDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := s.db.Backup(f, 0); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	s.pruneBackups()
	return path, nil
}

// pruneBackups keeps the newest retention backups. Backup names embed a
// UTC timestamp, so lexical order is chronological.
func (s *BadgerStore) pruneBackups() {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if err != nil {
		s.log.Warn("backup dir unreadable", zap.Error(err))
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), backupSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names[min(len(names), s.opts.BackupRetention):] {
		full := filepath.Join(s.opts.BackupDir, name)
		if err := os.Remove(full); err != nil {
			s.log.Warn("failed to prune backup", zap.String("file", full), zap.Error(err))
		}
	}
}

func (s *BadgerStore) backupFiles() []string {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), backupSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(s.opts.BackupDir, n)
	}
	return paths
}

func (s *BadgerStore) loadBackupFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.db.DropAll(); err != nil {
		return err
	}
	if err := s.db.Load(f, 64); err != nil {
		return err
	}

	monitors, _, bad, err := s.readAll()
	if err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("backup %s has %d undecodable records", path, bad)
	}

	// Re-persist so the checksum record matches the restored content.
	if err := s.persist(monitors); err != nil {
		return err
	}
	s.cacheMu.Lock()
	s.cache = monitors
	s.cacheMu.Unlock()
	return nil
}

// restoreFromBackup walks backups newest-first until one loads cleanly.
// With no usable backup the store starts empty.
func (s *BadgerStore) restoreFromBackup() error {
	for _, path := range s.backupFiles() {
		if err := s.loadBackupFile(path); err != nil {
			s.log.Warn("backup unusable, trying older one",
				zap.String("file", path), zap.Error(err))
			continue
		}
		s.cacheMu.RLock()
		n := len(s.cache)
		s.cacheMu.RUnlock()
		metrics.StoreRecoveries.Inc()
		s.log.Info("monitor store restored from backup",
			zap.String("file", path), zap.Int("monitors", n))
		return nil
	}

	s.log.Warn("no usable backup found, starting with an empty store")
	if err := s.db.DropAll(); err != nil {
		return err
	}
	if err := s.persist(map[string]*domain.Monitor{}); err != nil {
		return err
	}
	s.cacheMu.Lock()
	s.cache = make(map[string]*domain.Monitor)
	s.cacheMu.Unlock()
	return nil
}
