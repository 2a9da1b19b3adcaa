package manager

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

// BatchInfo describes one batch collection on disk.
type BatchInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryProfile defines the memory optimization strategy
type MemoryProfile string

const (
	MemoryProfileDefault MemoryProfile = "default"
	MemoryProfileLow     MemoryProfile = "low"
	MaxOpenCollections                 = 10
	BatchListTTL                       = 1 * time.Minute
)

const infoFile = "batch.json"

// StoreManager manages one badger collection per batch id under baseDir.
// Open collections are kept in an LRU and closed on eviction.
type StoreManager struct {
	baseDir       string
	collections   *lru.Cache[string, *badger.DB]
	mu            sync.RWMutex
	profile       MemoryProfile
	readOnly      bool
	logger        *slog.Logger
	cachedList    []BatchInfo
	lastListBuild time.Time
}

// NewStoreManager creates a new StoreManager.
func NewStoreManager(baseDir string, profile MemoryProfile, readOnly bool) *StoreManager {
	sm := &StoreManager{
		baseDir:  baseDir,
		profile:  profile,
		readOnly: readOnly,
		logger:   slog.Default(),
	}
	// Create LRU cache with eviction callback to close collections
	sm.collections, _ = lru.NewWithEvict[string, *badger.DB](MaxOpenCollections, func(id string, db *badger.DB) {
		if err := db.Close(); err != nil {
			sm.logger.Warn("failed to close collection", "batch", id, "error", err)
		}
	})
	return sm
}

// SetLogger replaces the manager logger.
func (sm *StoreManager) SetLogger(l *slog.Logger) { sm.logger = l }

// Collection returns the open collection of a batch. With create false a
// batch that was never stored is apperrors.ErrBatchNotFound.
func (sm *StoreManager) Collection(batchID string, create bool) (*badger.DB, error) {
	id, err := schema.ParseBatchID(batchID)
	if err != nil {
		return nil, err
	}

	// Fast path: lru.Get updates recency
	if db, ok := sm.collections.Get(id); ok {
		return db, nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check under lock
	if db, ok := sm.collections.Get(id); ok {
		return db, nil
	}

	dir := filepath.Join(sm.baseDir, id)
	if _, err := os.Stat(filepath.Join(dir, infoFile)); os.IsNotExist(err) {
		if !create || sm.readOnly {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrBatchNotFound, id)
		}
		if err := sm.initCollection(id, dir); err != nil {
			return nil, err
		}
	}

	cfg := store.DefaultConfig(dir)
	cfg.ReadOnly = sm.readOnly
	cfg.Logger = sm.logger
	if sm.profile == MemoryProfileLow {
		cfg.BlockCacheSize = 8 << 20
		cfg.IndexCacheSize = 8 << 20
		cfg.Profile = store.ProfileLowMem
	}

	db, err := store.OpenBadgerDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection for batch %s: %w", id, err)
	}

	sm.collections.Add(id, db)
	sm.logger.Debug("opened collection", "batch", id, "open", sm.collections.Len())
	return db, nil
}

// initCollection creates the batch directory and its info file. The info
// file is written last so a half-created directory is not listed.
func (sm *StoreManager) initCollection(id, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create collection dir: %w", err)
	}
	data, err := json.Marshal(BatchInfo{ID: id, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, infoFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write collection info: %w", err)
	}
	sm.cachedList = nil
	return nil
}

// ListBatches returns the batch collections on disk, oldest id first.
func (sm *StoreManager) ListBatches() ([]BatchInfo, error) {
	sm.mu.RLock()
	if time.Since(sm.lastListBuild) < BatchListTTL && sm.cachedList != nil {
		// Return copy to be safe
		list := make([]BatchInfo, len(sm.cachedList))
		copy(list, sm.cachedList)
		sm.mu.RUnlock()
		return list, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check
	if time.Since(sm.lastListBuild) < BatchListTTL && sm.cachedList != nil {
		list := make([]BatchInfo, len(sm.cachedList))
		copy(list, sm.cachedList)
		return list, nil
	}

	entries, err := os.ReadDir(sm.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var batches []BatchInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sm.baseDir, entry.Name(), infoFile))
		if err != nil {
			continue
		}
		var info BatchInfo
		if err := json.Unmarshal(data, &info); err != nil || info.ID != entry.Name() {
			continue
		}
		info.Path = filepath.Join(sm.baseDir, entry.Name())
		batches = append(batches, info)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })

	sm.cachedList = batches
	sm.lastListBuild = time.Now()
	return batches, nil
}

// Batches returns the ids of ListBatches.
func (sm *StoreManager) Batches() ([]string, error) {
	list, err := sm.ListBatches()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(list))
	for i, b := range list {
		ids[i] = b.ID
	}
	return ids, nil
}

// CloseAll closes all open collections.
func (sm *StoreManager) CloseAll() {
	sm.collections.Purge()
}
