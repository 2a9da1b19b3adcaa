package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
)

// Lease is a held run lock.
type Lease struct {
	BatchID    string    `json:"batch_id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StateStore persists run state documents and run locks, keyed by batch
// id, in a collection of its own.
type StateStore struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenStateStore opens (or creates) the state collection.
func OpenStateStore(cfg *Config, logger *slog.Logger) (*StateStore, error) {
	db, err := OpenBadgerDB(cfg)
	if err != nil {
		return nil, unavailable(err)
	}
	return NewStateStore(db, logger), nil
}

// NewStateStore wraps an open badger DB.
func NewStateStore(db *badger.DB, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{db: db, logger: logger, now: time.Now}
}

// SetClock replaces the clock used for lease expiry.
func (s *StateStore) SetClock(now func() time.Time) { s.now = now }

// Close closes the underlying collection.
func (s *StateStore) Close() error { return s.db.Close() }

// Save stores the current state document of a batch.
func (s *StateStore) Save(batchID string, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Set(stateKey(batchID), data) }); err != nil {
		return unavailable(err)
	}
	return nil
}

// Load decodes the current state document of a batch into v. A batch
// without state is apperrors.ErrNotFound.
func (s *StateStore) Load(batchID string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(batchID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return decode(val, v) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: no run state for %s", apperrors.ErrNotFound, batchID)
	}
	if err != nil && isUnavailable(err) {
		return unavailable(err)
	}
	return err
}

// Archive moves the current state document of a batch under runID and
// clears the current slot, in one transaction.
func (s *StateStore) Archive(batchID, runID string, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(archiveKey(batchID, runID), data); err != nil {
			return err
		}
		return txn.Delete(stateKey(batchID))
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// History decodes every archived state of a batch in run id order.
func History[T any](s *StateStore, batchID string) ([]T, error) {
	var out []T
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := archivePrefix(batchID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var v T
			if err := it.Item().Value(func(val []byte) error { return decode(val, &v) }); err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// Batches lists batch ids that have current (non-archived) state.
func (s *StateStore) Batches() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{StatePrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[1:]))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// ArchivedBatches lists batch ids with at least one archived run.
func (s *StateStore) ArchivedBatches() ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{ArchivePrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, _, _ := strings.Cut(string(it.Item().Key()[1:]), "\x00")
			seen[id] = true
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Acquire takes the run lock of a batch for ttl. A live lease held by a
// different owner is apperrors.ErrRunLockConflict; an expired one is taken
// over. Re-acquiring an own lease renews it.
func (s *StateStore) Acquire(batchID, owner string, ttl time.Duration) (*Lease, error) {
	now := s.now().UTC()
	lease := &Lease{BatchID: batchID, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	data, err := encode(lease)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(batchID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var held Lease
			if err := item.Value(func(val []byte) error { return decode(val, &held) }); err != nil {
				return err
			}
			if held.Owner != owner && now.Before(held.ExpiresAt) {
				return fmt.Errorf("%w: %s is held by %s until %s", apperrors.ErrRunLockConflict, batchID, held.Owner, held.ExpiresAt.Format(time.RFC3339))
			}
			if held.Owner != owner {
				s.logger.Warn("taking over expired run lock", "batch", batchID, "previous_owner", held.Owner, "expired_at", held.ExpiresAt)
			}
		}
		return txn.SetEntry(badger.NewEntry(lockKey(batchID), data).WithTTL(ttl))
	})
	switch {
	case err == nil:
		return lease, nil
	case errors.Is(err, badger.ErrConflict):
		return nil, fmt.Errorf("%w: %s was locked concurrently", apperrors.ErrRunLockConflict, batchID)
	case errors.Is(err, apperrors.ErrRunLockConflict):
		return nil, err
	default:
		return nil, unavailable(err)
	}
}

// Release drops the lease if it is still the one stored.
func (s *StateStore) Release(l *Lease) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(l.BatchID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var held Lease
		if err := item.Value(func(val []byte) error { return decode(val, &held) }); err != nil {
			return err
		}
		if held.Owner != l.Owner {
			return nil
		}
		return txn.Delete(lockKey(l.BatchID))
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Holder returns the live lease of a batch, or nil.
func (s *StateStore) Holder(batchID string) (*Lease, error) {
	var held *Lease
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(batchID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var l Lease
		if err := item.Value(func(val []byte) error { return decode(val, &l) }); err != nil {
			return err
		}
		if s.now().Before(l.ExpiresAt) {
			held = &l
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return held, nil
}
