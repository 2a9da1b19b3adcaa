package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
)

// ErrNotCommitted is returned when a batch has no manifest, or the stored
// documents no longer match it.
var ErrNotCommitted = errors.New("batch not committed")

// Collections hands out the badger collection of a batch. With create
// false a missing collection is apperrors.ErrBatchNotFound.
type Collections interface {
	Collection(batchID string, create bool) (*badger.DB, error)
	Batches() ([]string, error)
}

// document is the stored form of a record.
type document struct {
	Digest string        `json:"digest"`
	Record schema.Record `json:"record"`
}

// Manifest confirms that a batch was written completely.
type Manifest struct {
	BatchID     string    `json:"batch_id"`
	Keys        []string  `json:"keys"`
	Digest      string    `json:"digest"`
	CommittedAt time.Time `json:"committed_at"`
}

// KeyFailure is one record the gateway could not write.
type KeyFailure struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// UpsertReport summarizes one UpsertBatch call.
type UpsertReport struct {
	BatchID   string       `json:"batch_id"`
	Inserted  int          `json:"inserted"`
	Replaced  int          `json:"replaced"`
	Unchanged int          `json:"unchanged"`
	Pruned    int          `json:"pruned"`
	Failed    int          `json:"failed"`
	Failures  []KeyFailure `json:"failures,omitempty"`
	// Manifest is set when every record was written.
	Manifest *Manifest `json:"manifest,omitempty"`
}

// Committed reports whether the batch is fully stored.
func (r *UpsertReport) Committed() bool { return r.Failed == 0 && r.Manifest != nil }

// Gateway is the only writer of record collections.
type Gateway struct {
	cols   Collections
	logger *slog.Logger
	now    func() time.Time
}

// NewGateway creates a gateway over cols.
func NewGateway(cols Collections, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cols: cols, logger: logger, now: time.Now}
}

// BatchDigest hashes the natural keys and record digests of a batch in
// key order. It is what the manifest records.
func BatchDigest(recs []schema.Record) string {
	sorted := make([]schema.Record, len(recs))
	copy(sorted, recs)
	schema.SortRecords(sorted)
	h := sha256.New()
	for _, r := range sorted {
		h.Write([]byte(r.Key))
		h.Write([]byte{0})
		h.Write([]byte(r.Digest()))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// UpsertBatch writes every record keyed by its natural key, replacing any
// existing document with the same key as a whole. Per-record failures are
// reported, not returned. Once every record is written the batch manifest
// is stored and documents for keys no longer in the batch are pruned.
// An empty batch is refused with apperrors.ErrEmptyBatch and leaves the
// collection untouched; otherwise only an unusable collection returns an
// error.
func (g *Gateway) UpsertBatch(ctx context.Context, batch *schema.Batch) (*UpsertReport, error) {
	if len(batch.Records) == 0 {
		return nil, fmt.Errorf("%w: refusing to store %s without records", apperrors.ErrEmptyBatch, batch.ID)
	}
	db, err := g.cols.Collection(batch.ID, true)
	if err != nil {
		return nil, unavailable(err)
	}

	// A previous manifest must not vouch for a batch being rewritten.
	if err := db.Update(func(txn *badger.Txn) error { return txn.Delete(keyManifest) }); err != nil {
		return nil, unavailable(err)
	}

	report := &UpsertReport{BatchID: batch.ID}
	keep := make(map[string]bool, len(batch.Records))
	prefix := batch.ID + ":"

	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		keep[rec.Key] = true

		if !strings.HasPrefix(rec.Key, prefix) || len(rec.Key) == len(prefix) {
			report.fail(rec.Key, "key does not belong to batch "+batch.ID)
			continue
		}

		outcome, err := g.put(db, rec)
		if err != nil {
			if isUnavailable(err) {
				return report, unavailable(err)
			}
			report.fail(rec.Key, err.Error())
			g.logger.Warn("record write failed", "batch", batch.ID, "key", rec.Key, "error", err)
			continue
		}
		switch outcome {
		case outcomeInserted:
			report.Inserted++
		case outcomeReplaced:
			report.Replaced++
		default:
			report.Unchanged++
		}
	}

	if report.Failed > 0 {
		g.logger.Warn("batch not committed", "batch", batch.ID, "failed", report.Failed)
		return report, nil
	}

	pruned, err := g.prune(db, keep)
	if err != nil {
		return report, unavailable(err)
	}
	report.Pruned = pruned

	m := &Manifest{
		BatchID:     batch.ID,
		Keys:        batch.Keys(),
		Digest:      BatchDigest(batch.Records),
		CommittedAt: g.now().UTC(),
	}
	sort.Strings(m.Keys)
	data, err := encode(m)
	if err != nil {
		return report, err
	}
	if err := db.Update(func(txn *badger.Txn) error { return txn.Set(keyManifest, data) }); err != nil {
		return report, unavailable(err)
	}
	report.Manifest = m

	g.logger.Info("batch stored",
		"batch", batch.ID,
		"inserted", report.Inserted,
		"replaced", report.Replaced,
		"unchanged", report.Unchanged,
		"pruned", report.Pruned,
	)
	return report, nil
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeInserted
	outcomeReplaced
)

// put writes one record in its own transaction. Conflicting concurrent
// writers are retried once.
func (g *Gateway) put(db *badger.DB, rec schema.Record) (outcome, error) {
	doc := document{Digest: rec.Digest(), Record: rec}
	data, err := encode(doc)
	if err != nil {
		return 0, err
	}
	k := docKey(rec.Key)

	var out outcome
	write := func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			out = outcomeInserted
		case err != nil:
			return err
		default:
			var existing document
			verr := item.Value(func(val []byte) error { return decode(val, &existing) })
			if verr == nil && existing.Digest == doc.Digest {
				out = outcomeUnchanged
				return nil
			}
			out = outcomeReplaced
		}
		return txn.Set(k, data)
	}

	err = db.Update(write)
	if errors.Is(err, badger.ErrConflict) {
		err = db.Update(write)
	}
	return out, err
}

func (g *Gateway) prune(db *badger.DB, keep map[string]bool) (int, error) {
	var stale [][]byte
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{DocPrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			if !keep[string(k[1:])] {
				stale = append(stale, k)
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	g.logger.Debug("pruned stale records", "count", len(stale))
	return len(stale), nil
}

// ReadBatch returns the stored records of a batch in natural key order.
func (g *Gateway) ReadBatch(ctx context.Context, batchID string) ([]schema.Record, error) {
	docs, err := g.scan(ctx, batchID)
	if err != nil {
		return nil, err
	}
	recs := make([]schema.Record, len(docs))
	for i, d := range docs {
		recs[i] = d.Record
	}
	return recs, nil
}

func (g *Gateway) scan(ctx context.Context, batchID string) ([]document, error) {
	db, err := g.cols.Collection(batchID, false)
	if err != nil {
		if errors.Is(err, apperrors.ErrBatchNotFound) {
			return nil, err
		}
		return nil, unavailable(err)
	}

	var docs []document
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{DocPrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var d document
			if err := it.Item().Value(func(val []byte) error { return decode(val, &d) }); err != nil {
				return fmt.Errorf("record %s: %w", it.Item().Key()[1:], err)
			}
			docs = append(docs, d)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isUnavailable(err) {
			return nil, unavailable(err)
		}
		return nil, fmt.Errorf("failed to read batch %s: %w", batchID, err)
	}
	return docs, nil
}

// Manifest returns the commit manifest of a batch.
func (g *Gateway) Manifest(ctx context.Context, batchID string) (*Manifest, error) {
	db, err := g.cols.Collection(batchID, false)
	if err != nil {
		if errors.Is(err, apperrors.ErrBatchNotFound) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	var m Manifest
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyManifest)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return decode(val, &m) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s has no manifest", ErrNotCommitted, batchID)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &m, nil
}

// Verify checks that the stored documents of a batch still match its
// manifest, without needing the source spreadsheets.
func (g *Gateway) Verify(ctx context.Context, batchID string) (*Manifest, error) {
	m, err := g.Manifest(ctx, batchID)
	if err != nil {
		return nil, err
	}
	docs, err := g.scan(ctx, batchID)
	if err != nil {
		return nil, err
	}
	recs := make([]schema.Record, len(docs))
	for i, d := range docs {
		if d.Record.Digest() != d.Digest {
			return nil, fmt.Errorf("%w: record %s does not match its digest", ErrNotCommitted, d.Record.Key)
		}
		recs[i] = d.Record
	}
	if len(recs) != len(m.Keys) || BatchDigest(recs) != m.Digest {
		return nil, fmt.Errorf("%w: %s holds %d records, manifest lists %d", ErrNotCommitted, batchID, len(recs), len(m.Keys))
	}
	return m, nil
}

// Matches reports whether the committed manifest describes exactly batch.
func (m *Manifest) Matches(batch *schema.Batch) bool {
	return m != nil && m.BatchID == batch.ID && len(m.Keys) == len(batch.Records) && m.Digest == BatchDigest(batch.Records)
}

// Batches lists the batch ids that have a collection.
func (g *Gateway) Batches() ([]string, error) {
	ids, err := g.cols.Batches()
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

func (r *UpsertReport) fail(key, reason string) {
	r.Failed++
	r.Failures = append(r.Failures, KeyFailure{Key: key, Reason: reason})
}

func isUnavailable(err error) bool {
	var pathErr *fs.PathError
	return errors.Is(err, badger.ErrDBClosed) ||
		errors.Is(err, badger.ErrBlockedWrites) ||
		errors.As(err, &pathErr)
}

func unavailable(err error) error {
	if errors.Is(err, apperrors.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", apperrors.ErrStorageUnavailable, err)
}
