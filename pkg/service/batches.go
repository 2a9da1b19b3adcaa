package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/duynguyendang/weeklyanalytics/internal/manager"
	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/export"
	"github.com/duynguyendang/weeklyanalytics/pkg/pipeline"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/store"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Materialized tables are cached per committed manifest.
const (
	tableCacheSize = 16
	tableCacheTTL  = 10 * time.Minute
)

// BatchLister abstracts the collection manager.
type BatchLister interface {
	ListBatches() ([]manager.BatchInfo, error)
}

// ManifestReader returns the commit manifest of a batch.
type ManifestReader interface {
	Manifest(ctx context.Context, batchID string) (*store.Manifest, error)
}

// BatchView is a stored batch together with its latest run.
type BatchView struct {
	manager.BatchInfo
	Committed   bool           `json:"committed"`
	Records     int            `json:"records"`
	CommittedAt *time.Time     `json:"committed_at,omitempty"`
	Stage       pipeline.Stage `json:"stage,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
}

// Report is a formatted report read back from disk.
type Report struct {
	Path        string
	ContentType string
	Body        []byte
}

var contentTypes = map[string]string{
	"md":   "text/markdown; charset=utf-8",
	"html": "text/html; charset=utf-8",
	"json": "application/json",
}

// BatchService answers batch, table, report and run queries and starts
// pipeline runs in the background.
type BatchService struct {
	batches   BatchLister
	manifests ManifestReader
	tables    pipeline.Materializer
	runs      *pipeline.Pipeline
	chart     *export.D3Transformer
	cache     *expirable.LRU[string, *table.Table]
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
}

// NewBatchService creates a new BatchService.
func NewBatchService(batches BatchLister, manifests ManifestReader, tables pipeline.Materializer, runs *pipeline.Pipeline, logger *slog.Logger) *BatchService {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BatchService{
		batches:   batches,
		manifests: manifests,
		tables:    tables,
		runs:      runs,
		chart:     export.NewD3Transformer(),
		cache:     expirable.NewLRU[string, *table.Table](tableCacheSize, nil, tableCacheTTL),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]bool),
	}
}

// ListBatches returns the stored batches, oldest id first.
func (s *BatchService) ListBatches(ctx context.Context) ([]BatchView, error) {
	infos, err := s.batches.ListBatches()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStorageUnavailable, err)
	}
	views := make([]BatchView, 0, len(infos))
	for _, info := range infos {
		v := BatchView{BatchInfo: info}
		m, err := s.manifests.Manifest(ctx, info.ID)
		switch {
		case err == nil:
			v.Committed = true
			v.Records = len(m.Keys)
			at := m.CommittedAt
			v.CommittedAt = &at
		case errors.Is(err, store.ErrNotCommitted):
		default:
			return nil, err
		}
		if st, err := s.runs.Status(info.ID); err == nil {
			v.Stage = st.Stage
			v.RunID = st.RunID
		}
		views = append(views, v)
	}
	return views, nil
}

// Table materializes the committed records of a batch. Tables of a
// committed batch are served from cache until the manifest changes.
func (s *BatchService) Table(ctx context.Context, batchID string) (*table.Table, error) {
	id, err := schema.ParseBatchID(batchID)
	if err != nil {
		return nil, err
	}
	m, err := s.manifests.Manifest(ctx, id)
	if err != nil {
		return s.tables.Materialize(ctx, id)
	}
	key := id + "@" + m.Digest
	if tbl, ok := s.cache.Get(key); ok {
		return tbl, nil
	}
	tbl, err := s.tables.Materialize(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, tbl)
	return tbl, nil
}

// Chart returns the batch → status → deal hierarchy of a batch.
func (s *BatchService) Chart(ctx context.Context, batchID string) (*export.D3Node, error) {
	tbl, err := s.Table(ctx, batchID)
	if err != nil {
		return nil, err
	}
	root, err := s.chart.Transform(tbl)
	if err != nil {
		return nil, fmt.Errorf("%w: chart failed: %v", apperrors.ErrInternal, err)
	}
	return root, nil
}

// RunStatus returns the current or latest archived RunState of a batch.
func (s *BatchService) RunStatus(batchID string) (*pipeline.RunState, error) {
	id, err := schema.ParseBatchID(batchID)
	if err != nil {
		return nil, err
	}
	st, err := s.runs.Status(id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: no run of %s", apperrors.ErrNotFound, id)
		}
		return nil, err
	}
	return st, nil
}

// History returns the archived runs of a batch, oldest first.
func (s *BatchService) History(batchID string) ([]pipeline.RunState, error) {
	id, err := schema.ParseBatchID(batchID)
	if err != nil {
		return nil, err
	}
	return s.runs.History(id)
}

// Runs returns the latest RunState of every batch.
func (s *BatchService) Runs() ([]pipeline.RunState, error) {
	return s.runs.Runs()
}

// Report reads the most recent report of a batch in the given format.
func (s *BatchService) Report(batchID, format string) (*Report, error) {
	fs, err := export.Formatters([]string{format})
	if err != nil {
		return nil, err
	}
	ext := "." + fs[0].Ext()

	st, err := s.RunStatus(batchID)
	if err != nil {
		return nil, err
	}
	candidates := [][]string{st.Checkpoint.ReportPaths}
	hist, err := s.runs.History(st.BatchID)
	if err != nil {
		return nil, err
	}
	for _, h := range slices.Backward(hist) {
		candidates = append(candidates, h.Checkpoint.ReportPaths)
	}

	for _, paths := range candidates {
		for _, p := range paths {
			if filepath.Ext(p) != ext {
				continue
			}
			body, err := os.ReadFile(p)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read report: %w", err)
			}
			return &Report{Path: p, ContentType: contentTypes[fs[0].Ext()], Body: body}, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s report for %s", apperrors.ErrNotFound, fs[0].Name(), st.BatchID)
}

// Run drives a batch to DONE in the caller's goroutine.
func (s *BatchService) Run(ctx context.Context, batchID string) (*pipeline.Outcome, error) {
	id, err := schema.ParseBatchID(batchID)
	if err != nil {
		return nil, err
	}
	if !s.claim(id) {
		return nil, fmt.Errorf("%w: %s is already running in this process", apperrors.ErrRunLockConflict, id)
	}
	defer s.release(id)
	return s.runs.Run(ctx, id)
}

// Start runs a batch in the background and returns once it is scheduled.
// A batch already running in this process is a lock conflict.
func (s *BatchService) Start(batchID string) (string, error) {
	id, err := schema.ParseBatchID(batchID)
	if err != nil {
		return "", err
	}
	if !s.claim(id) {
		return "", fmt.Errorf("%w: %s is already running in this process", apperrors.ErrRunLockConflict, id)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id)
		out, err := s.runs.Run(s.ctx, id)
		if err != nil {
			s.logger.Error("background run failed", "batch", id, "error", err)
			return
		}
		s.logger.Info("background run complete", "batch", id, "run_id", out.RunID, "degraded", out.Degraded)
	}()
	return id, nil
}

// Close cancels background runs and waits for them to checkpoint.
func (s *BatchService) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every background run has returned.
func (s *BatchService) Wait() { s.wg.Wait() }

func (s *BatchService) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[id] {
		return false
	}
	s.active[id] = true
	return true
}

func (s *BatchService) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
