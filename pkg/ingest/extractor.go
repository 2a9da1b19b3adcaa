package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"golang.org/x/sync/errgroup"
)

// MaxWorkers caps the validation worker pool.
const MaxWorkers = 8

// Extractor turns the spreadsheets in a folder into one validated batch.
type Extractor struct {
	Dir     string
	Pattern string
	Schema  *schema.Schema
	// Readers are keyed by lower-case file extension (".xlsx", ".csv").
	Readers map[string]Reader
	Workers int
	Now     func() time.Time
	Logger  *slog.Logger
}

// ExtractorConfig holds the knobs NewExtractor needs.
type ExtractorConfig struct {
	Dir      string
	Pattern  string
	Sheet    string
	Captions map[string]string
	Workers  int
}

// NewExtractor wires the xlsx and csv readers behind one column mapper.
func NewExtractor(cfg ExtractorConfig, s *schema.Schema, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	captions := cfg.Captions
	if captions == nil {
		captions = schema.DefaultColumns()
	}
	mapper := NewColumnMapper(s, captions)
	return &Extractor{
		Dir:     cfg.Dir,
		Pattern: cfg.Pattern,
		Schema:  s,
		Readers: map[string]Reader{
			".xlsx": &XLSXReader{Sheet: cfg.Sheet, Mapper: mapper},
			".csv":  &CSVReader{Mapper: mapper},
		},
		Workers: cfg.Workers,
		Now:     time.Now,
		Logger:  logger,
	}
}

// Extract reads every matching file, validates rows concurrently and
// returns the batch sorted by natural key together with per-row rejects.
// Any file that cannot be read fails the whole extraction.
func (e *Extractor) Extract(ctx context.Context, batchID string) (*Extraction, error) {
	files, err := ScanFolder(e.Dir, e.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSourceUnreadable, err)
	}

	var raws []schema.RawRow
	for _, f := range files {
		reader, ok := e.Readers[strings.ToLower(filepath.Ext(f.Name))]
		if !ok {
			return nil, fmt.Errorf("%w: no reader for %s", apperrors.ErrSourceUnreadable, f.Name)
		}
		before := len(raws)
		for row, err := range reader.Read(ctx, f) {
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w: %v", apperrors.ErrSourceUnreadable, err)
			}
			raws = append(raws, row)
		}
		e.logger().Debug("read source file", "batch", batchID, "file", f.Name, "rows", len(raws)-before)
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	extractedAt := now().UTC()
	validator := schema.NewValidator(e.Schema, batchID, extractedAt)

	type result struct {
		rec schema.Record
		err error
	}
	results := make([]result, len(raws))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for i := range raws {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := validator.Validate(raws[i])
			results[i] = result{rec: rec, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Extraction{
		Batch: &schema.Batch{ID: batchID, ExtractedAt: extractedAt},
		Files: files,
		Rows:  len(raws),
	}
	seen := make(map[string]schema.Provenance, len(results))
	for _, r := range results {
		if r.err != nil {
			var se *schema.SchemaError
			if !errors.As(r.err, &se) {
				return nil, r.err
			}
			out.Rejects = append(out.Rejects, se)
			continue
		}
		if first, dup := seen[r.rec.Key]; dup {
			out.Rejects = append(out.Rejects, &schema.SchemaError{
				Source: r.rec.Provenance.SourceFile,
				Row:    r.rec.Provenance.Row,
				Reason: fmt.Sprintf("duplicate key %s, first seen in %s row %d", r.rec.Key, first.SourceFile, first.Row),
			})
			continue
		}
		seen[r.rec.Key] = r.rec.Provenance
		out.Batch.Records = append(out.Batch.Records, r.rec)
	}
	schema.SortRecords(out.Batch.Records)
	sort.SliceStable(out.Rejects, func(i, j int) bool {
		a, b := out.Rejects[i], out.Rejects[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Row < b.Row
	})

	for _, rej := range out.Rejects {
		e.logger().Warn("row rejected", "batch", batchID, "source", rej.Source, "row", rej.Row, "field", rej.Field, "reason", rej.Reason)
	}
	e.logger().Info("extraction complete",
		"batch", batchID,
		"files", len(files),
		"rows", out.Rows,
		"records", len(out.Batch.Records),
		"rejected", len(out.Rejects),
	)
	return out, nil
}

func (e *Extractor) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return min(runtime.NumCPU(), MaxWorkers)
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
