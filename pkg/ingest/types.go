package ingest

import (
	"context"
	"iter"
	"time"

	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
)

// SourceFile is one spreadsheet picked up by a folder scan.
type SourceFile struct {
	Path    string    `json:"path" yaml:"path"`
	Name    string    `json:"name" yaml:"name"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"mod_time" yaml:"mod_time"`
}

// Reader is the interface for format-specific row extraction.
type Reader interface {
	// Read returns a lazy sequence of rows. Iterating again re-reads the
	// file from the start. A file that cannot be opened or parsed yields a
	// single error and ends the sequence.
	Read(ctx context.Context, src SourceFile) iter.Seq2[schema.RawRow, error]
}

// Extraction is the outcome of one extraction pass over the source folder.
type Extraction struct {
	Batch   *schema.Batch
	Rejects []*schema.SchemaError
	Files   []SourceFile
	// Rows counts every data row read, accepted or not.
	Rows int
}

// RejectRatio is the share of rows that failed validation.
func (e *Extraction) RejectRatio() float64 {
	if e.Rows == 0 {
		return 0
	}
	return float64(len(e.Rejects)) / float64(e.Rows)
}
