package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
)

// CSVReader reads comma separated exports of the tracking sheet.
type CSVReader struct {
	// Comma overrides the field delimiter (default ',').
	Comma  rune
	Mapper *ColumnMapper
}

func (r *CSVReader) Read(ctx context.Context, src SourceFile) iter.Seq2[schema.RawRow, error] {
	return func(yield func(schema.RawRow, error) bool) {
		fail := func(err error) { yield(schema.RawRow{}, fmt.Errorf("%s: %w", src.Name, err)) }

		file, err := os.Open(src.Path)
		if err != nil {
			fail(err)
			return
		}
		defer file.Close()

		br := bufio.NewReader(file)
		if bom, _ := br.Peek(3); string(bom) == "\xef\xbb\xbf" {
			br.Discard(3)
		}
		cr := csv.NewReader(br)
		cr.FieldsPerRecord = -1
		if r.Comma != 0 {
			cr.Comma = r.Comma
		}

		var header []string
		for {
			if err := ctx.Err(); err != nil {
				yield(schema.RawRow{}, err)
				return
			}
			cells, err := cr.Read()
			if errors.Is(err, io.EOF) {
				if header == nil {
					fail(fmt.Errorf("file has no header row"))
				}
				return
			}
			if err != nil {
				fail(err)
				return
			}
			if header == nil {
				header = r.Mapper.Header(cells)
				continue
			}
			fields, blank := rowFields(header, trimAll(cells))
			if blank {
				continue
			}
			line, _ := cr.FieldPos(0)
			if !yield(schema.RawRow{Source: src.Name, Row: line, Fields: fields}, nil) {
				return
			}
		}
	}
}

func trimAll(cells []string) []string {
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}
