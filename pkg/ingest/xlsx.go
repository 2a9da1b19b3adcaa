package ingest

import (
	"context"
	"fmt"
	"iter"

	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/xuri/excelize/v2"
)

// XLSXReader streams rows from one worksheet of an .xlsx workbook. Cells
// are read raw (unformatted), so dates arrive as serial day numbers and
// are coerced by the schema.
type XLSXReader struct {
	// Sheet selects the worksheet; empty means the first sheet.
	Sheet  string
	Mapper *ColumnMapper
}

func (r *XLSXReader) Read(ctx context.Context, src SourceFile) iter.Seq2[schema.RawRow, error] {
	return func(yield func(schema.RawRow, error) bool) {
		fail := func(err error) { yield(schema.RawRow{}, fmt.Errorf("%s: %w", src.Name, err)) }

		f, err := excelize.OpenFile(src.Path)
		if err != nil {
			fail(err)
			return
		}
		defer f.Close()

		sheet, err := pickSheet(f, r.Sheet)
		if err != nil {
			fail(err)
			return
		}
		rows, err := f.Rows(sheet)
		if err != nil {
			fail(err)
			return
		}
		defer rows.Close()

		var header []string
		for n := 1; rows.Next(); n++ {
			if err := ctx.Err(); err != nil {
				yield(schema.RawRow{}, err)
				return
			}
			cells, err := rows.Columns(excelize.Options{RawCellValue: true})
			if err != nil {
				fail(fmt.Errorf("row %d: %w", n, err))
				return
			}
			if header == nil {
				if len(cells) == 0 {
					fail(fmt.Errorf("sheet %q has no header row", sheet))
					return
				}
				header = r.Mapper.Header(cells)
				continue
			}
			fields, blank := rowFields(header, cells)
			if blank {
				continue
			}
			if !yield(schema.RawRow{Source: src.Name, Sheet: sheet, Row: n, Fields: fields}, nil) {
				return
			}
		}
		if err := rows.Error(); err != nil {
			fail(err)
		}
	}
}

func pickSheet(f *excelize.File, want string) (string, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", fmt.Errorf("workbook has no sheets")
	}
	if want == "" {
		return sheets[0], nil
	}
	for _, s := range sheets {
		if s == want {
			return s, nil
		}
	}
	return "", fmt.Errorf("sheet %q not found (have %v)", want, sheets)
}
