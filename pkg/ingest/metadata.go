package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

// SheetMetadata describes one worksheet.
type SheetMetadata struct {
	Name    string   `yaml:"name" json:"name"`
	Rows    int      `yaml:"rows" json:"rows"`
	Columns int      `yaml:"columns" json:"columns"`
	Headers []string `yaml:"headers" json:"headers"`
	// Mapped lists the field each header resolves to, "" when unmapped.
	Mapped []string `yaml:"mapped,omitempty" json:"mapped,omitempty"`
}

// FileMetadata is what `wka inspect` reports about a source file.
type FileMetadata struct {
	File   SourceFile      `yaml:"file" json:"file"`
	Sheets []SheetMetadata `yaml:"sheets" json:"sheets"`
}

// Inspect reads a spreadsheet's layout without validating any row.
// Row counts include the header row.
func Inspect(ctx context.Context, path string, mapper *ColumnMapper) (*FileMetadata, error) {
	src, err := StatFile(path)
	if err != nil {
		return nil, err
	}
	meta := &FileMetadata{File: src}

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		sheet, err := csvLayout(src)
		if err != nil {
			return nil, err
		}
		meta.Sheets = append(meta.Sheets, describe(sheet, mapper))
		return meta, nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	for _, name := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q: %w", name, err)
		}
		sheet := SheetMetadata{Name: name, Rows: len(rows)}
		for i, r := range rows {
			if i == 0 {
				sheet.Headers = append([]string(nil), r...)
			}
			sheet.Columns = max(sheet.Columns, len(r))
		}
		meta.Sheets = append(meta.Sheets, describe(sheet, mapper))
	}
	return meta, nil
}

func csvLayout(src SourceFile) (SheetMetadata, error) {
	file, err := os.Open(src.Path)
	if err != nil {
		return SheetMetadata{}, err
	}
	defer file.Close()

	sheet := SheetMetadata{Name: src.Name}
	cr := csv.NewReader(file)
	cr.FieldsPerRecord = -1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return sheet, nil
		}
		if err != nil {
			return SheetMetadata{}, fmt.Errorf("%s: %w", src.Name, err)
		}
		if sheet.Rows == 0 {
			sheet.Headers = trimAll(append([]string(nil), rec...))
			if len(sheet.Headers) > 0 {
				sheet.Headers[0] = strings.TrimPrefix(sheet.Headers[0], "\ufeff")
			}
		}
		sheet.Rows++
		sheet.Columns = max(sheet.Columns, len(rec))
	}
}

func describe(sheet SheetMetadata, mapper *ColumnMapper) SheetMetadata {
	if mapper == nil {
		return sheet
	}
	sheet.Mapped = make([]string, len(sheet.Headers))
	for i, h := range sheet.Headers {
		sheet.Mapped[i], _ = mapper.Resolve(h)
	}
	return sheet
}

// WriteYAML renders the metadata the way `wka inspect` prints it.
func (m *FileMetadata) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return err
	}
	return enc.Close()
}
