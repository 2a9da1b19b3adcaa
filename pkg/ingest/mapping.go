package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/agext/levenshtein"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
)

// DefaultMaxDistance is the edit distance tolerated between a sheet header
// and a known caption or field name.
const DefaultMaxDistance = 2

// minFuzzyLen keeps short headers ("ID", "No") from matching by accident.
const minFuzzyLen = 5

var headerJunk = regexp.MustCompile(`[^\p{L}\p{N}]+`)

func normalizeHeader(h string) string {
	return strings.TrimSpace(headerJunk.ReplaceAllString(strings.ToLower(h), " "))
}

// ColumnMapper rewrites spreadsheet header captions to canonical field
// names. Resolution order: configured caption, field name, then the
// closest caption or field name within MaxDistance edits. Headers that
// resolve to nothing keep their caption and end up in record extras.
type ColumnMapper struct {
	MaxDistance int

	targets map[string]string // normalized caption or field name -> field

	mu    sync.Mutex
	cache map[string]string
}

// NewColumnMapper builds a mapper for s. captions maps header captions to
// field names; entries naming undeclared fields are ignored.
func NewColumnMapper(s *schema.Schema, captions map[string]string) *ColumnMapper {
	m := &ColumnMapper{
		MaxDistance: DefaultMaxDistance,
		targets:     make(map[string]string),
		cache:       make(map[string]string),
	}
	for _, name := range s.FieldNames() {
		m.targets[normalizeHeader(name)] = name
	}
	for caption, field := range captions {
		if _, ok := s.Field(field); ok {
			m.targets[normalizeHeader(caption)] = field
		}
	}
	return m
}

// Resolve returns the canonical field for a header caption.
func (m *ColumnMapper) Resolve(header string) (string, bool) {
	norm := normalizeHeader(header)
	if norm == "" {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if field, ok := m.cache[norm]; ok {
		return field, field != ""
	}
	field := m.resolve(norm)
	m.cache[norm] = field
	return field, field != ""
}

func (m *ColumnMapper) resolve(norm string) string {
	if field, ok := m.targets[norm]; ok {
		return field
	}
	if len(norm) < minFuzzyLen || m.MaxDistance <= 0 {
		return ""
	}

	best, bestField, ambiguous := m.MaxDistance+1, "", false
	for target, field := range m.targets {
		d := levenshtein.Distance(norm, target, nil)
		switch {
		case d < best:
			best, bestField, ambiguous = d, field, false
		case d == best && field != bestField:
			ambiguous = true
		}
	}
	if best > m.MaxDistance || ambiguous {
		return ""
	}
	return bestField
}

// Header maps one sheet header row to field names, in column order.
// Blank captions become their column letter; a second column resolving to
// an already claimed field keeps its own caption.
func (m *ColumnMapper) Header(captions []string) []string {
	out := make([]string, len(captions))
	claimed := make(map[string]bool, len(captions))
	for i, caption := range captions {
		caption = strings.TrimSpace(caption)
		if caption == "" {
			out[i] = columnName(i)
			continue
		}
		name := caption
		if m != nil {
			if field, ok := m.Resolve(caption); ok && !claimed[field] {
				name = field
			}
		}
		if claimed[name] {
			name = fmt.Sprintf("%s_%d", name, i+1)
		}
		claimed[name] = true
		out[i] = name
	}
	return out
}

// columnName returns the spreadsheet column letter for a 0-based index.
func columnName(i int) string {
	name := ""
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		name = string(rune('A'+(n-1)%26)) + name
	}
	return name
}

// rowFields pairs a mapped header with one row of cells. Trailing cells
// past the header get column-letter names.
func rowFields(header []string, cells []string) (map[string]any, bool) {
	fields := make(map[string]any, len(header))
	blank := true
	for i, cell := range cells {
		if strings.TrimSpace(cell) == "" {
			continue
		}
		blank = false
		name := columnName(i)
		if i < len(header) {
			name = header[i]
		}
		fields[name] = cell
	}
	return fields, blank
}
