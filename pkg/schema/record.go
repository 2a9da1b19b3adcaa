package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
)

// RawRow is one untyped spreadsheet row keyed by canonical field name
// (after header mapping), plus its position in the source.
type RawRow struct {
	Source string
	Sheet  string
	// Row is the 1-based spreadsheet row; the header occupies row 1.
	Row    int
	Fields map[string]any
}

// Provenance records where a record came from.
type Provenance struct {
	SourceFile  string    `json:"source_file"`
	Sheet       string    `json:"sheet,omitempty"`
	Row         int       `json:"row"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Record is one validated row.
type Record struct {
	Key        string           `json:"key"`
	Payload    map[string]Value `json:"payload"`
	Extras     map[string]Value `json:"extras,omitempty"`
	Provenance Provenance       `json:"provenance"`
}

// Digest hashes the record content (key, payload, extras, source
// location) but not the extraction timestamp, so re-extracting an
// unchanged source yields the same digest.
func (r Record) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00", r.Key, r.Provenance.SourceFile, r.Provenance.Sheet, r.Provenance.Row)
	writeSorted(h, r.Payload)
	h.Write([]byte{0x01})
	writeSorted(h, r.Extras)
	return hex.EncodeToString(h.Sum(nil))
}

func writeSorted(h interface{ Write([]byte) (int, error) }, m map[string]Value) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b, _ := json.Marshal(m[k])
		fmt.Fprintf(h, "%s=%s\x00", k, b)
	}
}

// SchemaError is a per-record validation failure. It never aborts a
// batch by itself.
type SchemaError struct {
	Source string `json:"source"`
	Row    int    `json:"row"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e *SchemaError) Error() string {
	loc := fmt.Sprintf("%s row %d", e.Source, e.Row)
	if e.Field != "" {
		return fmt.Sprintf("%s: field %s: %s", loc, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", loc, e.Reason)
}

func (e *SchemaError) Unwrap() error { return apperrors.ErrSchema }

// Batch is one weekly extraction: records sorted by natural key.
type Batch struct {
	ID          string    `json:"id"`
	Records     []Record  `json:"records"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Keys returns the natural keys in batch order.
func (b *Batch) Keys() []string {
	keys := make([]string, len(b.Records))
	for i, r := range b.Records {
		keys[i] = r.Key
	}
	return keys
}

// SortRecords orders records by natural key.
func SortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
}

var batchIDPattern = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)

// BatchIDFor returns the ISO week batch identifier for t, e.g. "2024-W20".
func BatchIDFor(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// ParseBatchID validates a batch identifier.
func ParseBatchID(id string) (string, error) {
	id = strings.TrimSpace(id)
	m := batchIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", fmt.Errorf("%w: batch id %q is not of the form YYYY-Www", apperrors.ErrInvalidInput, id)
	}
	week, _ := strconv.Atoi(m[2])
	if week < 1 || week > 53 {
		return "", fmt.Errorf("%w: batch id %q has week out of range", apperrors.ErrInvalidInput, id)
	}
	return id, nil
}

var keyUnsafe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// keyPart normalizes one natural-key component: lower case, runs of
// non-alphanumerics collapsed to '-'.
func keyPart(s string) string {
	s = keyUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	return strings.Trim(s, "-")
}
