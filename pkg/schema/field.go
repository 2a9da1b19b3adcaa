package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldType selects the coercion applied to a raw cell.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeDate   FieldType = "date"
	TypeBool   FieldType = "bool"
	TypeEnum   FieldType = "enum"
)

// Field declares one canonical column: its type, presence rule and
// range/format constraints.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	// Key marks the field as part of the natural key. Key fields are
	// implicitly required.
	Key bool

	Min *float64
	Max *float64
	// Enum lists allowed values for TypeEnum. Matching is
	// case-insensitive; the canonical spelling is stored.
	Enum []string
	// Format is an optional named check on strings ("email").
	Format string
}

// Range is a helper for declaring numeric bounds.
func Range(lo, hi float64) (*float64, *float64) { return &lo, &hi }

// dateLayouts are tried in order for string cells.
var dateLayouts = []string{
	time.RFC3339,
	time.DateOnly,
	time.DateTime,
	"2006-01-02T15:04:05",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"2006/01/02",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// excelEpoch is day zero of the 1900 date system as used by spreadsheet
// serial numbers (accounts for the 1900 leap-year bug).
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// Coerce converts a raw cell into a typed Value according to the field
// declaration. Empty cells yield a null Value; presence is checked by
// the caller.
func (f Field) Coerce(raw any) (Value, error) {
	if isBlank(raw) {
		return Null(), nil
	}
	switch f.Type {
	case TypeString, "":
		return String(strings.TrimSpace(fmt.Sprint(raw))), nil
	case TypeNumber:
		n, err := toNumber(raw)
		if err != nil {
			return Value{}, err
		}
		return Number(n), nil
	case TypeDate:
		t, err := toDate(raw)
		if err != nil {
			return Value{}, err
		}
		return Date(t), nil
	case TypeBool:
		b, err := toBool(raw)
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case TypeEnum:
		s := strings.TrimSpace(fmt.Sprint(raw))
		for _, allowed := range f.Enum {
			if strings.EqualFold(s, allowed) {
				return String(allowed), nil
			}
		}
		return Value{}, fmt.Errorf("value %q not in %v", s, f.Enum)
	default:
		return Value{}, fmt.Errorf("unsupported field type %q", f.Type)
	}
}

// Check applies range and format constraints to an already coerced value.
func (f Field) Check(v Value) error {
	if v.IsNull() {
		return nil
	}
	if v.Kind == KindNumber {
		if f.Min != nil && v.Num < *f.Min {
			return fmt.Errorf("%v is below minimum %v", v.Num, *f.Min)
		}
		if f.Max != nil && v.Num > *f.Max {
			return fmt.Errorf("%v is above maximum %v", v.Num, *f.Max)
		}
	}
	if f.Format == "email" && v.Kind == KindString {
		at := strings.Index(v.Str, "@")
		if at <= 0 || at == len(v.Str)-1 {
			return fmt.Errorf("invalid email format %q", v.Str)
		}
	}
	return nil
}

func isBlank(raw any) bool {
	switch x := raw.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case Value:
		return x.IsNull()
	}
	return false
}

func toNumber(raw any) (float64, error) {
	switch x := raw.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("non-finite number")
		}
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case Value:
		if x.Kind == KindNumber {
			return x.Num, nil
		}
		return toNumber(x.String())
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%q is not a number", fmt.Sprint(raw))
	}
	return n, nil
}

func toDate(raw any) (time.Time, error) {
	switch x := raw.(type) {
	case time.Time:
		return x, nil
	case float64:
		return fromSerial(x)
	case int:
		return fromSerial(float64(x))
	case Value:
		if x.Kind == KindDate {
			return x.Time, nil
		}
		return toDate(x.String())
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	// Numeric strings are spreadsheet serial days.
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromSerial(n)
	}
	return time.Time{}, fmt.Errorf("%q is not a date", s)
}

func fromSerial(days float64) (time.Time, error) {
	if days < 1 || days > 2958465 { // 9999-12-31
		return time.Time{}, fmt.Errorf("serial date %v out of range", days)
	}
	whole := math.Floor(days)
	frac := days - whole
	t := excelEpoch.AddDate(0, 0, int(whole))
	return t.Add(time.Duration(math.Round(frac*86400)) * time.Second), nil
}

func toBool(raw any) (bool, error) {
	switch x := raw.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case int:
		return x != 0, nil
	}
	switch strings.ToLower(strings.TrimSpace(fmt.Sprint(raw))) {
	case "true", "yes", "y", "1", "x":
		return true, nil
	case "false", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean", fmt.Sprint(raw))
}
