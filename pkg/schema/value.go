package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind is the type tag of a scalar Value.
type Kind string

const (
	KindNull   Kind = "null"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindDate   Kind = "date"
	KindBool   Kind = "bool"
)

// Value is a typed scalar cell. The zero Value is null.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Time time.Time
	Bool bool
}

func Null() Value            { return Value{Kind: KindNull} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func Date(t time.Time) Value { return Value{Kind: KindDate, Time: t.UTC()} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }

// IsNull reports whether the cell is empty.
func (v Value) IsNull() bool { return v.Kind == "" || v.Kind == KindNull }

// Equal compares kind and rendered content.
func (v Value) Equal(o Value) bool { return v.kind() == o.kind() && v.String() == o.String() }

func (v Value) kind() Kind {
	if v.Kind == "" {
		return KindNull
	}
	return v.Kind
}

// String renders the value the way it appears in a materialized table.
func (v Value) String() string {
	switch v.kind() {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindDate:
		if v.Time.Hour() == 0 && v.Time.Minute() == 0 && v.Time.Second() == 0 && v.Time.Nanosecond() == 0 {
			return v.Time.Format(time.DateOnly)
		}
		return v.Time.Format(time.RFC3339)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

type wireValue struct {
	K Kind            `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes the value with an explicit kind tag so documents
// decode back to the same Kind.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{K: v.kind()}
	var err error
	switch w.K {
	case KindString:
		w.V, err = json.Marshal(v.Str)
	case KindNumber:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return nil, fmt.Errorf("schema: non-finite number %v", v.Num)
		}
		w.V, err = json.Marshal(v.Num)
	case KindDate:
		w.V, err = json.Marshal(v.Time.UTC().Format(time.RFC3339Nano))
	case KindBool:
		w.V, err = json.Marshal(v.Bool)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = Value{Kind: w.K}
	switch w.K {
	case KindString:
		return json.Unmarshal(w.V, &v.Str)
	case KindNumber:
		return json.Unmarshal(w.V, &v.Num)
	case KindBool:
		return json.Unmarshal(w.V, &v.Bool)
	case KindDate:
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		v.Time = t.UTC()
	case KindNull, "":
		v.Kind = KindNull
	default:
		return fmt.Errorf("schema: unknown value kind %q", w.K)
	}
	return nil
}

// ValueOf wraps an untyped cell without coercion. Used for extra columns
// the schema does not declare.
func ValueOf(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case string:
		if x == "" {
			return Null()
		}
		return String(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case bool:
		return Bool(x)
	case time.Time:
		return Date(x)
	default:
		return String(fmt.Sprint(x))
	}
}
