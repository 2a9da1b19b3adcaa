package schema

import (
	"fmt"
	"strings"
	"time"
)

// Rule is a cross-field constraint evaluated after every field coerced
// cleanly. It returns the offending field name and a reason, or "" and
// nil when the payload is acceptable.
type Rule func(payload map[string]Value) (field string, err error)

// Schema is the canonical row shape. Fields are declared once; their
// order is the column order of materialized tables.
type Schema struct {
	Name   string
	Fields []Field
	Rules  []Rule
}

// Field looks up a declared field by name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns declared field names in order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// KeyFields returns the fields that make up the natural key, in order.
func (s *Schema) KeyFields() []string {
	var keys []string
	for _, f := range s.Fields {
		if f.Key {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// Validator binds a schema to one batch so it can derive natural keys
// and stamp provenance.
type Validator struct {
	schema      *Schema
	batchID     string
	extractedAt time.Time
}

// NewValidator returns a validator for records of batchID.
func NewValidator(s *Schema, batchID string, extractedAt time.Time) *Validator {
	return &Validator{schema: s, batchID: batchID, extractedAt: extractedAt.UTC()}
}

// Validate turns a raw row into a Record. The returned error, when
// non-nil, is always a *SchemaError.
func (v *Validator) Validate(raw RawRow) (Record, error) {
	fail := func(field, format string, args ...any) (Record, error) {
		return Record{}, &SchemaError{
			Source: raw.Source,
			Row:    raw.Row,
			Field:  field,
			Reason: fmt.Sprintf(format, args...),
		}
	}

	payload := make(map[string]Value, len(v.schema.Fields))
	for _, f := range v.schema.Fields {
		val, err := f.Coerce(raw.Fields[f.Name])
		if err != nil {
			return fail(f.Name, "%v", err)
		}
		if val.IsNull() {
			if f.Required || f.Key {
				return fail(f.Name, "required field is missing")
			}
			continue
		}
		if err := f.Check(val); err != nil {
			return fail(f.Name, "%v", err)
		}
		payload[f.Name] = val
	}

	for _, rule := range v.schema.Rules {
		if field, err := rule(payload); err != nil {
			return fail(field, "%v", err)
		}
	}

	var extras map[string]Value
	for name, cell := range raw.Fields {
		if _, declared := v.schema.Field(name); declared {
			continue
		}
		val := ValueOf(cell)
		if val.IsNull() {
			continue
		}
		if extras == nil {
			extras = make(map[string]Value)
		}
		extras[name] = val
	}

	key, err := v.naturalKey(payload)
	if err != nil {
		return fail("", "%v", err)
	}

	return Record{
		Key:     key,
		Payload: payload,
		Extras:  extras,
		Provenance: Provenance{
			SourceFile:  raw.Source,
			Sheet:       raw.Sheet,
			Row:         raw.Row,
			ExtractedAt: v.extractedAt,
		},
	}, nil
}

// naturalKey composes "<batch>:<part>/<part>..." from the key fields.
func (v *Validator) naturalKey(payload map[string]Value) (string, error) {
	keyFields := v.schema.KeyFields()
	if len(keyFields) == 0 {
		return "", fmt.Errorf("schema %s declares no key fields", v.schema.Name)
	}
	parts := make([]string, 0, len(keyFields))
	for _, name := range keyFields {
		p := keyPart(payload[name].String())
		if p == "" {
			return "", fmt.Errorf("key field %s normalizes to empty", name)
		}
		parts = append(parts, p)
	}
	return v.batchID + ":" + strings.Join(parts, "/"), nil
}
