package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Well-known resource field names shared by every GRC domain.
const (
	FieldID        = "id"
	FieldName      = "name"
	FieldStatus    = "status"
	FieldOwner     = "owner"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldDeletedAt = "deletedAt"
)

// Resource is implemented by every entity held in a resource store.
type Resource interface {
	ResourceID() string
	ResourceStatus() string
}

// Fielded is implemented by resources that expose their fields by name
// without a JSON round trip.
type Fielded interface {
	Field(name string) (any, bool)
}

// Record is a dynamically shaped resource decoded from the backend. Values are
// kept exactly as decoded so a record marshals back to the same JSON.
//
// Records are treated as immutable: helpers return modified copies.
type Record map[string]any

// ResourceID returns the id normalised to a string. Numeric ids are rendered
// without a fractional part when they are whole numbers.
func (r Record) ResourceID() string {
	return NormaliseID(r[FieldID])
}

// ResourceStatus returns the status field, or an empty string.
func (r Record) ResourceStatus() string {
	return r.String(FieldStatus)
}

// Field implements Fielded.
func (r Record) Field(name string) (any, bool) {
	v, ok := r[name]
	return v, ok
}

// String returns the named field as a string. Non-string scalars are
// formatted; missing fields and nested values yield "".
func (r Record) String(name string) string {
	return ScalarString(r[name])
}

// Name returns the record's display name.
func (r Record) Name() string {
	return r.String(FieldName)
}

// DeletedAt reports whether the record carries a deletion timestamp.
func (r Record) DeletedAt() (string, bool) {
	v, ok := r[FieldDeletedAt]
	if !ok || v == nil {
		return "", false
	}
	return ScalarString(v), true
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// With returns a copy of the record with the given fields overlaid.
func (r Record) With(patch map[string]any) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// Without returns a copy of the record with the named fields removed.
func (r Record) Without(names ...string) Record {
	out := r.Clone()
	for _, n := range names {
		delete(out, n)
	}
	return out
}

// ID is a resource identifier that the backend may send as a JSON number or
// string. It is held in its string form; digit-only ids marshal back as
// numbers.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*id = ID(NormaliseID(v))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id != "" && isDigits(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func isDigits(s string) bool {
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// NormaliseID converts an id of any JSON scalar type into its string form.
func NormaliseID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		if id == float64(int64(id)) {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case json.Number:
		return id.String()
	case ID:
		return string(id)
	default:
		return ScalarString(v)
	}
}

// ScalarString formats a JSON scalar for display and matching.
func ScalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	case time.Time:
		return s.UTC().Format(time.RFC3339)
	case *time.Time:
		if s == nil {
			return ""
		}
		return s.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, iv := range t {
			m[k] = cloneValue(iv)
		}
		return m
	case Record:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, iv := range t {
			s[i] = cloneValue(iv)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Fields returns the fields of any resource as a generic map. Records are
// copied directly; other types go through JSON.
func Fields(v any) (map[string]any, error) {
	if r, ok := v.(Record); ok {
		return map[string]any(r.Clone()), nil
	}
	if m, ok := v.(map[string]any); ok {
		return Record(m).Clone(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
