// Package models provides data model definitions for SkinGuard Core.
package models

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"
)

// EntityKind names a syncable table.
type EntityKind string

const (
	EntityProduct     EntityKind = "product"
	EntityScan        EntityKind = "scan"
	EntityPreferences EntityKind = "preferences"
	EntityIngredient  EntityKind = "ingredient"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityProduct, EntityScan, EntityPreferences, EntityIngredient:
		return true
	}
	return false
}

// ConflictFlag marks whether the local and server copies of a record
// diverged, and how the divergence was settled.
type ConflictFlag string

const (
	ConflictNone   ConflictFlag = "none"
	ConflictLocal  ConflictFlag = "local"  // local version kept
	ConflictServer ConflictFlag = "server" // server version kept
	ConflictMerge  ConflictFlag = "merge"  // versions blended, needs review
)

// ParseConflictFlag parses a stored flag. The empty string is read as
// ConflictNone so rows written by older clients still load.
func ParseConflictFlag(s string) (ConflictFlag, error) {
	switch ConflictFlag(s) {
	case "", ConflictNone:
		return ConflictNone, nil
	case ConflictLocal, ConflictServer, ConflictMerge:
		return ConflictFlag(s), nil
	}
	return "", fmt.Errorf("unknown conflict flag %q", s)
}

// IsSet reports whether the flag marks an unresolved divergence.
func (f ConflictFlag) IsSet() bool {
	return f != "" && f != ConflictNone
}

// Value implements driver.Valuer.
func (f ConflictFlag) Value() (driver.Value, error) {
	if f == "" {
		return string(ConflictNone), nil
	}
	return string(f), nil
}

// Scan implements sql.Scanner.
func (f *ConflictFlag) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case nil:
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into ConflictFlag", value)
	}
	parsed, err := ParseConflictFlag(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Fields is the payload of a syncable record: field name to canonical JSON.
type Fields map[string]json.RawMessage

// FieldsFromJSON splits a JSON object into canonicalized fields.
func FieldsFromJSON(payload []byte) (Fields, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return nil, fmt.Errorf("payload is not a JSON object")
	}

	fields := make(Fields)
	var firstErr error
	doc.ForEach(func(key, value gjson.Result) bool {
		canon, err := canonicalJSON([]byte(value.Raw))
		if err != nil {
			firstErr = fmt.Errorf("field %q: %w", key.String(), err)
			return false
		}
		fields[key.String()] = canon
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return fields, nil
}

// FieldsOf converts any JSON-marshalable object into Fields.
func FieldsOf(v interface{}) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	return FieldsFromJSON(data)
}

// canonicalJSON re-encodes a JSON value with sorted object keys and
// compact spacing so equal values compare byte-equal.
func canonicalJSON(raw []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// ValueEqual compares two field values. A nil value means the field is
// absent and only equals another absent value.
func ValueEqual(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if bytes.Equal(a, b) {
		return true
	}
	ca, errA := canonicalJSON(a)
	cb, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// Equal reports whether both field sets hold the same keys and values.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		ov, ok := other[k]
		if !ok || !ValueEqual(v, ov) {
			return false
		}
	}
	return true
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy. Cloning nil yields nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Decode unmarshals a single field into v.
func (f Fields) Decode(key string, v interface{}) error {
	raw, ok := f[key]
	if !ok {
		return fmt.Errorf("field %q not found", key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode field %q: %w", key, err)
	}
	return nil
}

// Hash returns a SHA-256 digest of the canonical encoding.
func (f Fields) Hash() string {
	data, _ := json.Marshal(f)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Encode serializes the fields for storage. Nil encodes as "null".
func (f Fields) Encode() (string, error) {
	if f == nil {
		return "null", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}
	return string(data), nil
}

// DecodeFields parses the output of Fields.Encode.
func DecodeFields(s string) (Fields, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	return FieldsFromJSON([]byte(s))
}

// SyncMeta carries the sync columns present on every syncable row.
// Timestamps are Unix milliseconds.
type SyncMeta struct {
	LocalModified  int64        `db:"local_modified" json:"local_modified"`
	ServerModified *int64       `db:"server_modified" json:"server_modified,omitempty"`
	ConflictFlag   ConflictFlag `db:"conflict_flag" json:"conflict_flag"`
}

// LocalModifiedTime returns LocalModified as time.Time.
func (m SyncMeta) LocalModifiedTime() time.Time {
	return time.UnixMilli(m.LocalModified)
}

// ServerModifiedTime returns ServerModified as time.Time, or the zero time
// when the row has never been pushed.
func (m SyncMeta) ServerModifiedTime() time.Time {
	if m.ServerModified == nil {
		return time.Time{}
	}
	return time.UnixMilli(*m.ServerModified)
}

// Record is a syncable row. Base is the server copy the row was last
// reconciled against; it is nil until the first successful sync.
type Record struct {
	Entity EntityKind `db:"entity" json:"entity"`
	ID     string     `db:"id" json:"id"`
	Fields Fields     `db:"fields" json:"fields"`
	Base   Fields     `db:"base_fields" json:"base,omitempty"`
	SyncMeta
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "sync_records"
}

// NewRecord creates a local-only record with no server copy.
func NewRecord(entity EntityKind, id string, fields Fields, now time.Time) *Record {
	return &Record{
		Entity: entity,
		ID:     id,
		Fields: fields,
		SyncMeta: SyncMeta{
			LocalModified: now.UnixMilli(),
			ConflictFlag:  ConflictNone,
		},
	}
}

// Key returns the identity used to serialize work on the record.
func (r *Record) Key() string {
	return string(r.Entity) + "/" + r.ID
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = r.Fields.Clone()
	out.Base = r.Base.Clone()
	if r.ServerModified != nil {
		ts := *r.ServerModified
		out.ServerModified = &ts
	}
	if out.ConflictFlag == "" {
		out.ConflictFlag = ConflictNone
	}
	return &out
}

// Touch replaces the fields with a local edit.
func (r *Record) Touch(fields Fields, now time.Time) {
	r.Fields = fields
	r.LocalModified = now.UnixMilli()
}

// HasUnsyncedChanges reports whether the row differs from its last known
// server copy.
func (r *Record) HasUnsyncedChanges() bool {
	return r.Base == nil || !r.Fields.Equal(r.Base)
}
