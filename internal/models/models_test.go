// Package models tests for value objects and their codecs.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseSeverity tests severity names and their aliases.
func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"mild", SeverityMild},
		{"low", SeverityMild},
		{"Moderate", SeverityModerate},
		{" high ", SeveritySevere},
		{"severe", SeveritySevere},
		{"CRITICAL", SeverityCritical},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseSeverity("extreme")
	assert.Error(t, err)
}

// TestSeverity_Ordering tests that severities compare by tier.
func TestSeverity_Ordering(t *testing.T) {
	assert.True(t, SeverityMild < SeverityModerate)
	assert.True(t, SeverityModerate < SeveritySevere)
	assert.True(t, SeveritySevere < SeverityCritical)
	assert.False(t, Severity(0).Valid())
	assert.Equal(t, "severity(9)", Severity(9).String())
}

// TestSeverity_JSON tests the lowercase JSON form.
func TestSeverity_JSON(t *testing.T) {
	data, err := json.Marshal(IngredientConflict{Severity: SeveritySevere})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"severe"`)

	var c IngredientConflict
	require.NoError(t, json.Unmarshal([]byte(`{"severity":"high"}`), &c))
	assert.Equal(t, SeveritySevere, c.Severity)

	_, err = json.Marshal(IngredientConflict{})
	assert.Error(t, err, "zero severity must not encode")
}

// TestConflictFlag tests parsing and the SQL codec.
func TestConflictFlag(t *testing.T) {
	f, err := ParseConflictFlag("")
	require.NoError(t, err)
	assert.Equal(t, ConflictNone, f)
	assert.False(t, f.IsSet())

	for _, flag := range []ConflictFlag{ConflictLocal, ConflictServer, ConflictMerge} {
		parsed, err := ParseConflictFlag(string(flag))
		require.NoError(t, err)
		assert.True(t, parsed.IsSet())
	}
	_, err = ParseConflictFlag("both")
	assert.Error(t, err)

	v, err := ConflictFlag("").Value()
	require.NoError(t, err)
	assert.Equal(t, "none", v)

	var scanned ConflictFlag
	require.NoError(t, scanned.Scan([]byte("merge")))
	assert.Equal(t, ConflictMerge, scanned)
	require.NoError(t, scanned.Scan(nil))
	assert.Equal(t, ConflictNone, scanned)
	assert.Error(t, scanned.Scan(42))
}

// TestFieldsFromJSON tests canonicalization of field values.
func TestFieldsFromJSON(t *testing.T) {
	a, err := FieldsFromJSON([]byte(`{"name": "Serum", "meta": {"b": 1, "a": [1, 2]}}`))
	require.NoError(t, err)
	b, err := FieldsFromJSON([]byte(`{"meta":{"a":[1,2],"b":1},"name":"Serum"}`))
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, `{"a":[1,2],"b":1}`, string(a["meta"]))
	assert.Equal(t, []string{"meta", "name"}, a.Keys())

	_, err = FieldsFromJSON([]byte(`[1, 2]`))
	assert.Error(t, err)
	_, err = FieldsFromJSON([]byte(`{"name":`))
	assert.Error(t, err)
}

// TestFields_EqualAndClone tests comparison and deep copies.
func TestFields_EqualAndClone(t *testing.T) {
	f, err := FieldsOf(map[string]interface{}{"name": "Serum", "score": 90})
	require.NoError(t, err)

	clone := f.Clone()
	assert.True(t, f.Equal(clone))
	clone["name"][1] = 'X'
	assert.False(t, f.Equal(clone), "clone must not share buffers")

	assert.False(t, f.Equal(Fields{"name": f["name"]}))
	assert.True(t, ValueEqual(json.RawMessage(`1.0`), json.RawMessage(`1.0`)))
	assert.False(t, ValueEqual(nil, json.RawMessage(`null`)))
	assert.True(t, ValueEqual(nil, nil))
	assert.Nil(t, Fields(nil).Clone())
}

// TestFields_EncodeDecode tests the storage encoding.
func TestFields_EncodeDecode(t *testing.T) {
	f, err := FieldsOf(map[string]string{"name": "Serum"})
	require.NoError(t, err)

	s, err := f.Encode()
	require.NoError(t, err)
	back, err := DecodeFields(s)
	require.NoError(t, err)
	assert.True(t, f.Equal(back))

	s, err = Fields(nil).Encode()
	require.NoError(t, err)
	assert.Equal(t, "null", s)
	back, err = DecodeFields(s)
	require.NoError(t, err)
	assert.Nil(t, back)

	var name string
	require.NoError(t, f.Decode("name", &name))
	assert.Equal(t, "Serum", name)
	assert.Error(t, f.Decode("brand", &name))
}

// TestRecord tests construction, cloning and the unsynced check.
func TestRecord(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	f, err := FieldsOf(map[string]string{"name": "Serum"})
	require.NoError(t, err)

	rec := NewRecord(EntityProduct, "p1", f, now)
	assert.Equal(t, "product/p1", rec.Key())
	assert.Equal(t, now.UnixMilli(), rec.LocalModified)
	assert.Equal(t, ConflictNone, rec.ConflictFlag)
	assert.True(t, rec.HasUnsyncedChanges(), "never synced")
	assert.True(t, rec.ServerModifiedTime().IsZero())

	rec.Base = f.Clone()
	ts := int64(5)
	rec.ServerModified = &ts
	assert.False(t, rec.HasUnsyncedChanges())

	clone := rec.Clone()
	*clone.ServerModified = 6
	assert.Equal(t, int64(5), *rec.ServerModified)

	edited, err := FieldsOf(map[string]string{"name": "Serum 2"})
	require.NoError(t, err)
	rec.Touch(edited, now.Add(time.Second))
	assert.True(t, rec.HasUnsyncedChanges())
	assert.Equal(t, now.Add(time.Second), rec.LocalModifiedTime())

	assert.Nil(t, (*Record)(nil).Clone())
	assert.True(t, EntityScan.Valid())
	assert.False(t, EntityKind("shoe").Valid())
}

// TestScan_Fields tests the scan record round trip.
func TestScan_Fields(t *testing.T) {
	scan := &Scan{
		ID:        "s1",
		ScannedAt: 1_700_000_000_000,
		Result: &AnalysisResult{
			Product:         Product{ID: "p1", Barcode: "123", Ingredients: []string{"Retinol", "Vitamin C"}},
			Conflicts:       []IngredientConflict{{IngredientA: "retinol", IngredientB: "vitamin c", Severity: SeverityModerate, Source: ConflictSourceRule}},
			SafetyScore:     90,
			AllergenMatches: []string{},
		},
	}

	fields, err := scan.ToFields()
	require.NoError(t, err)
	var score int
	require.NoError(t, fields.Decode("safetyScore", &score))
	assert.Equal(t, 90, score)

	back, err := ScanFromRecord(&Record{Entity: EntityScan, ID: "s1", Fields: fields})
	require.NoError(t, err)
	assert.Equal(t, scan.ScannedAt, back.ScannedAt)
	assert.Equal(t, scan.Result, back.Result)
	assert.Equal(t, SeverityModerate, back.Result.MaxSeverity())
	assert.False(t, back.Result.HasAllergens())

	_, err = ScanFromRecord(&Record{Entity: EntityProduct, ID: "s1", Fields: fields})
	assert.Error(t, err)

	_, err = (&Scan{ID: "s2"}).ToFields()
	assert.Error(t, err)
}

// TestProfile_Codec tests the profile codec and concern lookup.
func TestProfile_Codec(t *testing.T) {
	p := SkinProfile{
		SkinType:  SkinTypeOily,
		Concerns:  []SkinConcern{ConcernAcne},
		Allergens: []string{"fragrance"},
	}
	assert.True(t, p.HasConcern(ConcernAcne))
	assert.False(t, p.HasConcern(ConcernAging))

	s, err := EncodeProfile(p)
	require.NoError(t, err)
	back, err := DecodeProfile(s)
	require.NoError(t, err)
	assert.Equal(t, p, back)

	empty, err := DecodeProfile("")
	require.NoError(t, err)
	assert.Equal(t, SkinProfile{}, empty)

	_, err = DecodeProfile("{")
	assert.Error(t, err)
}

// TestConflictLog_LosingFields tests which version is reported as lost.
func TestConflictLog_LosingFields(t *testing.T) {
	local := Fields{"v": json.RawMessage(`"local"`)}
	remote := Fields{"v": json.RawMessage(`"remote"`)}
	log := &ConflictLog{LocalFields: local, RemoteFields: remote}

	log.Resolution = ResolutionLocalWins
	assert.Equal(t, remote, log.LosingFields())
	log.Resolution = ResolutionServerWins
	assert.Equal(t, local, log.LosingFields())
	log.Resolution = ResolutionMerged
	assert.Equal(t, local, log.LosingFields())

	log.DetectedAt = 1500
	assert.Equal(t, time.UnixMilli(1500), log.DetectedAtTime())
	assert.Equal(t, "conflict_log", log.TableName())
}

// TestUUID_Scan tests the SQL codec of UUID.
func TestUUID_Scan(t *testing.T) {
	var u UUID
	require.NoError(t, u.Scan([]byte("abc")))
	assert.Equal(t, "abc", u.String())
	require.NoError(t, u.Scan("def"))
	assert.Equal(t, UUID("def"), u)
	require.NoError(t, u.Scan(nil))
	assert.Equal(t, UUID(""), u)
	assert.Error(t, u.Scan(1))

	v, err := UUID("x").Value()
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}
