package uuid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew checks random identifiers are v4 and unique.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := New()
		require.True(t, IsValid(id), id)
		require.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
		assert.Equal(t, uuid.Version(4), uuid.MustParse(id).Version())
	}
}

// TestDerive checks derived identifiers are stable and v5.
func TestDerive(t *testing.T) {
	a := Derive("scan", "abc", "hash-1")

	assert.Equal(t, a, Derive("scan", "abc", "hash-1"))
	assert.NotEqual(t, a, Derive("scan", "abc", "hash-2"))
	assert.NotEqual(t, Derive("ab", "c"), Derive("a", "bc"))
	assert.True(t, IsValid(a))
	assert.Equal(t, uuid.Version(5), uuid.MustParse(a).Version())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"v4 upper", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"v5", "886313e1-3b8a-5372-9b90-0c9aee199e5d", true},
		{"empty", "", false},
		{"short", "f47ac10b-58cc-4372-a567", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"urn form", "urn:uuid:f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"v1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"not hex", "zzzzzzzz-58cc-4372-a567-0e02b2c3d479", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.in)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			assert.Equal(t, tt.ok, IsValid(tt.in))
		})
	}
}
