package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Retinol", "retinol"},
		{"  Vitamin   C ", "vitamin c"},
		{"SODIUM LAURYL SULFATE", "sodium lauryl sulfate"},
		{"\tniacinamide\n", "niacinamide"},
		{"ＡＨＡ", "aha"}, // full-width letters
		{"   ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Name(tt.in), "Name(%q)", tt.in)
	}
}

func TestContains(t *testing.T) {
	assert.True(t, Contains("sodium lauryl sulfate", "sodium lauryl sulfate (and) water"))
	assert.True(t, Contains("natural fragrance oil", "fragrance"))
	assert.True(t, Contains("retinol", "retinol"))
	assert.False(t, Contains("retinol", "vitamin c"))
	assert.False(t, Contains("", "water"))
	assert.False(t, Contains("water", ""))
}

func TestContainsAny(t *testing.T) {
	assert.True(t, ContainsAny("parfum", []string{"fragrance", "parfum"}))
	assert.False(t, ContainsAny("water", []string{"fragrance", "parfum"}))
	assert.False(t, ContainsAny("water", nil))
}
