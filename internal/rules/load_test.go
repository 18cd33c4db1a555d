package rules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/models"
)

const jsonArray = `[
  {
    "ingredientA": "retinol",
    "ingredientB": "vitamin c",
    "severity": "moderate",
    "description": "pH mismatch",
    "recommendation": "AM/PM split",
    "scientificReferences": [{"id": "10.0000/example.1", "journal": "J Example", "citation": "Example et al."}]
  }
]`

const yamlDoc = `
version: test-1
ingredients:
  - name: fragrance
    inciName: parfum
rules:
  - ingredientA: retinol
    ingredientB: benzoyl peroxide
    severity: high
    description: oxidation
`

func TestParse_JSONArray(t *testing.T) {
	table, err := Parse([]byte(jsonArray), FormatJSON)
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	r, ok := table.Lookup("Vitamin C", "Retinol")
	require.True(t, ok)
	assert.Equal(t, models.SeverityModerate, r.Severity)
	require.Len(t, r.References, 1)
	assert.Equal(t, "10.0000/example.1", r.References[0].ID)
}

func TestParse_YAMLDocument(t *testing.T) {
	table, err := Parse([]byte(yamlDoc), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "test-1", table.Version())
	r, ok := table.Lookup("benzoyl peroxide", "retinol")
	require.True(t, ok)
	assert.Equal(t, models.SeveritySevere, r.Severity, "high is an alias of severe")
	assert.ElementsMatch(t, []string{"fragrance", "parfum"}, table.Names("fragrance"))
}

func TestParse_YAMLArray(t *testing.T) {
	table, err := Parse([]byte("- ingredientA: a\n  ingredientB: b\n  severity: mild\n"), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"malformed json", `{"rules": [`, FormatJSON},
		{"unknown severity", `[{"ingredientA":"a","ingredientB":"b","severity":"apocalyptic"}]`, FormatJSON},
		{"malformed yaml", "rules: [", FormatYAML},
		{"unknown format", `[]`, Format("toml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.format)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrRuleTableInvalid), "got %v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "rules.json")
	yamlPath := filepath.Join(dir, "rules.yml")
	require.NoError(t, os.WriteFile(jsonPath, []byte(jsonArray), 0o644))
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlDoc), 0o644))

	fromJSON, err := LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 1, fromJSON.Len())

	fromYAML, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "test-1", fromYAML.Version())

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.True(t, apperrors.Is(err, apperrors.ErrRuleTableInvalid))
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("rules.YAML"))
	assert.Equal(t, FormatYAML, FormatFromPath("https://example.com/rules.yml"))
	assert.Equal(t, FormatJSON, FormatFromPath("rules.json"))
	assert.Equal(t, FormatJSON, FormatFromPath("rules"))
}

func TestDefault(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)

	assert.Greater(t, table.Len(), 5)
	_, ok := table.Lookup("retinol", "vitamin c")
	assert.True(t, ok)
	assert.Contains(t, table.Names("fragrance"), "parfum")
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rules.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(jsonArray))
		case "/rules":
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write([]byte(yamlDoc))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(0)
	ctx := context.Background()

	table, err := Fetch(ctx, client, srv.URL+"/rules.json")
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	table, err = Fetch(ctx, client, srv.URL+"/rules")
	require.NoError(t, err)
	assert.Equal(t, "test-1", table.Version())

	_, err = Fetch(ctx, client, srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRuleFetchFailed))
	assert.True(t, strings.Contains(err.Error(), "404"))
}
