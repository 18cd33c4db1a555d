package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/skinguard/backend/internal/db"
	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/models"
)

// testEnv is an isolated config file location and data directory.
type testEnv struct {
	dir     string
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return &testEnv{dir: dir, dataDir: filepath.Join(dir, "data")}
}

// run executes the root command with the env's config and data dir.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(e.dir, "skinguard.yaml"),
		"--data-dir", e.dataDir,
	}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *testEnv) repo(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.Open(e.dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return db.NewRepository(database.DB)
}

func decodeAnalyze(t *testing.T, out string) analyzeOutput {
	t.Helper()
	var got analyzeOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got), out)
	require.NotNil(t, got.Result)
	return got
}

// TestAnalyze verifies the retinol and vitamin C scenario end to end.
func TestAnalyze(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "analyze", "Retinol", "Vitamin C", "Water")
	require.NoError(t, err)

	got := decodeAnalyze(t, out)
	assert.Empty(t, got.ScanID)
	assert.Equal(t, 90, got.Result.SafetyScore)
	require.Len(t, got.Result.Conflicts, 1)
	assert.Equal(t, models.SeverityModerate, got.Result.Conflicts[0].Severity)
}

// TestAnalyze_ListAndAllergen verifies --list parsing and flag allergens.
func TestAnalyze_ListAndAllergen(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "analyze", "--list", "Aqua, Parfum, ,Glycerin", "--allergen", "fragrance")
	require.NoError(t, err)

	got := decodeAnalyze(t, out)
	assert.Equal(t, []string{"Aqua", "Parfum", "Glycerin"}, got.Result.Product.Ingredients)
	assert.Equal(t, []string{"Parfum"}, got.Result.AllergenMatches)
	assert.Equal(t, 80, got.Result.SafetyScore)
}

// TestAnalyze_EmptyInput verifies an empty list scores 100.
func TestAnalyze_EmptyInput(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "analyze")
	require.NoError(t, err)
	assert.Equal(t, 100, decodeAnalyze(t, out).Result.SafetyScore)
}

// TestAnalyze_InvalidProfileFlags verifies profile flags are validated
// whether or not the scan is stored.
func TestAnalyze_InvalidProfileFlags(t *testing.T) {
	env := newTestEnv(t)

	for _, args := range [][]string{
		{"analyze", "--skin-type", "bogus", "Retinol"},
		{"analyze", "--concern", "wrinkles", "Retinol"},
		{"analyze", "--save", "--skin-type", "bogus", "Retinol"},
	} {
		_, err := env.run(t, args...)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "%v: %v", args, err)
	}

	out, err := env.run(t, "analyze", "--skin-type", "oily", "--concern", "acne", "Retinol")
	require.NoError(t, err)
	assert.Equal(t, 100, decodeAnalyze(t, out).Result.SafetyScore)
}

// TestAnalyze_SaveAndStoredProfile verifies a saved scan uses the stored
// profile and lands in the local store unsynced.
func TestAnalyze_SaveAndStoredProfile(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "profile", "set", "--skin-type", "sensitive", "--allergen", "fragrance")
	require.NoError(t, err)

	out, err := env.run(t, "analyze", "--profile", "--save", "--barcode", "123", "Aqua", "Parfum")
	require.NoError(t, err)
	got := decodeAnalyze(t, out)
	require.NotEmpty(t, got.ScanID)
	assert.Equal(t, []string{"Parfum"}, got.Result.AllergenMatches)

	rec, err := env.repo(t).GetRecord(context.Background(), models.EntityScan, got.ScanID)
	require.NoError(t, err)
	assert.True(t, rec.HasUnsyncedChanges())
	assert.Equal(t, models.ConflictNone, rec.ConflictFlag)
}

// TestProfile verifies set extends the stored profile and show prints it.
func TestProfile(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "profile", "set", "--allergen", "lanolin")
	require.NoError(t, err)
	_, err = env.run(t, "profile", "set", "--concern", "acne", "--allergen", "fragrance")
	require.NoError(t, err)

	out, err := env.run(t, "profile", "show")
	require.NoError(t, err)
	var profile models.SkinProfile
	require.NoError(t, json.Unmarshal([]byte(out), &profile))
	assert.Equal(t, []string{"lanolin", "fragrance"}, profile.Allergens)
	assert.Equal(t, []models.SkinConcern{models.ConcernAcne}, profile.Concerns)

	_, err = env.run(t, "profile", "set", "--skin-type", "scaly")
	assert.Error(t, err)
}

// TestRulesCheck verifies valid and invalid rule files.
func TestRulesCheck(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "rules", "check")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ok: "), out)

	good := filepath.Join(env.dir, "rules.json")
	require.NoError(t, os.WriteFile(good, []byte(`[
		{"ingredientA": "retinol", "ingredientB": "vitamin c", "severity": "high", "description": "pH"}
	]`), 0o600))
	out, err = env.run(t, "rules", "check", "--file", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 1 rules")

	dup := filepath.Join(env.dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte(`
- {ingredientA: retinol, ingredientB: vitamin c, severity: mild}
- {ingredientA: Vitamin C, ingredientB: Retinol, severity: severe}
`), 0o600))
	_, err = env.run(t, "rules", "check", "--file", dup)
	assert.Error(t, err)

	out, err = env.run(t, "--rules", good, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "retinol")
	assert.Contains(t, out, "severe")
}

// TestConflicts verifies listing, the conflict log and acknowledgement.
func TestConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fields, err := models.FieldsOf(map[string]interface{}{"name": "Night Serum"})
	require.NoError(t, err)
	rec := models.NewRecord(models.EntityProduct, "p1", fields, time.UnixMilli(1000))
	rec.ConflictFlag = models.ConflictMerge
	require.NoError(t, env.repo(t).SaveRecord(ctx, rec))

	out, err := env.run(t, "conflicts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "p1")
	assert.Contains(t, out, "merge")

	out, err = env.run(t, "conflicts", "log", "product", "p1")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = env.run(t, "conflicts", "ack", "product", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "acknowledged")

	stored, err := env.repo(t).GetRecord(ctx, models.EntityProduct, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.ConflictNone, stored.ConflictFlag)

	out, err = env.run(t, "conflicts", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "p1")

	_, err = env.run(t, "conflicts", "ack", "shoe", "p1")
	assert.Error(t, err)
}

// TestSync verifies a saved scan is pushed to the server and becomes
// in sync locally.
func TestSync(t *testing.T) {
	env := newTestEnv(t)
	var pushes int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/records":
			io.WriteString(w, `{"records":[]}`)
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			atomic.AddInt32(&pushes, 1)
			io.WriteString(w, `{"serverModified": 5000}`)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	out, err := env.run(t, "analyze", "--save", "Retinol")
	require.NoError(t, err)
	scanID := decodeAnalyze(t, out).ScanID

	out, err = env.run(t, "sync", "--remote", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded 1")
	assert.Equal(t, int32(1), atomic.LoadInt32(&pushes))

	rec, err := env.repo(t).GetRecord(context.Background(), models.EntityScan, scanID)
	require.NoError(t, err)
	require.NotNil(t, rec.ServerModified)
	assert.Equal(t, int64(5000), *rec.ServerModified)
	assert.False(t, rec.HasUnsyncedChanges())
}

// TestSync_NotConfigured verifies sync fails without a server URL.
func TestSync_NotConfigured(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "sync")
	assert.Error(t, err)
}

// TestSyncQueue verifies a rejected push shows up in the retry queue and
// can be reset.
func TestSyncQueue(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "skinguard.yaml"),
		[]byte("sync:\n  max_retries: 1\n"), 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/records":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"records":[]}`)
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	out, err := env.run(t, "sync", "queue")
	require.NoError(t, err)
	assert.Equal(t, "0 queued: 0 pending, 0 in progress, 0 failed\n", out)

	_, err = env.run(t, "analyze", "--save", "Retinol")
	require.NoError(t, err)
	out, err = env.run(t, "sync", "--remote", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "failed 1")

	out, err = env.run(t, "sync", "queue")
	require.NoError(t, err)
	assert.Contains(t, out, "1 queued: 0 pending, 0 in progress, 1 failed")
	assert.Contains(t, out, "scan")
	assert.Contains(t, out, "1/1")

	out, err = env.run(t, "sync", "queue", "--retry")
	require.NoError(t, err)
	assert.Contains(t, out, "reset 1 failed")
	assert.Contains(t, out, "1 queued: 1 pending, 0 in progress, 0 failed")
}

// TestConfig verifies the config file, environment and flags are layered.
func TestConfig(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "skinguard.yaml"),
		[]byte("sync:\n  precedence: server_wins\n  concurrency: 2\n"), 0o600))
	t.Setenv("SKINGUARD_SYNC_CONCURRENCY", "6")

	out, err := env.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "precedence: server_wins")
	assert.Contains(t, out, "concurrency: 6")
	assert.Contains(t, out, "data_dir: "+env.dataDir)

	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "skinguard.yaml"),
		[]byte("sync:\n  precedence: coin_flip\n"), 0o600))
	_, err = env.run(t, "config", "show")
	assert.Error(t, err)
}
