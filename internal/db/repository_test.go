// Package db tests for repository operations.
package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/models"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo := NewRepository(openTestDB(t).DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testFields(t *testing.T, v map[string]interface{}) models.Fields {
	t.Helper()
	f, err := models.FieldsOf(v)
	require.NoError(t, err)
	return f
}

// TestRepository_SaveAndGetRecord tests the record round trip through SQLite.
func TestRepository_SaveAndGetRecord(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	rec := &models.Record{
		Entity: models.EntityProduct,
		ID:     "p-1",
		Fields: testFields(t, map[string]interface{}{"name": "Serum", "tags": []string{"a", "b"}}),
		SyncMeta: models.SyncMeta{
			LocalModified: 10,
			ConflictFlag:  models.ConflictNone,
		},
	}
	require.NoError(t, repo.SaveRecord(ctx, rec))

	got, err := repo.GetRecord(ctx, models.EntityProduct, "p-1")
	require.NoError(t, err)
	assert.True(t, got.Fields.Equal(rec.Fields))
	assert.Nil(t, got.Base)
	assert.Nil(t, got.ServerModified)
	assert.Equal(t, int64(10), got.LocalModified)
	assert.Equal(t, models.ConflictNone, got.ConflictFlag)

	sm := int64(20)
	rec.Base = rec.Fields.Clone()
	rec.ServerModified = &sm
	rec.ConflictFlag = models.ConflictMerge
	require.NoError(t, repo.SaveRecord(ctx, rec))

	got, err = repo.GetRecord(ctx, models.EntityProduct, "p-1")
	require.NoError(t, err)
	assert.True(t, got.Base.Equal(rec.Fields))
	require.NotNil(t, got.ServerModified)
	assert.Equal(t, int64(20), *got.ServerModified)
	assert.Equal(t, models.ConflictMerge, got.ConflictFlag)
}

// TestRepository_GetRecordNotFound tests the not-found error code.
func TestRepository_GetRecordNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetRecord(context.Background(), models.EntityScan, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestRepository_SaveRecordValidation tests rejected identities.
func TestRepository_SaveRecordValidation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	err := repo.SaveRecord(ctx, &models.Record{Entity: "recipe", ID: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	err = repo.SaveRecord(ctx, &models.Record{Entity: models.EntityScan})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestRepository_ListRecords tests filtering by entity and flag.
func TestRepository_ListRecords(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	seed := []struct {
		entity models.EntityKind
		id     string
		flag   models.ConflictFlag
	}{
		{models.EntityScan, "s-2", models.ConflictNone},
		{models.EntityScan, "s-1", models.ConflictServer},
		{models.EntityProduct, "p-1", models.ConflictMerge},
		{models.EntityPreferences, "me", models.ConflictNone},
	}
	for _, s := range seed {
		require.NoError(t, repo.SaveRecord(ctx, &models.Record{
			Entity:   s.entity,
			ID:       s.id,
			Fields:   testFields(t, map[string]interface{}{"v": 1}),
			SyncMeta: models.SyncMeta{LocalModified: 1, ConflictFlag: s.flag},
		}))
	}

	all, err := repo.ListRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "me", all[0].ID)

	scans, err := repo.ListRecords(ctx, RecordFilter{Entity: models.EntityScan})
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, "s-1", scans[0].ID)

	flagged, err := repo.ListRecords(ctx, RecordFilter{Flagged: true})
	require.NoError(t, err)
	assert.Len(t, flagged, 2)

	merged, err := repo.ListRecords(ctx, RecordFilter{Flag: models.ConflictMerge})
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "p-1", merged[0].ID)

	limited, err := repo.ListRecords(ctx, RecordFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// TestRepository_DeleteRecord tests deletion and the missing-row error.
func TestRepository_DeleteRecord(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.SaveRecord(ctx, models.NewRecord(models.EntityScan, "s-1",
		testFields(t, map[string]interface{}{"v": 1}), testNow)))
	require.NoError(t, repo.DeleteRecord(ctx, models.EntityScan, "s-1"))

	err := repo.DeleteRecord(ctx, models.EntityScan, "s-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestRepository_ApplyOutcome tests that record and audit entry are stored
// together and a repeated audit entry is ignored.
func TestRepository_ApplyOutcome(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	sm := int64(20)
	rec := &models.Record{
		Entity: models.EntityScan,
		ID:     "s-1",
		Fields: testFields(t, map[string]interface{}{"x": "l"}),
		Base:   testFields(t, map[string]interface{}{"x": "r"}),
		SyncMeta: models.SyncMeta{
			LocalModified:  10,
			ServerModified: &sm,
			ConflictFlag:   models.ConflictLocal,
		},
	}
	audit := &models.ConflictLog{
		ID:                "6f1c2a38-9b1e-5d43-8a7e-2f0d4c9b1a11",
		Entity:            models.EntityScan,
		RecordID:          "s-1",
		LocalFields:       rec.Fields.Clone(),
		RemoteFields:      rec.Base.Clone(),
		BaseFields:        testFields(t, map[string]interface{}{"x": "a"}),
		ConflictingFields: []string{"x"},
		Resolution:        models.ResolutionLocalWins,
		Flag:              models.ConflictLocal,
		LocalTimestamp:    10,
		RemoteTimestamp:   20,
		DetectedAt:        30,
	}

	require.NoError(t, repo.ApplyOutcome(ctx, rec, audit))
	require.NoError(t, repo.ApplyOutcome(ctx, rec, audit))

	got, err := repo.GetRecord(ctx, models.EntityScan, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.ConflictLocal, got.ConflictFlag)

	logs, err := repo.ListConflictLogs(ctx, models.EntityScan, "s-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, audit, logs[0])

	byID, err := repo.GetConflictLog(ctx, audit.ID)
	require.NoError(t, err)
	assert.True(t, byID.LosingFields().Equal(rec.Base))

	_, err = repo.GetConflictLog(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestRepository_ApplyOutcomeRollsBack tests that an invalid record leaves
// no audit entry behind.
func TestRepository_ApplyOutcomeRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	audit := &models.ConflictLog{
		ID:           "b1d7e1a2-0000-5000-8000-000000000001",
		Entity:       models.EntityScan,
		RecordID:     "s-1",
		LocalFields:  models.Fields{},
		RemoteFields: models.Fields{},
		Resolution:   models.ResolutionMerged,
		Flag:         models.ConflictNone,
	}
	err := repo.ApplyOutcome(ctx, &models.Record{Entity: models.EntityScan}, audit)
	require.Error(t, err)

	logs, err := repo.ListConflictLogs(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, logs)
}

// TestRepository_Scan tests storing a scan as a syncable record.
func TestRepository_Scan(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	scan := &models.Scan{
		ID:        "scan-1",
		ScannedAt: 1000,
		Result: &models.AnalysisResult{
			Product:          models.Product{ID: "p-1", Name: "Night Serum", Ingredients: []string{"Retinol"}},
			Conflicts:        []models.IngredientConflict{},
			SafetyScore:      100,
			AllergenMatches:  []string{},
			RuleTableVersion: "v1",
		},
	}

	rec, err := repo.SaveScan(ctx, scan, 1000)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictNone, rec.ConflictFlag)
	assert.Nil(t, rec.ServerModified)

	got, err := repo.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.ScannedAt)
	assert.Equal(t, "Night Serum", got.Result.Product.Name)
	assert.Equal(t, 100, got.Result.SafetyScore)

	// Updating keeps sync columns.
	sm := int64(5)
	rec.ServerModified = &sm
	require.NoError(t, repo.SaveRecord(ctx, rec))
	scan.Result.SafetyScore = 90
	rec, err = repo.SaveScan(ctx, scan, 2000)
	require.NoError(t, err)
	require.NotNil(t, rec.ServerModified)
	assert.Equal(t, int64(5), *rec.ServerModified)
	assert.Equal(t, int64(2000), rec.LocalModified)
}

// TestRepository_QueueItems tests queue persistence.
func TestRepository_QueueItems(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	item := &models.SyncQueue{
		ID:          "q-1",
		Operation:   "sync",
		Entity:      models.EntityScan,
		RecordID:    "s-1",
		MaxRetries:  3,
		NextRetryAt: 100,
		Status:      "pending",
		CreatedAt:   100,
		UpdatedAt:   100,
	}
	require.NoError(t, repo.SaveQueueItem(ctx, item))

	item.RetryCount = 1
	item.Status = "failed"
	item.LastError = "timeout"
	require.NoError(t, repo.SaveQueueItem(ctx, item))

	items, err := repo.ListQueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item, items[0])

	require.NoError(t, repo.DeleteQueueItem(ctx, "q-1"))
	require.NoError(t, repo.DeleteQueueItem(ctx, "q-1"))
	items, err = repo.ListQueueItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}
