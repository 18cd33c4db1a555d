// Package services provides the scan and profile workflows used by the CLI
// and the mobile bridge.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kimhsiao/skinguard/backend/internal/conflict"
	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	"github.com/kimhsiao/skinguard/backend/internal/models"
	"github.com/kimhsiao/skinguard/backend/internal/uuid"
)

// ProfileID is the record id of the single skin profile row.
const ProfileID = "default"

// ScanStore is the persistence ScanService needs.
type ScanStore interface {
	SaveScan(ctx context.Context, scan *models.Scan, localModified int64) (*models.Record, error)
	GetScan(ctx context.Context, id string) (*models.Scan, error)
	GetRecord(ctx context.Context, entity models.EntityKind, id string) (*models.Record, error)
	SaveRecord(ctx context.Context, rec *models.Record) error
}

// ScanService analyzes products and persists each analysis as a syncable
// scan record.
type ScanService struct {
	engine   *conflict.Engine
	store    ScanStore
	validate *validator.Validate
	config   *ScanConfig

	// Event callback, fired after a scan is stored
	onScanCompleted func(scan *models.Scan)

	mu sync.RWMutex
}

// ScanConfig holds configuration for the scan service.
type ScanConfig struct {
	// Now supplies timestamps for new rows
	Now func() time.Time
}

// DefaultScanConfig returns the wall-clock configuration.
func DefaultScanConfig() *ScanConfig {
	return &ScanConfig{Now: time.Now}
}

// NewScanService creates a new ScanService.
func NewScanService(engine *conflict.Engine, store ScanStore, config *ScanConfig) *ScanService {
	if config == nil {
		config = DefaultScanConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &ScanService{
		engine:   engine,
		store:    store,
		validate: validator.New(),
		config:   config,
	}
}

// SetEngine swaps the conflict engine, e.g. after the rule table was
// reloaded. Scans already running keep the engine they started with.
func (s *ScanService) SetEngine(engine *conflict.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = engine
}

// OnScanCompleted registers a callback invoked after each stored scan.
func (s *ScanService) OnScanCompleted(fn func(scan *models.Scan)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onScanCompleted = fn
}

// Analyze validates profile and runs the conflict engine without storing
// anything.
func (s *ScanService) Analyze(product models.Product, profile models.SkinProfile) (*models.AnalysisResult, error) {
	if err := s.validate.Struct(profile); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid skin profile", err)
	}

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()
	if engine == nil {
		return nil, apperrors.New(apperrors.ErrRulesNotLoaded, "conflict engine not configured")
	}
	return engine.AnalyzeProduct(product, profile)
}

// Scan analyzes product against profile and stores the result as a new
// local-only scan record.
func (s *ScanService) Scan(ctx context.Context, product models.Product, profile models.SkinProfile) (*models.Scan, error) {
	if product.ID == "" && product.Barcode != "" {
		product.ID = uuid.Derive(string(models.EntityProduct), product.Barcode)
	}

	result, err := s.Analyze(product, profile)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	callback := s.onScanCompleted
	s.mu.RUnlock()

	now := s.config.Now()
	scan := &models.Scan{
		ID:        uuid.New(),
		ScannedAt: now.UnixMilli(),
		Result:    result,
	}
	if _, err := s.store.SaveScan(ctx, scan, now.UnixMilli()); err != nil {
		logging.Error("Failed to store scan", err, map[string]interface{}{
			"scan_id": scan.ID,
		})
		return nil, err
	}

	logging.Info("Scan stored", map[string]interface{}{
		"scan_id":      scan.ID,
		"product_id":   product.ID,
		"safety_score": result.SafetyScore,
		"conflicts":    len(result.Conflicts),
	})

	if callback != nil {
		callback(scan)
	}
	return scan, nil
}

// Get returns a stored scan.
func (s *ScanService) Get(ctx context.Context, id string) (*models.Scan, error) {
	if err := uuid.Validate(id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "malformed scan id", err)
	}
	return s.store.GetScan(ctx, id)
}

// Profile loads the stored skin profile. A missing row yields the zero
// profile.
func (s *ScanService) Profile(ctx context.Context) (models.SkinProfile, error) {
	rec, err := s.store.GetRecord(ctx, models.EntityPreferences, ProfileID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return models.SkinProfile{}, nil
	}
	if err != nil {
		return models.SkinProfile{}, err
	}

	var encoded string
	if err := rec.Fields.Decode("skinProfile", &encoded); err != nil {
		return models.SkinProfile{}, apperrors.Wrap(apperrors.ErrDatabase, "stored profile is unreadable", err)
	}
	profile, err := models.DecodeProfile(encoded)
	if err != nil {
		return models.SkinProfile{}, apperrors.Wrap(apperrors.ErrDatabase, "stored profile is unreadable", err)
	}
	return profile, nil
}

// SaveProfile validates and stores the skin profile as a local edit of
// the preferences record.
func (s *ScanService) SaveProfile(ctx context.Context, profile models.SkinProfile) (*models.Record, error) {
	if err := s.validate.Struct(profile); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid skin profile", err)
	}

	encoded, err := models.EncodeProfile(profile)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to encode skin profile", err)
	}
	fields, err := models.FieldsOf(map[string]interface{}{"skinProfile": encoded})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to encode skin profile", err)
	}

	now := s.config.Now()
	rec, err := s.store.GetRecord(ctx, models.EntityPreferences, ProfileID)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		rec = models.NewRecord(models.EntityPreferences, ProfileID, fields, now)
	case err != nil:
		return nil, err
	default:
		if rec.Fields.Equal(fields) {
			return rec, nil
		}
		rec.Touch(fields, now)
	}

	if err := s.store.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}
	logging.Info("Skin profile saved", map[string]interface{}{
		"allergens": len(profile.Allergens),
		"concerns":  len(profile.Concerns),
	})
	return rec, nil
}
