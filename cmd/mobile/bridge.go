// Package main builds the shared library loaded by the mobile app
// (libskinguard.so on Android, skinguard.framework on iOS). Every call
// takes and returns JSON strings; the cgo exports live in exports.go.
package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kimhsiao/skinguard/backend/internal/conflict"
	"github.com/kimhsiao/skinguard/backend/internal/db"
	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/models"
	"github.com/kimhsiao/skinguard/backend/internal/rules"
	"github.com/kimhsiao/skinguard/backend/internal/services"
	"github.com/kimhsiao/skinguard/backend/internal/sync/reconcile"
)

// bridge holds the state shared by all exported calls.
type bridge struct {
	mu         sync.RWMutex
	database   *db.DB
	repo       *db.Repository
	scans      *services.ScanService
	reconciler *reconcile.Reconciler
}

// errorBody is the JSON returned when a call fails. Code is one of the
// internal/errors codes so the Dart side can switch on it.
type errorBody struct {
	Error struct {
		Code    apperrors.ErrorCode `json:"code"`
		Message string              `json:"message"`
	} `json:"error"`
}

func errorJSON(err error) string {
	var body errorBody
	body.Error.Code = apperrors.CodeOf(err)
	body.Error.Message = err.Error()
	data, _ := json.Marshal(body)
	return string(data)
}

func resultJSON(v interface{}, err error) string {
	if err != nil {
		return errorJSON(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errorJSON(apperrors.Wrap(apperrors.ErrInternal, "failed to encode response", err))
	}
	return string(data)
}

// initRequest configures the bridge. Rules is an optional rule table
// document; the embedded table is used when it is empty.
type initRequest struct {
	DataDir    string          `json:"dataDir"`
	Rules      json.RawMessage `json:"rules,omitempty"`
	Precedence string          `json:"precedence,omitempty"`
}

func (b *bridge) init(payload string) error {
	var req initRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid init request", err)
	}
	if req.DataDir == "" {
		return apperrors.New(apperrors.ErrInvalid, "dataDir is required")
	}
	precedence, err := reconcile.ParsePrecedence(req.Precedence)
	if err != nil {
		return err
	}

	var table *rules.Table
	if len(req.Rules) > 0 {
		table, err = rules.Parse(req.Rules, rules.FormatJSON)
	} else {
		table, err = rules.Default()
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.database != nil {
		b.scans.SetEngine(conflict.NewEngine(table))
		b.reconciler = reconcile.NewReconciler(precedence, nil)
		return nil
	}

	database, err := db.Open(req.DataDir)
	if err != nil {
		return err
	}
	b.database = database
	b.repo = db.NewRepository(database.DB)
	b.scans = services.NewScanService(conflict.NewEngine(table), b.repo, nil)
	b.reconciler = reconcile.NewReconciler(precedence, nil)
	return nil
}

func (b *bridge) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.database == nil {
		return nil
	}
	b.repo.Close()
	err := b.database.Close()
	b.database, b.repo, b.scans = nil, nil, nil
	return err
}

func (b *bridge) services() (*services.ScanService, *db.Repository, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.database == nil {
		return nil, nil, apperrors.New(apperrors.ErrConfiguration, "bridge not initialized")
	}
	return b.scans, b.repo, nil
}

type scanRequest struct {
	Product models.Product      `json:"product"`
	Profile *models.SkinProfile `json:"profile,omitempty"`
}

type scanResponse struct {
	ScanID string                 `json:"scanId"`
	Result *models.AnalysisResult `json:"result"`
}

// scan analyzes and stores a product. Without an explicit profile the
// stored one is used.
func (b *bridge) scan(ctx context.Context, payload string) (*scanResponse, error) {
	svc, _, err := b.services()
	if err != nil {
		return nil, err
	}
	var req scanRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid scan request", err)
	}

	profile := models.SkinProfile{}
	if req.Profile != nil {
		profile = *req.Profile
	} else if profile, err = svc.Profile(ctx); err != nil {
		return nil, err
	}

	scan, err := svc.Scan(ctx, req.Product, profile)
	if err != nil {
		return nil, err
	}
	return &scanResponse{ScanID: scan.ID, Result: scan.Result}, nil
}

func (b *bridge) getScan(ctx context.Context, id string) (*scanResponse, error) {
	svc, _, err := b.services()
	if err != nil {
		return nil, err
	}
	scan, err := svc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &scanResponse{ScanID: scan.ID, Result: scan.Result}, nil
}

func (b *bridge) saveProfile(ctx context.Context, payload string) (*models.SkinProfile, error) {
	svc, _, err := b.services()
	if err != nil {
		return nil, err
	}
	var profile models.SkinProfile
	if err := json.Unmarshal([]byte(payload), &profile); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid profile", err)
	}
	if _, err := svc.SaveProfile(ctx, profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

type reconcileRequest struct {
	Local  *models.Record `json:"local"`
	Remote *models.Record `json:"remote,omitempty"`
}

// reconcileRecords runs the reconciler on records supplied by the caller,
// for apps that own their transport. Nothing is stored.
func (b *bridge) reconcileRecords(payload string) (*reconcile.Outcome, error) {
	b.mu.RLock()
	r := b.reconciler
	b.mu.RUnlock()
	if r == nil {
		r = reconcile.NewReconciler(reconcile.PrecedenceLocalWins, nil)
	}

	var req reconcileRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid reconcile request", err)
	}
	return r.Reconcile(req.Local, req.Remote)
}

func (b *bridge) listConflicts(ctx context.Context) ([]*models.Record, error) {
	_, repo, err := b.services()
	if err != nil {
		return nil, err
	}
	recs, err := repo.ListRecords(ctx, db.RecordFilter{Flagged: true})
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*models.Record{}
	}
	return recs, nil
}

type recordRef struct {
	Entity models.EntityKind `json:"entity"`
	ID     string            `json:"id"`
}

func (b *bridge) acknowledge(ctx context.Context, payload string) (*models.Record, error) {
	_, repo, err := b.services()
	if err != nil {
		return nil, err
	}
	var ref recordRef
	if err := json.Unmarshal([]byte(payload), &ref); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record reference", err)
	}

	rec, err := repo.GetRecord(ctx, ref.Entity, ref.ID)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	cleared := b.reconciler.Acknowledge(rec)
	b.mu.RUnlock()
	if err := repo.SaveRecord(ctx, cleared); err != nil {
		return nil, err
	}
	return cleared, nil
}

var core = &bridge{}

func main() {
	// Required for c-shared build mode; never runs inside the app.
}
