// Package models provides data model definitions for SkinGuard Core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Product is a scanned product with its ordered ingredient list.
type Product struct {
	ID          string   `json:"id,omitempty"`
	Barcode     string   `json:"barcode,omitempty"`
	Name        string   `json:"name,omitempty"`
	Brand       string   `json:"brand,omitempty"`
	Ingredients []string `json:"ingredients"`
}

// AnalysisResult is the immutable outcome of analyzing one product.
type AnalysisResult struct {
	Product          Product              `json:"product"`
	Conflicts        []IngredientConflict `json:"conflicts"`
	SafetyScore      int                  `json:"safetyScore"`
	AllergenMatches  []string             `json:"allergenMatches"`
	RuleTableVersion string               `json:"ruleTableVersion,omitempty"`
}

// HasAllergens reports whether any user-declared allergen was matched.
func (r *AnalysisResult) HasAllergens() bool {
	return len(r.AllergenMatches) > 0
}

// MaxSeverity returns the highest severity among the conflicts, or zero.
func (r *AnalysisResult) MaxSeverity() Severity {
	var max Severity
	for _, c := range r.Conflicts {
		if c.Severity > max {
			max = c.Severity
		}
	}
	return max
}

// EncodeAnalysisResult serializes a result for the analysisResults column.
func EncodeAnalysisResult(r *AnalysisResult) (string, error) {
	if r == nil {
		return "", fmt.Errorf("cannot encode nil analysis result")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode analysis result: %w", err)
	}
	return string(data), nil
}

// DecodeAnalysisResult parses a result written by EncodeAnalysisResult.
func DecodeAnalysisResult(s string) (*AnalysisResult, error) {
	var r AnalysisResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("failed to decode analysis result: %w", err)
	}
	return &r, nil
}

// Scan is one product scan performed by the user. It is persisted as a
// syncable record of entity EntityScan.
type Scan struct {
	ID        string          `json:"id"`
	ScannedAt int64           `json:"scannedAt"` // Unix milliseconds
	Result    *AnalysisResult `json:"-"`
}

// ScannedAtTime returns ScannedAt as time.Time.
func (s *Scan) ScannedAtTime() time.Time {
	return time.UnixMilli(s.ScannedAt)
}

// ToFields converts the scan into record fields. The analysis result is
// stored as an encoded string under the analysisResults field.
func (s *Scan) ToFields() (Fields, error) {
	encoded, err := EncodeAnalysisResult(s.Result)
	if err != nil {
		return nil, err
	}
	return FieldsOf(map[string]interface{}{
		"productId":       s.Result.Product.ID,
		"barcode":         s.Result.Product.Barcode,
		"scannedAt":       s.ScannedAt,
		"safetyScore":     s.Result.SafetyScore,
		"analysisResults": encoded,
	})
}

// ScanFromRecord rebuilds a Scan from a stored record.
func ScanFromRecord(rec *Record) (*Scan, error) {
	if rec.Entity != EntityScan {
		return nil, fmt.Errorf("record %s/%s is not a scan", rec.Entity, rec.ID)
	}
	var encoded string
	if err := rec.Fields.Decode("analysisResults", &encoded); err != nil {
		return nil, err
	}
	result, err := DecodeAnalysisResult(encoded)
	if err != nil {
		return nil, err
	}
	scan := &Scan{ID: rec.ID, Result: result}
	if err := rec.Fields.Decode("scannedAt", &scan.ScannedAt); err != nil {
		return nil, err
	}
	return scan, nil
}
