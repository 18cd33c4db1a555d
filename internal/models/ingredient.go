// Package models provides data model definitions for SkinGuard Core.
package models

import (
	"fmt"
	"strings"
)

// Severity ranks how serious an ingredient conflict is.
// The zero value is invalid so that a missing severity fails validation.
type Severity int

const (
	SeverityMild Severity = iota + 1
	SeverityModerate
	SeveritySevere
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityMild:     "mild",
	SeverityModerate: "moderate",
	SeveritySevere:   "severe",
	SeverityCritical: "critical",
}

// ParseSeverity parses a severity name. "low", "medium" and "high" are
// accepted as aliases for the mild, moderate and severe tiers.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mild", "low":
		return SeverityMild, nil
	case "moderate", "medium":
		return SeverityModerate, nil
	case "severe", "high":
		return SeveritySevere, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// String returns the lowercase severity name.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Valid reports whether s is one of the four known tiers.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Ingredient is reference data describing a single cosmetic ingredient.
// Name is the case-insensitive identity; InciName is treated as an alias
// when matching ingredient lists and allergens.
type Ingredient struct {
	Name            string   `json:"name" yaml:"name" validate:"required"`
	Category        string   `json:"category,omitempty" yaml:"category"`
	Function        string   `json:"function,omitempty" yaml:"function"`
	InciName        string   `json:"inciName,omitempty" yaml:"inciName"`
	EWGScore        *int     `json:"ewgScore,omitempty" yaml:"ewgScore" validate:"omitempty,min=0,max=10"`
	Categories      []string `json:"categories,omitempty" yaml:"categories"`
	PotentialIssues []string `json:"potentialIssues,omitempty" yaml:"potentialIssues"`
}

// StudyReference is a scientific citation backing a conflict rule.
type StudyReference struct {
	ID       string `json:"id" yaml:"id" validate:"required"` // DOI or PubMed id
	Journal  string `json:"journal,omitempty" yaml:"journal"`
	Citation string `json:"citation" yaml:"citation" validate:"required"`
}

// ConflictRule declares that two ingredients should not be combined.
// The pair is unordered; the rule table stores it canonicalized.
type ConflictRule struct {
	IngredientA    string           `json:"ingredientA" yaml:"ingredientA" validate:"required"`
	IngredientB    string           `json:"ingredientB" yaml:"ingredientB" validate:"required"`
	Severity       Severity         `json:"severity" yaml:"severity" validate:"required"`
	Description    string           `json:"description" yaml:"description"`
	Recommendation string           `json:"recommendation,omitempty" yaml:"recommendation"`
	References     []StudyReference `json:"scientificReferences,omitempty" yaml:"scientificReferences" validate:"dive"`
}

// ConflictSource tells where a detected conflict came from.
type ConflictSource string

const (
	ConflictSourceRule     ConflictSource = "rule"
	ConflictSourceAllergen ConflictSource = "allergen"
)

// ProfileMarker is the IngredientB value of allergen conflicts, which have
// no second ingredient.
const ProfileMarker = "user profile"

// IngredientConflict is a single conflict detected by an analysis.
type IngredientConflict struct {
	IngredientA        string           `json:"ingredientA"`
	IngredientB        string           `json:"ingredientB"`
	Severity           Severity         `json:"severity"`
	Description        string           `json:"description"`
	Recommendation     string           `json:"recommendation,omitempty"`
	Studies            []StudyReference `json:"studies,omitempty"`
	Source             ConflictSource   `json:"source"`
	MatchedIngredients []string         `json:"matchedIngredients,omitempty"`
}

// IsAllergen reports whether the conflict flags a user-declared allergen.
func (c IngredientConflict) IsAllergen() bool {
	return c.Source == ConflictSourceAllergen
}
