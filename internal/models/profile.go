// Package models provides data model definitions for SkinGuard Core.
package models

import (
	"encoding/json"
	"fmt"
)

// SkinType is the user's self-reported skin type.
type SkinType string

const (
	SkinTypeNormal      SkinType = "normal"
	SkinTypeOily        SkinType = "oily"
	SkinTypeDry         SkinType = "dry"
	SkinTypeCombination SkinType = "combination"
	SkinTypeSensitive   SkinType = "sensitive"
)

// SkinConcern is a skin condition the user wants products to address.
type SkinConcern string

const (
	ConcernAcne              SkinConcern = "acne"
	ConcernAging             SkinConcern = "aging"
	ConcernDryness           SkinConcern = "dryness"
	ConcernHyperpigmentation SkinConcern = "hyperpigmentation"
	ConcernRedness           SkinConcern = "redness"
	ConcernSensitivity       SkinConcern = "sensitivity"
)

// SkinProfile holds the user's skin preferences. Allergens are free text
// and matched case-insensitively against ingredient names.
type SkinProfile struct {
	SkinType         SkinType      `json:"skinType,omitempty" validate:"omitempty,oneof=normal oily dry combination sensitive"`
	Concerns         []SkinConcern `json:"concerns,omitempty" validate:"dive,oneof=acne aging dryness hyperpigmentation redness sensitivity"`
	Allergens        []string      `json:"allergens,omitempty"`
	PreferredBrands  []string      `json:"preferredBrands,omitempty"`
	AvoidIngredients []string      `json:"avoidIngredients,omitempty"`
}

// HasConcern reports whether the profile lists the given concern.
func (p SkinProfile) HasConcern(c SkinConcern) bool {
	for _, existing := range p.Concerns {
		if existing == c {
			return true
		}
	}
	return false
}

// EncodeProfile serializes a profile for the preferences row.
func EncodeProfile(p SkinProfile) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode skin profile: %w", err)
	}
	return string(data), nil
}

// DecodeProfile parses a profile previously written by EncodeProfile.
// An empty string decodes to the zero profile.
func DecodeProfile(s string) (SkinProfile, error) {
	var p SkinProfile
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return SkinProfile{}, fmt.Errorf("failed to decode skin profile: %w", err)
	}
	return p, nil
}
