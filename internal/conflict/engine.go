// Package conflict detects ingredient conflicts and allergen matches in a
// product's ingredient list and scores the product's safety.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	"github.com/kimhsiao/skinguard/backend/internal/models"
	"github.com/kimhsiao/skinguard/backend/internal/normalize"
	"github.com/kimhsiao/skinguard/backend/internal/rules"
)

// AllergenDescription is the description of every allergen conflict.
const AllergenDescription = "user-declared allergen"

// ErrRulesNotLoaded is returned when Analyze runs without a rule table.
var ErrRulesNotLoaded = apperrors.New(apperrors.ErrRulesNotLoaded, "rule table not loaded")

// Engine analyzes ingredient lists against a rule table. It holds no
// mutable state and may be shared between goroutines.
type Engine struct {
	table     *rules.Table
	penalties Penalties
}

// Option configures an Engine.
type Option func(*Engine)

// WithPenalties overrides the score penalty per severity. Tiers missing
// from p keep their default.
func WithPenalties(p Penalties) Option {
	return func(e *Engine) {
		for sev, v := range p {
			e.penalties[sev] = v
		}
	}
}

// NewEngine creates an Engine. A nil table is accepted here so wiring
// order stays flexible, but Analyze fails until one is provided.
func NewEngine(table *rules.Table, opts ...Option) *Engine {
	e := &Engine{
		table:     table,
		penalties: DefaultPenalties(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RuleTableVersion returns the version of the loaded table, or "".
func (e *Engine) RuleTableVersion() string {
	if e == nil || e.table == nil {
		return ""
	}
	return e.table.Version()
}

// ingredient is one usable input entry.
type ingredient struct {
	display string
	norm    string
}

// prepare trims and normalizes the input, dropping blank entries and
// entries that normalize to a name already seen.
func prepare(names []string) []ingredient {
	out := make([]ingredient, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		display := strings.TrimSpace(raw)
		n := normalize.Name(display)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, ingredient{display: display, norm: n})
	}
	return out
}

// Analyze computes the conflicts, allergen matches and safety score for an
// ingredient list. The result depends only on the inputs and the table.
func (e *Engine) Analyze(ingredients []string, profile models.SkinProfile) (*models.AnalysisResult, error) {
	if e == nil || e.table == nil {
		return nil, ErrRulesNotLoaded
	}

	entries := prepare(ingredients)
	displays := make([]string, 0, len(entries))
	for _, ing := range entries {
		displays = append(displays, ing.display)
	}

	conflicts := e.ruleConflicts(entries)
	allergenConflicts, matches := e.allergenConflicts(entries, profile.Allergens)
	conflicts = append(conflicts, allergenConflicts...)
	sortConflicts(conflicts)

	result := &models.AnalysisResult{
		Product:          models.Product{Ingredients: displays},
		Conflicts:        conflicts,
		SafetyScore:      e.penalties.Score(conflicts),
		AllergenMatches:  matches,
		RuleTableVersion: e.table.Version(),
	}

	logging.Debug("Ingredient analysis completed", map[string]interface{}{
		"ingredients":      len(entries),
		"conflicts":        len(conflicts),
		"allergen_matches": len(matches),
		"safety_score":     result.SafetyScore,
	})
	return result, nil
}

// AnalyzeProduct analyzes p.Ingredients and attaches the product to the
// result.
func (e *Engine) AnalyzeProduct(p models.Product, profile models.SkinProfile) (*models.AnalysisResult, error) {
	result, err := e.Analyze(p.Ingredients, profile)
	if err != nil {
		return nil, err
	}
	cleaned := result.Product.Ingredients
	result.Product = p
	result.Product.Ingredients = cleaned
	return result, nil
}

// ruleConflicts fires each rule at most once, when two distinct entries
// match its two ingredients by containment.
func (e *Engine) ruleConflicts(entries []ingredient) []models.IngredientConflict {
	if len(entries) < 2 {
		return nil
	}

	var out []models.IngredientConflict
	for _, rule := range e.table.Rules() {
		hitsA := matching(entries, e.table.Names(rule.IngredientA))
		if len(hitsA) == 0 {
			continue
		}
		hitsB := matching(entries, e.table.Names(rule.IngredientB))
		if len(hitsB) == 0 {
			continue
		}
		// One entry matching both names is not a pair.
		if len(hitsA) == 1 && len(hitsB) == 1 && hitsA[0] == hitsB[0] {
			continue
		}

		matched := make([]string, 0, len(hitsA)+len(hitsB))
		seen := make(map[int]bool)
		for _, i := range append(append([]int{}, hitsA...), hitsB...) {
			if !seen[i] {
				seen[i] = true
				matched = append(matched, entries[i].display)
			}
		}
		sort.Strings(matched)

		out = append(out, models.IngredientConflict{
			IngredientA:        rule.IngredientA,
			IngredientB:        rule.IngredientB,
			Severity:           rule.Severity,
			Description:        rule.Description,
			Recommendation:     rule.Recommendation,
			Studies:            append([]models.StudyReference(nil), rule.References...),
			Source:             models.ConflictSourceRule,
			MatchedIngredients: matched,
		})
	}
	return out
}

// allergenConflicts flags every (allergen, ingredient) containment hit.
// Matches lists the flagged ingredients in input order.
func (e *Engine) allergenConflicts(entries []ingredient, allergens []string) ([]models.IngredientConflict, []string) {
	var (
		out     []models.IngredientConflict
		matches = []string{}
		flagged = make(map[int]bool)
		checked = make(map[string]bool)
	)

	for _, allergen := range allergens {
		terms := e.table.Names(allergen)
		if len(terms) == 0 || checked[terms[0]] {
			continue
		}
		checked[terms[0]] = true

		for i, ing := range entries {
			if !normalize.ContainsAny(ing.norm, terms) {
				continue
			}
			flagged[i] = true
			out = append(out, models.IngredientConflict{
				IngredientA:        ing.display,
				IngredientB:        models.ProfileMarker,
				Severity:           models.SeveritySevere,
				Description:        AllergenDescription,
				Recommendation:     fmt.Sprintf("Avoid products containing %s.", strings.TrimSpace(allergen)),
				Source:             models.ConflictSourceAllergen,
				MatchedIngredients: []string{ing.display},
			})
		}
	}

	for i, ing := range entries {
		if flagged[i] {
			matches = append(matches, ing.display)
		}
	}
	return out, matches
}

func matching(entries []ingredient, names []string) []int {
	var hits []int
	for i, ing := range entries {
		if normalize.ContainsAny(ing.norm, names) {
			hits = append(hits, i)
		}
	}
	return hits
}

// sortConflicts orders by severity (highest first), then rule conflicts
// before allergen flags, then by names.
func sortConflicts(cs []models.IngredientConflict) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Source != b.Source {
			return a.Source == models.ConflictSourceRule
		}
		if a.IngredientA != b.IngredientA {
			return a.IngredientA < b.IngredientA
		}
		if a.IngredientB != b.IngredientB {
			return a.IngredientB < b.IngredientB
		}
		return a.Recommendation < b.Recommendation
	})
}
