// Package rules holds the ingredient conflict rule table. A Table is
// immutable once built and safe for concurrent readers.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/models"
	"github.com/kimhsiao/skinguard/backend/internal/normalize"
)

var validate = validator.New()

// PairKey is the canonical identity of an unordered ingredient pair:
// both names normalized, A sorting before B.
type PairKey struct {
	A string
	B string
}

// CanonicalPair builds the PairKey for two ingredient names in any order.
func CanonicalPair(a, b string) PairKey {
	na, nb := normalize.Name(a), normalize.Name(b)
	if nb < na {
		na, nb = nb, na
	}
	return PairKey{A: na, B: nb}
}

// String renders the pair as "a + b".
func (k PairKey) String() string {
	return k.A + " + " + k.B
}

// Document is the serialized form of a rule table.
type Document struct {
	Version     string                `json:"version,omitempty" yaml:"version"`
	Ingredients []models.Ingredient   `json:"ingredients,omitempty" yaml:"ingredients"`
	Rules       []models.ConflictRule `json:"rules" yaml:"rules"`
}

// Table is a validated, canonicalized rule table.
type Table struct {
	version     string
	rules       map[PairKey]models.ConflictRule
	order       []PairKey
	ingredients map[string]models.Ingredient
	aliases     map[string][]string
}

// New validates doc and builds a Table. Rules are keyed by canonical pair;
// a pair declared twice in any order is rejected.
func New(doc Document) (*Table, error) {
	t := &Table{
		rules:       make(map[PairKey]models.ConflictRule, len(doc.Rules)),
		ingredients: make(map[string]models.Ingredient, len(doc.Ingredients)),
		aliases:     make(map[string][]string),
	}

	for i, ing := range doc.Ingredients {
		if err := validate.Struct(ing); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRuleTableInvalid, fmt.Sprintf("ingredient %d", i), err)
		}
		name := normalize.Name(ing.Name)
		if name == "" {
			return nil, apperrors.Newf(apperrors.ErrRuleTableInvalid, "ingredient %d has a blank name", i)
		}
		if _, exists := t.ingredients[name]; exists {
			return nil, apperrors.Newf(apperrors.ErrRuleTableInvalid, "ingredient %q declared twice", name)
		}
		t.ingredients[name] = ing
		t.addAliases(name, normalize.Name(ing.InciName))
	}

	for i, rule := range doc.Rules {
		if err := validate.Struct(rule); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRuleTableInvalid, fmt.Sprintf("rule %d", i), err)
		}
		key := CanonicalPair(rule.IngredientA, rule.IngredientB)
		if key.A == "" || key.B == "" {
			return nil, apperrors.Newf(apperrors.ErrRuleTableInvalid, "rule %d has a blank ingredient", i)
		}
		if key.A == key.B {
			return nil, apperrors.Newf(apperrors.ErrRuleTableInvalid, "rule %d pairs %q with itself", i, key.A)
		}
		if _, exists := t.rules[key]; exists {
			return nil, apperrors.Newf(apperrors.ErrDuplicateRule, "duplicate rule for %s", key)
		}
		rule.IngredientA, rule.IngredientB = key.A, key.B
		t.rules[key] = rule
		t.order = append(t.order, key)
	}

	sort.Slice(t.order, func(i, j int) bool {
		if t.order[i].A != t.order[j].A {
			return t.order[i].A < t.order[j].A
		}
		return t.order[i].B < t.order[j].B
	})

	t.version = doc.Version
	if t.version == "" {
		t.version = t.checksum()
	}
	return t, nil
}

func (t *Table) addAliases(name, inci string) {
	if inci == "" || inci == name {
		return
	}
	group := []string{name, inci}
	for _, existing := range [][]string{t.aliases[name], t.aliases[inci]} {
		for _, n := range existing {
			if n != name && n != inci {
				group = append(group, n)
			}
		}
	}
	for _, n := range group {
		t.aliases[n] = group
	}
}

// checksum hashes the canonical content so equal tables share a version.
func (t *Table) checksum() string {
	names := make([]string, 0, len(t.ingredients))
	for n := range t.ingredients {
		names = append(names, n)
	}
	sort.Strings(names)
	ingredients := make([]models.Ingredient, 0, len(names))
	for _, n := range names {
		ingredients = append(ingredients, t.ingredients[n])
	}
	data, _ := json.Marshal(Document{Ingredients: ingredients, Rules: t.Rules()})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Version identifies the table content.
func (t *Table) Version() string {
	return t.version
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.order)
}

// Rules returns the rules in canonical pair order.
func (t *Table) Rules() []models.ConflictRule {
	out := make([]models.ConflictRule, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.rules[key])
	}
	return out
}

// Lookup finds the rule for an exact pair of names, in either order.
func (t *Table) Lookup(a, b string) (models.ConflictRule, bool) {
	rule, ok := t.rules[CanonicalPair(a, b)]
	return rule, ok
}

// Ingredient returns catalog data for a name or INCI name.
func (t *Table) Ingredient(name string) (models.Ingredient, bool) {
	n := normalize.Name(name)
	if ing, ok := t.ingredients[n]; ok {
		return ing, true
	}
	for _, alias := range t.aliases[n] {
		if ing, ok := t.ingredients[alias]; ok {
			return ing, true
		}
	}
	return models.Ingredient{}, false
}

// Names returns the normalized name together with every catalog alias of
// it. A blank name yields nil.
func (t *Table) Names(name string) []string {
	n := normalize.Name(name)
	if n == "" {
		return nil
	}
	group, ok := t.aliases[n]
	if !ok {
		return []string{n}
	}
	out := make([]string, 0, len(group))
	out = append(out, n)
	for _, alias := range group {
		if alias != n {
			out = append(out, alias)
		}
	}
	return out
}
