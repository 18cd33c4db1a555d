package conflict

import "github.com/kimhsiao/skinguard/backend/internal/models"

// MaxScore is the score of a product with no conflicts.
const MaxScore = 100

// Penalties maps each severity tier to the points it removes from the
// safety score.
type Penalties map[models.Severity]int

// DefaultPenalties returns the linear penalty table: low 5, moderate 10,
// high 20, critical 30.
func DefaultPenalties() Penalties {
	return Penalties{
		models.SeverityMild:     5,
		models.SeverityModerate: 10,
		models.SeveritySevere:   20,
		models.SeverityCritical: 30,
	}
}

// Score subtracts one penalty per conflict from MaxScore, floored at 0.
// There is no weighting by ingredient count.
func (p Penalties) Score(conflicts []models.IngredientConflict) int {
	score := MaxScore
	for _, c := range conflicts {
		score -= p[c.Severity]
		if score <= 0 {
			return 0
		}
	}
	return score
}
