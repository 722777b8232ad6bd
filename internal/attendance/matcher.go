package attendance

import (
	"math"

	"github.com/google/uuid"
)

// Candidate is one enrolled identity in the match population.
type Candidate struct {
	UserID    uuid.UUID
	Embedding []float32
}

// Match is the closest candidate to a query embedding.
type Match struct {
	UserID   uuid.UUID
	Distance float64
}

// Nearest scans the population and returns the candidate with minimal L2
// distance to query. Ties keep the earliest candidate, so callers that need
// deterministic tie-breaking should order the population (the repository
// returns it sorted by user id). ok is false when the population is empty or
// no candidate has an embedding of the query's dimension.
//
// A linear scan is fine at enrollment scale; swapping in an ANN index only
// needs to preserve this signature.
func Nearest(query []float32, population []Candidate) (Match, bool) {
	best := Match{Distance: math.Inf(1)}
	found := false
	for _, c := range population {
		if len(c.Embedding) != len(query) {
			continue
		}
		d := l2Distance(query, c.Embedding)
		if d < best.Distance {
			best = Match{UserID: c.UserID, Distance: d}
			found = true
		}
	}
	return best, found
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
