package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Scored is one retrieved turn with its similarity to the query.
type Scored struct {
	Turn       Turn
	Similarity float64
}

// retrievalScan caps how much history one retrieval considers.
const retrievalScan = 200

// Retrieve returns the topK turns most similar to the query, cosine
// similarity over bag-of-terms vectors, skipping results below floor.
func (s *Store) Retrieve(ctx context.Context, sessionID, query string, topK int, floor float64) ([]Scored, error) {
	if topK <= 0 {
		return nil, nil
	}
	turns, err := s.Turns(ctx, sessionID, retrievalScan)
	if err != nil {
		return nil, err
	}
	queryVec := termVector(query)
	if len(queryVec) == 0 {
		return nil, nil
	}

	var scored []Scored
	for _, turn := range turns {
		sim := cosine(queryVec, termVector(turn.Content))
		if sim < floor {
			continue
		}
		scored = append(scored, Scored{Turn: turn, Similarity: sim})
	}
	// Insertion sort by similarity descending; history windows are small.
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].Similarity > scored[j-1].Similarity; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// BuildContext formats recent turns and retrieved history into the
// auxiliary context text prepended to the model prompt.
func BuildContext(recent []Turn, retrieved []Scored) string {
	var b strings.Builder
	if len(retrieved) > 0 {
		b.WriteString("İlgili geçmiş:\n")
		for _, r := range retrieved {
			fmt.Fprintf(&b, "- %s: %s\n", r.Turn.Role, r.Turn.Content)
		}
	}
	if len(recent) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Son konuşma:\n")
		for _, t := range recent {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func termVector(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		term := strings.Trim(field, ".,!?;:\"'()")
		if len(term) < 2 {
			continue
		}
		vec[term]++
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for term, weight := range a {
		normA += weight * weight
		if other, ok := b[term]; ok {
			dot += weight * other
		}
	}
	for _, weight := range b {
		normB += weight * weight
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
