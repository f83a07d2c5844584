package retrieval

import (
	"context"
	"sort"
)

// Scoring metrics reported on passages.
const (
	MetricHybrid  = "hybrid"
	MetricCosine  = "cosine"
	MetricKeyword = "bm25"
)

// Passage is a retrieved text span. Score is in [0, 1], higher is more relevant.
type Passage struct {
	ID       string  `json:"id"`
	SourceID string  `json:"source_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Metric   string  `json:"metric"`
}

// Retriever returns ranked passages for a query.
type Retriever interface {
	Search(ctx context.Context, query string, k int, minScore float64) ([]Passage, error)
}

// Rank filters passages below minScore, orders them by descending score with
// ties broken by id, and truncates to k. The input slice is not modified.
func Rank(passages []Passage, k int, minScore float64) []Passage {
	out := make([]Passage, 0, len(passages))
	if k <= 0 {
		return out
	}

	for _, p := range passages {
		if p.Score >= minScore {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	if len(out) > k {
		out = out[:k]
	}
	return out
}

// IDs returns the ids of passages in order.
func IDs(passages []Passage) []string {
	ids := make([]string, len(passages))
	for i, p := range passages {
		ids[i] = p.ID
	}
	return ids
}
