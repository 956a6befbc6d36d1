package search

import (
	"sort"

	"tn-legal-rag/internal/models"
)

// Merge combines the vector and lexical candidate sets. Each set is normalized by its own
// maximum, then mergedScore = alpha*vector + (1-alpha)*lexical with a missing side counted
// as 0. A chunk present in only one set is kept.
func Merge(vector, lexical []models.SearchResult, alpha float64) []models.SearchResult {
	maxVec := 0.0
	for _, r := range vector {
		if r.Similarity > maxVec {
			maxVec = r.Similarity
		}
	}
	maxLex := 0.0
	for _, r := range lexical {
		if r.LexicalScore > maxLex {
			maxLex = r.LexicalScore
		}
	}

	byChunk := make(map[string]*models.SearchResult, len(vector)+len(lexical))
	order := make([]string, 0, len(vector)+len(lexical))
	for _, r := range vector {
		r := r
		r.HasVector = true
		byChunk[r.ChunkID] = &r
		order = append(order, r.ChunkID)
	}
	for _, r := range lexical {
		if existing, ok := byChunk[r.ChunkID]; ok {
			existing.LexicalScore = r.LexicalScore
			existing.HasLexical = true
			continue
		}
		r := r
		r.HasLexical = true
		byChunk[r.ChunkID] = &r
		order = append(order, r.ChunkID)
	}

	merged := make([]models.SearchResult, 0, len(order))
	for _, id := range order {
		r := byChunk[id]
		var nv, nl float64
		if r.HasVector && maxVec > 0 && r.Similarity > 0 {
			nv = r.Similarity / maxVec
		}
		if r.HasLexical && maxLex > 0 && r.LexicalScore > 0 {
			nl = r.LexicalScore / maxLex
		}
		r.MergedScore = alpha*nv + (1-alpha)*nl
		merged = append(merged, *r)
	}

	SortByMerged(merged)
	return merged
}

// SortByMerged orders by merged score, then legal authority, then recency, then chunk id
func SortByMerged(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.MergedScore != b.MergedScore {
			return a.MergedScore > b.MergedScore
		}
		if a.NormLevel != b.NormLevel {
			return a.NormLevel > b.NormLevel
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ChunkID < b.ChunkID
	})
}
