package usecase

import (
	"math"
	"sort"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type FusionOptions struct {
	// Weight of the vector contribution; the lexical one gets 1-Weight.
	Weight float64
	// Size caps the fused output. Zero or negative keeps everything.
	Size int
}

// FuseScores merges lexical and vector hits into one deterministic ranking.
//
// Each list is min-max normalized over this query's hits, then
// fused = w*vector + (1-w)*lexical with a missing contribution counted as 0.
// Ties go to the chunk ranked earlier in the vector list, then in the
// lexical list, then to the smaller chunk id. When one list is empty the
// weight collapses onto the other, so its normalized scores pass through.
func FuseScores(lexical, vector []domain.CandidateHit, opts FusionOptions) []domain.FusedCandidate {
	lexical = dedupeHits(lexical)
	vector = dedupeHits(vector)
	if len(lexical) == 0 && len(vector) == 0 {
		return []domain.FusedCandidate{}
	}

	w := effectiveWeight(opts.Weight, len(lexical), len(vector))
	acc := make(map[string]*domain.FusedCandidate, len(lexical)+len(vector))
	out := make([]*domain.FusedCandidate, 0, len(lexical)+len(vector))

	addList := func(hits []domain.CandidateHit, method domain.RetrievalMethod) {
		normalized := normalizeMinMax(hits)
		for rank, hit := range hits {
			candidate, ok := acc[hit.ChunkID]
			if !ok {
				candidate = &domain.FusedCandidate{ChunkID: hit.ChunkID}
				acc[hit.ChunkID] = candidate
				out = append(out, candidate)
			}
			score := &domain.MethodScore{Raw: hit.Score, Normalized: normalized[rank], Rank: rank}
			if method == domain.MethodVector {
				candidate.Vector = score
			} else {
				candidate.Lexical = score
			}
		}
	}
	addList(vector, domain.MethodVector)
	addList(lexical, domain.MethodLexical)

	for _, c := range out {
		c.Score = w*normalizedOf(c.Vector) + (1-w)*normalizedOf(c.Lexical)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := rankOf(a.Vector), rankOf(b.Vector); ra != rb {
			return ra < rb
		}
		if ra, rb := rankOf(a.Lexical), rankOf(b.Lexical); ra != rb {
			return ra < rb
		}
		return a.ChunkID < b.ChunkID
	})

	if opts.Size > 0 && len(out) > opts.Size {
		out = out[:opts.Size]
	}

	fused := make([]domain.FusedCandidate, len(out))
	for i, c := range out {
		c.Rank = i
		fused[i] = *c
	}
	return fused
}

func effectiveWeight(w float64, lexicalHits, vectorHits int) float64 {
	switch {
	case vectorHits == 0:
		return 0
	case lexicalHits == 0:
		return 1
	case w < 0:
		return 0
	case w > 1:
		return 1
	default:
		return w
	}
}

// normalizeMinMax maps scores into [0,1]. A flat list maps to 1.
func normalizeMinMax(hits []domain.CandidateHit) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	minScore, maxScore := hits[0].Score, hits[0].Score
	for _, hit := range hits[1:] {
		minScore = math.Min(minScore, hit.Score)
		maxScore = math.Max(maxScore, hit.Score)
	}
	rangeScore := maxScore - minScore
	for i, hit := range hits {
		if rangeScore <= 0 {
			out[i] = 1
			continue
		}
		out[i] = (hit.Score - minScore) / rangeScore
	}
	return out
}

// dedupeHits keeps the first occurrence of each chunk id and drops hits
// with no id or a non-finite score.
func dedupeHits(hits []domain.CandidateHit) []domain.CandidateHit {
	if len(hits) == 0 {
		return hits
	}
	seen := make(map[string]struct{}, len(hits))
	out := make([]domain.CandidateHit, 0, len(hits))
	for _, hit := range hits {
		if hit.ChunkID == "" || math.IsNaN(hit.Score) || math.IsInf(hit.Score, 0) {
			continue
		}
		if _, dup := seen[hit.ChunkID]; dup {
			continue
		}
		seen[hit.ChunkID] = struct{}{}
		out = append(out, hit)
	}
	return out
}

func normalizedOf(s *domain.MethodScore) float64 {
	if s == nil {
		return 0
	}
	return s.Normalized
}

func rankOf(s *domain.MethodScore) int {
	if s == nil {
		return math.MaxInt
	}
	return s.Rank
}
