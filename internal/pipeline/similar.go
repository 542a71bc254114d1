package pipeline

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/store"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
	"github.com/sells-group/complaint-orchestrator/pkg/embeddings"
)

// NormalizeForEmbedding canonicalizes a narrative before embedding so
// that visually identical texts produce identical vectors. NFKC folds
// compatibility characters, then case and whitespace are collapsed.
func NormalizeForEmbedding(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ToLower(text)
	return strings.Join(strings.Fields(text), " ")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Search embeds the redacted narrative and ranks the tenant's recent
// complaints by cosine similarity. The candidate window and ranking both
// stay inside the calling tenant; only the benchmark aggregate crosses
// tenants, and it carries no complaint-level data.
func Search(ctx context.Context, st store.Store, embed embeddings.Client, tc tenant.Context, complaintID, redacted string, topK, window int) ([]float32, *model.SearchResult, error) {
	vector, err := embed.Embed(ctx, NormalizeForEmbedding(redacted))
	if err != nil {
		return nil, nil, eris.Wrap(err, "search: embed narrative")
	}

	var (
		candidates []store.Candidate
		benchmark  *model.BenchmarkStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		candidates, err = st.ListEmbeddingCandidates(gctx, tc, window)
		return err
	})
	g.Go(func() error {
		var err error
		benchmark, err = st.BenchmarkStats(gctx, tc)
		return err
	})
	if err := g.Wait(); err != nil {
		return vector, nil, eris.Wrap(err, "search: load candidates")
	}

	matches := rankCandidates(vector, candidates, complaintID, topK)
	return vector, &model.SearchResult{Matches: matches, Benchmark: benchmark}, nil
}

func rankCandidates(query []float32, candidates []store.Candidate, selfID string, topK int) []model.SimilarityMatch {
	matches := make([]model.SimilarityMatch, 0, len(candidates))
	for _, c := range candidates {
		if c.ComplaintID == selfID {
			continue
		}
		matches = append(matches, model.SimilarityMatch{
			ComplaintID:    c.ComplaintID,
			Score:          cosineSimilarity(query, c.Embedding),
			Product:        c.Product,
			Issue:          c.Issue,
			OutcomeSummary: c.OutcomeSummary,
			CreatedAt:      c.CreatedAt,
		})
	}
	// Recency breaks score ties so pagination over reruns is stable.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
