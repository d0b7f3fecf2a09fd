package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) (*ports.EmbeddingResult, error) {
	return &ports.EmbeddingResult{Embedding: []float32{0.1, 0.2, 0.3}, Dimensions: 3}, nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]*ports.EmbeddingResult, error) {
	out := make([]*ports.EmbeddingResult, len(texts))
	for i := range texts {
		out[i], _ = s.Embed(ctx, texts[i])
	}
	return out, nil
}

func (stubEmbedder) GetDimensions() int { return 3 }

// queuedLinkRepo returns one canned result list per MatchDiscoveredLinks call.
type queuedLinkRepo struct {
	results [][]*models.DiscoveredLink
	calls   int
}

func (r *queuedLinkRepo) MatchDiscoveredLinks(ctx context.Context, embedding []float32, sourceIDs []string, limit int) ([]*models.DiscoveredLink, error) {
	r.calls++
	if r.calls > len(r.results) {
		return nil, nil
	}
	return r.results[r.calls-1], nil
}

type stubPageRepo struct {
	pages map[string]*models.Page
}

func (r *stubPageRepo) GetByID(ctx context.Context, id string) (*models.Page, error) {
	if page, ok := r.pages[id]; ok {
		return page, nil
	}
	return nil, fmt.Errorf("page %s not found", id)
}

func (r *stubPageRepo) GetIndexedBySources(ctx context.Context, sourceIDs []string) ([]*models.Page, error) {
	return nil, nil
}

func (r *stubPageRepo) GetContent(ctx context.Context, pageID string) (string, error) {
	return "", nil
}

func link(id, toURL, anchor string, distance float64) *models.DiscoveredLink {
	return &models.DiscoveredLink{ID: id, SourceID: "qsrc_1", ToURL: toURL, AnchorText: anchor, Distance: distance}
}

func TestDeriveTitleFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://example.org/docs/getting_started", "getting started"},
		{"https://example.org/docs/api/", "api"},
		{"https://example.org/a%20b", "a b"},
		{"https://example.org/", "https://example.org/"},
		{"https://example.org", "https://example.org"},
	}
	for _, tc := range cases {
		if got := deriveTitleFromURL(tc.url); got != tc.want {
			t.Errorf("deriveTitleFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestRankCandidatesTermMatchPreference(t *testing.T) {
	repo := &queuedLinkRepo{results: [][]*models.DiscoveredLink{{
		link("ql_1", "https://example.org/unrelated", "Changelog", 0.1),
		link("ql_2", "https://example.org/pricing_model", "", 0.6),
	}}}
	expander := NewExpander(repo, &stubPageRepo{}, stubEmbedder{}, 12, 10)

	got := expander.RankCandidates(context.Background(), []string{"qsrc_1"}, "What is the pricing model?", nil)

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "ql_2" {
		t.Errorf("first candidate = %s, want the term-matching ql_2 despite worse distance", got[0].ID)
	}
}

func TestRankCandidatesMergesMinDistanceAndCaps(t *testing.T) {
	var many []*models.DiscoveredLink
	for i := 0; i < 12; i++ {
		many = append(many, link(fmt.Sprintf("ql_%02d", i), fmt.Sprintf("https://example.org/p%d", i), "", 0.2+float64(i)*0.01))
	}
	repo := &queuedLinkRepo{results: [][]*models.DiscoveredLink{
		{link("ql_dup", "https://example.org/x", "", 0.5)},
		append([]*models.DiscoveredLink{link("ql_dup", "https://example.org/x", "", 0.05)}, many...),
	}}
	expander := NewExpander(repo, &stubPageRepo{}, stubEmbedder{}, 12, 10)

	got := expander.RankCandidates(context.Background(), []string{"qsrc_1"}, "anything", []string{"second query"})

	if len(got) != 10 {
		t.Fatalf("len = %d, want capped at 10", len(got))
	}
	if got[0].ID != "ql_dup" || got[0].Distance != 0.05 {
		t.Errorf("first = %s (%v), want ql_dup at its minimum distance 0.05", got[0].ID, got[0].Distance)
	}
}

func TestRankCandidatesUsesAtMostThreeRecentQueries(t *testing.T) {
	repo := &queuedLinkRepo{}
	expander := NewExpander(repo, &stubPageRepo{}, stubEmbedder{}, 12, 10)

	expander.RankCandidates(context.Background(), []string{"qsrc_1"}, "q", []string{"a", "b", "c", "d", "e"})

	// Question plus the last three recent queries.
	if repo.calls != 4 {
		t.Errorf("link store queried %d times, want 4", repo.calls)
	}
}

func TestBuildSuggestion(t *testing.T) {
	pages := &stubPageRepo{pages: map[string]*models.Page{
		"qpg_1": {ID: "qpg_1", Title: "Docs home"},
	}}
	expander := NewExpander(&queuedLinkRepo{}, pages, stubEmbedder{}, 12, 10)

	candidates := []*models.DiscoveredLink{
		{ID: "ql_1", SourceID: "qsrc_1", ToURL: "https://example.org/deep_dive", AnchorText: "", FromPageID: "qpg_1", Snippet: "…a deep dive…"},
		{ID: "ql_2", SourceID: "qsrc_1", ToURL: "https://example.org/other", AnchorText: "Other page"},
	}

	got := expander.BuildSuggestion(context.Background(), candidates, 1)
	if got == nil {
		t.Fatal("BuildSuggestion returned nil")
	}
	if got.Title != "deep dive" {
		t.Errorf("Title = %q, want derived %q", got.Title, "deep dive")
	}
	if got.FromPageTitle != "Docs home" {
		t.Errorf("FromPageTitle = %q, want looked-up page title", got.FromPageTitle)
	}

	// Anchor text wins when present.
	if got := expander.BuildSuggestion(context.Background(), candidates, 2); got.Title != "Other page" {
		t.Errorf("Title = %q, want anchor text", got.Title)
	}

	// Out-of-range index falls back to the top candidate.
	for _, idx := range []int{0, -1, 99} {
		if got := expander.BuildSuggestion(context.Background(), candidates, idx); got.URL != candidates[0].ToURL {
			t.Errorf("index %d: URL = %q, want top candidate", idx, got.URL)
		}
	}

	if got := expander.BuildSuggestion(context.Background(), nil, 1); got != nil {
		t.Errorf("no candidates: got %+v, want nil", got)
	}
}
