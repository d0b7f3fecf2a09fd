package services

import (
	"context"
	"log"
	"net/url"
	"sort"
	"strings"

	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

// Expander ranks discovered-but-unindexed links against the run's unmet
// information needs and turns the chosen one into a page suggestion.
type Expander struct {
	links    ports.LinkRepository
	pages    ports.PageRepository
	embedder ports.EmbeddingService

	linksPerQuery int
	candidatesMax int
}

func NewExpander(links ports.LinkRepository, pages ports.PageRepository, embedder ports.EmbeddingService, linksPerQuery, candidatesMax int) *Expander {
	return &Expander{
		links:         links,
		pages:         pages,
		embedder:      embedder,
		linksPerQuery: linksPerQuery,
		candidatesMax: candidatesMax,
	}
}

// RankCandidates embeds the user question plus up to three recent
// subqueries, retrieves matching discovered links per query, merges them
// keeping the minimum distance per link, and re-ranks with a term-match
// preference: links whose URL, anchor text, or derived title contains a
// significant question token come first, distance order within partitions.
//
// Candidate lookup is best-effort: failures are logged and produce an empty
// slice, never an error.
func (e *Expander) RankCandidates(ctx context.Context, sourceIDs []string, question string, recentQueries []string) []*models.DiscoveredLink {
	if len(sourceIDs) == 0 {
		return nil
	}

	queries := []string{question}
	if len(recentQueries) > 3 {
		recentQueries = recentQueries[len(recentQueries)-3:]
	}
	for _, query := range recentQueries {
		if strings.TrimSpace(query) != "" {
			queries = append(queries, query)
		}
	}

	embeddings, err := e.embedder.EmbedBatch(ctx, queries)
	if err != nil || len(embeddings) != len(queries) {
		log.Printf("[Expander] batch embedding failed for %d candidate queries: %v", len(queries), err)
		return nil
	}

	best := make(map[string]*models.DiscoveredLink)
	for _, embedding := range embeddings {
		matched, err := e.links.MatchDiscoveredLinks(ctx, embedding.Embedding, sourceIDs, e.linksPerQuery)
		if err != nil {
			log.Printf("[Expander] link match failed: %v", err)
			continue
		}
		for _, link := range matched {
			if existing, ok := best[link.ID]; !ok || link.Distance < existing.Distance {
				best[link.ID] = link
			}
		}
	}
	if len(best) == 0 {
		return nil
	}

	merged := make([]*models.DiscoveredLink, 0, len(best))
	for _, link := range best {
		merged = append(merged, link)
	}

	terms := significantTerms(question)
	matchesQuestion := func(link *models.DiscoveredLink) bool {
		haystack := strings.ToLower(link.ToURL + " " + link.AnchorText + " " + deriveTitleFromURL(link.ToURL))
		for term := range terms {
			if strings.Contains(haystack, term) {
				return true
			}
		}
		return false
	}

	sort.SliceStable(merged, func(a, b int) bool {
		am, bm := matchesQuestion(merged[a]), matchesQuestion(merged[b])
		if am != bm {
			return am
		}
		if merged[a].Distance != merged[b].Distance {
			return merged[a].Distance < merged[b].Distance
		}
		return merged[a].ID < merged[b].ID
	})

	if len(merged) > e.candidatesMax {
		merged = merged[:e.candidatesMax]
	}
	return merged
}

// BuildSuggestion turns the index-th ranked candidate (1-based, as chosen by
// the decision stage) into a SuggestedPage. An out-of-range index falls back
// to the top candidate.
func (e *Expander) BuildSuggestion(ctx context.Context, candidates []*models.DiscoveredLink, index int) *models.SuggestedPage {
	if len(candidates) == 0 {
		return nil
	}
	if index < 1 || index > len(candidates) {
		index = 1
	}
	link := candidates[index-1]

	title := strings.TrimSpace(link.AnchorText)
	if title == "" {
		title = deriveTitleFromURL(link.ToURL)
	}

	suggestion := &models.SuggestedPage{
		URL:      link.ToURL,
		Title:    title,
		Snippet:  link.Snippet,
		SourceID: link.SourceID,
	}
	if link.FromPageID != "" {
		if page, err := e.pages.GetByID(ctx, link.FromPageID); err == nil && page != nil {
			suggestion.FromPageTitle = page.Title
		}
	}
	return suggestion
}

// deriveTitleFromURL produces a human-readable title from the last
// non-empty path segment: percent-decoded, underscores replaced by spaces.
// URLs with no usable segment come back verbatim.
func deriveTitleFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	segments := strings.Split(parsed.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		segment := strings.TrimSpace(segments[i])
		if segment == "" {
			continue
		}
		if decoded, err := url.PathUnescape(segment); err == nil {
			segment = decoded
		}
		segment = strings.TrimSpace(strings.ReplaceAll(segment, "_", " "))
		if segment != "" {
			return segment
		}
	}
	return rawURL
}
