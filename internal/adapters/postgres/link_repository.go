package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/longregen/quarry/internal/domain/models"
)

// LinkRepository retrieves discovered links through the datastore's
// match_discovered_links function, which already excludes URLs that have
// since been indexed as pages.
type LinkRepository struct {
	BaseRepository
}

func NewLinkRepository(pool *pgxpool.Pool) *LinkRepository {
	return &LinkRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *LinkRepository) MatchDiscoveredLinks(ctx context.Context, embedding []float32, sourceIDs []string, limit int) ([]*models.DiscoveredLink, error) {
	if len(sourceIDs) == 0 || limit <= 0 {
		return []*models.DiscoveredLink{}, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, source_id, from_page_id, to_url, anchor_text, snippet, distance
		FROM match_discovered_links($1, $2, $3)`

	rows, err := r.conn(ctx).Query(ctx, query, pgvector.NewVector(embedding), sourceIDs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	links := make([]*models.DiscoveredLink, 0)
	for rows.Next() {
		var l models.DiscoveredLink
		var fromPageID, anchorText, snippet sql.NullString
		var distance sql.NullFloat64
		if err := rows.Scan(&l.ID, &l.SourceID, &fromPageID, &l.ToURL, &anchorText, &snippet, &distance); err != nil {
			return nil, err
		}
		l.FromPageID = getString(fromPageID)
		l.AnchorText = getString(anchorText)
		l.Snippet = getString(snippet)
		if distance.Valid {
			l.Distance = distance.Float64
		} else {
			l.Distance = 1
		}
		links = append(links, &l)
	}

	return links, rows.Err()
}
