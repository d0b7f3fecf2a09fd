package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/longregen/quarry/internal/domain/models"
)

// ChunkRepository retrieves indexed chunks through the datastore's SQL
// functions. Chunks are written by the indexer and never mutated here.
type ChunkRepository struct {
	BaseRepository
}

func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

// MatchChunks runs the match_chunks function for one query embedding,
// restricted to the given pages. Distances are cosine-like, smaller is
// better.
func (r *ChunkRepository) MatchChunks(ctx context.Context, embedding []float32, pageIDs []string, limit int) ([]*models.Chunk, error) {
	if len(pageIDs) == 0 || limit <= 0 {
		return []*models.Chunk{}, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, page_id, content, page_title, page_path, source_domain, distance
		FROM match_chunks($1, $2, $3)`

	rows, err := r.conn(ctx).Query(ctx, query, pgvector.NewVector(embedding), pageIDs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

// GetLeadChunks returns the canonical opening-excerpt chunks for the given
// pages. They carry no similarity distance, so it defaults to 1.
func (r *ChunkRepository) GetLeadChunks(ctx context.Context, pageIDs []string) ([]*models.Chunk, error) {
	if len(pageIDs) == 0 {
		return []*models.Chunk{}, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, page_id, content, page_title, page_path, source_domain
		FROM get_lead_chunks($1)`

	rows, err := r.conn(ctx).Query(ctx, query, pageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := make([]*models.Chunk, 0)
	for rows.Next() {
		var c models.Chunk
		var title, path, domain sql.NullString
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &title, &path, &domain); err != nil {
			return nil, err
		}
		c.PageTitle = getString(title)
		c.PagePath = getString(path)
		c.SourceDomain = getString(domain)
		c.Distance = 1
		chunks = append(chunks, &c)
	}

	return chunks, rows.Err()
}

func (r *ChunkRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Chunk, error) {
	if len(ids) == 0 {
		return []*models.Chunk{}, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT c.id, c.page_id, c.content, p.title, p.path, s.domain
		FROM quarry_chunks c
		JOIN quarry_pages p ON p.id = c.page_id
		JOIN quarry_sources s ON s.id = p.source_id
		WHERE c.id = ANY($1)`

	rows, err := r.conn(ctx).Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := make([]*models.Chunk, 0)
	for rows.Next() {
		var c models.Chunk
		var title, path, domain sql.NullString
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &title, &path, &domain); err != nil {
			return nil, err
		}
		c.PageTitle = getString(title)
		c.PagePath = getString(path)
		c.SourceDomain = getString(domain)
		c.Distance = 1
		chunks = append(chunks, &c)
	}

	return chunks, rows.Err()
}

func scanChunks(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*models.Chunk, error) {
	chunks := make([]*models.Chunk, 0)
	for rows.Next() {
		var c models.Chunk
		var title, path, domain sql.NullString
		var distance sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &title, &path, &domain, &distance); err != nil {
			return nil, err
		}
		c.PageTitle = getString(title)
		c.PagePath = getString(path)
		c.SourceDomain = getString(domain)
		if distance.Valid {
			c.Distance = distance.Float64
		} else {
			c.Distance = 1
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}
