package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/quarry/internal/domain/models"
)

// PageRepository reads indexed pages. Pages are written by the indexer;
// this side only consumes them, so there are no write methods.
type PageRepository struct {
	BaseRepository
}

func NewPageRepository(pool *pgxpool.Pool) *PageRepository {
	return &PageRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *PageRepository) GetByID(ctx context.Context, id string) (*models.Page, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, source_id, title, path, url, status, created_at
		FROM quarry_pages
		WHERE id = $1`

	var p models.Page
	var title, path, url sql.NullString
	err := r.conn(ctx).QueryRow(ctx, query, id).Scan(
		&p.ID, &p.SourceID, &title, &path, &url, &p.Status, &p.CreatedAt,
	)
	if err != nil {
		if checkNoRows(err) {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}

	p.Title = getString(title)
	p.Path = getString(path)
	p.URL = getString(url)
	return &p, nil
}

// GetIndexedBySources returns all indexed pages for the given sources. The
// content column is deliberately not selected; fetch it per page with
// GetContent when a quote needs its context window.
func (r *PageRepository) GetIndexedBySources(ctx context.Context, sourceIDs []string) ([]*models.Page, error) {
	if len(sourceIDs) == 0 {
		return []*models.Page{}, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, source_id, title, path, url, status, created_at
		FROM quarry_pages
		WHERE source_id = ANY($1) AND status = 'indexed'
		ORDER BY created_at ASC`

	rows, err := r.conn(ctx).Query(ctx, query, sourceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pages := make([]*models.Page, 0)
	for rows.Next() {
		var p models.Page
		var title, path, url sql.NullString
		if err := rows.Scan(&p.ID, &p.SourceID, &title, &path, &url, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Title = getString(title)
		p.Path = getString(path)
		p.URL = getString(url)
		pages = append(pages, &p)
	}

	return pages, rows.Err()
}

func (r *PageRepository) GetContent(ctx context.Context, pageID string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT COALESCE(content, '') FROM quarry_pages WHERE id = $1`

	var content string
	err := r.conn(ctx).QueryRow(ctx, query, pageID).Scan(&content)
	if err != nil {
		if checkNoRows(err) {
			return "", pgx.ErrNoRows
		}
		return "", err
	}

	return content, nil
}
