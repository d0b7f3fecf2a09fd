package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/longregen/quarry/internal/domain/models"
)

// QuoteRepository persists citation artifacts. Quotes are written once, at
// final-answer time, and only read afterwards.
type QuoteRepository struct {
	BaseRepository
}

func NewQuoteRepository(pool *pgxpool.Pool) *QuoteRepository {
	return &QuoteRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *QuoteRepository) Create(ctx context.Context, quote *models.Quote) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO quarry_quotes (
			id, message_id, page_id, chunk_id, snippet, page_title, page_path,
			domain, page_url, context_before, context_after, citation_order,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.conn(ctx).Exec(ctx, query,
		quote.ID,
		quote.MessageID,
		quote.PageID,
		quote.ChunkID,
		quote.Snippet,
		nullString(quote.PageTitle),
		nullString(quote.PagePath),
		nullString(quote.Domain),
		nullString(quote.PageURL),
		nullString(quote.ContextBefore),
		nullString(quote.ContextAfter),
		quote.CitationOrder,
		quote.CreatedAt,
	)
	return err
}

func (r *QuoteRepository) GetByMessage(ctx context.Context, messageID string) ([]*models.Quote, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, message_id, page_id, chunk_id, snippet, page_title, page_path,
		       domain, page_url, context_before, context_after, citation_order,
		       created_at
		FROM quarry_quotes
		WHERE message_id = $1
		ORDER BY citation_order ASC`

	rows, err := r.conn(ctx).Query(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := make([]*models.Quote, 0)
	for rows.Next() {
		var q models.Quote
		var pageTitle, pagePath, domain, pageURL, before, after sql.NullString
		if err := rows.Scan(
			&q.ID, &q.MessageID, &q.PageID, &q.ChunkID, &q.Snippet,
			&pageTitle, &pagePath, &domain, &pageURL, &before, &after,
			&q.CitationOrder, &q.CreatedAt,
		); err != nil {
			return nil, err
		}
		q.PageTitle = getString(pageTitle)
		q.PagePath = getString(pagePath)
		q.Domain = getString(domain)
		q.PageURL = getString(pageURL)
		q.ContextBefore = getString(before)
		q.ContextAfter = getString(after)
		quotes = append(quotes, &q)
	}

	return quotes, rows.Err()
}
