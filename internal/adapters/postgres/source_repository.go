package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/quarry/internal/domain/models"
)

// SourceRepository reads crawl sources. Sources are written by the indexer;
// this side only consumes them.
type SourceRepository struct {
	BaseRepository
}

func NewSourceRepository(pool *pgxpool.Pool) *SourceRepository {
	return &SourceRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *SourceRepository) GetByConversation(ctx context.Context, conversationID string) ([]*models.Source, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, conversation_id, domain, root_url, created_at
		FROM quarry_sources
		WHERE conversation_id = $1
		ORDER BY created_at ASC`

	rows, err := r.conn(ctx).Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make([]*models.Source, 0)
	for rows.Next() {
		var s models.Source
		if err := rows.Scan(&s.ID, &s.ConversationID, &s.Domain, &s.RootURL, &s.CreatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, &s)
	}

	return sources, rows.Err()
}

func (r *SourceRepository) GetByID(ctx context.Context, id string) (*models.Source, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, conversation_id, domain, root_url, created_at
		FROM quarry_sources
		WHERE id = $1`

	var s models.Source
	err := r.conn(ctx).QueryRow(ctx, query, id).Scan(&s.ID, &s.ConversationID, &s.Domain, &s.RootURL, &s.CreatedAt)
	if err != nil {
		if checkNoRows(err) {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}

	return &s, nil
}
