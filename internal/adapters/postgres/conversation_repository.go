package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/quarry/internal/domain/models"
)

type ConversationRepository struct {
	BaseRepository
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *ConversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO quarry_conversations (
			id, user_id, title, dynamic_sources, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)`

	_, err := r.conn(ctx).Exec(ctx, query,
		conversation.ID,
		conversation.UserID,
		conversation.Title,
		conversation.DynamicSources,
		conversation.CreatedAt,
		conversation.UpdatedAt,
	)

	return err
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, title, dynamic_sources, created_at, updated_at, deleted_at
		FROM quarry_conversations
		WHERE id = $1 AND deleted_at IS NULL`

	return r.scanConversation(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *ConversationRepository) GetByIDAndUserID(ctx context.Context, id, userID string) (*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, title, dynamic_sources, created_at, updated_at, deleted_at
		FROM quarry_conversations
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	return r.scanConversation(r.conn(ctx).QueryRow(ctx, query, id, userID))
}

func (r *ConversationRepository) Update(ctx context.Context, conversation *models.Conversation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE quarry_conversations
		SET title = $2,
			dynamic_sources = $3,
			updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL`

	_, err := r.conn(ctx).Exec(ctx, query,
		conversation.ID,
		conversation.Title,
		conversation.DynamicSources,
		conversation.UpdatedAt,
	)

	return err
}

func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE quarry_conversations
		SET deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	_, err := r.conn(ctx).Exec(ctx, query, id)
	return err
}

func (r *ConversationRepository) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, title, dynamic_sources, created_at, updated_at, deleted_at
		FROM quarry_conversations
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.conn(ctx).Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

func (r *ConversationRepository) scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Title,
		&c.DynamicSources,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.DeletedAt,
	)

	if err != nil {
		if checkNoRows(err) {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}

	return &c, nil
}

func (r *ConversationRepository) scanConversations(rows pgx.Rows) ([]*models.Conversation, error) {
	conversations := make([]*models.Conversation, 0)

	for rows.Next() {
		var c models.Conversation

		err := rows.Scan(
			&c.ID,
			&c.UserID,
			&c.Title,
			&c.DynamicSources,
			&c.CreatedAt,
			&c.UpdatedAt,
			&c.DeletedAt,
		)
		if err != nil {
			return nil, err
		}

		conversations = append(conversations, &c)
	}

	return conversations, rows.Err()
}
