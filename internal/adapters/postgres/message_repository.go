package postgres

import (
	"context"
	"database/sql"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/quarry/internal/domain/models"
)

type MessageRepository struct {
	BaseRepository
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *MessageRepository) Create(ctx context.Context, message *models.Message) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	thoughtProcess, err := marshalJSONField(message.ThoughtProcess)
	if err != nil {
		return err
	}

	suggestedPage, err := marshalJSONField(message.SuggestedPage)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO quarry_messages (
			id, conversation_id, sequence_number, role, content,
			thought_process, suggested_page, scraped_page_display, follows_message_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`

	_, err = r.conn(ctx).Exec(ctx, query,
		message.ID,
		message.ConversationID,
		message.SequenceNumber,
		message.Role,
		message.Content,
		thoughtProcess,
		suggestedPage,
		nullString(message.ScrapedPageDisplay),
		nullString(message.FollowsMessageID),
		message.CreatedAt,
		message.UpdatedAt,
	)

	return err
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, conversation_id, sequence_number, role, content,
		       thought_process, suggested_page, scraped_page_display, follows_message_id,
		       created_at, updated_at, deleted_at
		FROM quarry_messages
		WHERE id = $1 AND deleted_at IS NULL`

	return r.scanMessage(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *MessageRepository) Update(ctx context.Context, message *models.Message) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	thoughtProcess, err := marshalJSONField(message.ThoughtProcess)
	if err != nil {
		return err
	}

	suggestedPage, err := marshalJSONField(message.SuggestedPage)
	if err != nil {
		return err
	}

	query := `
		UPDATE quarry_messages
		SET content = $2,
			thought_process = $3,
			suggested_page = $4,
			scraped_page_display = $5,
			follows_message_id = $6,
			updated_at = $7
		WHERE id = $1 AND deleted_at IS NULL`

	_, err = r.conn(ctx).Exec(ctx, query,
		message.ID,
		message.Content,
		thoughtProcess,
		suggestedPage,
		nullString(message.ScrapedPageDisplay),
		nullString(message.FollowsMessageID),
		message.UpdatedAt,
	)

	return err
}

func (r *MessageRepository) GetByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, conversation_id, sequence_number, role, content,
		       thought_process, suggested_page, scraped_page_display, follows_message_id,
		       created_at, updated_at, deleted_at
		FROM quarry_messages
		WHERE conversation_id = $1 AND deleted_at IS NULL
		ORDER BY sequence_number ASC`

	rows, err := r.conn(ctx).Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanMessages(rows)
}

func (r *MessageRepository) GetLatestByConversation(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, conversation_id, sequence_number, role, content,
		       thought_process, suggested_page, scraped_page_display, follows_message_id,
		       created_at, updated_at, deleted_at
		FROM quarry_messages
		WHERE conversation_id = $1 AND deleted_at IS NULL
		ORDER BY sequence_number DESC
		LIMIT $2`

	rows, err := r.conn(ctx).Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := r.scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse the slice to get ascending order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *MessageRepository) GetNextSequenceNumber(ctx context.Context, conversationID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// If we're in a transaction, use the transaction connection
	if tx := GetTx(ctx); tx != nil {
		return r.getNextSequenceWithConn(ctx, tx, conversationID)
	}

	// Otherwise start a transaction so the advisory lock is scoped to it
	// and released automatically when it ends
	tx, err := r.Pool().Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) // Rollback is safe to call even after commit

	nextSeq, err := r.getNextSequenceWithConn(ctx, tx, conversationID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	return nextSeq, nil
}

func (r *MessageRepository) getNextSequenceWithConn(ctx context.Context, conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, conversationID string) (int, error) {
	// Serialize sequence assignment per conversation with a
	// transaction-scoped advisory lock
	lockID := hashConversationID(conversationID)

	_, err := conn.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID)
	if err != nil {
		return 0, err
	}

	query := `
		SELECT COALESCE(MAX(sequence_number), 0) + 1 as next_sequence
		FROM quarry_messages
		WHERE conversation_id = $1 AND deleted_at IS NULL`

	var nextSeq int
	err = conn.QueryRow(ctx, query, conversationID).Scan(&nextSeq)
	if err != nil {
		return 0, err
	}

	return nextSeq, nil
}

// hashConversationID folds a conversation ID into the 64-bit key space used
// by PostgreSQL advisory locks
func hashConversationID(conversationID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(conversationID))
	return int64(h.Sum64())
}

func (r *MessageRepository) GetPrecedingUserMessage(ctx context.Context, messageID string) (*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT prev.id, prev.conversation_id, prev.sequence_number, prev.role, prev.content,
		       prev.thought_process, prev.suggested_page, prev.scraped_page_display, prev.follows_message_id,
		       prev.created_at, prev.updated_at, prev.deleted_at
		FROM quarry_messages cur
		JOIN quarry_messages prev
		  ON prev.conversation_id = cur.conversation_id
		 AND prev.sequence_number < cur.sequence_number
		 AND prev.role = 'user'
		 AND prev.deleted_at IS NULL
		WHERE cur.id = $1
		ORDER BY prev.sequence_number DESC
		LIMIT 1`

	return r.scanMessage(r.conn(ctx).QueryRow(ctx, query, messageID))
}

func (r *MessageRepository) ClearSuggestedPage(ctx context.Context, messageID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE quarry_messages
		SET suggested_page = NULL,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	_, err := r.conn(ctx).Exec(ctx, query, messageID)
	return err
}

func (r *MessageRepository) scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var thoughtProcess, suggestedPage []byte
	var scrapedPage, followsMessage sql.NullString

	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SequenceNumber,
		&m.Role,
		&m.Content,
		&thoughtProcess,
		&suggestedPage,
		&scrapedPage,
		&followsMessage,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.DeletedAt,
	)

	if err != nil {
		if checkNoRows(err) {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}

	m.ScrapedPageDisplay = getString(scrapedPage)
	m.FollowsMessageID = getString(followsMessage)

	m.ThoughtProcess, err = unmarshalJSONPointer[models.ThoughtProcess](thoughtProcess)
	if err != nil {
		return nil, err
	}

	m.SuggestedPage, err = unmarshalJSONPointer[models.SuggestedPage](suggestedPage)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

func (r *MessageRepository) scanMessages(rows pgx.Rows) ([]*models.Message, error) {
	messages := make([]*models.Message, 0)

	for rows.Next() {
		var m models.Message
		var thoughtProcess, suggestedPage []byte
		var scrapedPage, followsMessage sql.NullString

		err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.SequenceNumber,
			&m.Role,
			&m.Content,
			&thoughtProcess,
			&suggestedPage,
			&scrapedPage,
			&followsMessage,
			&m.CreatedAt,
			&m.UpdatedAt,
			&m.DeletedAt,
		)
		if err != nil {
			return nil, err
		}

		m.ScrapedPageDisplay = getString(scrapedPage)
		m.FollowsMessageID = getString(followsMessage)

		m.ThoughtProcess, err = unmarshalJSONPointer[models.ThoughtProcess](thoughtProcess)
		if err != nil {
			return nil, err
		}

		m.SuggestedPage, err = unmarshalJSONPointer[models.SuggestedPage](suggestedPage)
		if err != nil {
			return nil, err
		}

		messages = append(messages, &m)
	}

	return messages, rows.Err()
}
