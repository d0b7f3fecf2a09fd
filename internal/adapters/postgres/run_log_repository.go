package postgres

import (
	"context"
	"encoding/json"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RunLogRepository records best-effort per-run diagnostics. Insert failures
// are logged and swallowed so they never affect user-visible behavior.
type RunLogRepository struct {
	BaseRepository
}

func NewRunLogRepository(pool *pgxpool.Pool) *RunLogRepository {
	return &RunLogRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *RunLogRepository) Insert(ctx context.Context, rootMessageID string, payload map[string]any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[RunLogRepository] failed to marshal payload for %s: %v", rootMessageID, err)
		return nil
	}

	query := `
		INSERT INTO quarry_run_log (root_message_id, payload, created_at)
		VALUES ($1, $2, NOW())`

	if _, err := r.conn(ctx).Exec(ctx, query, rootMessageID, data); err != nil {
		log.Printf("[RunLogRepository] failed to insert run log for %s: %v", rootMessageID, err)
	}
	return nil
}
