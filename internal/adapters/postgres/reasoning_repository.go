package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/longregen/quarry/internal/domain/models"
)

// ReasoningRepository persists the audit trail of a run: one step per loop
// iteration plus the subqueries each step executed.
type ReasoningRepository struct {
	BaseRepository
}

func NewReasoningRepository(pool *pgxpool.Pool) *ReasoningRepository {
	return &ReasoningRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *ReasoningRepository) CreateStep(ctx context.Context, step *models.ReasoningStep) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO quarry_reasoning_steps (
			id, root_message_id, iteration_number, action, why,
			completeness_score, chunk_ids, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.conn(ctx).Exec(ctx, query,
		step.ID,
		step.RootMessageID,
		step.IterationNumber,
		string(step.Action),
		nullString(step.Why),
		step.CompletenessScore,
		step.ChunkIDs,
		step.CreatedAt,
	)
	return err
}

func (r *ReasoningRepository) GetStepsByRootMessage(ctx context.Context, rootMessageID string) ([]*models.ReasoningStep, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, root_message_id, iteration_number, action, why,
		       completeness_score, chunk_ids, created_at
		FROM quarry_reasoning_steps
		WHERE root_message_id = $1
		ORDER BY iteration_number ASC`

	rows, err := r.conn(ctx).Query(ctx, query, rootMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]*models.ReasoningStep, 0)
	for rows.Next() {
		var s models.ReasoningStep
		var why sql.NullString
		if err := rows.Scan(
			&s.ID, &s.RootMessageID, &s.IterationNumber, &s.Action, &why,
			&s.CompletenessScore, &s.ChunkIDs, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		s.Why = getString(why)
		steps = append(steps, &s)
	}

	return steps, rows.Err()
}

// GetNextIterationNumber returns 0 for a fresh root message, otherwise one
// past the highest persisted iteration. Append-mode runs continue the
// numbering of the original run so (root, iteration) stays unique.
func (r *ReasoningRepository) GetNextIterationNumber(ctx context.Context, rootMessageID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT COALESCE(MAX(iteration_number) + 1, 0)
		FROM quarry_reasoning_steps
		WHERE root_message_id = $1`

	var next int
	if err := r.conn(ctx).QueryRow(ctx, query, rootMessageID).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *ReasoningRepository) CreateSubqueries(ctx context.Context, subqueries []*models.ReasoningSubquery) error {
	if len(subqueries) == 0 {
		return nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO quarry_reasoning_subqueries (
			id, step_id, slot_id, slot_name, query_text, strategy, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, sq := range subqueries {
		_, err := r.conn(ctx).Exec(ctx, query,
			sq.ID,
			sq.StepID,
			nullString(sq.SlotID),
			sq.SlotName,
			sq.QueryText,
			string(sq.Strategy),
			sq.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ReasoningRepository) GetSubqueriesByRootMessage(ctx context.Context, rootMessageID string) ([]*models.ReasoningSubquery, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT q.id, q.step_id, q.slot_id, q.slot_name, q.query_text, q.strategy, q.created_at
		FROM quarry_reasoning_subqueries q
		JOIN quarry_reasoning_steps s ON s.id = q.step_id
		WHERE s.root_message_id = $1
		ORDER BY s.iteration_number ASC, q.created_at ASC, q.id ASC`

	rows, err := r.conn(ctx).Query(ctx, query, rootMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSubqueries(rows)
}

func (r *ReasoningRepository) GetSubqueriesByStep(ctx context.Context, stepID string) ([]*models.ReasoningSubquery, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, step_id, slot_id, slot_name, query_text, strategy, created_at
		FROM quarry_reasoning_subqueries
		WHERE step_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.conn(ctx).Query(ctx, query, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSubqueries(rows)
}

func scanSubqueries(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*models.ReasoningSubquery, error) {
	subqueries := make([]*models.ReasoningSubquery, 0)
	for rows.Next() {
		var sq models.ReasoningSubquery
		var slotID sql.NullString
		if err := rows.Scan(&sq.ID, &sq.StepID, &slotID, &sq.SlotName, &sq.QueryText, &sq.Strategy, &sq.CreatedAt); err != nil {
			return nil, err
		}
		sq.SlotID = getString(slotID)
		subqueries = append(subqueries, &sq)
	}
	return subqueries, rows.Err()
}
