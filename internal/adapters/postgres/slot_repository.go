package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/longregen/quarry/internal/domain/models"
)

// SlotRepository persists slots, slot items, and claim evidence for a
// reasoning run. All rows are keyed under the run's root message.
type SlotRepository struct {
	BaseRepository
}

func NewSlotRepository(pool *pgxpool.Pool) *SlotRepository {
	return &SlotRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *SlotRepository) CreateSlot(ctx context.Context, slot *models.Slot) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO quarry_slots (
			id, root_message_id, name, description, slot_type, required,
			depends_on_slot_id, target_item_count, items_per_key,
			current_item_count, attempt_count, finished_querying, last_queries,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.conn(ctx).Exec(ctx, query,
		slot.ID,
		slot.RootMessageID,
		slot.Name,
		nullString(slot.Description),
		string(slot.Type),
		slot.Required,
		nullString(slot.DependsOnSlotID),
		slot.TargetItemCount,
		slot.ItemsPerKey,
		slot.CurrentItemCount,
		slot.AttemptCount,
		slot.FinishedQuerying,
		slot.LastQueries,
		slot.CreatedAt,
		slot.UpdatedAt,
	)
	return err
}

func (r *SlotRepository) UpdateSlot(ctx context.Context, slot *models.Slot) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE quarry_slots SET
			depends_on_slot_id = $2,
			target_item_count = $3,
			items_per_key = $4,
			current_item_count = $5,
			attempt_count = $6,
			finished_querying = $7,
			last_queries = $8,
			updated_at = $9
		WHERE id = $1`

	_, err := r.conn(ctx).Exec(ctx, query,
		slot.ID,
		nullString(slot.DependsOnSlotID),
		slot.TargetItemCount,
		slot.ItemsPerKey,
		slot.CurrentItemCount,
		slot.AttemptCount,
		slot.FinishedQuerying,
		slot.LastQueries,
		slot.UpdatedAt,
	)
	return err
}

func (r *SlotRepository) GetSlotsByRootMessage(ctx context.Context, rootMessageID string) ([]*models.Slot, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, root_message_id, name, description, slot_type, required,
		       depends_on_slot_id, target_item_count, items_per_key,
		       current_item_count, attempt_count, finished_querying, last_queries,
		       created_at, updated_at
		FROM quarry_slots
		WHERE root_message_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.conn(ctx).Query(ctx, query, rootMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slots := make([]*models.Slot, 0)
	for rows.Next() {
		var s models.Slot
		var description, dependsOn sql.NullString
		if err := rows.Scan(
			&s.ID, &s.RootMessageID, &s.Name, &description, &s.Type, &s.Required,
			&dependsOn, &s.TargetItemCount, &s.ItemsPerKey,
			&s.CurrentItemCount, &s.AttemptCount, &s.FinishedQuerying, &s.LastQueries,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		s.Description = getString(description)
		s.DependsOnSlotID = getString(dependsOn)
		slots = append(slots, &s)
	}

	return slots, rows.Err()
}

// UpsertItem inserts a slot item unless an identical (slot_id, key,
// value_json) row already exists, in which case the existing id is returned.
// The claim-recording loop is single-writer per run, so a lookup before
// insert is race-free in practice.
func (r *SlotRepository) UpsertItem(ctx context.Context, item *models.SlotItem) (string, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	selectQuery := `
		SELECT id FROM quarry_slot_items
		WHERE slot_id = $1 AND key IS NOT DISTINCT FROM $2 AND value_json = $3`

	var existingID string
	err := r.conn(ctx).QueryRow(ctx, selectQuery, item.SlotID, nullString(item.Key), item.ValueJSON).Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if !checkNoRows(err) {
		return "", false, err
	}

	insertQuery := `
		INSERT INTO quarry_slot_items (id, slot_id, key, value_json, confidence, complete, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.conn(ctx).Exec(ctx, insertQuery,
		item.ID,
		item.SlotID,
		nullString(item.Key),
		item.ValueJSON,
		item.Confidence,
		item.Complete,
		item.CreatedAt,
	)
	if err != nil {
		return "", false, err
	}

	return item.ID, true, nil
}

func (r *SlotRepository) GetItemsBySlot(ctx context.Context, slotID string) ([]*models.SlotItem, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, slot_id, key, value_json, confidence, complete, created_at
		FROM quarry_slot_items
		WHERE slot_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.conn(ctx).Query(ctx, query, slotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSlotItems(rows)
}

func (r *SlotRepository) GetItemsByRootMessage(ctx context.Context, rootMessageID string) ([]*models.SlotItem, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT i.id, i.slot_id, i.key, i.value_json, i.confidence, i.complete, i.created_at
		FROM quarry_slot_items i
		JOIN quarry_slots s ON s.id = i.slot_id
		WHERE s.root_message_id = $1
		ORDER BY i.created_at ASC, i.id ASC`

	rows, err := r.conn(ctx).Query(ctx, query, rootMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSlotItems(rows)
}

func (r *SlotRepository) CountItemsBySlot(ctx context.Context, rootMessageID string) (map[string]int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT s.id, COUNT(i.id)
		FROM quarry_slots s
		LEFT JOIN quarry_slot_items i ON i.slot_id = s.id
		WHERE s.root_message_id = $1
		GROUP BY s.id`

	rows, err := r.conn(ctx).Query(ctx, query, rootMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var slotID string
		var count int
		if err := rows.Scan(&slotID, &count); err != nil {
			return nil, err
		}
		counts[slotID] = count
	}

	return counts, rows.Err()
}

func (r *SlotRepository) AddEvidence(ctx context.Context, slotItemID, chunkID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO quarry_claim_evidence (slot_item_id, chunk_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (slot_item_id, chunk_id) DO NOTHING`

	_, err := r.conn(ctx).Exec(ctx, query, slotItemID, chunkID)
	return err
}

// GetEvidenceBySlot returns, per slot id, the chunk ids backing that slot's
// items in insertion order, deduplicated per slot.
func (r *SlotRepository) GetEvidenceBySlot(ctx context.Context, rootMessageID string) (map[string][]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT s.id, e.chunk_id
		FROM quarry_claim_evidence e
		JOIN quarry_slot_items i ON i.id = e.slot_item_id
		JOIN quarry_slots s ON s.id = i.slot_id
		WHERE s.root_message_id = $1
		ORDER BY e.created_at ASC, e.chunk_id ASC`

	rows, err := r.conn(ctx).Query(ctx, query, rootMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	evidence := make(map[string][]string)
	seen := make(map[string]map[string]bool)
	for rows.Next() {
		var slotID, chunkID string
		if err := rows.Scan(&slotID, &chunkID); err != nil {
			return nil, err
		}
		if seen[slotID] == nil {
			seen[slotID] = make(map[string]bool)
		}
		if seen[slotID][chunkID] {
			continue
		}
		seen[slotID][chunkID] = true
		evidence[slotID] = append(evidence[slotID], chunkID)
	}

	return evidence, rows.Err()
}

func scanSlotItems(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*models.SlotItem, error) {
	items := make([]*models.SlotItem, 0)
	for rows.Next() {
		var it models.SlotItem
		var key sql.NullString
		if err := rows.Scan(&it.ID, &it.SlotID, &key, &it.ValueJSON, &it.Confidence, &it.Complete, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Key = getString(key)
		items = append(items, &it)
	}
	return items, rows.Err()
}
