package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

// SlotStore owns the slot graph of a reasoning run: it persists the planned
// slots, admits extracted claims against them, and tracks retrieval attempts.
type SlotStore struct {
	slots ports.SlotRepository
	ids   ports.IDGenerator
}

func NewSlotStore(slots ports.SlotRepository, ids ports.IDGenerator) *SlotStore {
	return &SlotStore{slots: slots, ids: ids}
}

// UpsertPlan persists the planner's slot graph for a root message. Slots are
// created in plan order; dependencies are resolved by name in a second pass,
// which also derives each mapping slot's target from its parent
// (parent target x items per key; open-ended parents stay open-ended).
func (s *SlotStore) UpsertPlan(ctx context.Context, rootMessageID string, planned []PlannedSlot) ([]*models.Slot, error) {
	created := make([]*models.Slot, 0, len(planned))
	byName := make(map[string]*models.Slot, len(planned))

	for _, p := range planned {
		slot := models.NewSlot(s.ids.GenerateSlotID(), rootMessageID, p.Name, p.Type, p.Required)
		slot.Description = p.Description
		switch p.Type {
		case models.SlotTypeList:
			slot.TargetItemCount = p.TargetItemCount
		case models.SlotTypeMapping:
			slot.ItemsPerKey = p.ItemsPerKey
		}
		if err := s.slots.CreateSlot(ctx, slot); err != nil {
			return nil, fmt.Errorf("create slot %q: %w", p.Name, err)
		}
		created = append(created, slot)
		byName[slot.Name] = slot
	}

	for i, p := range planned {
		if p.DependsOn == "" {
			continue
		}
		parent := byName[p.DependsOn]
		if parent == nil {
			// Normalized plans never reference a missing parent.
			log.Printf("[SlotStore] slot %q depends on unknown slot %q", p.Name, p.DependsOn)
			continue
		}
		slot := created[i]
		slot.DependsOnSlotID = parent.ID
		if slot.Type == models.SlotTypeMapping && parent.TargetItemCount > 0 {
			slot.TargetItemCount = parent.TargetItemCount * slot.ItemsPerKey
		}
		slot.UpdatedAt = time.Now().UTC()
		if err := s.slots.UpdateSlot(ctx, slot); err != nil {
			return nil, fmt.Errorf("link slot %q: %w", p.Name, err)
		}
	}

	return created, nil
}

// ClaimOutcome summarizes one batch of admitted claims.
type ClaimOutcome struct {
	// NewItems counts slot items actually created (duplicates excluded).
	NewItems int
	// CitedChunks lists the distinct chunk ids cited by accepted claims,
	// in first appearance order.
	CitedChunks []string
	// PerSlotNew maps slot id to the number of items created this batch.
	PerSlotNew map[string]int
	// Gaps describes claims that were dropped and why.
	Gaps []string
}

// RecordClaims validates and persists a batch of extracted claims.
//
// A claim is admitted only when it names a known slot, carries a non-empty
// value, and cites at least one chunk from validChunks (nil accepts any).
// Mapping claims must additionally key on a current value of the parent list
// slot; values of the parent accepted earlier in the same batch count as
// current. Rejections become gaps, never errors.
func (s *SlotStore) RecordClaims(ctx context.Context, slots []*models.Slot, itemsBySlot map[string][]*models.SlotItem, claims []ExtractedClaim, validChunks map[string]bool) (*ClaimOutcome, error) {
	bySlotName := make(map[string]*models.Slot, len(slots))
	for _, slot := range slots {
		bySlotName[slot.Name] = slot
	}

	// Allowed mapping keys, materialized lazily per parent slot id, and
	// extended as list claims from this batch are accepted.
	allowedKeys := make(map[string]map[string]bool)
	keysFor := func(parentID string) map[string]bool {
		if keys, ok := allowedKeys[parentID]; ok {
			return keys
		}
		keys := make(map[string]bool)
		for _, item := range itemsBySlot[parentID] {
			keys[valueKeyString(item.ValueJSON)] = true
		}
		allowedKeys[parentID] = keys
		return keys
	}

	outcome := &ClaimOutcome{PerSlotNew: make(map[string]int)}
	citedSeen := make(map[string]bool)

	for _, claim := range claims {
		slot := bySlotName[claim.SlotName]
		if slot == nil {
			outcome.Gaps = append(outcome.Gaps, fmt.Sprintf("claim for unknown slot %q dropped", claim.SlotName))
			continue
		}
		if claim.ValueJSON == "" {
			outcome.Gaps = append(outcome.Gaps, fmt.Sprintf("empty claim for slot %q dropped", slot.Name))
			continue
		}

		evidence := claim.ChunkIDs
		if validChunks != nil {
			evidence = make([]string, 0, len(claim.ChunkIDs))
			for _, chunkID := range claim.ChunkIDs {
				if validChunks[chunkID] {
					evidence = append(evidence, chunkID)
				}
			}
		}
		if len(evidence) == 0 {
			outcome.Gaps = append(outcome.Gaps, fmt.Sprintf("claim for slot %q cited no retrieved chunk", slot.Name))
			continue
		}

		key := claim.Key
		if slot.Type == models.SlotTypeMapping {
			if key == "" {
				outcome.Gaps = append(outcome.Gaps, fmt.Sprintf("mapping claim for slot %q carried no key", slot.Name))
				continue
			}
			if slot.DependsOnSlotID != "" && !keysFor(slot.DependsOnSlotID)[key] {
				outcome.Gaps = append(outcome.Gaps, fmt.Sprintf("mapping claim for slot %q keyed on unknown value %q", slot.Name, key))
				continue
			}
		} else {
			key = ""
		}

		item := models.NewSlotItem(s.ids.GenerateSlotItemID(), slot.ID, key, claim.ValueJSON, claim.Confidence)
		item.Complete = claim.Complete
		itemID, createdNew, err := s.slots.UpsertItem(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("upsert item for slot %q: %w", slot.Name, err)
		}

		for _, chunkID := range evidence {
			if err := s.slots.AddEvidence(ctx, itemID, chunkID); err != nil {
				return nil, fmt.Errorf("add evidence for slot %q: %w", slot.Name, err)
			}
			if !citedSeen[chunkID] {
				citedSeen[chunkID] = true
				outcome.CitedChunks = append(outcome.CitedChunks, chunkID)
			}
		}

		if slot.Type == models.SlotTypeList {
			// A just-accepted list value is a current value: mapping claims
			// later in this batch may key on it.
			keysFor(slot.ID)[valueKeyString(claim.ValueJSON)] = true
		}
		if createdNew {
			outcome.NewItems++
			outcome.PerSlotNew[slot.ID]++
		}
	}

	return outcome, nil
}

// RecordAttempt bumps a slot's attempt counter and remembers the queries
// used, so later iterations can avoid repeating them.
func (s *SlotStore) RecordAttempt(ctx context.Context, slot *models.Slot, queries []string) error {
	slot.AttemptCount++
	slot.LastQueries = queries
	slot.UpdatedAt = time.Now().UTC()
	return s.slots.UpdateSlot(ctx, slot)
}

// MarkFinished sets the monotone finished_querying flag and persists it.
func (s *SlotStore) MarkFinished(ctx context.Context, slot *models.Slot) error {
	if slot.FinishedQuerying {
		return nil
	}
	slot.MarkFinished()
	return s.slots.UpdateSlot(ctx, slot)
}

// GroupItemsBySlot indexes items by their slot id, preserving order.
func GroupItemsBySlot(items []*models.SlotItem) map[string][]*models.SlotItem {
	grouped := make(map[string][]*models.SlotItem)
	for _, item := range items {
		grouped[item.SlotID] = append(grouped[item.SlotID], item)
	}
	return grouped
}

// MissingMappingKeys returns the parent keys a mapping slot has not yet
// covered with itemsPerKey values, in parent insertion order.
func MissingMappingKeys(parentItems, slotItems []*models.SlotItem, itemsPerKey int) []string {
	if itemsPerKey < 1 {
		itemsPerKey = 1
	}
	perKey := make(map[string]int, len(slotItems))
	for _, item := range slotItems {
		perKey[item.Key]++
	}

	var missing []string
	seen := make(map[string]bool, len(parentItems))
	for _, item := range parentItems {
		key := valueKeyString(item.ValueJSON)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if perKey[key] < itemsPerKey {
			missing = append(missing, key)
		}
	}
	return missing
}

// slotStateEntry is the prompt-facing rendering of one slot.
type slotStateEntry struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Type             models.SlotType `json:"type"`
	Required         bool            `json:"required"`
	DependsOn        string          `json:"depends_on,omitempty"`
	TargetItemCount  int             `json:"target_item_count,omitempty"`
	ItemsPerKey      int             `json:"items_per_key,omitempty"`
	Found            int             `json:"found"`
	FinishedQuerying bool            `json:"finished_querying"`

	Value  json.RawMessage              `json:"value,omitempty"`
	Values []json.RawMessage            `json:"values,omitempty"`
	ByKey  map[string][]json.RawMessage `json:"by_key,omitempty"`
}

// StructuredState renders the slot graph and its current values as a JSON
// array in plan order, for inclusion in extraction and answer prompts.
func StructuredState(slots []*models.Slot, itemsBySlot map[string][]*models.SlotItem) string {
	byID := make(map[string]*models.Slot, len(slots))
	for _, slot := range slots {
		byID[slot.ID] = slot
	}

	entries := make([]slotStateEntry, 0, len(slots))
	for _, slot := range slots {
		items := itemsBySlot[slot.ID]
		entry := slotStateEntry{
			Name:             slot.Name,
			Description:      slot.Description,
			Type:             slot.Type,
			Required:         slot.Required,
			TargetItemCount:  slot.TargetItemCount,
			ItemsPerKey:      slot.ItemsPerKey,
			Found:            len(items),
			FinishedQuerying: slot.FinishedQuerying,
		}
		if parent := byID[slot.DependsOnSlotID]; parent != nil {
			entry.DependsOn = parent.Name
		}

		switch slot.Type {
		case models.SlotTypeScalar:
			if len(items) > 0 {
				entry.Value = json.RawMessage(items[0].ValueJSON)
			}
		case models.SlotTypeList:
			for _, item := range items {
				entry.Values = append(entry.Values, json.RawMessage(item.ValueJSON))
			}
		case models.SlotTypeMapping:
			entry.ByKey = make(map[string][]json.RawMessage)
			for _, item := range items {
				entry.ByKey[item.Key] = append(entry.ByKey[item.Key], json.RawMessage(item.ValueJSON))
			}
		}
		entries = append(entries, entry)
	}

	rendered, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		log.Printf("[SlotStore] failed to render slot state: %v", err)
		return "[]"
	}
	return string(rendered)
}
