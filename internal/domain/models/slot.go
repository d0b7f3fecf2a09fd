package models

import (
	"time"
)

type SlotType string

const (
	// SlotTypeScalar seeks exactly one value.
	SlotTypeScalar SlotType = "scalar"
	// SlotTypeList seeks an ordered set of items; TargetItemCount 0 means
	// open-ended.
	SlotTypeList SlotType = "list"
	// SlotTypeMapping seeks a per-key value where keys come from a parent
	// list slot. Always depends on a list.
	SlotTypeMapping SlotType = "mapping"
)

// Slot is a typed unit of information the question requires. Slots form a
// DAG rooted in the slots with no dependency.
type Slot struct {
	ID            string   `json:"id"`
	RootMessageID string   `json:"root_message_id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Type          SlotType `json:"type"`
	Required      bool     `json:"required"`

	DependsOnSlotID string `json:"depends_on_slot_id,omitempty"`
	TargetItemCount int    `json:"target_item_count"`
	ItemsPerKey     int    `json:"items_per_key,omitempty"`

	CurrentItemCount int      `json:"current_item_count"`
	AttemptCount     int      `json:"attempt_count"`
	FinishedQuerying bool     `json:"finished_querying"`
	LastQueries      []string `json:"last_queries,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewSlot(id, rootMessageID, name string, slotType SlotType, required bool) *Slot {
	now := time.Now().UTC()
	return &Slot{
		ID:            id,
		RootMessageID: rootMessageID,
		Name:          name,
		Type:          slotType,
		Required:      required,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsBroad reports whether the next retrieval for this slot is the first,
// exploratory one. Only list and mapping slots have a broad phase.
func (s *Slot) IsBroad() bool {
	return s.AttemptCount == 0 && (s.Type == SlotTypeList || s.Type == SlotTypeMapping)
}

// HasReachedTarget reports whether a list/mapping slot has collected its
// declared number of items. Open-ended slots (target 0) never report true.
func (s *Slot) HasReachedTarget() bool {
	if s.Type == SlotTypeScalar {
		return s.CurrentItemCount >= 1
	}
	return s.TargetItemCount > 0 && s.CurrentItemCount >= s.TargetItemCount
}

// MarkFinished sets the finished_querying flag, monotone within a run.
func (s *Slot) MarkFinished() {
	s.FinishedQuerying = true
	s.UpdatedAt = time.Now().UTC()
}

// ResetForRerun clears finished_querying ahead of a new run over an expanded
// corpus. The flag is monotone only within a single run.
func (s *Slot) ResetForRerun() {
	s.FinishedQuerying = false
	s.UpdatedAt = time.Now().UTC()
}

// SlotItem is one extracted value for a slot. For mapping slots Key is
// mandatory and must equal a current value of the parent list slot.
// Uniqueness within a slot is (Key, ValueJSON).
type SlotItem struct {
	ID         string    `json:"id"`
	SlotID     string    `json:"slot_id"`
	Key        string    `json:"key,omitempty"`
	ValueJSON  string    `json:"value_json"`
	Confidence float64   `json:"confidence"`
	Complete   bool      `json:"complete"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewSlotItem(id, slotID, key, valueJSON string, confidence float64) *SlotItem {
	return &SlotItem{
		ID:         id,
		SlotID:     slotID,
		Key:        key,
		ValueJSON:  valueJSON,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
}

// ClaimEvidence associates a SlotItem with a chunk that backs it. Every
// admissible SlotItem carries at least one row.
type ClaimEvidence struct {
	SlotItemID string    `json:"slot_item_id"`
	ChunkID    string    `json:"chunk_id"`
	CreatedAt  time.Time `json:"created_at"`
}
