package services

import (
	"github.com/longregen/quarry/internal/domain/models"
)

// SlotScore computes a slot's completeness in [0,1] given the current item
// counts. A slot whose dependency has no items yet always scores 0.
func SlotScore(slot *models.Slot, counts map[string]int, byID map[string]*models.Slot) float64 {
	count := counts[slot.ID]

	if slot.DependsOnSlotID != "" {
		parent := byID[slot.DependsOnSlotID]
		if parent == nil || counts[parent.ID] == 0 {
			return 0
		}
	}

	switch slot.Type {
	case models.SlotTypeScalar:
		if count >= 1 {
			return 1
		}
		return 0

	case models.SlotTypeList:
		if slot.TargetItemCount > 0 {
			return clamp01(float64(count) / float64(slot.TargetItemCount))
		}
		if slot.FinishedQuerying {
			return 1
		}
		return 0

	case models.SlotTypeMapping:
		if slot.TargetItemCount > 0 {
			return clamp01(float64(count) / float64(slot.TargetItemCount))
		}
		// No items_per_key metadata: measure against the parent's
		// current key count instead.
		if slot.ItemsPerKey == 0 && slot.DependsOnSlotID != "" {
			parentCount := counts[slot.DependsOnSlotID]
			if parentCount > 0 {
				return clamp01(float64(count) / float64(parentCount))
			}
			return 0
		}
		if slot.FinishedQuerying {
			return 1
		}
		return 0
	}

	return 0
}

// OverallCompleteness is the weighted mean of required-slot scores. Mapping
// slots weigh double because they encode the most specific demands of the
// question. With no required slots the run is trivially complete.
func OverallCompleteness(slots []*models.Slot, counts map[string]int) float64 {
	byID := make(map[string]*models.Slot, len(slots))
	for _, s := range slots {
		byID[s.ID] = s
	}

	var weighted, totalWeight float64
	for _, s := range slots {
		if !s.Required {
			continue
		}
		weight := 1.0
		if s.Type == models.SlotTypeMapping {
			weight = 2.0
		}
		weighted += weight * SlotScore(s, counts, byID)
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 1
	}
	return weighted / totalWeight
}

// FillStatusFor classifies a slot for the UI: missing (nothing yet), filled
// (score reached 1), or partial.
func FillStatusFor(slot *models.Slot, counts map[string]int, byID map[string]*models.Slot) models.FillStatus {
	if counts[slot.ID] == 0 {
		return models.FillStatusMissing
	}
	if SlotScore(slot, counts, byID) >= 1 {
		return models.FillStatusFilled
	}
	return models.FillStatusPartial
}

// FillStatusBySlot computes the per-slot fill map keyed by slot name.
func FillStatusBySlot(slots []*models.Slot, counts map[string]int) map[string]models.FillStatus {
	byID := make(map[string]*models.Slot, len(slots))
	for _, s := range slots {
		byID[s.ID] = s
	}
	status := make(map[string]models.FillStatus, len(slots))
	for _, s := range slots {
		status[s.Name] = FillStatusFor(s, counts, byID)
	}
	return status
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
