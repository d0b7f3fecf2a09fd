package models

import (
	"time"
)

type ReasoningAction string

const (
	ReasoningActionPlan         ReasoningAction = "plan"
	ReasoningActionRetrieve     ReasoningAction = "retrieve"
	ReasoningActionAnswer       ReasoningAction = "answer"
	ReasoningActionExpandCorpus ReasoningAction = "expand_corpus"
	ReasoningActionClarify      ReasoningAction = "clarify"
)

// ReasoningStep is one iteration of the retrieve/extract/decide loop,
// keyed by (root_message_id, iteration_number).
type ReasoningStep struct {
	ID                string          `json:"id"`
	RootMessageID     string          `json:"root_message_id"`
	IterationNumber   int             `json:"iteration_number"`
	Action            ReasoningAction `json:"action"`
	Why               string          `json:"why,omitempty"`
	CompletenessScore float64         `json:"completeness_score"`

	// ChunkIDs are the evidence chunks first seen during this step.
	ChunkIDs []string `json:"chunk_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func NewReasoningStep(id, rootMessageID string, iteration int, action ReasoningAction, why string) *ReasoningStep {
	return &ReasoningStep{
		ID:              id,
		RootMessageID:   rootMessageID,
		IterationNumber: iteration,
		Action:          action,
		Why:             why,
		CreatedAt:       time.Now().UTC(),
	}
}

type SubqueryStrategy string

const (
	// SubqueryStrategyBroad is the first retrieval for a list/mapping slot.
	SubqueryStrategyBroad SubqueryStrategy = "broad"
	// SubqueryStrategyTargeted is any later, narrower retrieval.
	SubqueryStrategyTargeted SubqueryStrategy = "targeted"
)

// ReasoningSubquery is one retrieval query executed for a slot during a step.
type ReasoningSubquery struct {
	ID        string           `json:"id"`
	StepID    string           `json:"step_id"`
	SlotID    string           `json:"slot_id,omitempty"`
	SlotName  string           `json:"slot_name"`
	QueryText string           `json:"query_text"`
	Strategy  SubqueryStrategy `json:"strategy"`
	CreatedAt time.Time        `json:"created_at"`
}

func NewReasoningSubquery(id, stepID, slotID, slotName, queryText string, strategy SubqueryStrategy) *ReasoningSubquery {
	return &ReasoningSubquery{
		ID:        id,
		StepID:    stepID,
		SlotID:    slotID,
		SlotName:  slotName,
		QueryText: queryText,
		Strategy:  strategy,
		CreatedAt: time.Now().UTC(),
	}
}
