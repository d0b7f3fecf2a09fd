package models

// FillStatus summarizes how far a slot has progressed toward its target.
type FillStatus string

const (
	FillStatusFilled  FillStatus = "filled"
	FillStatusPartial FillStatus = "partial"
	FillStatusMissing FillStatus = "missing"
)

// ThoughtSlot is the UI-facing rendering of a slot inside a thought process.
// These types cross the wire twice (NDJSON lines and msgpack WS frames),
// so both tag sets are spelled out.
type ThoughtSlot struct {
	Name            string   `json:"name" msgpack:"name"`
	Description     string   `json:"description,omitempty" msgpack:"description,omitempty"`
	Type            SlotType `json:"type" msgpack:"type"`
	Required        bool     `json:"required" msgpack:"required"`
	DependsOn       string   `json:"dependsOn,omitempty" msgpack:"dependsOn,omitempty"`
	TargetItemCount int      `json:"targetItemCount,omitempty" msgpack:"targetItemCount,omitempty"`
	ItemsPerKey     int      `json:"itemsPerKey,omitempty" msgpack:"itemsPerKey,omitempty"`
}

// ThoughtStep is one loop iteration as surfaced to the caller, both as a
// standalone NDJSON progress line and inside ThoughtProcess.Steps.
type ThoughtStep struct {
	Step             int                   `json:"step" msgpack:"step"`
	TotalSteps       int                   `json:"totalSteps" msgpack:"totalSteps"`
	Iter             int                   `json:"iter" msgpack:"iter"`
	Action           ReasoningAction       `json:"action" msgpack:"action"`
	Label            string                `json:"label" msgpack:"label"`
	Why              string                `json:"why,omitempty" msgpack:"why,omitempty"`
	Subqueries       []string              `json:"subqueries,omitempty" msgpack:"subqueries,omitempty"`
	ChunksPerQuery   map[string]int        `json:"chunksPerQuery,omitempty" msgpack:"chunksPerQuery,omitempty"`
	QuotesFound      int                   `json:"quotesFound" msgpack:"quotesFound"`
	Claims           int                   `json:"claims" msgpack:"claims"`
	Completeness     float64               `json:"completeness" msgpack:"completeness"`
	FillStatusBySlot map[string]FillStatus `json:"fillStatusBySlot,omitempty" msgpack:"fillStatusBySlot,omitempty"`
}

// ThoughtProcess records a full reasoning run. It is persisted on the
// assistant message and grows append-only while the run streams.
type ThoughtProcess struct {
	Slots              []ThoughtSlot `json:"slots,omitempty" msgpack:"slots,omitempty"`
	PlanReason         string        `json:"planReason,omitempty" msgpack:"planReason,omitempty"`
	Steps              []ThoughtStep `json:"steps" msgpack:"steps"`
	HardStopReason     string        `json:"hardStopReason,omitempty" msgpack:"hardStopReason,omitempty"`
	ExtractionGaps     []string      `json:"extractionGaps,omitempty" msgpack:"extractionGaps,omitempty"`
	PartialAnswerNote  string        `json:"partialAnswerNote,omitempty" msgpack:"partialAnswerNote,omitempty"`
	ClarifyQuestions   []string      `json:"clarifyQuestions,omitempty" msgpack:"clarifyQuestions,omitempty"`
	ExpandCorpusReason string        `json:"expandCorpusReason,omitempty" msgpack:"expandCorpusReason,omitempty"`
}
