package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/longregen/quarry/internal/adapters/metrics"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

// maxFallbackQueryChars bounds the subquery synthesized from the raw
// question when the planner output cannot be parsed.
const maxFallbackQueryChars = 200

// PlannedSlot is a slot definition as proposed by the planner, before ids
// are assigned.
type PlannedSlot struct {
	Name            string
	Description     string
	Type            models.SlotType
	Required        bool
	DependsOn       string // parent slot name; resolved to an id at insert
	TargetItemCount int
	ItemsPerKey     int
}

// PlannedSubquery is a retrieval query proposed for a named slot.
type PlannedSubquery struct {
	Slot     string
	Query    string
	Strategy models.SubqueryStrategy
}

// Plan is the normalized output of the planning call.
type Plan struct {
	Action     models.ReasoningAction // retrieve or clarify
	Why        string
	Slots      []PlannedSlot
	Subqueries []PlannedSubquery
	Questions  []string

	// ParseFailed marks the fallback single-scalar plan.
	ParseFailed bool
}

// Planner turns a user question into a slot graph plus the initial
// subqueries for slots without dependencies.
type Planner struct {
	llm ports.LLMService
}

func NewPlanner(llm ports.LLMService) *Planner {
	return &Planner{llm: llm}
}

const plannerSystemPrompt = `You are the planning stage of a question-answering engine that searches a fixed corpus of indexed web pages.

Decompose the user's question into information SLOTS. A slot is one typed unit of information the answer requires:
- "scalar": exactly one value is sought (a date, a name, a number).
- "list": an ordered set of items. Set "target_item_count" to the number of items the question asks for, or 0 when open-ended.
- "mapping": one value per key, where the keys are the values of a "list" slot. Set "dependsOn" to that list slot's name and "items_per_key" to how many values each key needs (usually 1).

For every slot WITHOUT a dependency, also propose 1-3 search subqueries (short keyword phrases suited to semantic search). Do not propose subqueries for slots with a dependency; those are generated once the parent has values.

If the question is too ambiguous to plan, choose "clarify" and list the questions you would ask the user.

Respond with a single JSON object:
{
  "action": "retrieve" | "clarify",
  "why": "one short sentence explaining the plan",
  "slots": [{"name": "snake_case", "description": "...", "type": "scalar|list|mapping", "required": true, "dependsOn": "parent_name", "target_item_count": 0, "items_per_key": 1}],
  "subqueries": [{"slot": "slot_name", "query": "search phrase"}],
  "questions": ["only when action is clarify"]
}`

// BuildPlan runs one LLM call and normalizes the result. Any transport or
// parse failure degrades to the fallback single-scalar plan; planning never
// fails the pipeline.
func (p *Planner) BuildPlan(ctx context.Context, question string) *Plan {
	messages := []ports.LLMMessage{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Question: %s", question)},
	}

	response, err := p.llm.ChatJSON(ctx, messages)
	if err != nil {
		log.Printf("[Planner] LLM call failed, using fallback plan: %v", err)
		metrics.LLMParseFailuresTotal.WithLabelValues("planner").Inc()
		return fallbackPlan(question)
	}

	parsed, ok := parseJSONObject(response.Content)
	if !ok {
		log.Printf("[Planner] unparseable plan output (%d bytes), using fallback plan", len(response.Content))
		metrics.LLMParseFailuresTotal.WithLabelValues("planner").Inc()
		return fallbackPlan(question)
	}

	plan := normalizePlan(parsed)
	if plan.Action == models.ReasoningActionRetrieve && len(plan.Slots) == 0 {
		log.Printf("[Planner] plan carried no usable slots, using fallback plan")
		metrics.LLMParseFailuresTotal.WithLabelValues("planner").Inc()
		return fallbackPlan(question)
	}
	return plan
}

// normalizePlan applies the coercion and normalization rules: mapping slots
// must name a list parent or are discarded, target counts apply only to the
// matching slot type, and subqueries for dependent slots are dropped.
func normalizePlan(parsed map[string]any) *Plan {
	plan := &Plan{
		Action: models.ReasoningActionRetrieve,
		Why:    coerceString(parsed["why"]),
	}

	if coerceString(parsed["action"]) == string(models.ReasoningActionClarify) {
		plan.Action = models.ReasoningActionClarify
	}
	plan.Questions = coerceStringSlice(parsed["questions"])
	if plan.Action == models.ReasoningActionClarify && len(plan.Questions) == 0 {
		// A clarify decision with nothing to ask is useless; retrieve instead.
		plan.Action = models.ReasoningActionRetrieve
	}

	seen := make(map[string]bool)
	for _, raw := range coerceSlice(parsed["slots"]) {
		obj := coerceMap(raw)
		if obj == nil {
			continue
		}
		name := coerceString(obj["name"])
		if name == "" || seen[name] {
			continue
		}

		slot := PlannedSlot{
			Name:        name,
			Description: coerceString(obj["description"]),
			Required:    true,
			Type:        models.SlotTypeScalar,
		}
		if req, ok := coerceBool(obj["required"]); ok {
			slot.Required = req
		}

		switch models.SlotType(coerceString(obj["type"])) {
		case models.SlotTypeList:
			slot.Type = models.SlotTypeList
			if target, ok := coerceInt(obj["target_item_count"]); ok && target > 0 {
				slot.TargetItemCount = target
			}
		case models.SlotTypeMapping:
			slot.Type = models.SlotTypeMapping
			slot.DependsOn = coerceString(obj["dependsOn"])
			if slot.DependsOn == "" {
				slot.DependsOn = coerceString(obj["depends_on"])
			}
			slot.ItemsPerKey = 1
			if per, ok := coerceInt(obj["items_per_key"]); ok && per >= 1 {
				slot.ItemsPerKey = per
			}
		}

		plan.Slots = append(plan.Slots, slot)
		seen[name] = true
	}

	// Mapping slots must depend on a list slot from the same plan.
	typeByName := make(map[string]models.SlotType, len(plan.Slots))
	for _, slot := range plan.Slots {
		typeByName[slot.Name] = slot.Type
	}
	kept := make([]PlannedSlot, 0, len(plan.Slots))
	for _, slot := range plan.Slots {
		if slot.Type == models.SlotTypeMapping {
			if parentType, ok := typeByName[slot.DependsOn]; !ok || parentType != models.SlotTypeList {
				log.Printf("[Planner] discarding mapping slot %q: dependsOn %q is not a planned list slot", slot.Name, slot.DependsOn)
				continue
			}
		}
		kept = append(kept, slot)
	}
	plan.Slots = kept

	// Index the surviving slots only: subqueries for discarded slots drop.
	byName := make(map[string]PlannedSlot, len(plan.Slots))
	for _, slot := range plan.Slots {
		byName[slot.Name] = slot
	}

	for _, raw := range coerceSlice(parsed["subqueries"]) {
		obj := coerceMap(raw)
		if obj == nil {
			continue
		}
		slotName := coerceString(obj["slot"])
		query := coerceString(obj["query"])
		slot, ok := byName[slotName]
		if !ok || query == "" {
			continue
		}
		if slot.DependsOn != "" {
			// Synthesized later, once the dependency has values.
			continue
		}
		plan.Subqueries = append(plan.Subqueries, PlannedSubquery{
			Slot:     slotName,
			Query:    query,
			Strategy: initialStrategy(slot.Type),
		})
	}

	return plan
}

// initialStrategy classifies a slot's first retrieval: list and mapping
// slots start broad, scalar queries are always targeted.
func initialStrategy(slotType models.SlotType) models.SubqueryStrategy {
	if slotType == models.SlotTypeList || slotType == models.SlotTypeMapping {
		return models.SubqueryStrategyBroad
	}
	return models.SubqueryStrategyTargeted
}

// fallbackPlan is used when the planner output is unusable: one required
// scalar slot named "answer" queried with the (truncated) question itself.
func fallbackPlan(question string) *Plan {
	query := strings.TrimSpace(question)
	if len(query) > maxFallbackQueryChars {
		query = truncateRunes(query, maxFallbackQueryChars)
	}
	return &Plan{
		Action: models.ReasoningActionRetrieve,
		Why:    "Direct search for the answer",
		Slots: []PlannedSlot{{
			Name:        "answer",
			Description: "The answer to the user's question",
			Type:        models.SlotTypeScalar,
			Required:    true,
		}},
		Subqueries: []PlannedSubquery{{
			Slot:     "answer",
			Query:    query,
			Strategy: models.SubqueryStrategyTargeted,
		}},
		ParseFailed: true,
	}
}
