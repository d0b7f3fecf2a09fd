package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/longregen/quarry/internal/adapters/metrics"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

// ExtractedClaim is one value the extractor read out of the retrieved
// chunks, grounded in the chunk ids that support it.
type ExtractedClaim struct {
	SlotName   string
	Key        string
	ValueJSON  string
	Confidence float64
	Complete   bool
	ChunkIDs   []string
}

// Decision is the extractor's verdict on how the loop should continue.
type Decision struct {
	Action models.ReasoningAction
	Why    string

	// NextSubqueries are proposed follow-up retrievals (strategy is
	// assigned by the caller from the slot's state at execution time).
	NextSubqueries []PlannedSubquery
	// CompletedSlots names open-ended slots whose broad retrieval is
	// judged to have exhausted the corpus's coverage.
	CompletedSlots []string
	// Questions accompany a clarify decision.
	Questions []string
	// SuggestedPageIndex is the 1-based pick from the candidate pages
	// accompanying an expand_corpus decision; 0 when absent.
	SuggestedPageIndex int

	ParseFailed bool
}

// ExtractResult bundles the claims and the decision of one iteration.
type ExtractResult struct {
	Claims   []ExtractedClaim
	Decision Decision
}

// ExtractInput carries everything the extraction call needs to see.
type ExtractInput struct {
	Question       string
	StateJSON      string
	Chunks         []*models.Chunk
	Iteration      int
	MaxIterations  int
	SubqueriesLeft int
	// AllowExpand advertises the expand_corpus action; it is available only
	// for conversations with dynamic sources and while expansions remain.
	AllowExpand bool
	// Candidates are the ranked not-yet-indexed pages shown alongside an
	// available expand_corpus action.
	Candidates []*models.DiscoveredLink
	// BroadSlots names the slots whose first, broad retrieval ran this
	// iteration, eligible for broad_query_completed_slot_fully.
	BroadSlots []string
	// FinishedSlots names the slots already marked finished_querying, so
	// the decider stops proposing subqueries for them.
	FinishedSlots []string
	// Attempts maps slot names to the queries already tried for them.
	Attempts map[string][]string
}

// Extractor runs the combined extract-and-decide call of each iteration.
type Extractor struct {
	llm ports.LLMService
}

func NewExtractor(llm ports.LLMService) *Extractor {
	return &Extractor{llm: llm}
}

const extractorSystemPrompt = `You are the extraction and decision stage of a question-answering engine that searches a fixed corpus of indexed web pages.

You receive the user's question, the current slot state (what has been found so far), and freshly retrieved corpus chunks, each tagged with its chunk id.

First, extract CLAIMS: slot values that the chunks explicitly support.
- Every claim must list the chunk ids that back it in "chunk_ids". Claims without backing chunks are discarded.
- For "mapping" slots, set "key" to exactly one current value of the parent list slot.
- Do not restate values the slot state already holds. Do not infer values the chunks do not state.

Second, DECIDE how to continue:
- "retrieve": missing values look findable; propose follow-up subqueries in "next_subqueries" (short keyword phrases, one slot each, different from the queries already tried).
- "answer": the state can answer the question, or further searching is futile.
- "expand_corpus": the corpus lacks the evidence but a linked, not-yet-indexed page may have it. Choose this only when it is listed as available, and set "suggested_page_index" to the number of the candidate page to fetch.
- "clarify": the question cannot be answered without more input from the user; put your questions in "questions".

Third, if a broad retrieval listed under "searched broadly" returned everything the corpus has for that slot, name the slot in "broad_query_completed_slot_fully".

Respond with a single JSON object:
{
  "claims": [{"slot": "name", "key": "parent value or omit", "value": <any JSON>, "confidence": 0.0, "complete": true, "chunk_ids": ["..."]}],
  "decision": {"action": "retrieve|answer|expand_corpus|clarify", "why": "one short sentence"},
  "next_subqueries": [{"slot": "name", "query": "search phrase"}],
  "broad_query_completed_slot_fully": ["slot_name"],
  "suggested_page_index": 1,
  "questions": ["only for clarify"]
}`

// ExtractAndDecide runs one extraction call. It never fails the pipeline: a
// transport or parse failure yields zero claims and a retrieve decision
// flagged ParseFailed, and the loop's stagnation handling takes over.
func (e *Extractor) ExtractAndDecide(ctx context.Context, in ExtractInput) *ExtractResult {
	messages := []ports.LLMMessage{
		{Role: "system", Content: extractorSystemPrompt},
		{Role: "user", Content: buildExtractPrompt(in)},
	}

	response, err := e.llm.ChatJSON(ctx, messages)
	if err != nil {
		log.Printf("[Extractor] LLM call failed on iteration %d: %v", in.Iteration, err)
		metrics.LLMParseFailuresTotal.WithLabelValues("extract").Inc()
		return failedExtract()
	}

	parsed, ok := parseJSONObject(response.Content)
	if !ok {
		log.Printf("[Extractor] unparseable output on iteration %d (%d bytes)", in.Iteration, len(response.Content))
		metrics.LLMParseFailuresTotal.WithLabelValues("extract").Inc()
		return failedExtract()
	}

	return normalizeExtract(parsed, in)
}

func failedExtract() *ExtractResult {
	return &ExtractResult{
		Decision: Decision{
			Action:      models.ReasoningActionRetrieve,
			Why:         "Extraction output was unusable; retrying retrieval",
			ParseFailed: true,
		},
	}
}

func normalizeExtract(parsed map[string]any, in ExtractInput) *ExtractResult {
	result := &ExtractResult{}

	for _, raw := range coerceSlice(parsed["claims"]) {
		obj := coerceMap(raw)
		if obj == nil {
			continue
		}
		claim := ExtractedClaim{
			SlotName:  coerceString(obj["slot"]),
			Key:       valueKeyString(coerceValueJSON(obj["key"])),
			ValueJSON: coerceValueJSON(obj["value"]),
			ChunkIDs:  resolveChunkRefs(obj["chunk_ids"], in.Chunks),
		}
		if conf, ok := coerceFloat(obj["confidence"]); ok {
			claim.Confidence = clamp01(conf)
		}
		if complete, ok := coerceBool(obj["complete"]); ok {
			claim.Complete = complete
		}
		if claim.SlotName == "" {
			continue
		}
		result.Claims = append(result.Claims, claim)
	}

	decision := coerceMap(parsed["decision"])
	action := coerceString(decision["action"])
	switch models.ReasoningAction(action) {
	case models.ReasoningActionRetrieve, models.ReasoningActionAnswer,
		models.ReasoningActionExpandCorpus, models.ReasoningActionClarify:
		result.Decision.Action = models.ReasoningAction(action)
	default:
		if action != "" {
			log.Printf("[Extractor] unknown action %q, defaulting to retrieve", action)
		}
		result.Decision.Action = models.ReasoningActionRetrieve
	}
	result.Decision.Why = coerceString(decision["why"])

	for _, raw := range coerceSlice(parsed["next_subqueries"]) {
		obj := coerceMap(raw)
		if obj == nil {
			continue
		}
		slot := coerceString(obj["slot"])
		query := coerceString(obj["query"])
		if slot == "" || query == "" {
			continue
		}
		result.Decision.NextSubqueries = append(result.Decision.NextSubqueries, PlannedSubquery{Slot: slot, Query: query})
	}

	result.Decision.CompletedSlots = coerceStringSlice(parsed["broad_query_completed_slot_fully"])
	result.Decision.Questions = coerceStringSlice(parsed["questions"])
	if idx, ok := coerceInt(parsed["suggested_page_index"]); ok {
		result.Decision.SuggestedPageIndex = idx
	} else if idx, ok := coerceInt(decision["suggested_page_index"]); ok {
		result.Decision.SuggestedPageIndex = idx
	}
	if result.Decision.Action == models.ReasoningActionClarify && len(result.Decision.Questions) == 0 {
		result.Decision.Action = models.ReasoningActionRetrieve
		result.Decision.Why = "Clarify carried no questions; continuing retrieval"
	}

	return result
}

// resolveChunkRefs maps the model's chunk references onto the offered
// chunks. Ids are taken verbatim; a reference matching no offered id but
// readable as an integer is treated as a 1-based position in the evidence
// block, since models sometimes cite by position instead of id.
func resolveChunkRefs(raw any, chunks []*models.Chunk) []string {
	offered := make(map[string]bool, len(chunks))
	for _, chunk := range chunks {
		offered[chunk.ID] = true
	}

	refs := coerceStringSlice(raw)
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if offered[ref] {
			ids = append(ids, ref)
			continue
		}
		if idx, err := strconv.Atoi(ref); err == nil && idx >= 1 && idx <= len(chunks) {
			ids = append(ids, chunks[idx-1].ID)
			continue
		}
		ids = append(ids, ref)
	}
	return ids
}

func buildExtractPrompt(in ExtractInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", in.Question)
	fmt.Fprintf(&b, "Slot state:\n%s\n\n", in.StateJSON)
	fmt.Fprintf(&b, "Iteration %d of %d. Subqueries remaining: %d.\n", in.Iteration, in.MaxIterations, in.SubqueriesLeft)
	if in.AllowExpand {
		b.WriteString("The expand_corpus action is available.\n")
	} else {
		b.WriteString("The expand_corpus action is NOT available; never choose it.\n")
	}
	if len(in.BroadSlots) > 0 {
		fmt.Fprintf(&b, "Slots searched broadly this iteration: %s.\n", strings.Join(in.BroadSlots, ", "))
	}
	if len(in.FinishedSlots) > 0 {
		fmt.Fprintf(&b, "Slots finished querying, propose no subqueries for them: %s.\n", strings.Join(in.FinishedSlots, ", "))
	}
	if len(in.Attempts) > 0 {
		b.WriteString("Queries already tried:\n")
		names := make([]string, 0, len(in.Attempts))
		for name := range in.Attempts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(in.Attempts[name], "; "))
		}
	}
	if in.AllowExpand && len(in.Candidates) > 0 {
		b.WriteString("\nCandidate pages not yet in the corpus:\n")
		for i, candidate := range in.Candidates {
			title := candidate.AnchorText
			if title == "" {
				title = deriveTitleFromURL(candidate.ToURL)
			}
			fmt.Fprintf(&b, "%d. %s — %s", i+1, title, candidate.ToURL)
			if candidate.Snippet != "" {
				fmt.Fprintf(&b, " — %s", candidate.Snippet)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nRetrieved chunks:\n")
	b.WriteString(RenderChunks(in.Chunks))
	return b.String()
}

// RenderChunks formats chunks for an LLM prompt, one block per chunk headed
// by its id and page provenance.
func RenderChunks(chunks []*models.Chunk) string {
	if len(chunks) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, chunk := range chunks {
		fmt.Fprintf(&b, "[chunk %s]", chunk.ID)
		if chunk.PageTitle != "" {
			fmt.Fprintf(&b, " %s", chunk.PageTitle)
		}
		if chunk.SourceDomain != "" || chunk.PagePath != "" {
			fmt.Fprintf(&b, " (%s%s)", chunk.SourceDomain, chunk.PagePath)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(chunk.Content))
		b.WriteString("\n\n")
	}
	return b.String()
}
