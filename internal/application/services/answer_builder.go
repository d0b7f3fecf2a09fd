package services

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/longregen/quarry/internal/adapters/metrics"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

var quotePlaceholderRe = regexp.MustCompile(`\[\[quote:([^\[\]]+)\]\]`)

// AnswerBuilder composes the final cited answer from the evidence a
// reasoning run accumulated: it allocates the evidence budget fairly across
// slots, asks the LLM for an answer with quote placeholders, rewrites those
// into numbered citation markers, and assembles one Quote per cited chunk.
// Quotes are returned unpersisted so the caller can write them atomically
// with the assistant message.
type AnswerBuilder struct {
	llm    ports.LLMService
	chunks ports.ChunkRepository
	pages  ports.PageRepository
	ids    ports.IDGenerator

	chunksCap       int
	snippetMaxChars int
	contextChars    int
}

func NewAnswerBuilder(llm ports.LLMService, chunks ports.ChunkRepository, pages ports.PageRepository, ids ports.IDGenerator, chunksCap, snippetMaxChars, contextChars int) *AnswerBuilder {
	return &AnswerBuilder{
		llm:             llm,
		chunks:          chunks,
		pages:           pages,
		ids:             ids,
		chunksCap:       chunksCap,
		snippetMaxChars: snippetMaxChars,
		contextChars:    contextChars,
	}
}

// AnswerInput carries the full context of a finished run.
type AnswerInput struct {
	Question  string
	StateJSON string
	// History is the recent dialogue, oldest first.
	History []*models.Message
	// EvidenceBySlot maps slot id to the chunk ids backing that slot's
	// items, in insertion order. SlotOrder fixes the allocation order of
	// the groups (plan order); ids absent from it are appended sorted.
	EvidenceBySlot map[string][]string
	SlotOrder      []string
	// PoolChunks indexes every chunk retrieved during the run by id.
	// Evidence ids absent from the pool are fetched from storage.
	PoolChunks map[string]*models.Chunk
	// PageByID carries page metadata from the context phase, for quote
	// provenance (URL). Content is fetched separately.
	PageByID map[string]*models.Page
	// MessageID is the assistant message the quotes attach to.
	MessageID string
	// PartialNote, when set, instructs the model that the search was cut
	// short and the answer should say what is missing.
	PartialNote string
}

// BuiltAnswer is the outcome of final-answer assembly.
type BuiltAnswer struct {
	Content     string
	Quotes      []*models.Quote
	ParseFailed bool
}

const answerSystemPrompt = `You are the answering stage of a question-answering engine. You receive the user's question, the structured findings collected from a corpus of indexed web pages, and the evidence chunks those findings came from.

Write the final answer:
- Use only the supplied findings and evidence. Do not invent facts.
- Answer in the language of the question.
- After every factual statement, cite its evidence by inserting the placeholder [[quote:<chunk_id>]] with the id of the supporting chunk. Cite only supplied chunk ids.
- Keep the answer direct and well-organized; use short paragraphs or bullet lists as the content demands.

Respond with a single JSON object:
{
  "final_answer": "the answer text with [[quote:...]] placeholders",
  "cited_snippets": {"<chunk_id>": "short verbatim quote from that chunk backing the statement"}
}`

// Build assembles the final answer and its quotes. Transport failures of the
// LLM call are returned as errors; a malformed response body degrades to
// using the raw text as the answer.
func (b *AnswerBuilder) Build(ctx context.Context, in AnswerInput) (*BuiltAnswer, error) {
	selected, err := b.selectEvidence(ctx, in)
	if err != nil {
		return nil, err
	}

	messages := []ports.LLMMessage{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: b.buildPrompt(in, selected)},
	}
	response, err := b.llm.ChatJSON(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("final answer call: %w", err)
	}

	answer := ""
	snippets := map[string]string{}
	parseFailed := false
	if parsed, ok := parseJSONObject(response.Content); ok {
		answer = coerceString(parsed["final_answer"])
		for id, raw := range coerceMap(parsed["cited_snippets"]) {
			if s := coerceString(raw); s != "" {
				snippets[id] = s
			}
		}
	}
	if answer == "" {
		// Use the raw text rather than losing the run.
		log.Printf("[AnswerBuilder] unusable answer JSON (%d bytes), using raw text", len(response.Content))
		metrics.LLMParseFailuresTotal.WithLabelValues("answer").Inc()
		answer = strings.TrimSpace(response.Content)
		parseFailed = true
	}

	byID := make(map[string]*models.Chunk, len(selected))
	for _, chunk := range selected {
		byID[chunk.ID] = chunk
	}

	rewritten, cited := RewriteCitations(answer, func(id string) bool {
		return byID[id] != nil
	})
	if len(cited) == 0 && len(selected) > 0 {
		// No placeholders at all: cite the whole evidence set in
		// selection order so the answer remains checkable.
		var markers strings.Builder
		for i, chunk := range selected {
			cited = append(cited, chunk.ID)
			fmt.Fprintf(&markers, "[%d]", i+1)
		}
		rewritten = strings.TrimSpace(rewritten) + " " + markers.String()
	}

	quotes := b.assembleQuotes(ctx, in, cited, byID, snippets)

	return &BuiltAnswer{Content: rewritten, Quotes: quotes, ParseFailed: parseFailed}, nil
}

// selectEvidence resolves the per-slot evidence chunk ids into chunks and
// fairly allocates the final budget across slots, so one exhaustively
// evidenced slot cannot crowd out the others.
func (b *AnswerBuilder) selectEvidence(ctx context.Context, in AnswerInput) ([]*models.Chunk, error) {
	if in.PoolChunks == nil {
		in.PoolChunks = make(map[string]*models.Chunk)
	}
	var missing []string
	seenMissing := make(map[string]bool)
	for _, chunkIDs := range in.EvidenceBySlot {
		for _, id := range chunkIDs {
			if in.PoolChunks[id] == nil && !seenMissing[id] {
				seenMissing[id] = true
				missing = append(missing, id)
			}
		}
	}
	if len(missing) > 0 {
		fetched, err := b.chunks.GetByIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("resolve evidence chunks: %w", err)
		}
		for _, chunk := range fetched {
			in.PoolChunks[chunk.ID] = chunk
		}
	}

	order := make([]string, 0, len(in.EvidenceBySlot))
	inOrder := make(map[string]bool, len(in.SlotOrder))
	for _, slotID := range in.SlotOrder {
		if _, ok := in.EvidenceBySlot[slotID]; ok {
			order = append(order, slotID)
			inOrder[slotID] = true
		}
	}
	var rest []string
	for slotID := range in.EvidenceBySlot {
		if !inOrder[slotID] {
			rest = append(rest, slotID)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	groups := make([][]*models.Chunk, 0, len(order))
	for _, slotID := range order {
		var group []*models.Chunk
		for _, id := range in.EvidenceBySlot[slotID] {
			if chunk := in.PoolChunks[id]; chunk != nil {
				group = append(group, chunk)
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}

	return SelectChunks(groups, b.chunksCap), nil
}

func (b *AnswerBuilder) buildPrompt(in AnswerInput, selected []*models.Chunk) string {
	var sb strings.Builder
	if history := renderHistory(in.History); history != "" {
		fmt.Fprintf(&sb, "Recent dialogue:\n%s\n", history)
	}
	fmt.Fprintf(&sb, "Question: %s\n\n", in.Question)
	fmt.Fprintf(&sb, "Structured findings:\n%s\n\n", in.StateJSON)
	if in.PartialNote != "" {
		fmt.Fprintf(&sb, "Note: %s. Answer with what is available and state plainly what could not be found.\n\n", in.PartialNote)
	}
	sb.WriteString("Evidence chunks:\n")
	sb.WriteString(RenderChunks(selected))
	return sb.String()
}

// renderHistory formats dialogue messages for a prompt, oldest first.
func renderHistory(messages []*models.Message) string {
	var sb strings.Builder
	for _, message := range messages {
		role := "User"
		if message.IsFromAssistant() {
			role = "Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, message.Content)
	}
	return sb.String()
}

// RewriteCitations replaces [[quote:<chunk_id>]] placeholders with numbered
// markers [1], [2], ... assigned in first-appearance order. Repeated ids
// reuse their number; placeholders naming unknown ids are stripped. The
// returned slice holds the cited chunk ids in marker order.
func RewriteCitations(answer string, known func(string) bool) (string, []string) {
	var order []string
	index := make(map[string]int)

	rewritten := quotePlaceholderRe.ReplaceAllStringFunc(answer, func(match string) string {
		id := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "[[quote:"), "]]"))
		if !known(id) {
			return ""
		}
		k, ok := index[id]
		if !ok {
			order = append(order, id)
			k = len(order)
			index[id] = k
		}
		return fmt.Sprintf("[%d]", k)
	})

	return rewritten, order
}

// assembleQuotes builds one Quote per cited chunk, in citation order. The
// snippet comes from the model when usable, else from a sentence-bounded
// excerpt of the chunk; the context window around the snippet is located in
// the full page text, best-effort.
func (b *AnswerBuilder) assembleQuotes(ctx context.Context, in AnswerInput, cited []string, byID map[string]*models.Chunk, snippets map[string]string) []*models.Quote {
	quotes := make([]*models.Quote, 0, len(cited))
	pageContent := make(map[string]string)

	for i, chunkID := range cited {
		chunk := byID[chunkID]
		if chunk == nil {
			continue
		}

		snippet := strings.TrimSpace(snippets[chunkID])
		if snippet == "" {
			snippet = sentenceExcerpt(chunk.Content, b.snippetMaxChars)
		} else if len(snippet) > b.snippetMaxChars {
			// An overlong model passage is trimmed, not replaced.
			snippet = sentenceExcerpt(snippet, b.snippetMaxChars)
		}

		quote := models.NewQuote(b.ids.GenerateQuoteID(), in.MessageID, chunk.PageID, chunk.ID, snippet, i+1)
		quote.PageTitle = chunk.PageTitle
		quote.PagePath = chunk.PagePath
		quote.Domain = chunk.SourceDomain
		if page := in.PageByID[chunk.PageID]; page != nil {
			quote.PageURL = page.URL
		}

		content, ok := pageContent[chunk.PageID]
		if !ok {
			var err error
			content, err = b.pages.GetContent(ctx, chunk.PageID)
			if err != nil {
				log.Printf("[AnswerBuilder] page content unavailable for %s: %v", chunk.PageID, err)
				content = ""
			}
			pageContent[chunk.PageID] = content
		}
		if content != "" {
			if start, end, found := locateSnippet(content, snippet); found {
				quote.ContextBefore, quote.ContextAfter = contextWindow(content, start, end, b.contextChars)
			}
		}

		quotes = append(quotes, quote)
	}

	return quotes
}
