package usecases

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

// In-memory fakes for every port the usecases touch. Row misses return
// pgx.ErrNoRows, matching the postgres repositories.

// --- conversation repository ---

type mockConversationRepo struct {
	mu    sync.RWMutex
	store map[string]*models.Conversation
	order []string
}

func newMockConversationRepo() *mockConversationRepo {
	return &mockConversationRepo{store: make(map[string]*models.Conversation)}
}

func copyConversation(c *models.Conversation) *models.Conversation {
	if c == nil {
		return nil
	}
	dup := *c
	return &dup
}

func (m *mockConversationRepo) Create(ctx context.Context, conversation *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[conversation.ID] = copyConversation(conversation)
	m.order = append(m.order, conversation.ID)
	return nil
}

func (m *mockConversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conversation := m.store[id]
	if conversation == nil || conversation.IsDeleted() {
		return nil, pgx.ErrNoRows
	}
	return copyConversation(conversation), nil
}

func (m *mockConversationRepo) GetByIDAndUserID(ctx context.Context, id, userID string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conversation := m.store[id]
	if conversation == nil || conversation.IsDeleted() || conversation.UserID != userID {
		return nil, pgx.ErrNoRows
	}
	return copyConversation(conversation), nil
}

func (m *mockConversationRepo) Update(ctx context.Context, conversation *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store[conversation.ID] == nil {
		return pgx.ErrNoRows
	}
	m.store[conversation.ID] = copyConversation(conversation)
	return nil
}

func (m *mockConversationRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation := m.store[id]
	if conversation == nil {
		return pgx.ErrNoRows
	}
	conversation.MarkAsDeleted()
	return nil
}

func (m *mockConversationRepo) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Conversation
	skipped := 0
	for _, id := range m.order {
		conversation := m.store[id]
		if conversation == nil || conversation.IsDeleted() || conversation.UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, copyConversation(conversation))
	}
	return out, nil
}

// --- message repository ---

type mockMessageRepo struct {
	mu      sync.RWMutex
	store   map[string]*models.Message
	order   []string
	cleared []string
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{store: make(map[string]*models.Message)}
}

func copyMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	dup := *msg
	return &dup
}

func (m *mockMessageRepo) Create(ctx context.Context, message *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[message.ID] = copyMessage(message)
	m.order = append(m.order, message.ID)
	return nil
}

func (m *mockMessageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	message := m.store[id]
	if message == nil || message.DeletedAt != nil {
		return nil, pgx.ErrNoRows
	}
	return copyMessage(message), nil
}

func (m *mockMessageRepo) Update(ctx context.Context, message *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store[message.ID] == nil {
		return pgx.ErrNoRows
	}
	m.store[message.ID] = copyMessage(message)
	return nil
}

func (m *mockMessageRepo) byConversation(conversationID string) []*models.Message {
	var out []*models.Message
	for _, id := range m.order {
		message := m.store[id]
		if message == nil || message.DeletedAt != nil || message.ConversationID != conversationID {
			continue
		}
		out = append(out, message)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].SequenceNumber < out[b].SequenceNumber
	})
	return out
}

func (m *mockMessageRepo) GetByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messages := m.byConversation(conversationID)
	out := make([]*models.Message, 0, len(messages))
	for _, message := range messages {
		out = append(out, copyMessage(message))
	}
	return out, nil
}

func (m *mockMessageRepo) GetLatestByConversation(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messages := m.byConversation(conversationID)
	var out []*models.Message
	for i := len(messages) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyMessage(messages[i]))
	}
	return out, nil
}

func (m *mockMessageRepo) GetNextSequenceNumber(ctx context.Context, conversationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for _, message := range m.byConversation(conversationID) {
		if message.SequenceNumber > max {
			max = message.SequenceNumber
		}
	}
	return max + 1, nil
}

func (m *mockMessageRepo) GetPrecedingUserMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	anchor := m.store[messageID]
	if anchor == nil {
		return nil, pgx.ErrNoRows
	}
	var found *models.Message
	for _, message := range m.byConversation(anchor.ConversationID) {
		if message.SequenceNumber >= anchor.SequenceNumber || !message.IsFromUser() {
			continue
		}
		if found == nil || message.SequenceNumber > found.SequenceNumber {
			found = message
		}
	}
	return copyMessage(found), nil
}

func (m *mockMessageRepo) ClearSuggestedPage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	message := m.store[messageID]
	if message == nil {
		return pgx.ErrNoRows
	}
	message.SuggestedPage = nil
	m.cleared = append(m.cleared, messageID)
	return nil
}

// --- source repository ---

type mockSourceRepo struct {
	mu    sync.RWMutex
	store map[string]*models.Source
	order []string
}

func newMockSourceRepo() *mockSourceRepo {
	return &mockSourceRepo{store: make(map[string]*models.Source)}
}

func (m *mockSourceRepo) add(source *models.Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[source.ID] = source
	m.order = append(m.order, source.ID)
}

func (m *mockSourceRepo) GetByConversation(ctx context.Context, conversationID string) ([]*models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Source
	for _, id := range m.order {
		if source := m.store[id]; source != nil && source.ConversationID == conversationID {
			dup := *source
			out = append(out, &dup)
		}
	}
	return out, nil
}

func (m *mockSourceRepo) GetByID(ctx context.Context, id string) (*models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	source := m.store[id]
	if source == nil {
		return nil, pgx.ErrNoRows
	}
	dup := *source
	return &dup, nil
}

// --- page repository ---

type mockPageRepo struct {
	mu    sync.RWMutex
	store map[string]*models.Page
	order []string
}

func newMockPageRepo() *mockPageRepo {
	return &mockPageRepo{store: make(map[string]*models.Page)}
}

func (m *mockPageRepo) add(page *models.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[page.ID] = page
	m.order = append(m.order, page.ID)
}

func (m *mockPageRepo) GetByID(ctx context.Context, id string) (*models.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	page := m.store[id]
	if page == nil {
		return nil, pgx.ErrNoRows
	}
	dup := *page
	return &dup, nil
}

func (m *mockPageRepo) GetIndexedBySources(ctx context.Context, sourceIDs []string) ([]*models.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		wanted[id] = true
	}
	var out []*models.Page
	for _, id := range m.order {
		page := m.store[id]
		if page == nil || !wanted[page.SourceID] || !page.IsIndexed() {
			continue
		}
		dup := *page
		dup.Content = "" // the listing query omits the content column
		out = append(out, &dup)
	}
	return out, nil
}

func (m *mockPageRepo) GetContent(ctx context.Context, pageID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	page := m.store[pageID]
	if page == nil {
		return "", pgx.ErrNoRows
	}
	return page.Content, nil
}

// --- chunk repository ---

// mockChunkRepo replays queued MatchChunks results in call order, since the
// query arrives as an embedding rather than text.
type mockChunkRepo struct {
	mu      sync.Mutex
	byID    map[string]*models.Chunk
	leads   []*models.Chunk
	matches [][]*models.Chunk
	calls   int
}

func newMockChunkRepo() *mockChunkRepo {
	return &mockChunkRepo{byID: make(map[string]*models.Chunk)}
}

func (m *mockChunkRepo) queueMatch(chunks ...*models.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range chunks {
		m.byID[chunk.ID] = chunk
	}
	m.matches = append(m.matches, chunks)
}

func (m *mockChunkRepo) setLeads(chunks ...*models.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range chunks {
		m.byID[chunk.ID] = chunk
	}
	m.leads = chunks
}

func (m *mockChunkRepo) MatchChunks(ctx context.Context, embedding []float32, pageIDs []string, limit int) ([]*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.matches) == 0 {
		return nil, nil
	}
	next := m.matches[0]
	m.matches = m.matches[1:]
	if len(next) > limit {
		next = next[:limit]
	}
	out := make([]*models.Chunk, 0, len(next))
	for _, chunk := range next {
		dup := *chunk
		out = append(out, &dup)
	}
	return out, nil
}

func (m *mockChunkRepo) GetLeadChunks(ctx context.Context, pageIDs []string) ([]*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Chunk, 0, len(m.leads))
	for _, chunk := range m.leads {
		dup := *chunk
		out = append(out, &dup)
	}
	return out, nil
}

func (m *mockChunkRepo) GetByIDs(ctx context.Context, ids []string) ([]*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Chunk
	for _, id := range ids {
		if chunk := m.byID[id]; chunk != nil {
			dup := *chunk
			out = append(out, &dup)
		}
	}
	return out, nil
}

// --- link repository ---

// mockLinkRepo returns the same link set for every query; the expander's
// merge keeps the best distance per link.
type mockLinkRepo struct {
	mu    sync.Mutex
	links []*models.DiscoveredLink
	calls int
}

func newMockLinkRepo(links ...*models.DiscoveredLink) *mockLinkRepo {
	return &mockLinkRepo{links: links}
}

func (m *mockLinkRepo) set(links ...*models.DiscoveredLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = links
}

func (m *mockLinkRepo) MatchDiscoveredLinks(ctx context.Context, embedding []float32, sourceIDs []string, limit int) ([]*models.DiscoveredLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := make([]*models.DiscoveredLink, 0, len(m.links))
	for _, link := range m.links {
		if len(out) >= limit {
			break
		}
		dup := *link
		out = append(out, &dup)
	}
	return out, nil
}

// --- slot repository ---

type mockSlotRepo struct {
	mu        sync.RWMutex
	slots     map[string]*models.Slot
	slotOrder []string
	items     map[string][]*models.SlotItem
	evidence  map[string][]string
}

func newMockSlotRepo() *mockSlotRepo {
	return &mockSlotRepo{
		slots:    make(map[string]*models.Slot),
		items:    make(map[string][]*models.SlotItem),
		evidence: make(map[string][]string),
	}
}

func copySlot(slot *models.Slot) *models.Slot {
	if slot == nil {
		return nil
	}
	dup := *slot
	dup.LastQueries = append([]string(nil), slot.LastQueries...)
	return &dup
}

func (m *mockSlotRepo) CreateSlot(ctx context.Context, slot *models.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slot.ID] = copySlot(slot)
	m.slotOrder = append(m.slotOrder, slot.ID)
	return nil
}

func (m *mockSlotRepo) UpdateSlot(ctx context.Context, slot *models.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[slot.ID] == nil {
		return pgx.ErrNoRows
	}
	m.slots[slot.ID] = copySlot(slot)
	return nil
}

func (m *mockSlotRepo) GetSlotsByRootMessage(ctx context.Context, rootMessageID string) ([]*models.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Slot
	for _, id := range m.slotOrder {
		if slot := m.slots[id]; slot != nil && slot.RootMessageID == rootMessageID {
			out = append(out, copySlot(slot))
		}
	}
	return out, nil
}

func (m *mockSlotRepo) UpsertItem(ctx context.Context, item *models.SlotItem) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items[item.SlotID] {
		if existing.Key == item.Key && existing.ValueJSON == item.ValueJSON {
			return existing.ID, false, nil
		}
	}
	dup := *item
	m.items[item.SlotID] = append(m.items[item.SlotID], &dup)
	return item.ID, true, nil
}

func (m *mockSlotRepo) GetItemsBySlot(ctx context.Context, slotID string) ([]*models.SlotItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SlotItem, 0, len(m.items[slotID]))
	for _, item := range m.items[slotID] {
		dup := *item
		out = append(out, &dup)
	}
	return out, nil
}

func (m *mockSlotRepo) GetItemsByRootMessage(ctx context.Context, rootMessageID string) ([]*models.SlotItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SlotItem
	for _, slotID := range m.slotOrder {
		slot := m.slots[slotID]
		if slot == nil || slot.RootMessageID != rootMessageID {
			continue
		}
		for _, item := range m.items[slotID] {
			dup := *item
			out = append(out, &dup)
		}
	}
	return out, nil
}

func (m *mockSlotRepo) CountItemsBySlot(ctx context.Context, rootMessageID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, slotID := range m.slotOrder {
		slot := m.slots[slotID]
		if slot == nil || slot.RootMessageID != rootMessageID {
			continue
		}
		counts[slotID] = len(m.items[slotID])
	}
	return counts, nil
}

func (m *mockSlotRepo) AddEvidence(ctx context.Context, slotItemID, chunkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.evidence[slotItemID] {
		if existing == chunkID {
			return nil
		}
	}
	m.evidence[slotItemID] = append(m.evidence[slotItemID], chunkID)
	return nil
}

func (m *mockSlotRepo) GetEvidenceBySlot(ctx context.Context, rootMessageID string) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string)
	for _, slotID := range m.slotOrder {
		slot := m.slots[slotID]
		if slot == nil || slot.RootMessageID != rootMessageID {
			continue
		}
		seen := make(map[string]bool)
		for _, item := range m.items[slotID] {
			for _, chunkID := range m.evidence[item.ID] {
				if seen[chunkID] {
					continue
				}
				seen[chunkID] = true
				out[slotID] = append(out[slotID], chunkID)
			}
		}
	}
	return out, nil
}

// --- reasoning repository ---

type mockReasoningRepo struct {
	mu    sync.RWMutex
	steps []*models.ReasoningStep
	subs  map[string][]*models.ReasoningSubquery
}

func newMockReasoningRepo() *mockReasoningRepo {
	return &mockReasoningRepo{subs: make(map[string][]*models.ReasoningSubquery)}
}

func (m *mockReasoningRepo) CreateStep(ctx context.Context, step *models.ReasoningStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *step
	dup.ChunkIDs = append([]string(nil), step.ChunkIDs...)
	m.steps = append(m.steps, &dup)
	return nil
}

func (m *mockReasoningRepo) GetStepsByRootMessage(ctx context.Context, rootMessageID string) ([]*models.ReasoningStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ReasoningStep
	for _, step := range m.steps {
		if step.RootMessageID == rootMessageID {
			dup := *step
			out = append(out, &dup)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].IterationNumber < out[b].IterationNumber
	})
	return out, nil
}

func (m *mockReasoningRepo) GetNextIterationNumber(ctx context.Context, rootMessageID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for _, step := range m.steps {
		if step.RootMessageID == rootMessageID && step.IterationNumber > max {
			max = step.IterationNumber
		}
	}
	return max + 1, nil
}

func (m *mockReasoningRepo) CreateSubqueries(ctx context.Context, subqueries []*models.ReasoningSubquery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, subquery := range subqueries {
		dup := *subquery
		m.subs[subquery.StepID] = append(m.subs[subquery.StepID], &dup)
	}
	return nil
}

func (m *mockReasoningRepo) GetSubqueriesByStep(ctx context.Context, stepID string) ([]*models.ReasoningSubquery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ReasoningSubquery, 0, len(m.subs[stepID]))
	for _, subquery := range m.subs[stepID] {
		dup := *subquery
		out = append(out, &dup)
	}
	return out, nil
}

func (m *mockReasoningRepo) GetSubqueriesByRootMessage(ctx context.Context, rootMessageID string) ([]*models.ReasoningSubquery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ReasoningSubquery
	for _, step := range m.steps {
		if step.RootMessageID != rootMessageID {
			continue
		}
		for _, subquery := range m.subs[step.ID] {
			dup := *subquery
			out = append(out, &dup)
		}
	}
	return out, nil
}

// --- quote repository ---

type mockQuoteRepo struct {
	mu    sync.RWMutex
	store map[string][]*models.Quote
}

func newMockQuoteRepo() *mockQuoteRepo {
	return &mockQuoteRepo{store: make(map[string][]*models.Quote)}
}

func (m *mockQuoteRepo) Create(ctx context.Context, quote *models.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *quote
	m.store[quote.MessageID] = append(m.store[quote.MessageID], &dup)
	return nil
}

func (m *mockQuoteRepo) GetByMessage(ctx context.Context, messageID string) ([]*models.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	quotes := append([]*models.Quote(nil), m.store[messageID]...)
	sort.SliceStable(quotes, func(a, b int) bool {
		return quotes[a].CitationOrder < quotes[b].CitationOrder
	})
	return quotes, nil
}

// --- run log repository ---

type runLogEntry struct {
	rootMessageID string
	payload       map[string]any
}

type mockRunLogRepo struct {
	mu      sync.Mutex
	entries []runLogEntry
	err     error
}

func newMockRunLogRepo() *mockRunLogRepo {
	return &mockRunLogRepo{}
}

func (m *mockRunLogRepo) Insert(ctx context.Context, rootMessageID string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, runLogEntry{rootMessageID: rootMessageID, payload: payload})
	return nil
}

// --- transaction manager ---

type mockTxManager struct{}

func (m *mockTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// --- id generator ---

// mockIDGenerator hands out deterministic per-prefix ids: qm_001, qm_002...
type mockIDGenerator struct {
	mu       sync.Mutex
	counters map[string]int
}

func newMockIDGenerator() *mockIDGenerator {
	return &mockIDGenerator{counters: make(map[string]int)}
}

func (g *mockIDGenerator) next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[prefix]++
	return fmt.Sprintf("%s%03d", prefix, g.counters[prefix])
}

func (g *mockIDGenerator) GenerateConversationID() string  { return g.next("qc_") }
func (g *mockIDGenerator) GenerateMessageID() string       { return g.next("qm_") }
func (g *mockIDGenerator) GenerateReasoningStepID() string { return g.next("qrs_") }
func (g *mockIDGenerator) GenerateSubqueryID() string      { return g.next("qsq_") }
func (g *mockIDGenerator) GenerateSlotID() string          { return g.next("qsl_") }
func (g *mockIDGenerator) GenerateSlotItemID() string      { return g.next("qsi_") }
func (g *mockIDGenerator) GenerateQuoteID() string         { return g.next("qqt_") }

// --- embedding service ---

type mockEmbedder struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{}
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) (*ports.EmbeddingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.texts = append(m.texts, text)
	return &ports.EmbeddingResult{Embedding: []float32{0.1, 0.2, 0.3}, Model: "mock-embed", Dimensions: 3}, nil
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]*ports.EmbeddingResult, error) {
	out := make([]*ports.EmbeddingResult, 0, len(texts))
	for _, text := range texts {
		result, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

func (m *mockEmbedder) GetDimensions() int { return 3 }

// --- llm service ---

// mockLLM replays queued responses in call order and records the user
// prompt of each call.
type mockLLM struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	calls     int
	err       error
}

func newMockLLM(responses ...string) *mockLLM {
	return &mockLLM{responses: responses}
}

func (m *mockLLM) Chat(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	return m.ChatJSON(ctx, messages)
}

func (m *mockLLM) ChatJSON(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if len(messages) > 0 {
		m.prompts = append(m.prompts, messages[len(messages)-1].Content)
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("no queued response for call %d", m.calls)
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	return &ports.LLMResponse{Content: next}, nil
}

// --- notifier ---

// recordingNotifier captures the event stream in emission order. kinds()
// renders it as "plan", "step:<action>", "thought", "clarify", "done",
// "error" for order assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	events    []string
	plans     []*ports.PlanPayload
	steps     []*models.ThoughtStep
	clarifies [][]string
	dones     []*ports.DonePayload
	errors    []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{}
}

func (n *recordingNotifier) NotifyPlan(plan *ports.PlanPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "plan")
	n.plans = append(n.plans, plan)
}

func (n *recordingNotifier) NotifyStep(step *models.ThoughtStep) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "step:"+string(step.Action))
	n.steps = append(n.steps, step)
}

func (n *recordingNotifier) NotifyThoughtProcess(tp *models.ThoughtProcess) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "thought")
}

func (n *recordingNotifier) NotifyClarify(questions []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "clarify")
	n.clarifies = append(n.clarifies, questions)
}

func (n *recordingNotifier) NotifyDone(done *ports.DonePayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "done")
	n.dones = append(n.dones, done)
}

func (n *recordingNotifier) NotifyError(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "error")
	n.errors = append(n.errors, message)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}
