package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/longregen/quarry/internal/adapters/http/middleware"
	"github.com/longregen/quarry/internal/application/usecases"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

// addUserContext injects the authenticated user the way middleware.Auth does.
func addUserContext(req *http.Request, userID string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.UserIDContextKey, userID)
	return req.WithContext(ctx)
}

// setURLParam adds a URL parameter to the request context (chi router style)
func setURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// newTestConversations wires a ManageConversation over in-memory
// repositories, returning the repos so tests can seed and inspect them.
func newTestConversations() (*usecases.ManageConversation, *mockConversationRepo, *mockMessageRepo, *mockQuoteRepo) {
	convRepo := newMockConversationRepo()
	msgRepo := newMockMessageRepo()
	quoteRepo := newMockQuoteRepo()
	uc := usecases.NewManageConversation(convRepo, msgRepo, quoteRepo, &mockIDGenerator{})
	return uc, convRepo, msgRepo, quoteRepo
}

// Mock ConversationRepository. Row misses return pgx.ErrNoRows, matching
// the postgres repositories.
type mockConversationRepo struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	createErr     error
	getErr        error
	listErr       error
	deleteErr     error
}

func newMockConversationRepo() *mockConversationRepo {
	return &mockConversationRepo{
		conversations: make(map[string]*models.Conversation),
	}
}

func (m *mockConversationRepo) Create(ctx context.Context, c *models.Conversation) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *mockConversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok || conv.IsDeleted() {
		return nil, pgx.ErrNoRows
	}
	return conv, nil
}

func (m *mockConversationRepo) GetByIDAndUserID(ctx context.Context, id, userID string) (*models.Conversation, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok || conv.IsDeleted() || conv.UserID != userID {
		return nil, pgx.ErrNoRows
	}
	return conv, nil
}

func (m *mockConversationRepo) Update(ctx context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[c.ID]; !ok {
		return pgx.ErrNoRows
	}
	m.conversations[c.ID] = c
	return nil
}

func (m *mockConversationRepo) Delete(ctx context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return pgx.ErrNoRows
	}
	conv.MarkAsDeleted()
	return nil
}

func (m *mockConversationRepo) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*models.Conversation
	skipped := 0
	for _, id := range ids {
		conv := m.conversations[id]
		if conv.IsDeleted() || conv.UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, conv)
	}
	return out, nil
}

// Mock MessageRepository
type mockMessageRepo struct {
	mu        sync.Mutex
	messages  map[string]*models.Message
	order     []string
	createErr error
	listErr   error
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{messages: make(map[string]*models.Message)}
}

func (m *mockMessageRepo) Create(ctx context.Context, message *models.Message) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[message.ID] = message
	m.order = append(m.order, message.ID)
	return nil
}

func (m *mockMessageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return message, nil
}

func (m *mockMessageRepo) Update(ctx context.Context, message *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[message.ID]; !ok {
		return pgx.ErrNoRows
	}
	m.messages[message.ID] = message
	return nil
}

func (m *mockMessageRepo) GetByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Message
	for _, id := range m.order {
		if msg := m.messages[id]; msg != nil && msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockMessageRepo) GetLatestByConversation(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	all, err := m.GetByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *mockMessageRepo) GetNextSequenceNumber(ctx context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.SequenceNumber >= next {
			next = msg.SequenceNumber + 1
		}
	}
	return next, nil
}

func (m *mockMessageRepo) GetPrecedingUserMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	anchor, ok := m.messages[messageID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	var best *models.Message
	for _, msg := range m.messages {
		if msg.ConversationID != anchor.ConversationID || !msg.IsFromUser() {
			continue
		}
		if msg.SequenceNumber >= anchor.SequenceNumber {
			continue
		}
		if best == nil || msg.SequenceNumber > best.SequenceNumber {
			best = msg
		}
	}
	return best, nil
}

func (m *mockMessageRepo) ClearSuggestedPage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[messageID]
	if !ok {
		return pgx.ErrNoRows
	}
	message.ClearSuggestedPage()
	return nil
}

// Mock QuoteRepository
type mockQuoteRepo struct {
	mu     sync.Mutex
	quotes map[string][]*models.Quote
	getErr error
}

func newMockQuoteRepo() *mockQuoteRepo {
	return &mockQuoteRepo{quotes: make(map[string][]*models.Quote)}
}

func (m *mockQuoteRepo) Create(ctx context.Context, quote *models.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[quote.MessageID] = append(m.quotes[quote.MessageID], quote)
	return nil
}

func (m *mockQuoteRepo) GetByMessage(ctx context.Context, messageID string) ([]*models.Quote, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotes[messageID], nil
}

// Mock IDGenerator
type mockIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func (m *mockIDGenerator) nextID(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return fmt.Sprintf("%s_test%d", prefix, m.counter)
}

func (m *mockIDGenerator) GenerateConversationID() string  { return m.nextID("qc") }
func (m *mockIDGenerator) GenerateMessageID() string       { return m.nextID("qm") }
func (m *mockIDGenerator) GenerateReasoningStepID() string { return m.nextID("qrs") }
func (m *mockIDGenerator) GenerateSubqueryID() string      { return m.nextID("qsq") }
func (m *mockIDGenerator) GenerateSlotID() string          { return m.nextID("qsl") }
func (m *mockIDGenerator) GenerateSlotItemID() string      { return m.nextID("qsi") }
func (m *mockIDGenerator) GenerateQuoteID() string         { return m.nextID("qqt") }

var _ ports.IDGenerator = (*mockIDGenerator)(nil)

// scriptedAsk is an AskQuestionUseCase whose Execute drives the notifier
// with a canned sequence, recording the input it was given.
type scriptedAsk struct {
	gotInput *ports.AskQuestionInput
	run      func(notifier ports.ReasoningNotifier)
	output   *ports.AskQuestionOutput
	err      error
}

func (s *scriptedAsk) Execute(ctx context.Context, input *ports.AskQuestionInput) (*ports.AskQuestionOutput, error) {
	s.gotInput = input
	if s.run != nil && input.Notifier != nil {
		s.run(input.Notifier)
	}
	if s.err != nil {
		if input.Notifier != nil {
			input.Notifier.NotifyError(s.err.Error())
		}
		return nil, s.err
	}
	if s.output != nil {
		return s.output, nil
	}
	return &ports.AskQuestionOutput{}, nil
}

// recordingNotifier captures every event it receives, in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) record(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *recordingNotifier) NotifyPlan(plan *ports.PlanPayload) {
	n.record("plan")
}

func (n *recordingNotifier) NotifyStep(step *models.ThoughtStep) {
	n.record("step")
}

func (n *recordingNotifier) NotifyThoughtProcess(tp *models.ThoughtProcess) {
	n.record("thoughtProcess")
}

func (n *recordingNotifier) NotifyClarify(questions []string) {
	n.record("clarify")
}

func (n *recordingNotifier) NotifyDone(done *ports.DonePayload) {
	n.record("done")
}

func (n *recordingNotifier) NotifyError(message string) {
	n.record("error")
}
