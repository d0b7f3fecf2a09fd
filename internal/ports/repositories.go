package ports

import (
	"context"

	"github.com/longregen/quarry/internal/domain/models"
)

// ConversationRepository defines operations for conversation persistence
type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	GetByIDAndUserID(ctx context.Context, id, userID string) (*models.Conversation, error)
	Update(ctx context.Context, conversation *models.Conversation) error
	Delete(ctx context.Context, id string) error
	ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error)
}

// MessageRepository defines operations for message persistence
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	Update(ctx context.Context, message *models.Message) error
	GetByConversation(ctx context.Context, conversationID string) ([]*models.Message, error)
	GetLatestByConversation(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	GetNextSequenceNumber(ctx context.Context, conversationID string) (int, error)
	// GetPrecedingUserMessage returns the closest user message before the
	// given message in sequence order, or nil when none exists.
	GetPrecedingUserMessage(ctx context.Context, messageID string) (*models.Message, error)
	// ClearSuggestedPage removes the suggested_page payload from a message,
	// used once the suggestion has been acted upon.
	ClearSuggestedPage(ctx context.Context, messageID string) error
}

// SourceRepository reads crawled sources attached to a conversation
type SourceRepository interface {
	GetByConversation(ctx context.Context, conversationID string) ([]*models.Source, error)
	GetByID(ctx context.Context, id string) (*models.Source, error)
}

// PageRepository reads indexed pages. Pages are written by the crawler;
// the engine only consumes them.
type PageRepository interface {
	GetByID(ctx context.Context, id string) (*models.Page, error)
	// GetIndexedBySources returns pages with status 'indexed' for the given
	// sources, without the content column.
	GetIndexedBySources(ctx context.Context, sourceIDs []string) ([]*models.Page, error)
	// GetContent returns the full extracted text of a page, used to locate
	// quote context windows at finalization.
	GetContent(ctx context.Context, pageID string) (string, error)
}

// ChunkRepository performs similarity retrieval over indexed chunks
type ChunkRepository interface {
	// MatchChunks runs the match_chunks datastore function for one query
	// embedding, restricted to the given pages. Results carry a cosine-like
	// distance, smaller is better.
	MatchChunks(ctx context.Context, embedding []float32, pageIDs []string, limit int) ([]*models.Chunk, error)
	// GetLeadChunks returns the canonical opening-excerpt chunk set for the
	// given pages, as supplied by the indexer.
	GetLeadChunks(ctx context.Context, pageIDs []string) ([]*models.Chunk, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.Chunk, error)
}

// LinkRepository performs similarity retrieval over discovered links
type LinkRepository interface {
	// MatchDiscoveredLinks runs the match_discovered_links datastore
	// function for one query embedding, restricted to the given sources.
	// Results exclude URLs already represented by an indexed page.
	MatchDiscoveredLinks(ctx context.Context, embedding []float32, sourceIDs []string, limit int) ([]*models.DiscoveredLink, error)
}

// SlotRepository persists slots, slot items, and claim evidence
type SlotRepository interface {
	CreateSlot(ctx context.Context, slot *models.Slot) error
	UpdateSlot(ctx context.Context, slot *models.Slot) error
	GetSlotsByRootMessage(ctx context.Context, rootMessageID string) ([]*models.Slot, error)

	// UpsertItem inserts a slot item unless one with the same
	// (slot_id, key, value_json) already exists. It returns the stored
	// item's id and whether a new row was created.
	UpsertItem(ctx context.Context, item *models.SlotItem) (string, bool, error)
	GetItemsBySlot(ctx context.Context, slotID string) ([]*models.SlotItem, error)
	GetItemsByRootMessage(ctx context.Context, rootMessageID string) ([]*models.SlotItem, error)
	CountItemsBySlot(ctx context.Context, rootMessageID string) (map[string]int, error)

	// AddEvidence upserts a (slot_item_id, chunk_id) association.
	AddEvidence(ctx context.Context, slotItemID, chunkID string) error
	// GetEvidenceBySlot returns, per slot id, the chunk ids referenced by
	// that slot's items in insertion order.
	GetEvidenceBySlot(ctx context.Context, rootMessageID string) (map[string][]string, error)
}

// ReasoningRepository persists reasoning steps and their subqueries
type ReasoningRepository interface {
	CreateStep(ctx context.Context, step *models.ReasoningStep) error
	GetStepsByRootMessage(ctx context.Context, rootMessageID string) ([]*models.ReasoningStep, error)
	GetNextIterationNumber(ctx context.Context, rootMessageID string) (int, error)
	CreateSubqueries(ctx context.Context, subqueries []*models.ReasoningSubquery) error
	GetSubqueriesByRootMessage(ctx context.Context, rootMessageID string) ([]*models.ReasoningSubquery, error)
	GetSubqueriesByStep(ctx context.Context, stepID string) ([]*models.ReasoningSubquery, error)
}

// QuoteRepository persists citation artifacts
type QuoteRepository interface {
	Create(ctx context.Context, quote *models.Quote) error
	GetByMessage(ctx context.Context, messageID string) ([]*models.Quote, error)
}

// RunLogRepository records best-effort per-run diagnostics. Failures are
// logged and swallowed; they never affect user-visible behavior.
type RunLogRepository interface {
	Insert(ctx context.Context, rootMessageID string, payload map[string]any) error
}

// TransactionManager handles database transactions
type TransactionManager interface {
	// WithTransaction executes a function within a database transaction
	// If the function returns an error, the transaction is rolled back
	// Otherwise, the transaction is committed
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// IDGenerator generates unique IDs for entities
type IDGenerator interface {
	// GenerateConversationID generates a new conversation ID (qc_xxx)
	GenerateConversationID() string

	// GenerateMessageID generates a new message ID (qm_xxx)
	GenerateMessageID() string

	// GenerateReasoningStepID generates a new reasoning step ID (qrs_xxx)
	GenerateReasoningStepID() string

	// GenerateSubqueryID generates a new subquery ID (qsq_xxx)
	GenerateSubqueryID() string

	// GenerateSlotID generates a new slot ID (qsl_xxx)
	GenerateSlotID() string

	// GenerateSlotItemID generates a new slot item ID (qsi_xxx)
	GenerateSlotItemID() string

	// GenerateQuoteID generates a new quote ID (qqt_xxx)
	GenerateQuoteID() string
}
