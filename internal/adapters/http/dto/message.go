package dto

import (
	"time"

	"github.com/longregen/quarry/internal/domain/models"
)

// AskRequest starts (or resumes) a reasoning run over a conversation's
// corpus. Field names match the NDJSON wire contract, not the REST
// conventions of the other endpoints.
//
// At most one of RootMessageID and AppendToMessageID may be set. With
// neither, the server persists UserMessage as a new user message and
// roots the run there. AppendToMessageID re-runs the question that
// produced an earlier assistant message, typically after the corpus
// grew by a suggested page.
type AskRequest struct {
	ConversationID     string `json:"conversationId" msgpack:"conversationId"`
	UserMessage        string `json:"userMessage" msgpack:"userMessage"`
	RootMessageID      string `json:"rootMessageId,omitempty" msgpack:"rootMessageId,omitempty"`
	AppendToMessageID  string `json:"appendToMessageId,omitempty" msgpack:"appendToMessageId,omitempty"`
	ScrapedPageDisplay string `json:"scrapedPageDisplay,omitempty" msgpack:"scrapedPageDisplay,omitempty"`
}

// MessageResponse represents a message in API responses
type MessageResponse struct {
	ID                 string                 `json:"id" msgpack:"id"`
	ConversationID     string                 `json:"conversation_id" msgpack:"conversationId"`
	SequenceNumber     int                    `json:"sequence_number" msgpack:"sequenceNumber"`
	Role               string                 `json:"role" msgpack:"role"`
	Content            string                 `json:"content" msgpack:"content"`
	ThoughtProcess     *models.ThoughtProcess `json:"thought_process,omitempty" msgpack:"thoughtProcess,omitempty"`
	SuggestedPage      *models.SuggestedPage  `json:"suggested_page,omitempty" msgpack:"suggestedPage,omitempty"`
	ScrapedPageDisplay string                 `json:"scraped_page_display,omitempty" msgpack:"scrapedPageDisplay,omitempty"`
	FollowsMessageID   string                 `json:"follows_message_id,omitempty" msgpack:"followsMessageId,omitempty"`
	CreatedAt          time.Time              `json:"created_at" msgpack:"createdAt"`
	UpdatedAt          time.Time              `json:"updated_at" msgpack:"updatedAt"`
}

// MessageListResponse represents a conversation's messages in order
type MessageListResponse struct {
	Messages []*MessageResponse `json:"messages" msgpack:"messages"`
	Total    int                `json:"total" msgpack:"total"`
}

// FromModel converts a domain model to a response DTO
func (r *MessageResponse) FromModel(msg *models.Message) *MessageResponse {
	return &MessageResponse{
		ID:                 msg.ID,
		ConversationID:     msg.ConversationID,
		SequenceNumber:     msg.SequenceNumber,
		Role:               string(msg.Role),
		Content:            msg.Content,
		ThoughtProcess:     msg.ThoughtProcess,
		SuggestedPage:      msg.SuggestedPage,
		ScrapedPageDisplay: msg.ScrapedPageDisplay,
		FollowsMessageID:   msg.FollowsMessageID,
		CreatedAt:          msg.CreatedAt,
		UpdatedAt:          msg.UpdatedAt,
	}
}

// FromMessageModelList converts a list of domain models to response DTOs
func FromMessageModelList(msgs []*models.Message) []*MessageResponse {
	responses := make([]*MessageResponse, len(msgs))
	for i, msg := range msgs {
		responses[i] = (&MessageResponse{}).FromModel(msg)
	}
	return responses
}

// QuoteResponse represents a persisted citation in API responses
type QuoteResponse struct {
	ID            string    `json:"id" msgpack:"id"`
	MessageID     string    `json:"message_id" msgpack:"messageId"`
	PageID        string    `json:"page_id" msgpack:"pageId"`
	ChunkID       string    `json:"chunk_id" msgpack:"chunkId"`
	Snippet       string    `json:"snippet" msgpack:"snippet"`
	PageTitle     string    `json:"page_title,omitempty" msgpack:"pageTitle,omitempty"`
	PagePath      string    `json:"page_path,omitempty" msgpack:"pagePath,omitempty"`
	Domain        string    `json:"domain,omitempty" msgpack:"domain,omitempty"`
	PageURL       string    `json:"page_url,omitempty" msgpack:"pageUrl,omitempty"`
	ContextBefore string    `json:"context_before,omitempty" msgpack:"contextBefore,omitempty"`
	ContextAfter  string    `json:"context_after,omitempty" msgpack:"contextAfter,omitempty"`
	CitationOrder int       `json:"citation_order" msgpack:"citationOrder"`
	CreatedAt     time.Time `json:"created_at" msgpack:"createdAt"`
}

// QuoteListResponse represents a message's quotes in citation order
type QuoteListResponse struct {
	Quotes []*QuoteResponse `json:"quotes" msgpack:"quotes"`
	Total  int              `json:"total" msgpack:"total"`
}

// FromModel converts a domain model to a response DTO
func (r *QuoteResponse) FromModel(quote *models.Quote) *QuoteResponse {
	return &QuoteResponse{
		ID:            quote.ID,
		MessageID:     quote.MessageID,
		PageID:        quote.PageID,
		ChunkID:       quote.ChunkID,
		Snippet:       quote.Snippet,
		PageTitle:     quote.PageTitle,
		PagePath:      quote.PagePath,
		Domain:        quote.Domain,
		PageURL:       quote.PageURL,
		ContextBefore: quote.ContextBefore,
		ContextAfter:  quote.ContextAfter,
		CitationOrder: quote.CitationOrder,
		CreatedAt:     quote.CreatedAt,
	}
}

// FromQuoteModelList converts a list of domain models to response DTOs
func FromQuoteModelList(quotes []*models.Quote) []*QuoteResponse {
	responses := make([]*QuoteResponse, len(quotes))
	for i, quote := range quotes {
		responses[i] = (&QuoteResponse{}).FromModel(quote)
	}
	return responses
}
