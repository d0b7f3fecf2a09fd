package dto

import (
	"time"

	"github.com/longregen/quarry/internal/domain/models"
)

// CreateConversationRequest represents a request to create a new conversation
type CreateConversationRequest struct {
	Title          string `json:"title" msgpack:"title"`
	DynamicSources bool   `json:"dynamic_sources,omitempty" msgpack:"dynamicSources,omitempty"`
}

// ConversationResponse represents a conversation in API responses
type ConversationResponse struct {
	ID             string    `json:"id" msgpack:"id"`
	Title          string    `json:"title" msgpack:"title"`
	DynamicSources bool      `json:"dynamic_sources" msgpack:"dynamicSources"`
	CreatedAt      time.Time `json:"created_at" msgpack:"createdAt"`
	UpdatedAt      time.Time `json:"updated_at" msgpack:"updatedAt"`
}

// ConversationListResponse represents a page of conversations
type ConversationListResponse struct {
	Conversations []*ConversationResponse `json:"conversations" msgpack:"conversations"`
	Limit         int                     `json:"limit" msgpack:"limit"`
	Offset        int                     `json:"offset" msgpack:"offset"`
}

// FromModel converts a domain model to a response DTO
func (r *ConversationResponse) FromModel(conv *models.Conversation) *ConversationResponse {
	return &ConversationResponse{
		ID:             conv.ID,
		Title:          conv.Title,
		DynamicSources: conv.DynamicSources,
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}
}

// FromConversationModelList converts a list of domain models to response DTOs
func FromConversationModelList(convs []*models.Conversation) []*ConversationResponse {
	responses := make([]*ConversationResponse, len(convs))
	for i, conv := range convs {
		responses[i] = (&ConversationResponse{}).FromModel(conv)
	}
	return responses
}
