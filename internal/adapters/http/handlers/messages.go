package handlers

import (
	"net/http"

	"github.com/longregen/quarry/internal/adapters/http/dto"
	"github.com/longregen/quarry/internal/adapters/http/middleware"
	"github.com/longregen/quarry/internal/application/usecases"
)

type MessagesHandler struct {
	conversations *usecases.ManageConversation
}

func NewMessagesHandler(conversations *usecases.ManageConversation) *MessagesHandler {
	return &MessagesHandler{
		conversations: conversations,
	}
}

// List returns a conversation's messages in sequence order.
func (h *MessagesHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "auth_error", "User ID not found in context", http.StatusUnauthorized)
		return
	}

	conversationID, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	messages, err := h.conversations.ListMessages(r.Context(), conversationID, userID)
	if err != nil {
		respondUsecaseError(w, err, "Failed to list messages")
		return
	}

	response := &dto.MessageListResponse{
		Messages: dto.FromMessageModelList(messages),
		Total:    len(messages),
	}

	respondData(w, r, response, http.StatusOK)
}

// GetQuotes returns the citations of an assistant message in citation
// order. A message the caller does not own reads as missing.
func (h *MessagesHandler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "auth_error", "User ID not found in context", http.StatusUnauthorized)
		return
	}

	messageID, ok := validateURLParam(r, w, "id", "Message ID")
	if !ok {
		return
	}

	quotes, err := h.conversations.GetMessageQuotes(r.Context(), messageID, userID)
	if err != nil {
		respondUsecaseError(w, err, "Failed to retrieve quotes")
		return
	}

	response := &dto.QuoteListResponse{
		Quotes: dto.FromQuoteModelList(quotes),
		Total:  len(quotes),
	}

	respondData(w, r, response, http.StatusOK)
}
