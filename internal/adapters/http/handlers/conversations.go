package handlers

import (
	"net/http"
	"strings"

	"github.com/longregen/quarry/internal/adapters/http/dto"
	"github.com/longregen/quarry/internal/adapters/http/middleware"
	"github.com/longregen/quarry/internal/application/usecases"
)

const (
	MaxConversationTitleLength = 500
)

type ConversationsHandler struct {
	conversations *usecases.ManageConversation
}

func NewConversationsHandler(conversations *usecases.ManageConversation) *ConversationsHandler {
	return &ConversationsHandler{
		conversations: conversations,
	}
}

// Create starts a conversation. An empty title gets a timestamped default.
func (h *ConversationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "auth_error", "User ID not found in context", http.StatusUnauthorized)
		return
	}

	req, ok := decodeRequest[dto.CreateConversationRequest](r, w)
	if !ok {
		return
	}

	if len(strings.TrimSpace(req.Title)) > MaxConversationTitleLength {
		respondError(w, "validation_error", "Title exceeds maximum length of 500 characters", http.StatusBadRequest)
		return
	}

	output, err := h.conversations.StartConversation(r.Context(), &usecases.StartConversationInput{
		UserID:         userID,
		Title:          req.Title,
		DynamicSources: req.DynamicSources,
	})
	if err != nil {
		respondUsecaseError(w, err, "Failed to create conversation")
		return
	}

	response := (&dto.ConversationResponse{}).FromModel(output.Conversation)
	respondData(w, r, response, http.StatusCreated)
}

func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "auth_error", "User ID not found in context", http.StatusUnauthorized)
		return
	}

	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)

	conversations, err := h.conversations.ListConversations(r.Context(), userID, limit, offset)
	if err != nil {
		respondUsecaseError(w, err, "Failed to list conversations")
		return
	}

	response := &dto.ConversationListResponse{
		Conversations: dto.FromConversationModelList(conversations),
		Limit:         limit,
		Offset:        offset,
	}

	respondData(w, r, response, http.StatusOK)
}

func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "auth_error", "User ID not found in context", http.StatusUnauthorized)
		return
	}

	id, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	conversation, err := h.conversations.GetConversation(r.Context(), id, userID)
	if err != nil {
		respondUsecaseError(w, err, "Failed to retrieve conversation")
		return
	}

	response := (&dto.ConversationResponse{}).FromModel(conversation)
	respondData(w, r, response, http.StatusOK)
}

func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "auth_error", "User ID not found in context", http.StatusUnauthorized)
		return
	}

	id, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	if err := h.conversations.DeleteConversation(r.Context(), id, userID); err != nil {
		respondUsecaseError(w, err, "Failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
