package usecases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/longregen/quarry/internal/adapters/metrics"
	"github.com/longregen/quarry/internal/domain"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

type StartConversationInput struct {
	UserID         string
	Title          string
	DynamicSources bool
}

type StartConversationOutput struct {
	Conversation *models.Conversation
}

// ManageConversation covers the conversation lifecycle around the reasoning
// engine: creation, listing, deletion, and reading back messages and quotes.
// Every operation is scoped to the requesting user.
type ManageConversation struct {
	conversationRepo ports.ConversationRepository
	messageRepo      ports.MessageRepository
	quoteRepo        ports.QuoteRepository
	idGenerator      ports.IDGenerator
}

func NewManageConversation(
	conversationRepo ports.ConversationRepository,
	messageRepo ports.MessageRepository,
	quoteRepo ports.QuoteRepository,
	idGenerator ports.IDGenerator,
) *ManageConversation {
	return &ManageConversation{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		quoteRepo:        quoteRepo,
		idGenerator:      idGenerator,
	}
}

func (uc *ManageConversation) StartConversation(ctx context.Context, input *StartConversationInput) (*StartConversationOutput, error) {
	if input.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrUnauthorized)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = fmt.Sprintf("Conversation %s", time.Now().UTC().Format("2006-01-02 15:04"))
	}

	conversation := models.NewConversation(uc.idGenerator.GenerateConversationID(), input.UserID, title)
	if input.DynamicSources {
		conversation.EnableDynamicSources()
	}

	if err := uc.conversationRepo.Create(ctx, conversation); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	metrics.ConversationsActive.Inc()

	return &StartConversationOutput{Conversation: conversation}, nil
}

func (uc *ManageConversation) GetConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conversation, err := uc.conversationRepo.GetByIDAndUserID(ctx, conversationID, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conversation, nil
}

func (uc *ManageConversation) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	conversations, err := uc.conversationRepo.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

func (uc *ManageConversation) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	conversation, err := uc.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if err := uc.conversationRepo.Delete(ctx, conversation.ID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	metrics.ConversationsActive.Dec()
	return nil
}

// ListMessages returns the full message history of a conversation in
// sequence order.
func (uc *ManageConversation) ListMessages(ctx context.Context, conversationID, userID string) ([]*models.Message, error) {
	if _, err := uc.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	messages, err := uc.messageRepo.GetByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// GetMessageQuotes returns the citation quotes of an assistant message,
// in citation order.
func (uc *ManageConversation) GetMessageQuotes(ctx context.Context, messageID, userID string) ([]*models.Quote, error) {
	message, err := uc.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if _, err := uc.GetConversation(ctx, message.ConversationID, userID); err != nil {
		return nil, domain.ErrMessageNotFound
	}
	quotes, err := uc.quoteRepo.GetByMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get quotes: %w", err)
	}
	return quotes, nil
}

// CreateUserMessage persists a user question as the root message of a
// reasoning run. Callers that do not already hold a root message id (the
// CLI, or API clients without one) use this before asking.
func (uc *ManageConversation) CreateUserMessage(ctx context.Context, conversationID, userID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is empty", domain.ErrEmptyContent)
	}
	if _, err := uc.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	sequence, err := uc.messageRepo.GetNextSequenceNumber(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence number: %w", err)
	}
	message := models.NewUserMessage(uc.idGenerator.GenerateMessageID(), conversationID, sequence, content)
	if err := uc.messageRepo.Create(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	metrics.MessagesTotal.Inc()
	return message, nil
}
