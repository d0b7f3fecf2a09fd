package models

import (
	"time"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SequenceNumber int         `json:"sequence_number"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`

	// Assistant-only payloads. ThoughtProcess records the reasoning run
	// that produced the message; SuggestedPage carries a corpus-expansion
	// proposal; ScrapedPageDisplay is the UI string for a page added in
	// response to a previous suggestion.
	ThoughtProcess     *ThoughtProcess `json:"thought_process,omitempty"`
	SuggestedPage      *SuggestedPage  `json:"suggested_page,omitempty"`
	ScrapedPageDisplay string          `json:"scraped_page_display,omitempty"`

	// FollowsMessageID threads an "ask again with added page" run to the
	// assistant message that suggested the page.
	FollowsMessageID string `json:"follows_message_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func NewMessage(id, conversationID string, sequence int, role MessageRole, content string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SequenceNumber: sequence,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func NewUserMessage(id, conversationID string, sequence int, content string) *Message {
	return NewMessage(id, conversationID, sequence, MessageRoleUser, content)
}

func NewAssistantMessage(id, conversationID string, sequence int, content string) *Message {
	return NewMessage(id, conversationID, sequence, MessageRoleAssistant, content)
}

func (m *Message) IsFromUser() bool {
	return m.Role == MessageRoleUser
}

func (m *Message) IsFromAssistant() bool {
	return m.Role == MessageRoleAssistant
}

func (m *Message) SetThoughtProcess(tp *ThoughtProcess) {
	m.ThoughtProcess = tp
	m.UpdatedAt = time.Now().UTC()
}

func (m *Message) SetSuggestedPage(sp *SuggestedPage) {
	m.SuggestedPage = sp
	m.UpdatedAt = time.Now().UTC()
}

func (m *Message) ClearSuggestedPage() {
	m.SuggestedPage = nil
	m.UpdatedAt = time.Now().UTC()
}

func (m *Message) SetFollowsMessage(messageID string) {
	m.FollowsMessageID = messageID
	m.UpdatedAt = time.Now().UTC()
}
