package models

import (
	"time"
)

// Conversation represents a dialogue over a curated corpus of crawled sources
type Conversation struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`

	// DynamicSources enables corpus expansion: the engine may suggest
	// not-yet-indexed pages discovered during crawling.
	DynamicSources bool `json:"dynamic_sources"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func NewConversation(id, userID, title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        id,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *Conversation) IsDeleted() bool {
	return c.DeletedAt != nil
}

// MarkAsDeleted soft-deletes the conversation
func (c *Conversation) MarkAsDeleted() {
	now := time.Now().UTC()
	c.DeletedAt = &now
	c.UpdatedAt = now
}

// EnableDynamicSources turns on corpus-expansion suggestions
func (c *Conversation) EnableDynamicSources() {
	c.DynamicSources = true
	c.UpdatedAt = time.Now().UTC()
}
