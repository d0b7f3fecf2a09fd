package models

import (
	"time"
)

// Quote is the citation artifact the UI renders. Quotes are created only at
// final-answer time, one per chunk actually cited, and CitationOrder matches
// the 1-based [n] markers in the assistant message content.
type Quote struct {
	ID            string    `json:"id"`
	MessageID     string    `json:"message_id"`
	PageID        string    `json:"page_id"`
	ChunkID       string    `json:"chunk_id"`
	Snippet       string    `json:"snippet"`
	PageTitle     string    `json:"page_title,omitempty"`
	PagePath      string    `json:"page_path,omitempty"`
	Domain        string    `json:"domain,omitempty"`
	PageURL       string    `json:"page_url,omitempty"`
	ContextBefore string    `json:"context_before,omitempty"`
	ContextAfter  string    `json:"context_after,omitempty"`
	CitationOrder int       `json:"citation_order"`
	CreatedAt     time.Time `json:"created_at"`
}

func NewQuote(id, messageID, pageID, chunkID, snippet string, citationOrder int) *Quote {
	return &Quote{
		ID:            id,
		MessageID:     messageID,
		PageID:        pageID,
		ChunkID:       chunkID,
		Snippet:       snippet,
		CitationOrder: citationOrder,
		CreatedAt:     time.Now().UTC(),
	}
}
