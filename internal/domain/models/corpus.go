package models

import (
	"time"
)

// Source is a crawled site (domain + root URL) attached to a conversation.
type Source struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Domain         string    `json:"domain"`
	RootURL        string    `json:"root_url"`
	CreatedAt      time.Time `json:"created_at"`
}

type PageStatus string

const (
	PageStatusPending PageStatus = "pending"
	PageStatusIndexed PageStatus = "indexed"
	PageStatusFailed  PageStatus = "failed"
)

// Page is a crawled page belonging to one Source. Content is the full
// extracted text, used at finalization to locate quote context windows.
type Page struct {
	ID        string     `json:"id"`
	SourceID  string     `json:"source_id"`
	Title     string     `json:"title"`
	Path      string     `json:"path"`
	URL       string     `json:"url"`
	Status    PageStatus `json:"status"`
	Content   string     `json:"content,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (p *Page) IsIndexed() bool {
	return p.Status == PageStatusIndexed
}

// Chunk is an immutable text window of a Page with an embedding. Distance
// is attached only when the chunk was returned by a similarity query;
// when absent it defaults to 1 (the worst cosine-like distance).
type Chunk struct {
	ID           string  `json:"id"`
	PageID       string  `json:"page_id"`
	Content      string  `json:"content"`
	PageTitle    string  `json:"page_title,omitempty"`
	PagePath     string  `json:"page_path,omitempty"`
	SourceDomain string  `json:"source_domain,omitempty"`
	Distance     float64 `json:"distance"`
}

// DiscoveredLink is an outbound URL observed during crawl whose target is
// not (yet) an indexed Page.
type DiscoveredLink struct {
	ID         string  `json:"id"`
	SourceID   string  `json:"source_id"`
	FromPageID string  `json:"from_page_id,omitempty"`
	ToURL      string  `json:"to_url"`
	AnchorText string  `json:"anchor_text,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Distance   float64 `json:"distance"`
}

// SuggestedPage is the corpus-expansion proposal surfaced to the user when
// the engine decides the corpus lacks the evidence the question needs.
type SuggestedPage struct {
	URL           string `json:"url" msgpack:"url"`
	Title         string `json:"title" msgpack:"title"`
	Snippet       string `json:"snippet,omitempty" msgpack:"snippet,omitempty"`
	SourceID      string `json:"sourceId" msgpack:"sourceId"`
	FromPageTitle string `json:"fromPageTitle,omitempty" msgpack:"fromPageTitle,omitempty"`
}
