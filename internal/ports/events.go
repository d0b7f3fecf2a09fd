package ports

import (
	"context"
	"time"

	"github.com/longregen/quarry/internal/domain/models"
)

// PlanSubqueryOut is a planned retrieval query as surfaced to the caller.
// The progress payloads carry explicit msgpack tags because they travel
// both as NDJSON lines and as msgpack WS frames.
type PlanSubqueryOut struct {
	Slot     string `json:"slot" msgpack:"slot"`
	Query    string `json:"query" msgpack:"query"`
	Strategy string `json:"strategy" msgpack:"strategy"`
}

// PlanPayload is the body of the plan progress line.
type PlanPayload struct {
	Action     string               `json:"action" msgpack:"action"`
	Why        string               `json:"why,omitempty" msgpack:"why,omitempty"`
	Slots      []models.ThoughtSlot `json:"slots" msgpack:"slots"`
	Subqueries []PlanSubqueryOut    `json:"subqueries" msgpack:"subqueries"`
}

// QuoteOut is the UI-facing rendering of a persisted quote.
type QuoteOut struct {
	ID            string `json:"id" msgpack:"id"`
	SourceID      string `json:"sourceId,omitempty" msgpack:"sourceId,omitempty"`
	PageID        string `json:"pageId" msgpack:"pageId"`
	Snippet       string `json:"snippet" msgpack:"snippet"`
	PageTitle     string `json:"pageTitle,omitempty" msgpack:"pageTitle,omitempty"`
	PagePath      string `json:"pagePath,omitempty" msgpack:"pagePath,omitempty"`
	Domain        string `json:"domain,omitempty" msgpack:"domain,omitempty"`
	PageURL       string `json:"pageUrl,omitempty" msgpack:"pageUrl,omitempty"`
	ContextBefore string `json:"contextBefore,omitempty" msgpack:"contextBefore,omitempty"`
	ContextAfter  string `json:"contextAfter,omitempty" msgpack:"contextAfter,omitempty"`
}

// MessageOut is the UI-facing rendering of a persisted message.
type MessageOut struct {
	ID                 string                 `json:"id" msgpack:"id"`
	ConversationID     string                 `json:"conversationId" msgpack:"conversationId"`
	Role               string                 `json:"role" msgpack:"role"`
	Content            string                 `json:"content" msgpack:"content"`
	ThoughtProcess     *models.ThoughtProcess `json:"thoughtProcess,omitempty" msgpack:"thoughtProcess,omitempty"`
	SuggestedPage      *models.SuggestedPage  `json:"suggestedPage,omitempty" msgpack:"suggestedPage,omitempty"`
	ScrapedPageDisplay string                 `json:"scrapedPageDisplay,omitempty" msgpack:"scrapedPageDisplay,omitempty"`
	FollowsMessageID   string                 `json:"followsMessageId,omitempty" msgpack:"followsMessageId,omitempty"`
	CreatedAt          time.Time              `json:"createdAt" msgpack:"createdAt"`
}

// DonePayload is the body of the terminal done line.
type DonePayload struct {
	Message        *MessageOut            `json:"message" msgpack:"message"`
	Quotes         []QuoteOut             `json:"quotes" msgpack:"quotes"`
	SuggestedPage  *models.SuggestedPage  `json:"suggestedPage,omitempty" msgpack:"suggestedPage,omitempty"`
	SuggestedTitle string                 `json:"suggestedTitle,omitempty" msgpack:"suggestedTitle,omitempty"`
	ThoughtProcess *models.ThoughtProcess `json:"thoughtProcess,omitempty" msgpack:"thoughtProcess,omitempty"`
}

// ReasoningNotifier receives append-only progress events while a reasoning
// run executes. Emission order is the stream order; implementations must
// not reorder. All methods are fire-and-forget.
type ReasoningNotifier interface {
	// NotifyPlan is called once after planning succeeds.
	NotifyPlan(plan *PlanPayload)

	// NotifyStep is called after each loop iteration with the step line.
	NotifyStep(step *models.ThoughtStep)

	// NotifyThoughtProcess is called whenever the accumulated thought
	// process grows; the payload always contains all steps so far.
	NotifyThoughtProcess(tp *models.ThoughtProcess)

	// NotifyClarify is called when the run terminates by asking the user.
	NotifyClarify(questions []string)

	// NotifyDone is called exactly once on every non-error termination.
	NotifyDone(done *DonePayload)

	// NotifyError is called on fatal paths; it is the terminal event.
	NotifyError(message string)
}

// ReasoningEventBroadcaster fans reasoning events out to live subscribers
// (the WebSocket tail), keyed by conversation.
type ReasoningEventBroadcaster interface {
	BroadcastPlan(conversationID string, plan *PlanPayload)
	BroadcastStep(conversationID string, step *models.ThoughtStep)
	BroadcastThoughtProcess(conversationID string, tp *models.ThoughtProcess)
	BroadcastClarify(conversationID string, questions []string)
	BroadcastDone(conversationID string, done *DonePayload)
	BroadcastError(conversationID string, message string)
}

// AskQuestionInput carries one user question into the reasoning engine.
type AskQuestionInput struct {
	ConversationID     string
	UserID             string
	UserMessage        string
	RootMessageID      string
	AppendToMessageID  string
	ScrapedPageDisplay string

	// Notifier receives progress events; it may be nil for callers that
	// only need the terminal output.
	Notifier ReasoningNotifier
}

// AskQuestionOutput is the terminal result of a reasoning run.
type AskQuestionOutput struct {
	Message        *models.Message
	Quotes         []*models.Quote
	SuggestedPage  *models.SuggestedPage
	ThoughtProcess *models.ThoughtProcess
	Clarify        []string
}

// AskQuestionUseCase runs the full evidence-first reasoning pipeline for
// one question.
type AskQuestionUseCase interface {
	Execute(ctx context.Context, input *AskQuestionInput) (*AskQuestionOutput, error)
}
