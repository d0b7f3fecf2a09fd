package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/longregen/quarry/internal/adapters/http/dto"
	"github.com/longregen/quarry/internal/adapters/http/middleware"
	"github.com/longregen/quarry/internal/application/usecases"
	"github.com/longregen/quarry/internal/domain"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
)

const contentTypeNDJSON = "application/x-ndjson"

// AskHandler runs the reasoning engine over HTTP. Progress streams back
// as NDJSON, one event per line, and the same events are teed to the
// conversation's WebSocket subscribers.
type AskHandler struct {
	ask           ports.AskQuestionUseCase
	conversations *usecases.ManageConversation
	broadcaster   *EventsBroadcaster
}

func NewAskHandler(
	ask ports.AskQuestionUseCase,
	conversations *usecases.ManageConversation,
	broadcaster *EventsBroadcaster,
) *AskHandler {
	return &AskHandler{
		ask:           ask,
		conversations: conversations,
		broadcaster:   broadcaster,
	}
}

// Ask handles POST /api/v1/ask.
//
// Failures detected before the run starts (bad input, unknown
// conversation) produce a non-200 status whose body is still a single
// NDJSON error line. Once streaming begins the status is committed to
// 200 and any later failure arrives as an {"error"} line instead.
func (h *AskHandler) Ask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondAskError(w, http.StatusUnauthorized, "user identity missing")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024)
	var req dto.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAskError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ConversationID == "" {
		respondAskError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" && req.AppendToMessageID == "" {
		respondAskError(w, http.StatusBadRequest, "userMessage is required")
		return
	}
	if req.RootMessageID != "" && req.AppendToMessageID != "" {
		respondAskError(w, http.StatusBadRequest, "rootMessageId and appendToMessageId are mutually exclusive")
		return
	}

	// Ownership is checked before the stream opens so an unknown
	// conversation is a 404, not a mid-stream error line.
	if _, err := h.conversations.GetConversation(r.Context(), req.ConversationID, userID); err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			respondAskError(w, http.StatusNotFound, domain.ErrConversationNotFound.Error())
		} else {
			log.Printf("Ask: failed to load conversation %s: %v", req.ConversationID, err)
			respondAskError(w, http.StatusInternalServerError, "failed to load conversation")
		}
		return
	}

	input := &ports.AskQuestionInput{
		ConversationID:     req.ConversationID,
		UserID:             userID,
		UserMessage:        req.UserMessage,
		RootMessageID:      req.RootMessageID,
		AppendToMessageID:  req.AppendToMessageID,
		ScrapedPageDisplay: req.ScrapedPageDisplay,
	}

	// A plain question, with no explicit root and not an append, persists
	// the user message first and roots the run there.
	if req.RootMessageID == "" && req.AppendToMessageID == "" {
		message, err := h.conversations.CreateUserMessage(r.Context(), req.ConversationID, userID, req.UserMessage)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrEmptyContent):
				respondAskError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, domain.ErrConversationNotFound):
				respondAskError(w, http.StatusNotFound, err.Error())
			default:
				log.Printf("Ask: failed to persist user message in %s: %v", req.ConversationID, err)
				respondAskError(w, http.StatusInternalServerError, "failed to persist user message")
			}
			return
		}
		input.RootMessageID = message.ID
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondAskError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	input.Notifier = combineNotifiers(
		newNDJSONNotifier(w, flusher),
		h.broadcaster.NotifierFor(req.ConversationID),
	)

	if _, err := h.ask.Execute(r.Context(), input); err != nil {
		// The stream already carries the error line; keep the detail here.
		log.Printf("Ask run failed for conversation %s: %v", req.ConversationID, err)
	}
}

// respondAskError writes a non-200 status whose body is a single NDJSON
// error line, the same shape a mid-stream failure would produce.
func respondAskError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorLine{Error: message})
}

// NDJSON line shapes. The step line is the bare ThoughtStep object; every
// other event wraps its payload under a discriminating key.
type planLine struct {
	Plan *ports.PlanPayload `json:"plan"`
}

type thoughtProcessLine struct {
	ThoughtProcess *models.ThoughtProcess `json:"thoughtProcess"`
}

type clarifyLine struct {
	Clarify   bool     `json:"clarify"`
	Questions []string `json:"questions"`
}

type doneLine struct {
	Done bool `json:"done"`
	*ports.DonePayload
}

type errorLine struct {
	Error string `json:"error"`
}

// ndjsonNotifier streams reasoning events as NDJSON, flushing after every
// line so clients see progress while the run is still working. Writes
// after the client disconnects are dropped.
type ndjsonNotifier struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher http.Flusher
	failed  bool
}

func newNDJSONNotifier(w http.ResponseWriter, flusher http.Flusher) *ndjsonNotifier {
	return &ndjsonNotifier{
		enc:     json.NewEncoder(w),
		flusher: flusher,
	}
}

func (n *ndjsonNotifier) writeLine(line any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failed {
		return
	}
	if err := n.enc.Encode(line); err != nil {
		n.failed = true
		return
	}
	n.flusher.Flush()
}

func (n *ndjsonNotifier) NotifyPlan(plan *ports.PlanPayload) {
	n.writeLine(planLine{Plan: plan})
}

func (n *ndjsonNotifier) NotifyStep(step *models.ThoughtStep) {
	n.writeLine(step)
}

func (n *ndjsonNotifier) NotifyThoughtProcess(tp *models.ThoughtProcess) {
	n.writeLine(thoughtProcessLine{ThoughtProcess: tp})
}

func (n *ndjsonNotifier) NotifyClarify(questions []string) {
	n.writeLine(clarifyLine{Clarify: true, Questions: questions})
}

func (n *ndjsonNotifier) NotifyDone(done *ports.DonePayload) {
	n.writeLine(doneLine{Done: true, DonePayload: done})
}

func (n *ndjsonNotifier) NotifyError(message string) {
	n.writeLine(errorLine{Error: message})
}
