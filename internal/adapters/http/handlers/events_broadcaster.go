package handlers

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/ports"
	"github.com/longregen/quarry/pkg/protocol"
	"github.com/vmihailenco/msgpack/v5"
)

const broadcastWriteTimeout = 10 * time.Second

// EventsBroadcaster fans reasoning events out to the WebSocket subscribers
// of each conversation, as msgpack-encoded protocol.Envelope binary frames.
// A subscriber whose write fails is dropped immediately; the reasoning run
// never blocks on a slow tail.
type EventsBroadcaster struct {
	connections map[string]map[*websocket.Conn]struct{}
	mu          sync.RWMutex
}

func NewEventsBroadcaster() *EventsBroadcaster {
	return &EventsBroadcaster{
		connections: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (b *EventsBroadcaster) Subscribe(conversationID string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connections[conversationID] == nil {
		b.connections[conversationID] = make(map[*websocket.Conn]struct{})
	}

	b.connections[conversationID][conn] = struct{}{}
	log.Printf("Event tail subscribed to conversation %s (total: %d)", conversationID, len(b.connections[conversationID]))
}

func (b *EventsBroadcaster) Unsubscribe(conversationID string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conns, ok := b.connections[conversationID]; ok {
		delete(conns, conn)
		log.Printf("Event tail unsubscribed from conversation %s (remaining: %d)", conversationID, len(conns))

		if len(conns) == 0 {
			delete(b.connections, conversationID)
		}
	}
}

func (b *EventsBroadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if conns, ok := b.connections[conversationID]; ok {
		return len(conns)
	}
	return 0
}

func (b *EventsBroadcaster) BroadcastPlan(conversationID string, plan *ports.PlanPayload) {
	b.publish(conversationID, protocol.EventPlan, plan)
}

func (b *EventsBroadcaster) BroadcastStep(conversationID string, step *models.ThoughtStep) {
	b.publish(conversationID, protocol.EventStep, step)
}

func (b *EventsBroadcaster) BroadcastThoughtProcess(conversationID string, tp *models.ThoughtProcess) {
	b.publish(conversationID, protocol.EventThoughtProcess, tp)
}

func (b *EventsBroadcaster) BroadcastClarify(conversationID string, questions []string) {
	b.publish(conversationID, protocol.EventClarify, protocol.ClarifyBody{Questions: questions})
}

func (b *EventsBroadcaster) BroadcastDone(conversationID string, done *ports.DonePayload) {
	b.publish(conversationID, protocol.EventDone, done)
}

func (b *EventsBroadcaster) BroadcastError(conversationID string, message string) {
	b.publish(conversationID, protocol.EventError, protocol.ErrorBody{Message: message})
}

func (b *EventsBroadcaster) publish(conversationID string, eventType protocol.EventType, body any) {
	// Skip the encode when nobody is tailing this conversation.
	if b.SubscriberCount(conversationID) == 0 {
		return
	}

	data, err := msgpack.Marshal(protocol.NewEnvelope(conversationID, eventType, body))
	if err != nil {
		log.Printf("Failed to encode %s event for conversation %s: %v", eventType, conversationID, err)
		return
	}

	b.broadcastBinary(conversationID, data)
}

func (b *EventsBroadcaster) broadcastBinary(conversationID string, data []byte) {
	b.mu.RLock()
	conns, ok := b.connections[conversationID]
	if !ok || len(conns) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*websocket.Conn, 0, len(conns))
	for conn := range conns {
		targets = append(targets, conn)
	}
	b.mu.RUnlock()

	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			log.Printf("Failed to push event to subscriber of %s: %v", conversationID, err)
			b.Unsubscribe(conversationID, conn)
		}
	}
}

// NotifierFor adapts the broadcaster into a per-run ReasoningNotifier so
// a run's progress can be teed to the conversation's live tail.
func (b *EventsBroadcaster) NotifierFor(conversationID string) ports.ReasoningNotifier {
	return &broadcastNotifier{broadcaster: b, conversationID: conversationID}
}

type broadcastNotifier struct {
	broadcaster    ports.ReasoningEventBroadcaster
	conversationID string
}

func (n *broadcastNotifier) NotifyPlan(plan *ports.PlanPayload) {
	n.broadcaster.BroadcastPlan(n.conversationID, plan)
}

func (n *broadcastNotifier) NotifyStep(step *models.ThoughtStep) {
	n.broadcaster.BroadcastStep(n.conversationID, step)
}

func (n *broadcastNotifier) NotifyThoughtProcess(tp *models.ThoughtProcess) {
	n.broadcaster.BroadcastThoughtProcess(n.conversationID, tp)
}

func (n *broadcastNotifier) NotifyClarify(questions []string) {
	n.broadcaster.BroadcastClarify(n.conversationID, questions)
}

func (n *broadcastNotifier) NotifyDone(done *ports.DonePayload) {
	n.broadcaster.BroadcastDone(n.conversationID, done)
}

func (n *broadcastNotifier) NotifyError(message string) {
	n.broadcaster.BroadcastError(n.conversationID, message)
}

// fanoutNotifier replays every event to each target in order.
type fanoutNotifier struct {
	targets []ports.ReasoningNotifier
}

// combineNotifiers merges notifiers into one; nil targets are skipped.
func combineNotifiers(targets ...ports.ReasoningNotifier) ports.ReasoningNotifier {
	kept := make([]ports.ReasoningNotifier, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &fanoutNotifier{targets: kept}
}

func (f *fanoutNotifier) NotifyPlan(plan *ports.PlanPayload) {
	for _, t := range f.targets {
		t.NotifyPlan(plan)
	}
}

func (f *fanoutNotifier) NotifyStep(step *models.ThoughtStep) {
	for _, t := range f.targets {
		t.NotifyStep(step)
	}
}

func (f *fanoutNotifier) NotifyThoughtProcess(tp *models.ThoughtProcess) {
	for _, t := range f.targets {
		t.NotifyThoughtProcess(tp)
	}
}

func (f *fanoutNotifier) NotifyClarify(questions []string) {
	for _, t := range f.targets {
		t.NotifyClarify(questions)
	}
}

func (f *fanoutNotifier) NotifyDone(done *ports.DonePayload) {
	for _, t := range f.targets {
		t.NotifyDone(done)
	}
}

func (f *fanoutNotifier) NotifyError(message string) {
	for _, t := range f.targets {
		t.NotifyError(message)
	}
}
