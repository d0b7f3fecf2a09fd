// Package protocol defines the wire envelope for the live reasoning
// event tail. Envelopes are serialized using MessagePack and pushed to
// WebSocket subscribers as binary frames, one envelope per event.
package protocol

// EventType names one reasoning progress event kind. The values mirror
// the keys of the NDJSON stream so a client can share handling between
// the two transports.
type EventType string

const (
	EventPlan           EventType = "plan"
	EventStep           EventType = "step"
	EventThoughtProcess EventType = "thoughtProcess"
	EventClarify        EventType = "clarify"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Envelope wraps one reasoning event with the conversation it belongs
// to, for routing on multiplexed client connections.
type Envelope struct {
	ConversationID string    `msgpack:"conversationId" json:"conversationId"`
	Type           EventType `msgpack:"type" json:"type"`
	Body           any       `msgpack:"body" json:"body"`
}

func NewEnvelope(conversationID string, eventType EventType, body any) *Envelope {
	return &Envelope{
		ConversationID: conversationID,
		Type:           eventType,
		Body:           body,
	}
}

// ClarifyBody is the payload of a clarify envelope.
type ClarifyBody struct {
	Questions []string `msgpack:"questions" json:"questions"`
}

// ErrorBody is the payload of an error envelope.
type ErrorBody struct {
	Message string `msgpack:"message" json:"message"`
}
