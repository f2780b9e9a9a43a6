// Package events defines the payloads the hub publishes to its gateway.
//
// The hub owns a single pubsub.Broker[Event]; the transport layer subscribes
// and forwards whatever subset it cares about to clients. Internal context
// messages never appear here.
package events

import "github.com/zjrosen/confab/internal/chat/message"

// Type identifies the kind of hub event.
type Type string

const (
	// MessageBroadcast carries a message ready for delivery to a room.
	MessageBroadcast Type = "message-broadcast"
	// AIGeneratingStart is emitted when an AI begins generating a response.
	AIGeneratingStart Type = "ai-generating-start"
	// AIGeneratingStop is emitted when an AI finishes or fails generating.
	AIGeneratingStop Type = "ai-generating-stop"
	// AIResponse is emitted when an AI produced a response.
	AIResponse Type = "ai-response"
	// AIError is emitted when a generation call failed.
	AIError Type = "ai-error"
	// AIsSleeping is emitted when the hub stops dispatching AI responses.
	AIsSleeping Type = "ais-sleeping"
	// AIsAwakened is emitted when a user message wakes the AIs.
	AIsAwakened Type = "ais-awakened"
	// TopicChanged is emitted after a topic-change message is broadcast.
	TopicChanged Type = "topic-changed"
	// BrokerOverflow is emitted when the broker queue is full and a message
	// was dropped.
	BrokerOverflow Type = "error"
	// MessageError is emitted when a ready-handler failed on a message; the
	// broker continues with the next one.
	MessageError Type = "message-error"
)

// Event is a single hub event. Only the fields relevant for the Type are set.
type Event struct {
	Type   Type
	RoomID string

	// Message is set for MessageBroadcast, BrokerOverflow and MessageError.
	Message *message.Message

	// AI generation fields.
	AIID           string
	AIName         string
	ResponseTimeMs int64

	// Err is set for AIError, BrokerOverflow and MessageError.
	Err error

	// Reason is set for AIsSleeping.
	Reason string

	// Topic change fields.
	NewTopic  string
	ChangedBy string
}
