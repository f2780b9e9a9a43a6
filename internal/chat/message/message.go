// Package message defines the chat message model shared by the hub core.
//
// A Message is immutable once enqueued with the broker. The broker assigns
// missing IDs, timestamps, and priorities at enqueue time; everything after
// that treats the value as read-only.
package message

import (
	"time"
)

// SenderType tags who produced a message.
type SenderType string

const (
	// SenderUser marks a message typed by a human.
	SenderUser SenderType = "user"
	// SenderAI marks a message generated by an AI participant.
	SenderAI SenderType = "ai"
	// SenderSystem marks hub-originated messages such as topic changes.
	SenderSystem SenderType = "system"
)

// Default broker priorities by sender type. Higher delivers earlier.
const (
	// PriorityUser is the default priority for user messages.
	PriorityUser = 1000
	// PriorityAI is the default priority for AI responses.
	PriorityAI = 0
	// PrioritySystem is the priority for system messages (topic changes).
	PrioritySystem = 1000
)

// DefaultRoom is the room used when none is specified and the room the
// background conversation loop ticks.
const DefaultRoom = "default"

// Message is a single chat message. A zero Priority on a user or system
// message means "unset"; the broker substitutes the sender-type default.
type Message struct {
	ID         string
	Sender     string
	SenderType SenderType
	Content    string
	RoomID     string
	Timestamp  time.Time
	Priority   int

	// Provenance for AI senders.
	AIID        string
	ProviderKey string
	ModelKey    string

	// Alias carries the sender's @handle for AI messages; NormalizedAlias is
	// its canonical lookup form.
	Alias           string
	NormalizedAlias string

	// Mentions holds raw @tokens in order of appearance, deduplicated by
	// normalized form. MentionsNormalized holds the normalized forms, empties
	// removed, same order.
	Mentions           []string
	MentionsNormalized []string

	// SuppressAIResponses prevents the hub from scheduling replies to this
	// user message.
	SuppressAIResponses bool

	// IsInternalResponder marks messages produced by internal assistants so
	// they do not trigger secondary scheduling.
	IsInternalResponder bool

	// ResponseType and InteractionStrategy tag AI responses with the strategy
	// that produced them.
	ResponseType        string
	InteractionStrategy string

	// Provenance for mention-induced replies.
	MentionsTriggerMessageID string
	MentionsTriggerSender    string
}

// DefaultPriority returns the broker priority for a sender type.
func (s SenderType) DefaultPriority() int {
	switch s {
	case SenderAI:
		return PriorityAI
	case SenderSystem:
		return PrioritySystem
	default:
		return PriorityUser
	}
}

// IndexMentions populates Mentions and MentionsNormalized from Content.
// Existing values are replaced.
func (m *Message) IndexMentions() {
	m.Mentions = ExtractMentions(m.Content)
	m.MentionsNormalized = m.MentionsNormalized[:0]
	for _, token := range m.Mentions {
		if norm := Normalize(token); norm != "" {
			m.MentionsNormalized = append(m.MentionsNormalized, norm)
		}
	}
}

// MentionsAlias reports whether the message mentions the given normalized
// alias.
func (m *Message) MentionsAlias(normalizedAlias string) bool {
	if normalizedAlias == "" {
		return false
	}
	for _, norm := range m.MentionsNormalized {
		if norm == normalizedAlias {
			return true
		}
	}
	return false
}

// ContextMessage is a Message plus visibility control. Internal messages
// (strategy instructions, system prompts) reach AI prompts but are never
// broadcast to clients.
type ContextMessage struct {
	Message
	IsInternal bool
}

// NewContext wraps a message for storage in the context store.
func NewContext(m Message) ContextMessage {
	return ContextMessage{Message: m}
}

// NewInternal builds a hidden system-role context message, used for strategy
// instructions injected ahead of a generation call.
func NewInternal(roomID, content string) ContextMessage {
	return ContextMessage{
		Message: Message{
			Sender:     "system",
			SenderType: SenderSystem,
			Content:    content,
			RoomID:     roomID,
			Timestamp:  time.Now(),
		},
		IsInternal: true,
	}
}
