package tracing

// Span attribute keys for chat-hub tracing.
const (
	// Message attributes
	AttrMessageID     = "message.id"
	AttrMessageSender = "message.sender"
	AttrSenderType    = "message.sender_type"
	AttrRoomID        = "room.id"
	AttrPriority      = "message.priority"

	// AI attributes
	AttrAIID        = "ai.id"
	AttrProviderKey = "ai.provider"
	AttrModelKey    = "ai.model"
	AttrStrategy    = "ai.strategy"
	AttrMentioned   = "ai.mentioned"

	// Scheduling attributes
	AttrResponderCount = "schedule.responder_count"
	AttrUserResponse   = "schedule.user_response"
	AttrDelayMs        = "schedule.delay_ms"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixBroker   = "broker."
	SpanPrefixSchedule = "schedule."
	SpanPrefixGenerate = "generate."
)

// Event names for span events.
const (
	EventMessageDelivered = "message.delivered"
	EventResponderPicked  = "responder.picked"
	EventPromptBuilt      = "prompt.built"
)
