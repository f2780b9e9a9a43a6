package hub

import (
	"fmt"
	"strings"

	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/chat/registry"
	"github.com/zjrosen/confab/internal/chat/strategy"
	"github.com/zjrosen/confab/internal/provider"
)

// RecentForPrompt is how many recent speakers the system prompt names.
const RecentForPrompt = 5

const (
	userResponseIntro = "You are %s, one participant in a lively group chat with humans and other AIs. A person just spoke; reply as yourself."
	backgroundIntro   = "You are %s, one participant in a lively group chat with humans and other AIs. The humans are quiet right now; keep the conversation going naturally."
)

// promptGuidelines is the fixed guideline block included in every system
// prompt.
const promptGuidelines = `Guidelines:
- Stay in character and speak with your own voice.
- Keep responses short and conversational, like a chat message.
- React to what was actually said; do not summarize the conversation.
- Never speak for other participants or invent their messages.
- Do not prefix your reply with your own name.
- Use @name only when addressing someone directly.`

const promptClosing = "Write your next chat message now."

// buildPrompt assembles the full message list for one generation: system
// prompt, conversation context, and the strategy instruction.
func (o *Orchestrator) buildPrompt(rec registry.AIRecord, tail []message.ContextMessage, decision strategy.Decision, isUserResponse bool) []provider.ChatMessage {
	msgs := make([]provider.ChatMessage, 0, len(tail)+2)
	msgs = append(msgs, provider.ChatMessage{
		Role:    provider.RoleSystem,
		Content: o.buildSystemPrompt(rec, tail, isUserResponse),
	})

	for _, cm := range tail {
		msgs = append(msgs, contextToChat(rec, cm))
	}

	msgs = append(msgs, provider.ChatMessage{
		Role:    provider.RoleSystem,
		Content: decision.Instruction,
	})
	return msgs
}

// buildSystemPrompt renders the per-AI system prompt: introduction,
// guideline block, the other participants, recent speakers, closing, and an
// optional persona.
func (o *Orchestrator) buildSystemPrompt(rec registry.AIRecord, tail []message.ContextMessage, isUserResponse bool) string {
	var b strings.Builder

	intro := backgroundIntro
	if isUserResponse {
		intro = userResponseIntro
	}
	fmt.Fprintf(&b, intro, rec.DisplayName)
	b.WriteString("\n\n")
	b.WriteString(promptGuidelines)

	if others := otherNames(o.registry, rec); len(others) > 0 {
		b.WriteString("\n\nOther AI participants: ")
		b.WriteString(strings.Join(others, ", "))
		b.WriteString(".")
	}

	if speakers := recentSpeakers(tail, RecentForPrompt); len(speakers) > 0 {
		b.WriteString("\nRecently active: ")
		b.WriteString(strings.Join(speakers, ", "))
		b.WriteString(".")
	}

	b.WriteString("\n\n")
	b.WriteString(promptClosing)

	if o.enablePersonas && rec.Persona != "" {
		b.WriteString("\n\nYour persona: ")
		b.WriteString(rec.Persona)
	}
	return b.String()
}

// contextToChat maps a stored message onto a chat role for the generating
// AI: its own messages come back as assistant turns, everything else as
// attributed user turns, internal instructions as system turns.
func contextToChat(rec registry.AIRecord, cm message.ContextMessage) provider.ChatMessage {
	if cm.IsInternal || cm.SenderType == message.SenderSystem {
		return provider.ChatMessage{Role: provider.RoleSystem, Content: cm.Content}
	}
	if cm.SenderType == message.SenderAI && cm.AIID == rec.ID {
		return provider.ChatMessage{Role: provider.RoleAssistant, Content: cm.Content}
	}
	return provider.ChatMessage{
		Role:    provider.RoleUser,
		Content: fmt.Sprintf("%s: %s", cm.Sender, cm.Content),
	}
}

func otherNames(reg *registry.Registry, rec registry.AIRecord) []string {
	var out []string
	for _, other := range reg.Active() {
		if other.ID == rec.ID {
			continue
		}
		out = append(out, other.DisplayName)
	}
	return out
}

// recentSpeakers lists distinct visible senders from the tail, most recent
// first, capped at n.
func recentSpeakers(tail []message.ContextMessage, n int) []string {
	var out []string
	seen := make(map[string]struct{})
	for i := len(tail) - 1; i >= 0 && len(out) < n; i-- {
		cm := tail[i]
		if cm.IsInternal || cm.Sender == "" {
			continue
		}
		if _, dup := seen[cm.Sender]; dup {
			continue
		}
		seen[cm.Sender] = struct{}{}
		out = append(out, cm.Sender)
	}
	return out
}
