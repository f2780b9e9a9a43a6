// Package strategy decides how an AI about to generate should engage with
// the conversation: which conversational posture to take, whether to address
// someone directly, and the instruction snippet appended to its prompt.
//
// Selection is a pure function over the AI, the recent context tail, and a
// seedable random source, so tests can pin every outcome.
package strategy

import (
	"fmt"
	"math/rand"

	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/chat/registry"
	"github.com/zjrosen/confab/internal/log"
)

// RecentForStrategy is how many tail messages selection inspects.
const RecentForStrategy = 8

// PotentialMentionTargets caps how many recent distinct AIs are considered
// for a random mention target.
const PotentialMentionTargets = 3

// RandomMentionProbability is the chance of addressing a recent AI when
// nothing forces a target.
const RandomMentionProbability = 0.35

// Strategy tags the conversational posture of a response.
type Strategy string

const (
	AgreeExpand Strategy = "agree-expand"
	Challenge   Strategy = "challenge"
	Redirect    Strategy = "redirect"
	Question    Strategy = "question"
	Direct      Strategy = "direct"
)

// strategyOrder fixes iteration order for the weighted pick.
var strategyOrder = []Strategy{AgreeExpand, Challenge, Redirect, Question, Direct}

// baseWeights are the unadjusted selection weights.
var baseWeights = map[Strategy]float64{
	AgreeExpand: 0.30,
	Challenge:   0.25,
	Redirect:    0.15,
	Question:    0.20,
	Direct:      0.10,
}

// instructions are the fixed one-sentence prompt snippets per strategy.
var instructions = map[Strategy]string{
	AgreeExpand: "Agree with the previous point and expand on it with one new idea of your own.",
	Challenge:   "Respectfully challenge the previous point and offer a different perspective.",
	Redirect:    "Gently steer the conversation toward a related but fresh angle.",
	Question:    "Ask the group a thoughtful question that moves the discussion forward.",
	Direct:      "Respond directly and concisely to the last message.",
}

// TargetKind says who a mention suggestion points at.
type TargetKind int

const (
	// TargetNone means no mention is suggested.
	TargetNone TargetKind = iota
	// TargetUser points at the human who sent the last message.
	TargetUser
	// TargetAI points at another AI participant.
	TargetAI
)

// Input carries everything Select needs.
type Input struct {
	// AI is the participant about to generate.
	AI registry.AIRecord
	// Recent is the context tail, internal messages already filtered out.
	// Only the last RecentForStrategy entries are considered.
	Recent []message.ContextMessage
	// IsUserResponse is true when the trigger was a user message; false for
	// background rounds.
	IsUserResponse bool
	// Registry resolves mentioners and mention targets.
	Registry *registry.Registry
	// Rng drives the weighted pick and mention-target rolls.
	Rng *rand.Rand
}

// Decision is the selected strategy plus mention guidance.
type Decision struct {
	Type              Strategy
	ShouldMention     bool
	TargetKind        TargetKind
	TargetAI          registry.AIRecord
	TargetUser        string
	MentionsCurrentAI bool
	// Instruction is the snippet to append to the AI's prompt as an internal
	// system message.
	Instruction string
}

// Select chooses a strategy and mention target for one generation.
func Select(in Input) Decision {
	recent := in.Recent
	if len(recent) > RecentForStrategy {
		recent = recent[len(recent)-RecentForStrategy:]
	}

	var last message.ContextMessage
	hasLast := len(recent) > 0
	if hasLast {
		last = recent[len(recent)-1]
	}

	d := Decision{}
	d.MentionsCurrentAI = hasLast && last.MentionsAlias(in.AI.NormalizedAlias)

	if d.MentionsCurrentAI {
		d.Type = Direct
	} else {
		d.Type = weightedPick(adjustWeights(recent, in.IsUserResponse), in.Rng)
	}

	d.TargetKind, d.TargetAI, d.TargetUser = pickTarget(in, recent, d.MentionsCurrentAI)
	d.ShouldMention = d.TargetKind != TargetNone

	// A target that cannot be turned into a mention token is no target.
	if d.ShouldMention && MentionTokenFor(d) == "" {
		d.ShouldMention = false
		d.TargetKind = TargetNone
	}

	d.Instruction = instructionFor(in, d, last, hasLast)

	log.Debug(log.CatStrategy, "strategy selected",
		"ai", in.AI.ID,
		"strategy", d.Type,
		"mentioned", d.MentionsCurrentAI,
		"shouldMention", d.ShouldMention)
	return d
}

// adjustWeights applies the context-sensitive bumps to the base table.
func adjustWeights(recent []message.ContextMessage, isUserResponse bool) map[Strategy]float64 {
	weights := make(map[Strategy]float64, len(baseWeights))
	for s, w := range baseWeights {
		weights[s] = w
	}

	if len(recent) > 0 {
		last := recent[len(recent)-1]
		if last.SenderType == message.SenderAI && !isUserResponse {
			weights[Challenge] += 0.20
			weights[AgreeExpand] += 0.15
		}
	}

	aiCount := 0
	for _, m := range recent {
		if m.SenderType == message.SenderAI {
			aiCount++
		}
	}
	if aiCount >= 3 {
		weights[Redirect] += 0.10
		weights[Question] += 0.10
	}

	return weights
}

func weightedPick(weights map[Strategy]float64, rng *rand.Rand) Strategy {
	var total float64
	for _, s := range strategyOrder {
		total += weights[s]
	}

	r := rng.Float64() * total
	for _, s := range strategyOrder {
		r -= weights[s]
		if r < 0 {
			return s
		}
	}
	return strategyOrder[len(strategyOrder)-1]
}

func pickTarget(in Input, recent []message.ContextMessage, mentioned bool) (TargetKind, registry.AIRecord, string) {
	var last message.ContextMessage
	if len(recent) > 0 {
		last = recent[len(recent)-1]
	}

	// Answering a user directly beats everything else.
	if in.IsUserResponse && last.SenderType == message.SenderUser && last.Sender != "" {
		return TargetUser, registry.AIRecord{}, last.Sender
	}

	// Mentioned by another AI: address the mentioner.
	if mentioned && last.SenderType == message.SenderAI {
		if mentioner, ok := in.Registry.FindFromMessage(last.Message); ok && mentioner.ID != in.AI.ID {
			return TargetAI, mentioner, ""
		}
	}

	// Occasionally pull a recent voice back into the exchange.
	if in.Rng.Float64() < RandomMentionProbability {
		if candidates := recentAIs(in, recent); len(candidates) > 0 {
			return TargetAI, candidates[in.Rng.Intn(len(candidates))], ""
		}
	}

	return TargetNone, registry.AIRecord{}, ""
}

// recentAIs collects up to PotentialMentionTargets distinct AI senders from
// the tail, most recent first, excluding the generating AI itself.
func recentAIs(in Input, recent []message.ContextMessage) []registry.AIRecord {
	var out []registry.AIRecord
	seen := make(map[string]struct{})
	for i := len(recent) - 1; i >= 0 && len(out) < PotentialMentionTargets; i-- {
		m := recent[i]
		if m.SenderType != message.SenderAI {
			continue
		}
		rec, ok := in.Registry.FindFromMessage(m.Message)
		if !ok || rec.ID == in.AI.ID {
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// MentionTokenFor resolves the @token for a decision's target, or "" when
// none can be built.
func MentionTokenFor(d Decision) string {
	switch d.TargetKind {
	case TargetAI:
		return registry.MentionToken(d.TargetAI)
	case TargetUser:
		if norm := message.Normalize(d.TargetUser); norm != "" {
			return "@" + norm
		}
	}
	return ""
}

func instructionFor(in Input, d Decision, last message.ContextMessage, hasLast bool) string {
	if d.MentionsCurrentAI && hasLast {
		switch last.SenderType {
		case message.SenderAI:
			token := "another participant"
			if mentioner, ok := in.Registry.FindFromMessage(last.Message); ok {
				token = registry.MentionToken(mentioner)
			}
			return fmt.Sprintf("You were directly mentioned by %s. Respond specifically to their message.", token)
		case message.SenderUser:
			return "You were directly mentioned by the user. Respond to their message."
		}
	}
	return instructions[d.Type]
}
