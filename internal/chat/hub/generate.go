package hub

import (
	"math/rand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/confab/internal/chat/events"
	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/chat/respond"
	"github.com/zjrosen/confab/internal/chat/strategy"
	"github.com/zjrosen/confab/internal/log"
	"github.com/zjrosen/confab/internal/pubsub"
	"github.com/zjrosen/confab/internal/tracing"
)

// runTask executes one queued generation. It is the dispatch callback of the
// response queue and always releases its concurrency slot.
func (o *Orchestrator) runTask(task respond.Task) {
	defer o.queue.OnComplete()

	if o.IsSleeping() {
		log.Debug(log.CatHub, "task dropped", "ai", task.AIID, "reason", "sleeping")
		return
	}
	rec, ok := o.registry.Get(task.AIID)
	if !ok || !rec.IsActive || rec.IsGenerating {
		log.Debug(log.CatHub, "task dropped", "ai", task.AIID, "reason", "not eligible")
		return
	}

	o.registry.SetGenerating(task.AIID, true)
	o.events.Publish(pubsub.CreatedEvent, events.Event{
		Type:   events.AIGeneratingStart,
		RoomID: task.RoomID,
		AIID:   rec.ID,
		AIName: rec.DisplayName,
	})
	defer o.events.Publish(pubsub.CreatedEvent, events.Event{
		Type:   events.AIGeneratingStop,
		RoomID: task.RoomID,
		AIID:   rec.ID,
		AIName: rec.DisplayName,
	})

	rng := o.taskRng()
	tail := o.store.Tail(o.aiContext)
	visible := withoutInternal(tail)

	decision := strategy.Select(strategy.Input{
		AI:             rec,
		Recent:         lastN(visible, strategy.RecentForStrategy),
		IsUserResponse: task.IsUserResponse,
		Registry:       o.registry,
		Rng:            rng,
	})

	genCtx, span := o.tracer.Start(o.ctx, tracing.SpanPrefixGenerate+rec.ProviderKey,
		trace.WithAttributes(
			attribute.String(tracing.AttrAIID, rec.ID),
			attribute.String(tracing.AttrProviderKey, rec.ProviderKey),
			attribute.String(tracing.AttrModelKey, rec.ModelKey),
			attribute.String(tracing.AttrRoomID, task.RoomID),
			attribute.String(tracing.AttrStrategy, string(decision.Type)),
			attribute.Bool(tracing.AttrMentioned, task.IsMentioned),
		))
	msgs := o.buildPrompt(rec, tail, decision, task.IsUserResponse)
	span.AddEvent(tracing.EventPromptBuilt)
	if o.verboseContext {
		for i, m := range msgs {
			log.Debug(log.CatHub, "prompt message", "ai", rec.ID, "idx", i, "role", m.Role, "content", m.Content)
		}
	}

	start := o.clock.Now()
	result, err := rec.Capability.Generate(genCtx, msgs)
	elapsed := o.clock.Now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err != nil {
		log.ErrorErr(log.CatHub, "generation failed", err, "ai", rec.ID)
		o.registry.SetGenerating(task.AIID, false)
		o.events.Publish(pubsub.CreatedEvent, events.Event{
			Type:           events.AIError,
			RoomID:         task.RoomID,
			AIID:           rec.ID,
			AIName:         rec.DisplayName,
			Err:            err,
			ResponseTimeMs: elapsed.Milliseconds(),
		})
		return
	}
	if result.ResponseTime > 0 {
		elapsed = result.ResponseTime
	}

	content := message.TruncateSentences(result.Content, MaxSentences)
	content = message.TruncateLength(content, MaxStreamedLength)
	if decision.ShouldMention {
		content = message.AddMention(content, strategy.MentionTokenFor(decision), rng)
	}
	content = message.LimitMentions(content, message.MaxUniqueMentions)

	aiMsg := message.Message{
		Sender:                   rec.DisplayName,
		SenderType:               message.SenderAI,
		Content:                  content,
		RoomID:                   task.RoomID,
		AIID:                     rec.ID,
		ProviderKey:              rec.ProviderKey,
		ModelKey:                 rec.ModelKey,
		Alias:                    rec.Alias,
		NormalizedAlias:          rec.NormalizedAlias,
		ResponseType:             string(decision.Type),
		InteractionStrategy:      string(decision.Type),
		MentionsTriggerMessageID: task.TriggerMessageID,
		MentionsTriggerSender:    task.TriggerSender,
	}
	if err := o.broker.Enqueue(aiMsg); err != nil {
		log.Warn(log.CatHub, "response dropped", "ai", rec.ID, "error", err)
	}

	o.events.Publish(pubsub.CreatedEvent, events.Event{
		Type:           events.AIResponse,
		RoomID:         task.RoomID,
		AIID:           rec.ID,
		AIName:         rec.DisplayName,
		ResponseTimeMs: elapsed.Milliseconds(),
	})
	o.registry.MarkResponded(task.AIID, o.clock.Now())
}

// taskRng derives an independent random source so concurrent generations
// never share the scheduler's. Deterministic under a seeded hub.
func (o *Orchestrator) taskRng() *rand.Rand {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return rand.New(rand.NewSource(o.rng.Int63()))
}

func withoutInternal(msgs []message.ContextMessage) []message.ContextMessage {
	out := make([]message.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsInternal {
			out = append(out, m)
		}
	}
	return out
}

func lastN(msgs []message.ContextMessage, n int) []message.ContextMessage {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
