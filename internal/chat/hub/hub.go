// Package hub wires the chat core together. The Orchestrator owns the
// message broker, the context store, the AI registry, and the response
// queue; it turns inbound messages into scheduled AI generations and
// outbound broadcasts, runs the background conversation ticker, and holds
// the sleep/wake state machine that caps AI chatter.
package hub

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/zjrosen/confab/internal/chat/broker"
	"github.com/zjrosen/confab/internal/chat/events"
	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/chat/registry"
	"github.com/zjrosen/confab/internal/chat/respond"
	"github.com/zjrosen/confab/internal/chat/store"
	"github.com/zjrosen/confab/internal/log"
	"github.com/zjrosen/confab/internal/pubsub"
	"github.com/zjrosen/confab/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// MaxAIMessages is how many AI messages may broadcast before the hub
	// falls asleep. Any user message wakes it again.
	MaxAIMessages = 10
	// AIContext is how many tail messages each generation sees.
	AIContext = 50
	// MaxSentences bounds a generated response before broadcast.
	MaxSentences = 15
	// MaxStreamedLength bounds a generated response in runes.
	MaxStreamedLength = 1000
	// SilenceTimeout stops background rounds once the room has been quiet
	// this long.
	SilenceTimeout = 120 * time.Second
	// SleepRetry is the background ticker interval while asleep or empty.
	SleepRetry = 30 * time.Second
)

// Responder-count fractions per trigger kind.
const (
	userResponderFraction       = 0.30
	backgroundResponderFraction = 0.25
)

// HistoryWriter persists broadcast messages. Failures are logged, never
// propagated.
type HistoryWriter interface {
	Record(ctx context.Context, m message.Message) error
}

// Config holds configuration for creating an Orchestrator.
type Config struct {
	// Store is the bounded context log. Required.
	Store *store.ContextStore
	// Broker serializes message delivery. Required.
	Broker *broker.MessageBroker
	// Registry holds the AI fleet. Required.
	Registry *registry.Registry
	// Events receives outbound hub events. Required.
	Events *pubsub.Broker[events.Event]
	// History, when non-nil, records every broadcast message.
	History HistoryWriter
	// Clock provides time operations. Defaults to respond.RealClock if nil.
	Clock respond.Clock
	// Rng seeds scheduling and strategy randomness. Defaults to a
	// time-seeded source if nil.
	Rng *rand.Rand
	// MaxConcurrent overrides the response queue's concurrency cap.
	MaxConcurrent int
	// MaxAIMessages overrides the sleep cap. Zero means MaxAIMessages.
	MaxAIMessages int
	// AIContext overrides how many tail messages each generation sees.
	// Zero means AIContext.
	AIContext int
	// SilenceTimeout overrides how long a quiet room keeps background
	// rounds alive. Zero means SilenceTimeout.
	SilenceTimeout time.Duration
	// SleepRetry overrides the ticker interval while asleep or empty.
	// Zero means SleepRetry.
	SleepRetry time.Duration
	// Delays overrides the response delay bounds. Zero fields fall back
	// to the respond package defaults.
	Delays respond.Delays
	// EnablePersonas includes persona blocks in system prompts.
	EnablePersonas bool
	// VerboseContextLogging logs the full prompt context per generation.
	VerboseContextLogging bool
	// Tracer records scheduling and generation spans. Defaults to a no-op
	// tracer if nil.
	Tracer trace.Tracer
}

// Orchestrator coordinates the chat core for all rooms.
type Orchestrator struct {
	store    *store.ContextStore
	broker   *broker.MessageBroker
	registry *registry.Registry
	events   *pubsub.Broker[events.Event]
	history  HistoryWriter
	queue    *respond.Queue
	clock    respond.Clock
	tracer   trace.Tracer

	enablePersonas bool
	verboseContext bool

	maxAIMessages  int
	aiContext      int
	silenceTimeout time.Duration
	sleepRetry     time.Duration
	delays         respond.Delays

	rngMu sync.Mutex
	rng   *rand.Rand

	mu                sync.Mutex
	sleeping          bool
	aiMessageCount    int
	lastAIMessageTime time.Time
	allowed           map[string]map[string]struct{}
	bgTimer           respond.Timer
	closed            bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Orchestrator from cfg. Call Start before use.
func New(cfg Config) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = respond.RealClock{}
	}
	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("hub")
	}

	o := &Orchestrator{
		store:          cfg.Store,
		broker:         cfg.Broker,
		registry:       cfg.Registry,
		events:         cfg.Events,
		history:        cfg.History,
		clock:          clock,
		rng:            rng,
		tracer:         tracer,
		enablePersonas: cfg.EnablePersonas,
		verboseContext: cfg.VerboseContextLogging,
		maxAIMessages:  cfg.MaxAIMessages,
		aiContext:      cfg.AIContext,
		silenceTimeout: cfg.SilenceTimeout,
		sleepRetry:     cfg.SleepRetry,
		delays:         cfg.Delays.WithDefaults(),
		allowed:        make(map[string]map[string]struct{}),
	}
	if o.maxAIMessages <= 0 {
		o.maxAIMessages = MaxAIMessages
	}
	if o.aiContext <= 0 {
		o.aiContext = AIContext
	}
	if o.silenceTimeout <= 0 {
		o.silenceTimeout = SilenceTimeout
	}
	if o.sleepRetry <= 0 {
		o.sleepRetry = SleepRetry
	}
	o.queue = respond.New(respond.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Clock:         clock,
		IsSleeping:    o.IsSleeping,
		Dispatch:      o.runTask,
	})
	return o
}

// Start hooks the broker loop to the hub and arms the background ticker.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.broker.SetReadyHandler(o.handleReady)
	o.broker.Start()

	o.mu.Lock()
	o.lastAIMessageTime = o.clock.Now()
	o.armBackgroundLocked()
	o.mu.Unlock()

	log.Info(log.CatHub, "orchestrator started", "ais", o.registry.Len())
}

// AddMessage hands an inbound message to the broker.
func (o *Orchestrator) AddMessage(m message.Message) error {
	return o.broker.Enqueue(m)
}

// ChangeTopic enqueues a system message announcing the new topic and emits
// topic-changed. Topic changes do not themselves trigger AI scheduling.
func (o *Orchestrator) ChangeTopic(topic, by, roomID string) error {
	m := message.Message{
		Sender:     by,
		SenderType: message.SenderSystem,
		Content:    fmt.Sprintf("Topic changed to: %q by %s", topic, by),
		RoomID:     roomID,
		Priority:   message.PrioritySystem,
	}
	if err := o.broker.Enqueue(m); err != nil {
		return err
	}
	o.events.Publish(pubsub.CreatedEvent, events.Event{
		Type:      events.TopicChanged,
		RoomID:    roomID,
		NewTopic:  topic,
		ChangedBy: by,
	})
	return nil
}

// SetRoomAllowedAIs restricts a room to the given AI ids. An empty list
// clears the restriction.
func (o *Orchestrator) SetRoomAllowedAIs(roomID string, ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(ids) == 0 {
		delete(o.allowed, roomID)
		return
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	o.allowed[roomID] = set
}

// ClearRoomAllowedAIs removes a room's allow-list.
func (o *Orchestrator) ClearRoomAllowedAIs(roomID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.allowed, roomID)
}

// PendingResponses returns the number of scheduled, not yet dispatched
// generation tasks.
func (o *Orchestrator) PendingResponses() int {
	return o.queue.Len()
}

// ActiveResponses returns the number of in-flight generations.
func (o *Orchestrator) ActiveResponses() int {
	return o.queue.Active()
}

// IsSleeping reports whether the hub is asleep.
func (o *Orchestrator) IsSleeping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sleeping
}

// Sleep puts the hub to sleep administratively.
func (o *Orchestrator) Sleep() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sleepLocked("admin request")
}

// Wake wakes the hub administratively.
func (o *Orchestrator) Wake() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.wakeLocked()
}

// Cleanup tears the hub down: ticker cancelled, queues cleared, context
// store emptied. In-flight generations are detached; their completions are
// ignored.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.bgTimer != nil {
		o.bgTimer.Stop()
		o.bgTimer = nil
	}
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.queue.Clear()
	o.broker.Stop()
	o.broker.Clear()
	o.store.Clear()
	log.Info(log.CatHub, "orchestrator cleaned up")
}

// handleReady is the broker's delivery callback: the single writer path
// into the context store.
func (o *Orchestrator) handleReady(m message.Message) error {
	o.store.Append(message.ContextMessage{Message: m})

	if o.history != nil {
		if err := o.history.Record(o.ctx, m); err != nil {
			log.Warn(log.CatHistory, "history write failed", "id", m.ID, "error", err)
		}
	}

	switch m.SenderType {
	case message.SenderUser:
		o.mu.Lock()
		o.aiMessageCount = 0
		o.wakeLocked()
		o.mu.Unlock()
		if !m.SuppressAIResponses && !m.IsInternalResponder {
			o.schedule(m.RoomID, true)
		}
	case message.SenderAI:
		o.mu.Lock()
		o.aiMessageCount++
		o.lastAIMessageTime = o.clock.Now()
		if o.aiMessageCount >= o.maxAIMessages {
			o.sleepLocked("message cap reached")
		}
		o.mu.Unlock()
	}

	o.broker.Broadcast(m, m.RoomID)
	return nil
}

// schedule picks the responder set for a trigger and enqueues their tasks.
func (o *Orchestrator) schedule(roomID string, isUserResponse bool) {
	if o.IsSleeping() {
		return
	}

	_, span := o.tracer.Start(o.ctx, tracing.SpanPrefixSchedule+"responders",
		trace.WithAttributes(
			attribute.String(tracing.AttrRoomID, roomID),
			attribute.Bool(tracing.AttrUserResponse, isUserResponse),
		))
	defer span.End()

	eligible, mentioned := o.eligibleAIs(roomID, isUserResponse)
	if len(eligible) == 0 {
		return
	}

	typing := o.registry.GeneratingCount()
	now := o.clock.Now()

	baseMin, baseMax := responderBounds(len(eligible), isUserResponse)
	finalMin := baseMin
	if len(mentioned) > finalMin {
		finalMin = len(mentioned)
	}
	finalMax := baseMax
	if finalMin > finalMax {
		finalMax = finalMin
	}

	lo := finalMin - len(mentioned)
	if lo < 0 {
		lo = 0
	}
	hi := finalMax - len(mentioned)
	if hi < lo {
		hi = lo
	}
	extraCount := o.uniformInt(lo, hi)

	extras := o.sampleByRecency(subtract(eligible, mentioned), extraCount, now)

	var trigger message.Message
	if last, ok := o.store.Last(); ok {
		trigger = last.Message
	}

	var tasks []respond.Task
	k := 0
	appendTask := func(rec registry.AIRecord, isMentioned bool) {
		delay := o.delayFor(respond.DelayParams{
			Index:          k,
			IsUserResponse: isUserResponse,
			IsMentioned:    isMentioned,
			TypingAICount:  typing,
		})
		tasks = append(tasks, respond.Task{
			AIID:             rec.ID,
			RoomID:           roomID,
			IsUserResponse:   isUserResponse,
			IsMentioned:      isMentioned,
			TriggerMessageID: trigger.ID,
			TriggerSender:    trigger.Sender,
			ScheduledTime:    now.Add(delay),
		})
		span.AddEvent(tracing.EventResponderPicked, trace.WithAttributes(
			attribute.String(tracing.AttrAIID, rec.ID),
			attribute.Bool(tracing.AttrMentioned, isMentioned),
			attribute.Int64(tracing.AttrDelayMs, delay.Milliseconds()),
		))
		k++
	}
	for _, rec := range mentioned {
		appendTask(rec, true)
	}
	for _, rec := range extras {
		appendTask(rec, false)
	}

	if len(tasks) == 0 {
		return
	}
	span.SetAttributes(attribute.Int(tracing.AttrResponderCount, len(tasks)))
	log.Info(log.CatHub, "responders scheduled",
		"room", roomID,
		"userResponse", isUserResponse,
		"mentioned", len(mentioned),
		"extra", len(extras))
	o.queue.EnqueueBatch(tasks)
}

// eligibleAIs returns the room's eligible responders and, of those, the
// ones @mentioned by the last message.
func (o *Orchestrator) eligibleAIs(roomID string, isUserResponse bool) (eligible, mentioned []registry.AIRecord) {
	o.mu.Lock()
	allowSet := o.allowed[roomID]
	o.mu.Unlock()

	var wantMention func(string) bool
	if last, ok := o.store.Last(); ok {
		wantMention = last.MentionsAlias
	}

	for _, rec := range o.registry.Active() {
		if allowSet != nil {
			if _, ok := allowSet[rec.ID]; !ok {
				continue
			}
		}
		if rec.IsGenerating {
			continue
		}
		if !isUserResponse && rec.JustResponded {
			continue
		}
		eligible = append(eligible, rec)
		if wantMention != nil && wantMention(rec.NormalizedAlias) {
			mentioned = append(mentioned, rec)
		}
	}
	return eligible, mentioned
}

// responderBounds derives min/max responder counts from the trigger kind.
func responderBounds(eligibleCount int, isUserResponse bool) (int, int) {
	fraction := backgroundResponderFraction
	baseMin := 0
	if isUserResponse {
		fraction = userResponderFraction
		baseMin = 1
	}
	baseMax := int(math.Ceil(fraction * float64(eligibleCount)))
	if baseMax < 1 {
		baseMax = 1
	}
	return baseMin, baseMax
}

// sampleByRecency draws n records without replacement, weighting AIs that
// have been quiet longer more heavily.
func (o *Orchestrator) sampleByRecency(pool []registry.AIRecord, n int, now time.Time) []registry.AIRecord {
	if n > len(pool) {
		n = len(pool)
	}
	if n <= 0 {
		return nil
	}

	remaining := make([]registry.AIRecord, len(pool))
	copy(remaining, pool)
	var out []registry.AIRecord

	for len(out) < n {
		var total float64
		weights := make([]float64, len(remaining))
		for i, rec := range remaining {
			w := 1.0
			if rec.LastMessageTime.IsZero() {
				w += 10 // never spoke: strongly favored
			} else if since := now.Sub(rec.LastMessageTime); since > 0 {
				w += since.Minutes()
			}
			weights[i] = w
			total += w
		}

		r := o.float64() * total
		idx := len(remaining) - 1
		for i, w := range weights {
			r -= w
			if r < 0 {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

func subtract(pool, exclude []registry.AIRecord) []registry.AIRecord {
	if len(exclude) == 0 {
		return pool
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, rec := range exclude {
		skip[rec.ID] = struct{}{}
	}
	var out []registry.AIRecord
	for _, rec := range pool {
		if _, ok := skip[rec.ID]; !ok {
			out = append(out, rec)
		}
	}
	return out
}

// sleepLocked transitions Awake -> Sleeping. Caller holds o.mu.
func (o *Orchestrator) sleepLocked(reason string) {
	if o.sleeping {
		return
	}
	o.sleeping = true
	log.Info(log.CatHub, "ais sleeping", "reason", reason)
	o.events.Publish(pubsub.CreatedEvent, events.Event{
		Type:   events.AIsSleeping,
		Reason: reason,
	})
}

// wakeLocked transitions Sleeping -> Awake. Caller holds o.mu.
func (o *Orchestrator) wakeLocked() {
	if !o.sleeping {
		return
	}
	o.sleeping = false
	o.aiMessageCount = 0
	log.Info(log.CatHub, "ais awakened")
	o.events.Publish(pubsub.CreatedEvent, events.Event{Type: events.AIsAwakened})
}

// armBackgroundLocked arms the next background tick. Caller holds o.mu.
func (o *Orchestrator) armBackgroundLocked() {
	if o.closed {
		return
	}
	interval := o.sleepRetry
	if !o.sleeping && len(o.registry.Active()) > 0 {
		interval = o.uniformDuration(o.delays.MinBackground, o.delays.MaxBackground)
	}
	t := o.clock.NewTimer(interval)
	o.bgTimer = t
	go func() {
		select {
		case <-t.C():
			o.backgroundTick(t)
		case <-o.done():
		}
	}()
}

func (o *Orchestrator) done() <-chan struct{} {
	if o.ctx != nil {
		return o.ctx.Done()
	}
	return nil
}

// backgroundTick fires one background round if the room has been active
// recently, then re-arms.
func (o *Orchestrator) backgroundTick(t respond.Timer) {
	o.mu.Lock()
	if o.closed || o.bgTimer != t {
		o.mu.Unlock()
		return
	}
	o.bgTimer = nil
	sleeping := o.sleeping
	silent := o.clock.Now().Sub(o.lastAIMessageTime) > o.silenceTimeout
	o.mu.Unlock()

	// Suppression from the previous round only lasts until the next tick.
	o.registry.ClearJustResponded()

	if !sleeping && !silent {
		o.schedule(message.DefaultRoom, false)
	} else if silent {
		log.Debug(log.CatHub, "background round skipped", "reason", "silence timeout")
	}

	o.mu.Lock()
	o.armBackgroundLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) uniformInt(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return lo + o.rng.Intn(hi-lo+1)
}

func (o *Orchestrator) uniformDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return min + time.Duration(o.rng.Int63n(int64(max-min)))
}

func (o *Orchestrator) float64() float64 {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Float64()
}

func (o *Orchestrator) delayFor(p respond.DelayParams) time.Duration {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.delays.For(p, o.rng)
}
