// Package broker provides the priority message queue at the center of the
// hub. A single processing loop dequeues messages in priority-then-FIFO
// order and hands each to the ready handler; everything downstream of that
// handler (context append, scheduling, broadcast) is therefore serialized.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/confab/internal/chat/events"
	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/log"
	"github.com/zjrosen/confab/internal/pubsub"
	"github.com/zjrosen/confab/internal/tracing"
)

const (
	// DefaultMaxQueue is the queue capacity; enqueueing beyond it drops the
	// message and emits an overflow event.
	DefaultMaxQueue = 1000
	// DefaultQuantum is the pause between deliveries, throttling the ready
	// handler. Zero is legal when the handler cannot starve subscribers.
	DefaultQuantum = 10 * time.Millisecond
)

// ErrQueueFull is returned when the broker queue is at capacity.
var ErrQueueFull = errors.New("broker queue is full")

// ReadyHandler receives each dequeued message. A returned error is reported
// as a message-error event; the loop continues with the next message.
type ReadyHandler func(m message.Message) error

// Config holds construction options for the MessageBroker.
type Config struct {
	// MaxQueue caps the pending queue. Defaults to DefaultMaxQueue.
	MaxQueue int
	// Quantum is the delay between deliveries. Negative means zero;
	// zero value means DefaultQuantum.
	Quantum time.Duration
	// Events is the hub event broker used for broadcast, overflow and
	// message-error events. Required.
	Events *pubsub.Broker[events.Event]
	// Tracer records a processing span per delivered message. Defaults to
	// a no-op tracer if nil.
	Tracer trace.Tracer
}

// MessageBroker is a single-owner priority queue with a cooperative
// processing loop.
type MessageBroker struct {
	mu     sync.Mutex
	queue  []message.Message
	paused bool

	maxQueue int
	quantum  time.Duration
	events   *pubsub.Broker[events.Event]
	tracer   trace.Tracer
	ready    ReadyHandler

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a MessageBroker. Call SetReadyHandler before Start.
func New(cfg Config) *MessageBroker {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	quantum := cfg.Quantum
	if quantum == 0 {
		quantum = DefaultQuantum
	} else if quantum < 0 {
		quantum = 0
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("broker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MessageBroker{
		queue:    make([]message.Message, 0),
		maxQueue: cfg.MaxQueue,
		quantum:  quantum,
		events:   cfg.Events,
		tracer:   tracer,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetReadyHandler installs the handler invoked for each dequeued message.
// Must be called before Start.
func (b *MessageBroker) SetReadyHandler(h ReadyHandler) {
	b.ready = h
}

// Start launches the processing loop. Call Stop to shut it down.
func (b *MessageBroker) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.loop()
	}()
}

// Stop terminates the processing loop and waits for it to exit. Pending
// messages stay queued but are never delivered.
func (b *MessageBroker) Stop() {
	b.cancel()
	b.wg.Wait()
}

// Enqueue inserts m with its carried or sender-type default priority.
// The broker assigns a missing ID and timestamp and indexes mentions.
func (b *MessageBroker) Enqueue(m message.Message) error {
	priority := m.Priority
	if priority == 0 {
		priority = m.SenderType.DefaultPriority()
	}
	return b.enqueue(m, priority)
}

// EnqueueWithPriority inserts m with an explicit priority, overriding both
// the message's own priority and the sender-type default.
func (b *MessageBroker) EnqueueWithPriority(m message.Message, priority int) error {
	return b.enqueue(m, priority)
}

func (b *MessageBroker) enqueue(m message.Message, priority int) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.RoomID == "" {
		m.RoomID = message.DefaultRoom
	}
	m.Priority = priority
	m.IndexMentions()

	b.mu.Lock()
	if len(b.queue) >= b.maxQueue {
		b.mu.Unlock()
		log.Warn(log.CatBroker, "queue full, dropping message",
			"messageID", m.ID, "sender", m.Sender, "max", b.maxQueue)
		if b.events != nil {
			b.events.Publish(pubsub.CreatedEvent, events.Event{
				Type:    events.BrokerOverflow,
				RoomID:  m.RoomID,
				Message: &m,
				Err:     ErrQueueFull,
			})
		}
		return ErrQueueFull
	}

	// Strict priority descending; ties keep enqueue order.
	idx := len(b.queue)
	for i, queued := range b.queue {
		if queued.Priority < priority {
			idx = i
			break
		}
	}
	b.queue = append(b.queue, message.Message{})
	copy(b.queue[idx+1:], b.queue[idx:])
	b.queue[idx] = m
	b.mu.Unlock()

	b.signal()
	return nil
}

// Broadcast publishes a message-broadcast event for the given room.
func (b *MessageBroker) Broadcast(m message.Message, roomID string) {
	if b.events == nil {
		return
	}
	b.events.Publish(pubsub.CreatedEvent, events.Event{
		Type:    events.MessageBroadcast,
		RoomID:  roomID,
		Message: &m,
	})
}

// Pause halts delivery without dropping queued messages.
func (b *MessageBroker) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// Resume restarts delivery after a Pause.
func (b *MessageBroker) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
	b.signal()
}

// Clear drops all pending messages.
func (b *MessageBroker) Clear() {
	b.mu.Lock()
	b.queue = b.queue[:0]
	b.mu.Unlock()
}

// Remove drops pending messages matching the predicate and returns how many
// were removed.
func (b *MessageBroker) Remove(match func(message.Message) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.queue[:0]
	removed := 0
	for _, m := range b.queue {
		if match(m) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	b.queue = kept
	return removed
}

// Len returns the number of pending messages.
func (b *MessageBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// signal nudges the loop; a pending nudge is enough.
func (b *MessageBroker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *MessageBroker) loop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.wake:
		}

		for {
			m, ok := b.next()
			if !ok {
				break
			}
			b.deliver(m)

			if b.quantum > 0 {
				select {
				case <-b.ctx.Done():
					return
				case <-time.After(b.quantum):
				}
			} else if b.ctx.Err() != nil {
				return
			}
		}
	}
}

// next pops the head of the queue unless paused or empty.
func (b *MessageBroker) next() (message.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused || len(b.queue) == 0 {
		return message.Message{}, false
	}
	m := b.queue[0]
	copy(b.queue, b.queue[1:])
	b.queue = b.queue[:len(b.queue)-1]
	return m, true
}

// deliver invokes the ready handler, converting handler errors and panics
// into message-error events so the loop survives.
func (b *MessageBroker) deliver(m message.Message) {
	if b.ready == nil {
		return
	}

	_, span := b.tracer.Start(b.ctx, tracing.SpanPrefixBroker+"process",
		trace.WithAttributes(
			attribute.String(tracing.AttrMessageID, m.ID),
			attribute.String(tracing.AttrMessageSender, m.Sender),
			attribute.String(tracing.AttrSenderType, string(m.SenderType)),
			attribute.String(tracing.AttrRoomID, m.RoomID),
			attribute.Int(tracing.AttrPriority, m.Priority),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBroker, "ready handler panic",
				"messageID", m.ID, "panic", r)
			span.SetStatus(codes.Error, "ready handler panic")
			b.publishMessageError(m, errors.New("ready handler panic"))
		}
	}()

	if err := b.ready(m); err != nil {
		log.ErrorErr(log.CatBroker, "ready handler failed", err, "messageID", m.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.publishMessageError(m, err)
		return
	}
	span.AddEvent(tracing.EventMessageDelivered)
}

func (b *MessageBroker) publishMessageError(m message.Message, err error) {
	if b.events == nil {
		return
	}
	b.events.Publish(pubsub.CreatedEvent, events.Event{
		Type:    events.MessageError,
		RoomID:  m.RoomID,
		Message: &m,
		Err:     err,
	})
}
