package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zjrosen/confab/internal/chat/events"
	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/pubsub"
)

func newTestBroker(t *testing.T) (*MessageBroker, *pubsub.Broker[events.Event]) {
	t.Helper()
	eventBus := pubsub.NewBroker[events.Event]()
	t.Cleanup(eventBus.Close)

	b := New(Config{Quantum: -1, Events: eventBus})
	t.Cleanup(b.Stop)
	return b, eventBus
}

// collector accumulates delivered messages behind a mutex.
type collector struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (c *collector) handle(m message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *collector) senders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Sender
	}
	return out
}

func userMessage(sender, content string) message.Message {
	return message.Message{
		Sender:     sender,
		SenderType: message.SenderUser,
		Content:    content,
	}
}

func aiMessage(sender, content string) message.Message {
	return message.Message{
		Sender:     sender,
		SenderType: message.SenderAI,
		Content:    content,
	}
}

func TestBroker_PriorityThenFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	c := &collector{}
	b.SetReadyHandler(c.handle)

	// Enqueue before starting so ordering is decided purely by the queue.
	require.NoError(t, b.Enqueue(userMessage("user A", "hi")))
	require.NoError(t, b.Enqueue(userMessage("user B", "hello")))
	require.NoError(t, b.Enqueue(aiMessage("ai X", "beep")))
	b.Start()

	require.Eventually(t, func() bool {
		return len(c.senders()) == 3
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"user A", "user B", "ai X"}, c.senders())
}

func TestBroker_ExplicitPriorityWins(t *testing.T) {
	b, _ := newTestBroker(t)
	c := &collector{}
	b.SetReadyHandler(c.handle)

	require.NoError(t, b.Enqueue(userMessage("normal", "x")))
	require.NoError(t, b.EnqueueWithPriority(aiMessage("urgent ai", "x"), 5000))
	b.Start()

	require.Eventually(t, func() bool {
		return len(c.senders()) == 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"urgent ai", "normal"}, c.senders())
}

func TestBroker_AssignsIDTimestampAndMentions(t *testing.T) {
	b, _ := newTestBroker(t)

	var got message.Message
	done := make(chan struct{})
	b.SetReadyHandler(func(m message.Message) error {
		got = m
		close(done)
		return nil
	})
	b.Start()

	require.NoError(t, b.Enqueue(userMessage("u", "hey @alice")))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	require.NotEmpty(t, got.ID)
	require.False(t, got.Timestamp.IsZero())
	require.Equal(t, message.DefaultRoom, got.RoomID)
	require.Equal(t, message.PriorityUser, got.Priority)
	require.Equal(t, []string{"alice"}, got.MentionsNormalized)
}

func TestBroker_OverflowDropsAndEmitsError(t *testing.T) {
	eventBus := pubsub.NewBroker[events.Event]()
	t.Cleanup(eventBus.Close)

	b := New(Config{MaxQueue: 2, Quantum: -1, Events: eventBus})
	t.Cleanup(b.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eventCh := eventBus.Subscribe(ctx)

	require.NoError(t, b.Enqueue(userMessage("a", "1")))
	require.NoError(t, b.Enqueue(userMessage("b", "2")))
	err := b.Enqueue(userMessage("c", "3"))
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, 2, b.Len())

	select {
	case event := <-eventCh:
		require.Equal(t, events.BrokerOverflow, event.Payload.Type)
		require.ErrorIs(t, event.Payload.Err, ErrQueueFull)
		require.Equal(t, "c", event.Payload.Message.Sender)
	case <-time.After(time.Second):
		t.Fatal("expected overflow event")
	}
}

func TestBroker_PauseHoldsResumeDelivers(t *testing.T) {
	b, _ := newTestBroker(t)
	c := &collector{}
	b.SetReadyHandler(c.handle)
	b.Start()

	b.Pause()
	require.NoError(t, b.Enqueue(userMessage("u", "held")))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, c.senders())
	require.Equal(t, 1, b.Len())

	b.Resume()
	require.Eventually(t, func() bool {
		return len(c.senders()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBroker_RemoveMatchingPending(t *testing.T) {
	b, _ := newTestBroker(t)

	require.NoError(t, b.Enqueue(userMessage("keep", "x")))
	require.NoError(t, b.Enqueue(userMessage("drop", "x")))
	require.NoError(t, b.Enqueue(userMessage("drop", "y")))

	removed := b.Remove(func(m message.Message) bool { return m.Sender == "drop" })
	require.Equal(t, 2, removed)
	require.Equal(t, 1, b.Len())
}

func TestBroker_HandlerErrorEmitsMessageErrorAndContinues(t *testing.T) {
	eventBus := pubsub.NewBroker[events.Event]()
	t.Cleanup(eventBus.Close)

	b := New(Config{Quantum: -1, Events: eventBus})
	t.Cleanup(b.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eventCh := eventBus.Subscribe(ctx)

	c := &collector{}
	b.SetReadyHandler(func(m message.Message) error {
		if m.Sender == "bad" {
			return errors.New("subscriber exploded")
		}
		return c.handle(m)
	})

	require.NoError(t, b.Enqueue(userMessage("bad", "x")))
	require.NoError(t, b.Enqueue(userMessage("good", "y")))
	b.Start()

	require.Eventually(t, func() bool {
		return len(c.senders()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"good"}, c.senders())

	select {
	case event := <-eventCh:
		require.Equal(t, events.MessageError, event.Payload.Type)
		require.Equal(t, "bad", event.Payload.Message.Sender)
	case <-time.After(time.Second):
		t.Fatal("expected message-error event")
	}
}

func TestBroker_HandlerPanicDoesNotKillLoop(t *testing.T) {
	b, _ := newTestBroker(t)

	c := &collector{}
	b.SetReadyHandler(func(m message.Message) error {
		if m.Sender == "boom" {
			panic("subscriber panic")
		}
		return c.handle(m)
	})

	require.NoError(t, b.Enqueue(userMessage("boom", "x")))
	require.NoError(t, b.Enqueue(userMessage("steady", "y")))
	b.Start()

	require.Eventually(t, func() bool {
		return len(c.senders()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBroker_ClearDropsPending(t *testing.T) {
	b, _ := newTestBroker(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Enqueue(userMessage(fmt.Sprintf("u%d", i), "x")))
	}
	b.Clear()
	require.Equal(t, 0, b.Len())
}

func TestBroker_BroadcastPublishesEvent(t *testing.T) {
	b, eventBus := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eventCh := eventBus.Subscribe(ctx)

	m := userMessage("u", "hello room")
	m.ID = "m-1"
	b.Broadcast(m, "room-7")

	select {
	case event := <-eventCh:
		require.Equal(t, events.MessageBroadcast, event.Payload.Type)
		require.Equal(t, "room-7", event.Payload.RoomID)
		require.Equal(t, "m-1", event.Payload.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast event")
	}
}

func TestBroker_DeliveryEmitsProcessSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	eventBus := pubsub.NewBroker[events.Event]()
	t.Cleanup(eventBus.Close)
	b := New(Config{Quantum: -1, Events: eventBus, Tracer: tp.Tracer("test")})
	t.Cleanup(b.Stop)

	c := &collector{}
	b.SetReadyHandler(c.handle)
	b.Start()

	m := userMessage("u", "traced")
	m.ID = "m-traced"
	require.NoError(t, b.Enqueue(m))

	deadline := time.Now().Add(2 * time.Second)
	for {
		var found sdktrace.ReadOnlySpan
		for _, s := range sr.Ended() {
			if s.Name() == "broker.process" {
				found = s
			}
		}
		if found != nil {
			attrs := found.Attributes()
			got := make(map[string]string, len(attrs))
			for _, kv := range attrs {
				got[string(kv.Key)] = kv.Value.Emit()
			}
			require.Equal(t, "m-traced", got["message.id"])
			require.Equal(t, "user", got["message.sender_type"])
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("process span never recorded")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
