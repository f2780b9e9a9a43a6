package hub

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zjrosen/confab/internal/chat/broker"
	"github.com/zjrosen/confab/internal/chat/events"
	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/chat/registry"
	"github.com/zjrosen/confab/internal/chat/respond"
	"github.com/zjrosen/confab/internal/chat/store"
	"github.com/zjrosen/confab/internal/provider/providers/mock"
	"github.com/zjrosen/confab/internal/pubsub"
	"github.com/zjrosen/confab/internal/testutil"
)

// eventLog collects every hub event for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) run(ctx context.Context, b *pubsub.Broker[events.Event]) {
	ch := b.Subscribe(ctx)
	go func() {
		for ev := range ch {
			l.mu.Lock()
			l.events = append(l.events, ev.Payload)
			l.mu.Unlock()
		}
	}()
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	hub    *Orchestrator
	store  *store.ContextStore
	reg    *registry.Registry
	events *eventLog
	clock  *testutil.MockClock
	caps   map[string]*mock.Capability
	cancel context.CancelFunc
}

// newFixture builds a fully wired hub with mock AIs and a mock clock.
func newFixture(t *testing.T, seed int64, aiIDs ...string) *fixture {
	t.Helper()
	return newTunedFixture(t, seed, nil, aiIDs...)
}

// newTunedFixture is newFixture with a hook to override Config fields.
func newTunedFixture(t *testing.T, seed int64, tune func(*Config), aiIDs ...string) *fixture {
	t.Helper()

	clock := testutil.NewMockClock()
	eventBroker := pubsub.NewBroker[events.Event]()
	t.Cleanup(eventBroker.Close)

	reg := registry.New()
	caps := make(map[string]*mock.Capability, len(aiIDs))
	for _, id := range aiIDs {
		c := mock.New("mock-1")
		caps[id] = c
		require.NoError(t, reg.Add(registry.AIRecord{
			ID:              id,
			DisplayName:     id,
			Alias:           "@" + id,
			NormalizedAlias: message.Normalize(id),
			IsActive:        true,
			Capability:      c,
		}))
	}

	st := store.New(store.DefaultMaxMessages)
	mb := broker.New(broker.Config{Quantum: -1, Events: eventBroker})

	cfg := Config{
		Store:    st,
		Broker:   mb,
		Registry: reg,
		Events:   eventBroker,
		Clock:    clock,
		Rng:      rand.New(rand.NewSource(seed)),
	}
	if tune != nil {
		tune(&cfg)
	}
	h := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	lg := &eventLog{}
	lg.run(ctx, eventBroker)
	h.Start(ctx)

	t.Cleanup(func() {
		h.Cleanup()
		cancel()
	})
	return &fixture{hub: h, store: st, reg: reg, events: lg, clock: clock, caps: caps, cancel: cancel}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func userMessage(content string) message.Message {
	return message.Message{
		Sender:     "carol",
		SenderType: message.SenderUser,
		Content:    content,
	}
}

func aiMessage(aiID, content string) message.Message {
	return message.Message{
		Sender:     aiID,
		SenderType: message.SenderAI,
		AIID:       aiID,
		Content:    content,
	}
}

func TestMentionSchedulesDirectReply(t *testing.T) {
	f := newFixture(t, 7, "alice", "bob")

	require.NoError(t, f.hub.AddMessage(userMessage("Hey @alice, what do you think?")))

	waitFor(t, func() bool { return f.hub.PendingResponses() > 0 })

	// Mentioned replies are accelerated: due well inside the normal window.
	f.clock.Advance(8 * time.Second)
	waitFor(t, func() bool { return len(f.events.ofType(events.AIResponse)) >= 1 })

	resp := f.events.ofType(events.AIResponse)[0]
	require.Equal(t, "alice", resp.AIID)

	waitFor(t, func() bool {
		for _, ev := range f.events.ofType(events.MessageBroadcast) {
			if ev.Message != nil && ev.Message.SenderType == message.SenderAI {
				return true
			}
		}
		return false
	})
	var aiBroadcast *message.Message
	for _, ev := range f.events.ofType(events.MessageBroadcast) {
		if ev.Message != nil && ev.Message.SenderType == message.SenderAI {
			aiBroadcast = ev.Message
		}
	}
	require.NotNil(t, aiBroadcast)
	require.Equal(t, "alice", aiBroadcast.AIID)
	require.Equal(t, "direct", aiBroadcast.InteractionStrategy)
}

func TestSleepAtCapAndWakeOnUserMessage(t *testing.T) {
	f := newFixture(t, 1, "alice")

	for i := 0; i < MaxAIMessages; i++ {
		require.NoError(t, f.hub.AddMessage(aiMessage("alice", "chatter")))
	}
	waitFor(t, func() bool { return f.hub.IsSleeping() })
	require.NotEmpty(t, f.events.ofType(events.AIsSleeping))

	// Asleep: nothing gets scheduled on further chatter.
	require.Equal(t, 0, f.hub.PendingResponses())

	require.NoError(t, f.hub.AddMessage(userMessage("anyone there?")))
	waitFor(t, func() bool { return !f.hub.IsSleeping() })
	require.NotEmpty(t, f.events.ofType(events.AIsAwakened))

	// Normal scheduling resumed.
	waitFor(t, func() bool { return f.hub.PendingResponses() > 0 })
}

func TestBackgroundTickSkippedAfterSilence(t *testing.T) {
	f := newFixture(t, 2, "alice")

	// Background interval is at most MaxBackgroundDelay; by then the room
	// has been silent past the timeout, so the round is skipped.
	f.clock.Advance(2*time.Minute + time.Second)
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 0, f.hub.PendingResponses())
	require.Empty(t, f.events.ofType(events.AIGeneratingStart))
}

func TestBackgroundTickClearsJustResponded(t *testing.T) {
	f := newFixture(t, 3, "alice")

	f.reg.MarkResponded("alice", f.clock.Now())
	rec, _ := f.reg.Get("alice")
	require.True(t, rec.JustResponded)

	f.clock.Advance(2 * time.Minute)
	waitFor(t, func() bool {
		rec, _ := f.reg.Get("alice")
		return !rec.JustResponded
	})
}

func TestConcurrencyCapAcrossBatch(t *testing.T) {
	ids := []string{"a1", "a2", "a3", "a4", "a5"}
	f := newFixture(t, 4, ids...)
	for _, id := range ids {
		f.caps[id].Delay = 20 * time.Millisecond
	}

	// Mentioning everyone forces a five-responder batch.
	require.NoError(t, f.hub.AddMessage(userMessage("@a1 @a2 @a3 @a4 @a5 thoughts?")))
	waitFor(t, func() bool { return f.hub.PendingResponses() == len(ids) })

	f.clock.Advance(time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for len(f.events.ofType(events.AIResponse)) < len(ids) {
		require.LessOrEqual(t, f.reg.GeneratingCount(), 2)
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d responses arrived", len(f.events.ofType(events.AIResponse)), len(ids))
		}
		time.Sleep(time.Millisecond)
	}
	require.Len(t, f.events.ofType(events.AIResponse), len(ids))
}

func TestRoomAllowListFiltersResponders(t *testing.T) {
	f := newFixture(t, 5, "alice", "bob")
	f.hub.SetRoomAllowedAIs("R", []string{"alice"})

	m := userMessage("hello room")
	m.RoomID = "R"
	require.NoError(t, f.hub.AddMessage(m))

	waitFor(t, func() bool { return f.hub.PendingResponses() > 0 })
	f.clock.Advance(time.Minute)
	waitFor(t, func() bool { return len(f.events.ofType(events.AIResponse)) >= 1 })
	time.Sleep(20 * time.Millisecond)

	for _, ev := range f.events.ofType(events.AIResponse) {
		require.Equal(t, "alice", ev.AIID)
	}
}

func TestSuppressAIResponses(t *testing.T) {
	f := newFixture(t, 6, "alice")

	m := userMessage("for the record only")
	m.SuppressAIResponses = true
	require.NoError(t, f.hub.AddMessage(m))

	waitFor(t, func() bool { return len(f.events.ofType(events.MessageBroadcast)) >= 1 })
	require.Equal(t, 0, f.hub.PendingResponses())
}

func TestChangeTopicBroadcastsWithoutScheduling(t *testing.T) {
	f := newFixture(t, 8, "alice")

	require.NoError(t, f.hub.ChangeTopic("space elevators", "carol", message.DefaultRoom))

	waitFor(t, func() bool { return len(f.events.ofType(events.TopicChanged)) >= 1 })
	waitFor(t, func() bool { return len(f.events.ofType(events.MessageBroadcast)) >= 1 })

	bc := f.events.ofType(events.MessageBroadcast)[0]
	require.NotNil(t, bc.Message)
	require.Equal(t, message.SenderSystem, bc.Message.SenderType)
	require.Equal(t, `Topic changed to: "space elevators" by carol`, bc.Message.Content)
	require.Equal(t, 0, f.hub.PendingResponses())
}

func TestGenerationErrorEmitsAIError(t *testing.T) {
	f := newFixture(t, 9, "alice")
	f.caps["alice"].GenerateErr = errFailed

	require.NoError(t, f.hub.AddMessage(userMessage("@alice hi")))
	waitFor(t, func() bool { return f.hub.PendingResponses() > 0 })
	f.clock.Advance(time.Minute)

	waitFor(t, func() bool { return len(f.events.ofType(events.AIError)) >= 1 })
	require.Empty(t, f.events.ofType(events.AIResponse))

	// Failure cleared the generating flag; no message entered the context.
	waitFor(t, func() bool { return f.reg.GeneratingCount() == 0 })
	last, ok := f.store.Last()
	require.True(t, ok)
	require.Equal(t, message.SenderUser, last.SenderType)
}

func TestCleanupStopsEverything(t *testing.T) {
	f := newFixture(t, 10, "alice")

	require.NoError(t, f.hub.AddMessage(userMessage("@alice hi")))
	waitFor(t, func() bool { return f.hub.PendingResponses() > 0 })

	f.hub.Cleanup()
	require.Equal(t, 0, f.hub.PendingResponses())
	require.Equal(t, 0, f.store.Size())
}

func TestResponderBounds(t *testing.T) {
	min, max := responderBounds(10, true)
	require.Equal(t, 1, min)
	require.Equal(t, 3, max)

	min, max = responderBounds(10, false)
	require.Equal(t, 0, min)
	require.Equal(t, 3, max)

	// Never below one even for tiny fleets.
	_, max = responderBounds(1, false)
	require.Equal(t, 1, max)
}

func TestSampleByRecencyFavorsQuietAIs(t *testing.T) {
	f := newFixture(t, 11, "quiet", "busy")
	now := f.clock.Now()
	f.reg.MarkResponded("busy", now)
	f.reg.MarkResponded("quiet", now.Add(-time.Hour))

	quietRec, _ := f.reg.Get("quiet")
	busyRec, _ := f.reg.Get("busy")
	pool := []registry.AIRecord{quietRec, busyRec}

	quietWins := 0
	for i := 0; i < 200; i++ {
		picked := f.hub.sampleByRecency(pool, 1, now)
		require.Len(t, picked, 1)
		if picked[0].ID == "quiet" {
			quietWins++
		}
	}
	require.Greater(t, quietWins, 150, "quiet AI should dominate selection")
}

func TestConfiguredSleepCap(t *testing.T) {
	f := newTunedFixture(t, 12, func(c *Config) { c.MaxAIMessages = 3 }, "alice")

	require.NoError(t, f.hub.AddMessage(aiMessage("alice", "one")))
	require.NoError(t, f.hub.AddMessage(aiMessage("alice", "two")))
	waitFor(t, func() bool { return f.store.Size() == 2 })
	require.False(t, f.hub.IsSleeping())

	require.NoError(t, f.hub.AddMessage(aiMessage("alice", "three")))
	waitFor(t, func() bool { return f.hub.IsSleeping() })
}

func TestConfiguredAIContextBoundsPrompt(t *testing.T) {
	f := newTunedFixture(t, 13, func(c *Config) { c.AIContext = 1 }, "alice")

	for _, line := range []string{"one", "two", "three"} {
		m := userMessage(line)
		m.SuppressAIResponses = true
		require.NoError(t, f.hub.AddMessage(m))
	}
	waitFor(t, func() bool { return f.store.Size() == 3 })

	require.NoError(t, f.hub.AddMessage(userMessage("@alice hi")))
	waitFor(t, func() bool { return f.hub.PendingResponses() > 0 })
	f.clock.Advance(time.Minute)
	waitFor(t, func() bool { return len(f.caps["alice"].Calls()) == 1 })

	// System prompt, one context message, one strategy instruction.
	require.Len(t, f.caps["alice"].Calls()[0], 3)
}

func TestConfiguredDelaysShiftSchedule(t *testing.T) {
	tuned := respond.Delays{
		MinUser:  time.Minute,
		MaxUser:  2 * time.Minute,
		MinFirst: time.Minute,
		MaxFirst: 2 * time.Minute,
	}
	f := newTunedFixture(t, 14, func(c *Config) { c.Delays = tuned }, "alice")

	require.NoError(t, f.hub.AddMessage(userMessage("anyone there?")))
	waitFor(t, func() bool { return f.hub.PendingResponses() > 0 })

	// Under the default bounds a first responder is due within 22s.
	f.clock.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, f.events.ofType(events.AIResponse))

	f.clock.Advance(2 * time.Minute)
	waitFor(t, func() bool { return len(f.events.ofType(events.AIResponse)) >= 1 })
}

func TestScheduleEmitsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := newTunedFixture(t, 15, func(c *Config) { c.Tracer = tp.Tracer("test") }, "alice")

	require.NoError(t, f.hub.AddMessage(userMessage("@alice hello")))
	waitFor(t, func() bool { return f.hub.PendingResponses() > 0 })

	waitFor(t, func() bool {
		for _, s := range sr.Ended() {
			if s.Name() == "schedule.responders" {
				return true
			}
		}
		return false
	})
}

var errFailed = errTest("generate failed")

type errTest string

func (e errTest) Error() string { return string(e) }
