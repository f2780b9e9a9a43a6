package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zjrosen/confab/internal/chat/events"
	"github.com/zjrosen/confab/internal/chat/hub"
	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/log"
	"github.com/zjrosen/confab/internal/pubsub"
)

// historyReplayLimit is how many persisted messages the console replays on
// join and on a bare /history.
const historyReplayLimit = 20

// HistoryReader replays a room's persisted transcript.
type HistoryReader interface {
	Recent(ctx context.Context, roomID string, limit int) ([]message.Message, error)
}

// ConsoleConfig wires a Console to a running hub.
type ConsoleConfig struct {
	Hub    *hub.Orchestrator
	Events *pubsub.Broker[events.Event]
	Room   string
	In     io.Reader
	Out    io.Writer
	// History, when non-nil, replays the room transcript on join and
	// serves /history.
	History HistoryReader
	// SaveAllowList, when non-nil, persists /allow changes. A nil ids
	// list means the restriction was lifted.
	SaveAllowList func(roomID string, ids []string) error
}

// Console is a line-oriented gateway: stdin lines become user messages and
// hub broadcasts print to stdout.
type Console struct {
	hub       *hub.Orchestrator
	events    *pubsub.Broker[events.Event]
	room      string
	in        io.Reader
	out       io.Writer
	history   HistoryReader
	saveAllow func(roomID string, ids []string) error
}

// NewConsole creates a console gateway. Room defaults to the default room.
func NewConsole(cfg ConsoleConfig) *Console {
	room := cfg.Room
	if room == "" {
		room = message.DefaultRoom
	}
	return &Console{
		hub:       cfg.Hub,
		events:    cfg.Events,
		room:      room,
		in:        cfg.In,
		out:       cfg.Out,
		history:   cfg.History,
		saveAllow: cfg.SaveAllowList,
	}
}

// Run processes input lines until EOF, /quit, or ctx cancellation.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printed := make(chan struct{})
	sub := c.events.Subscribe(ctx)
	log.SafeGo("console-printer", func() {
		defer close(printed)
		for ev := range sub {
			c.printEvent(ev.Payload)
		}
	})

	fmt.Fprintf(c.out, "joined %s. type a message, /help for commands\n", c.room)
	if c.history != nil {
		c.printHistory(ctx, historyReplayLimit)
	}

	lines := make(chan string)
	log.SafeGo("console-reader", func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.handleLine(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			if quit {
				cancel()
				<-printed
				return nil
			}
		}
	}
}

// handleLine dispatches one input line. Returns quit=true for /quit.
func (c *Console) handleLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, c.hub.AddMessage(message.Message{
			Sender:     "you",
			SenderType: message.SenderUser,
			Content:    line,
			RoomID:     c.room,
		})
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprint(c.out, consoleHelp)
		return false, nil
	case "/topic":
		if rest == "" {
			return false, fmt.Errorf("usage: /topic <text>")
		}
		return false, c.hub.ChangeTopic(rest, "you", c.room)
	case "/sleep":
		c.hub.Sleep()
		return false, nil
	case "/wake":
		c.hub.Wake()
		return false, nil
	case "/allow":
		switch rest {
		case "":
			return false, fmt.Errorf("usage: /allow <id,id,...> or /allow clear")
		case "clear":
			c.hub.ClearRoomAllowedAIs(c.room)
			fmt.Fprintf(c.out, "allow-list cleared for %s\n", c.room)
			return false, c.persistAllowList(nil)
		default:
			ids := splitIDs(rest)
			c.hub.SetRoomAllowedAIs(c.room, ids)
			fmt.Fprintf(c.out, "allow-list for %s: %s\n", c.room, strings.Join(ids, ", "))
			return false, c.persistAllowList(ids)
		}
	case "/history":
		limit := historyReplayLimit
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				return false, fmt.Errorf("usage: /history [count]")
			}
			limit = n
		}
		if c.history == nil {
			return false, fmt.Errorf("history persistence is not enabled")
		}
		c.printHistory(ctx, limit)
		return false, nil
	case "/status":
		fmt.Fprintf(c.out, "sleeping=%v pending=%d active=%d\n",
			c.hub.IsSleeping(), c.hub.PendingResponses(), c.hub.ActiveResponses())
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// persistAllowList writes an /allow change through to the config file when
// persistence is wired. The live hub state is already updated by then.
func (c *Console) persistAllowList(ids []string) error {
	if c.saveAllow == nil {
		return nil
	}
	if err := c.saveAllow(c.room, ids); err != nil {
		return fmt.Errorf("saving allow-list: %w", err)
	}
	return nil
}

// printHistory replays up to limit persisted messages for the room, oldest
// first.
func (c *Console) printHistory(ctx context.Context, limit int) {
	msgs, err := c.history.Recent(ctx, c.room, limit)
	if err != nil {
		fmt.Fprintf(c.out, "error: reading history: %v\n", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	fmt.Fprintf(c.out, "(last %d messages)\n", len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(c.out, "%s: %s\n", m.Sender, m.Content)
	}
}

func (c *Console) printEvent(ev events.Event) {
	switch ev.Type {
	case events.MessageBroadcast:
		if ev.Message == nil || ev.Message.RoomID != c.room {
			return
		}
		// The user's own lines are already on screen, and topic changes
		// print via the topic-changed event.
		if ev.Message.SenderType != message.SenderAI {
			return
		}
		fmt.Fprintf(c.out, "%s: %s\n", ev.Message.Sender, ev.Message.Content)
	case events.AIError:
		fmt.Fprintf(c.out, "(%s failed to respond: %v)\n", ev.AIID, ev.Err)
	case events.AIsSleeping:
		fmt.Fprintf(c.out, "(the AIs fell quiet: %s. say something to wake them)\n", ev.Reason)
	case events.AIsAwakened:
		fmt.Fprintln(c.out, "(the AIs are listening again)")
	case events.TopicChanged:
		fmt.Fprintf(c.out, "(topic is now %q)\n", ev.NewTopic)
	}
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

const consoleHelp = `commands:
  /topic <text>         change the room topic
  /sleep                stop AI responses
  /wake                 resume AI responses
  /allow <id,id,...>    restrict which AIs may respond here
  /allow clear          lift the restriction
  /history [count]      replay persisted messages for this room
  /status               show hub state
  /quit                 exit
`
