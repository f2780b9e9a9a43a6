// Package history persists broadcast messages to SQLite. The hub treats it
// as optional: writes that fail are logged and dropped, never surfaced to
// the chat path.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/confab/internal/cachemanager"
	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/log"
)

// RecentTTL is how long a room's recent transcript stays cached.
const RecentTTL = 30 * time.Second

// DefaultRecentLimit bounds Recent queries with no explicit limit.
const DefaultRecentLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	sender_type TEXT NOT NULL,
	content TEXT NOT NULL,
	ai_id TEXT NOT NULL DEFAULT '',
	provider_key TEXT NOT NULL DEFAULT '',
	model_key TEXT NOT NULL DEFAULT '',
	alias TEXT NOT NULL DEFAULT '',
	response_type TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created
	ON messages (room_id, created_at DESC);
`

const messageColumns = `id, room_id, sender, sender_type, content, ai_id,
	provider_key, model_key, alias, response_type, strategy, priority, created_at`

type recentQuery struct {
	roomID string
	limit  int
}

// Store writes and reads chat history.
type Store struct {
	db     *sql.DB
	recent *cachemanager.ReadThroughCache[string, []message.Message, recentQuery]
}

// Open creates or opens the history database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}

	s := &Store{db: db}
	cache := cachemanager.NewInMemoryCacheManager[string, []message.Message](
		"history.recent", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	s.recent = cachemanager.NewReadThroughCache[string, []message.Message, recentQuery](
		cache, s.queryRecent, false)

	log.Info(log.CatHistory, "history store opened", "path", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists one message and invalidates the room's cached transcript.
func (s *Store) Record(ctx context.Context, m message.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.Sender, string(m.SenderType), m.Content,
		m.AIID, m.ProviderKey, m.ModelKey, m.Alias,
		m.ResponseType, m.InteractionStrategy, m.Priority, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return s.recent.Invalidate(ctx, recentKey(m.RoomID))
}

// Recent returns up to limit messages for a room, newest last. Results are
// cached briefly; Record invalidates the room's entry.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return s.recent.Get(ctx, recentKey(roomID), recentQuery{roomID: roomID, limit: limit}, RecentTTL)
}

// Count returns how many messages a room has recorded.
func (s *Store) Count(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func recentKey(roomID string) string {
	return "recent:" + roomID
}

func (s *Store) queryRecent(ctx context.Context, q recentQuery) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, q.roomID, q.limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		var senderType string
		err := rows.Scan(
			&m.ID, &m.RoomID, &m.Sender, &senderType, &m.Content,
			&m.AIID, &m.ProviderKey, &m.ModelKey, &m.Alias,
			&m.ResponseType, &m.InteractionStrategy, &m.Priority, &m.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderType = message.SenderType(senderType)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Newest last, matching broadcast order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
