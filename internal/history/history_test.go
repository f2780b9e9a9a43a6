package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/confab/internal/chat/message"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(id, room, sender, content string, at time.Time) message.Message {
	return message.Message{
		ID:         id,
		RoomID:     room,
		Sender:     sender,
		SenderType: message.SenderUser,
		Content:    content,
		Timestamp:  at,
	}
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, msg("m1", "default", "carol", "hello", base)))
	require.NoError(t, s.Record(ctx, msg("m2", "default", "dave", "hi back", base.Add(time.Second))))

	got, err := s.Recent(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "m1", got[0].ID, "oldest first")
	require.Equal(t, "m2", got[1].ID)
	require.Equal(t, "hello", got[0].Content)
	require.Equal(t, message.SenderUser, got[0].SenderType)
}

func TestRecentRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		m := msg(fmt.Sprintf("m%02d", i), "default", "carol", "x", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Record(ctx, m))
	}

	got, err := s.Recent(ctx, "default", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "m07", got[0].ID, "limit keeps the newest messages")
	require.Equal(t, "m09", got[2].ID)
}

func TestRecentIsolatedPerRoom(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Record(ctx, msg("a", "alpha", "carol", "one", now)))
	require.NoError(t, s.Record(ctx, msg("b", "beta", "carol", "two", now)))

	got, err := s.Recent(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].ID)

	n, err := s.Count(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecordInvalidatesRecentCache(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Record(ctx, msg("a", "default", "carol", "one", now)))

	got, err := s.Recent(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// A write after a cached read must show up on the next read.
	require.NoError(t, s.Record(ctx, msg("b", "default", "carol", "two", now.Add(time.Second))))
	got, err = s.Recent(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRecordDuplicateIDIsIgnored(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Record(ctx, msg("dup", "default", "carol", "first", now)))
	require.NoError(t, s.Record(ctx, msg("dup", "default", "carol", "second", now)))

	n, err := s.Count(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
