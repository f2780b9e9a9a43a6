// Package store provides the bounded, append-only context log the hub feeds
// to AI prompts.
package store

import (
	"sync"

	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/log"
)

// DefaultMaxMessages is the default capacity of the context log.
const DefaultMaxMessages = 100

// ContextStore is a bounded FIFO log of context messages. When the log is
// full the oldest entry is evicted. The broker's processing loop is the only
// writer of new messages; reads may come from any goroutine.
type ContextStore struct {
	mu      sync.RWMutex
	entries []message.ContextMessage
	max     int
}

// New creates a ContextStore holding at most max messages.
// A max of <= 0 uses DefaultMaxMessages.
func New(max int) *ContextStore {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	return &ContextStore{
		entries: make([]message.ContextMessage, 0, max),
		max:     max,
	}
}

// Append pushes m onto the tail, evicting the head when the store is full.
// Appending a zero message is a programming error and panics.
func (s *ContextStore) Append(m message.ContextMessage) {
	if m.SenderType == "" {
		panic("store: append of zero-value message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.max {
		evicted := s.entries[0]
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
		log.Debug(log.CatStore, "evicted oldest context message",
			"messageID", evicted.ID, "size", len(s.entries))
	}
	s.entries = append(s.entries, m)
}

// Tail returns the last n messages in insertion order. If n is at least the
// current size, every message is returned. The result is a copy.
func (s *ContextStore) Tail(n int) []message.ContextMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n > len(s.entries) {
		n = len(s.entries)
	}
	tail := make([]message.ContextMessage, n)
	copy(tail, s.entries[len(s.entries)-n:])
	return tail
}

// Last returns the most recent message. The second return is false when the
// store is empty.
func (s *ContextStore) Last() (message.ContextMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return message.ContextMessage{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Size returns the number of stored messages.
func (s *ContextStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes every entry.
func (s *ContextStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
}
