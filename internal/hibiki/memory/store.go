package memory

import "sync"

// DefaultMaxTurns is the number of turns kept per chat when no explicit cap
// is configured.
const DefaultMaxTurns = 5

// Store holds the most recent turns of every chat.
//
// Every chat has its own mutex so appends to one chat are serialized (the
// FIFO truncation depends on it) while different chats proceed
// independently. The store-wide mutex is only held to find or create a
// chat's entry. Store is safe for concurrent use.
type Store struct {
	maxTurns int

	mu    sync.Mutex
	chats map[string]*chatLog
}

type chatLog struct {
	mu    sync.Mutex
	turns []Turn // oldest first, len ≤ maxTurns
}

// NewStore creates a Store keeping at most maxTurns turns per chat.
// maxTurns ≤ 0 selects DefaultMaxTurns.
func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{
		maxTurns: maxTurns,
		chats:    make(map[string]*chatLog),
	}
}

// MaxTurns reports the per-chat cap.
func (s *Store) MaxTurns() int { return s.maxTurns }

// Append adds turn to the end of chatID's history. When the history grows
// past the cap, the oldest turns are dropped.
func (s *Store) Append(chatID string, turn Turn) {
	c := s.entry(chatID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, turn)
	if excess := len(c.turns) - s.maxTurns; excess > 0 {
		// Copy into a fresh slice so the dropped prefix can be collected and
		// previously returned snapshots never alias the live buffer.
		kept := make([]Turn, s.maxTurns)
		copy(kept, c.turns[excess:])
		c.turns = kept
	}
}

// History returns a copy of chatID's turns, oldest first. The result is a
// snapshot; mutating it does not affect the store. Unknown chats yield nil.
func (s *Store) History(chatID string) []Turn {
	c := s.lookup(chatID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len returns the number of turns currently held for chatID.
func (s *Store) Len(chatID string) int {
	c := s.lookup(chatID)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Chats returns the number of chats with a history.
func (s *Store) Chats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

func (s *Store) entry(chatID string) *chatLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		c = &chatLog{}
		s.chats[chatID] = c
	}
	return c
}

func (s *Store) lookup(chatID string) *chatLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[chatID]
}
