// Package convstore provides the authoritative in-memory conversation store.
//
// The store owns conversation id generation, the per-conversation mutual
// exclusion used by the flow engine, and the availability predicate consulted
// by responder selection. It is constructed once per process and injected;
// there is no package-level instance.
package convstore

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jdtnmai/foxbot/internal/models"
)

// Store is a concurrency-safe map from conversation id to conversation state.
//
// Locking discipline: mu guards the map, the id counter and the busy sets;
// each conversation carries its own mutex serializing reads and mutations of
// that record. Code paths that hold both always acquire the conversation
// mutex first, then mu.
type Store struct {
	mu            sync.RWMutex
	conversations map[int64]*entry
	nextID        int64

	// busyAskers and busyResponders are incrementally maintained so that
	// IsUserFree is O(1) instead of a scan over all conversations.
	busyAskers     map[int64]int
	busyResponders map[int64]int

	now func() time.Time
}

type entry struct {
	mu   sync.Mutex
	conv models.Conversation
}

// Option configures a Store.
type Option func(*Store)

// WithNowFunc overrides the clock used for LastMessageTime (for tests).
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty conversation store.
func New(opts ...Option) *Store {
	s := &Store{
		conversations:  make(map[int64]*entry),
		busyAskers:     make(map[int64]int),
		busyResponders: make(map[int64]int),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mutation is a partial conversation update. Nil fields are left unchanged;
// a pointer to the zero value clears the field.
type Mutation struct {
	Status            *models.ConversationStatus
	ActiveResponderID *int64
	ResponderQueue    []int64 // nil leaves the queue unchanged
	ClearQueue        bool
	AnswerID          *int64
}

// Int64 returns a pointer to v, for building Mutation values.
func Int64(v int64) *int64 { return &v }

// Status returns a pointer to s, for building Mutation values.
func Status(s models.ConversationStatus) *models.ConversationStatus { return &s }

// Create allocates a fresh conversation id and inserts a record in the
// sender_started_conversation state. The record is visible to concurrent
// readers as soon as Create returns.
func (s *Store) Create(askerID, questionID int64) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	conv := models.Conversation{
		ID:              s.nextID,
		AskerID:         askerID,
		QuestionID:      questionID,
		Status:          models.StatusStarted,
		CreatedAt:       now,
		LastMessageTime: now,
	}
	s.conversations[conv.ID] = &entry{conv: conv}
	s.busyAskers[askerID]++

	slog.Debug("convstore Create", "conversationID", conv.ID, "askerID", askerID, "questionID", questionID)
	return cloneConversation(conv)
}

// Get returns a copy of the conversation, or ErrConversationNotFound.
func (s *Store) Get(id int64) (models.Conversation, error) {
	s.mu.RLock()
	e, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return models.Conversation{}, models.ErrConversationNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneConversation(e.conv), nil
}

// Apply atomically merges a partial update into the stored record and
// refreshes LastMessageTime. It returns the updated conversation, or
// ErrConversationNotFound for an unknown id.
func (s *Store) Apply(id int64, m Mutation) (models.Conversation, error) {
	s.mu.RLock()
	e, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		slog.Debug("convstore Apply unknown conversation", "conversationID", id)
		return models.Conversation{}, models.ErrConversationNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.conv
	if m.Status != nil {
		e.conv.Status = *m.Status
	}
	if m.ActiveResponderID != nil {
		e.conv.ActiveResponderID = *m.ActiveResponderID
	}
	if m.ClearQueue {
		e.conv.ResponderQueue = nil
	} else if m.ResponderQueue != nil {
		e.conv.ResponderQueue = append([]int64(nil), m.ResponderQueue...)
	}
	if m.AnswerID != nil {
		e.conv.AnswerID = *m.AnswerID
	}
	e.conv.LastMessageTime = s.now()

	s.reindex(before, e.conv)

	slog.Debug("convstore Apply", "conversationID", id, "status", e.conv.Status, "responderID", e.conv.ActiveResponderID)
	return cloneConversation(e.conv), nil
}

// WithConversation runs fn while holding the conversation's mutex, so that a
// read-decide-mutate sequence for one conversation excludes concurrent
// handlers of the same conversation. fn receives the current record and may
// return a mutation to apply before the lock is released; a nil return
// leaves the record untouched.
func (s *Store) WithConversation(id int64, fn func(conv models.Conversation) *Mutation) (models.Conversation, error) {
	s.mu.RLock()
	e, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return models.Conversation{}, models.ErrConversationNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m := fn(cloneConversation(e.conv))
	if m == nil {
		return cloneConversation(e.conv), nil
	}

	before := e.conv
	if m.Status != nil {
		e.conv.Status = *m.Status
	}
	if m.ActiveResponderID != nil {
		e.conv.ActiveResponderID = *m.ActiveResponderID
	}
	if m.ClearQueue {
		e.conv.ResponderQueue = nil
	} else if m.ResponderQueue != nil {
		e.conv.ResponderQueue = append([]int64(nil), m.ResponderQueue...)
	}
	if m.AnswerID != nil {
		e.conv.AnswerID = *m.AnswerID
	}
	e.conv.LastMessageTime = s.now()
	s.reindex(before, e.conv)

	return cloneConversation(e.conv), nil
}

// reindex updates the busy sets after a conversation changed. Callers hold
// the conversation mutex; reindex takes mu itself.
func (s *Store) reindex(before, after models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if before.Status.OccupiesAsker() {
		s.decrement(s.busyAskers, before.AskerID)
	}
	if after.Status.OccupiesAsker() {
		s.busyAskers[after.AskerID]++
	}
	if before.Status.OccupiesResponder() && before.ActiveResponderID != 0 {
		s.decrement(s.busyResponders, before.ActiveResponderID)
	}
	if after.Status.OccupiesResponder() && after.ActiveResponderID != 0 {
		s.busyResponders[after.ActiveResponderID]++
	}
}

func (s *Store) decrement(set map[int64]int, userID int64) {
	if set[userID] <= 1 {
		delete(set, userID)
	} else {
		set[userID]--
	}
}

// IsUserFree reports whether the user is not committed to any unresolved
// conversation, as asker or as active responder.
func (s *Store) IsUserFree(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, busy := s.busyAskers[userID]; busy {
		return false
	}
	if _, busy := s.busyResponders[userID]; busy {
		return false
	}
	return true
}

// Snapshot returns copies of all conversations ordered by id. Intended for
// the report endpoints and the review sweep; it never exposes live records.
func (s *Store) Snapshot() []models.Conversation {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.conversations))
	for _, e := range s.conversations {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, cloneConversation(e.conv))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns copies of all conversations in the pending state, ordered
// by id, so the oldest stalled question is retried first.
func (s *Store) Pending() []models.Conversation {
	var out []models.Conversation
	for _, conv := range s.Snapshot() {
		if conv.Status == models.StatusPending {
			out = append(out, conv)
		}
	}
	return out
}

func cloneConversation(c models.Conversation) models.Conversation {
	c.ResponderQueue = append([]int64(nil), c.ResponderQueue...)
	return c
}
