// Package store provides storage backends for FoxBot.
//
// It persists users, questions and answers behind a single Store interface
// with in-memory, SQLite and PostgreSQL implementations, and carries the
// durable outbox used for restart-safe message dispatch.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jdtnmai/foxbot/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType inspects a DSN and reports "postgres" or "sqlite3".
// PostgreSQL DSNs use URL or key=value form; anything else is treated as a
// SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// QARecord is a joined approved question/answer pair for reporting.
type QARecord struct {
	QuestionUserName string `json:"question_user_name"`
	QuestionText     string `json:"question_text"`
	AnswerUserName   string `json:"answer_user_name"`
	AnswerText       string `json:"answer_text"`
}

// Store persists users, questions and answers. Every read is assumed fresh
// at the point of a flow decision; implementations do no caching.
type Store interface {
	CreateUser(name, channelID string, active bool) (models.User, error)
	GetUser(id int64) (models.User, error)
	GetUserByChannelID(channelID string) (models.User, error)
	SetUserActive(id int64, active bool) error
	ListUsers() ([]models.User, error)
	// ListActiveUsers returns active users in insertion order; responder
	// selection pops from the tail.
	ListActiveUsers() ([]models.User, error)

	CreateQuestion(text string, userID int64) (models.Question, error)
	GetQuestion(id int64) (models.Question, error)
	ListQuestions() ([]models.Question, error)
	// ListUnansweredQuestions returns questions without an approved answer.
	ListUnansweredQuestions() ([]models.Question, error)

	CreateAnswer(text string, questionID, userID int64) (models.Answer, error)
	GetAnswer(id int64) (models.Answer, error)
	ListAnswers() ([]models.Answer, error)
	// AppendAnswerText appends a segment to the answer text, joined with
	// models.AnswerSeparator.
	AppendAnswerText(id int64, text string) (models.Answer, error)
	// ApproveAnswer flips the approved flag from false to true.
	ApproveAnswer(id int64) error

	ListApprovedQA() ([]QARecord, error)

	Close() error
}

// InMemoryStore is a simple in-memory store, used in tests and when no
// database DSN is configured.
type InMemoryStore struct {
	mu         sync.RWMutex
	users      map[int64]models.User
	questions  map[int64]models.Question
	answers    map[int64]models.Answer
	nextUser   int64
	nextQ      int64
	nextA      int64
	outbox     map[string]OutboxMessage
	outboxSeq  int64
	outboxByID []string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[int64]models.User),
		questions: make(map[int64]models.Question),
		answers:   make(map[int64]models.Answer),
		outbox:    make(map[string]OutboxMessage),
	}
}

func (s *InMemoryStore) CreateUser(name, channelID string, active bool) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	u := models.User{ID: s.nextUser, Name: name, ChannelID: channelID, Active: active, CreatedAt: time.Now()}
	s.users[u.ID] = u
	return u, nil
}

func (s *InMemoryStore) GetUser(id int64) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return u, nil
}

func (s *InMemoryStore) GetUserByChannelID(channelID string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ChannelID == channelID {
			return u, nil
		}
	}
	return models.User{}, models.ErrUserNotFound
}

func (s *InMemoryStore) SetUserActive(id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.ErrUserNotFound
	}
	u.Active = active
	s.users[id] = u
	return nil
}

func (s *InMemoryStore) ListUsers() ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListActiveUsers() ([]models.User, error) {
	users, err := s.ListUsers()
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.Active {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateQuestion(text string, userID int64) (models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextQ++
	q := models.Question{ID: s.nextQ, Text: text, UserID: userID, CreatedAt: time.Now()}
	s.questions[q.ID] = q
	return q, nil
}

func (s *InMemoryStore) GetQuestion(id int64) (models.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[id]
	if !ok {
		return models.Question{}, models.ErrQuestionNotFound
	}
	return q, nil
}

func (s *InMemoryStore) ListQuestions() ([]models.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Question, 0, len(s.questions))
	for _, q := range s.questions {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListUnansweredQuestions() ([]models.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approved := make(map[int64]bool)
	for _, a := range s.answers {
		if a.Approved {
			approved[a.QuestionID] = true
		}
	}
	var out []models.Question
	for _, q := range s.questions {
		if !approved[q.ID] {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) CreateAnswer(text string, questionID, userID int64) (models.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextA++
	a := models.Answer{ID: s.nextA, Text: text, QuestionID: questionID, UserID: userID, CreatedAt: time.Now()}
	s.answers[a.ID] = a
	return a, nil
}

func (s *InMemoryStore) GetAnswer(id int64) (models.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.answers[id]
	if !ok {
		return models.Answer{}, models.ErrAnswerNotFound
	}
	return a, nil
}

func (s *InMemoryStore) ListAnswers() ([]models.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Answer, 0, len(s.answers))
	for _, a := range s.answers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) AppendAnswerText(id int64, text string) (models.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.answers[id]
	if !ok {
		return models.Answer{}, models.ErrAnswerNotFound
	}
	a.Text = a.Text + models.AnswerSeparator + text
	s.answers[id] = a
	return a, nil
}

func (s *InMemoryStore) ApproveAnswer(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.answers[id]
	if !ok {
		return models.ErrAnswerNotFound
	}
	a.Approved = true
	s.answers[id] = a
	return nil
}

func (s *InMemoryStore) ListApprovedQA() ([]QARecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []QARecord
	answers := make([]models.Answer, 0, len(s.answers))
	for _, a := range s.answers {
		answers = append(answers, a)
	}
	sort.Slice(answers, func(i, j int) bool { return answers[i].ID < answers[j].ID })
	for _, a := range answers {
		if !a.Approved {
			continue
		}
		q, ok := s.questions[a.QuestionID]
		if !ok {
			continue
		}
		rec := QARecord{QuestionText: q.Text, AnswerText: a.Text}
		if u, ok := s.users[q.UserID]; ok {
			rec.QuestionUserName = u.Name
		}
		if u, ok := s.users[a.UserID]; ok {
			rec.AnswerUserName = u.Name
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
