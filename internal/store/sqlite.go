package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jdtnmai/foxbot/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store and OutboxRepo backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)
var _ OutboxRepo = (*SQLiteStore)(nil)

// NewSQLiteStore creates a SQLite-backed store at the given DSN (a file path,
// optionally with query parameters) and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	slog.Debug("store.NewSQLiteStore opening database", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles a single writer; avoid SQLITE_BUSY churn from the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite migrations: %w", err)
	}
	slog.Info("store.NewSQLiteStore ready", "dsn", dsn)
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateUser(name, channelID string, active bool) (models.User, error) {
	res, err := s.db.Exec(
		"INSERT INTO users (name, channel_id, active, created_at) VALUES (?, ?, ?, ?)",
		name, channelID, boolToInt(active), time.Now().UTC(),
	)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.User{}, fmt.Errorf("failed to read user id: %w", err)
	}
	return s.GetUser(id)
}

func (s *SQLiteStore) GetUser(id int64) (models.User, error) {
	row := s.db.QueryRow("SELECT id, name, channel_id, active, created_at FROM users WHERE id = ?", id)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByChannelID(channelID string) (models.User, error) {
	row := s.db.QueryRow("SELECT id, name, channel_id, active, created_at FROM users WHERE channel_id = ?", channelID)
	return scanUser(row)
}

func (s *SQLiteStore) SetUserActive(id int64, active bool) error {
	res, err := s.db.Exec("UPDATE users SET active = ? WHERE id = ?", boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) ListUsers() ([]models.User, error) {
	return s.queryUsers("SELECT id, name, channel_id, active, created_at FROM users ORDER BY id")
}

func (s *SQLiteStore) ListActiveUsers() ([]models.User, error) {
	return s.queryUsers("SELECT id, name, channel_id, active, created_at FROM users WHERE active = 1 ORDER BY id")
}

func (s *SQLiteStore) queryUsers(query string, args ...any) ([]models.User, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) CreateQuestion(text string, userID int64) (models.Question, error) {
	res, err := s.db.Exec(
		"INSERT INTO questions (text, user_id, created_at) VALUES (?, ?, ?)",
		text, userID, time.Now().UTC(),
	)
	if err != nil {
		return models.Question{}, fmt.Errorf("failed to insert question: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Question{}, fmt.Errorf("failed to read question id: %w", err)
	}
	return s.GetQuestion(id)
}

func (s *SQLiteStore) GetQuestion(id int64) (models.Question, error) {
	row := s.db.QueryRow("SELECT id, text, user_id, created_at FROM questions WHERE id = ?", id)
	return scanQuestion(row)
}

func (s *SQLiteStore) ListQuestions() ([]models.Question, error) {
	return s.queryQuestions("SELECT id, text, user_id, created_at FROM questions ORDER BY id")
}

func (s *SQLiteStore) ListUnansweredQuestions() ([]models.Question, error) {
	return s.queryQuestions(`
		SELECT q.id, q.text, q.user_id, q.created_at FROM questions q
		WHERE NOT EXISTS (SELECT 1 FROM answers a WHERE a.question_id = q.id AND a.approved = 1)
		ORDER BY q.id`)
}

func (s *SQLiteStore) queryQuestions(query string, args ...any) ([]models.Question, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()
	var questions []models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *SQLiteStore) CreateAnswer(text string, questionID, userID int64) (models.Answer, error) {
	res, err := s.db.Exec(
		"INSERT INTO answers (text, question_id, user_id, approved, created_at) VALUES (?, ?, ?, 0, ?)",
		text, questionID, userID, time.Now().UTC(),
	)
	if err != nil {
		return models.Answer{}, fmt.Errorf("failed to insert answer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Answer{}, fmt.Errorf("failed to read answer id: %w", err)
	}
	return s.GetAnswer(id)
}

func (s *SQLiteStore) GetAnswer(id int64) (models.Answer, error) {
	row := s.db.QueryRow("SELECT id, text, question_id, user_id, approved, created_at FROM answers WHERE id = ?", id)
	return scanAnswer(row)
}

func (s *SQLiteStore) ListAnswers() ([]models.Answer, error) {
	rows, err := s.db.Query("SELECT id, text, question_id, user_id, approved, created_at FROM answers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer rows.Close()
	var answers []models.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (s *SQLiteStore) AppendAnswerText(id int64, segment string) (models.Answer, error) {
	a, err := s.GetAnswer(id)
	if err != nil {
		return models.Answer{}, err
	}
	text := a.Text + models.AnswerSeparator + segment
	if _, err := s.db.Exec("UPDATE answers SET text = ? WHERE id = ?", text, id); err != nil {
		return models.Answer{}, fmt.Errorf("failed to append answer text: %w", err)
	}
	return s.GetAnswer(id)
}

func (s *SQLiteStore) ApproveAnswer(id int64) error {
	res, err := s.db.Exec("UPDATE answers SET approved = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to approve answer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrAnswerNotFound
	}
	return nil
}

func (s *SQLiteStore) ListApprovedQA() ([]QARecord, error) {
	rows, err := s.db.Query(`
		SELECT qu.name, q.text, au.name, a.text
		FROM answers a
		JOIN questions q ON q.id = a.question_id
		JOIN users qu ON qu.id = q.user_id
		JOIN users au ON au.id = a.user_id
		WHERE a.approved = 1
		ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query approved QA: %w", err)
	}
	defer rows.Close()
	var records []QARecord
	for rows.Next() {
		var r QARecord
		if err := rows.Scan(&r.QuestionUserName, &r.QuestionText, &r.AnswerUserName, &r.AnswerText); err != nil {
			return nil, fmt.Errorf("failed to scan QA record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) EnqueueOutboxMessage(msg models.OutboundMessage) (string, error) {
	tracking, err := encodeTracking(msg.Tracking)
	if err != nil {
		return "", err
	}
	id := newOutboxID()
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO outbox_messages (id, recipient, body, tracking_json, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		id, msg.To, msg.Body, tracking, string(OutboxStatusQueued), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, recipient, body, tracking_json, status, attempts, next_attempt_at, locked_at, last_error, created_at, updated_at
		FROM outbox_messages
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at
		LIMIT ?`,
		string(OutboxStatusQueued), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due outbox messages: %w", err)
	}
	msgs, err := collectOutboxMessages(rows)
	if err != nil {
		return nil, err
	}
	claimed := msgs[:0]
	for _, m := range msgs {
		res, err := s.db.Exec(
			"UPDATE outbox_messages SET status = ?, locked_at = ?, updated_at = ? WHERE id = ? AND status = ?",
			string(OutboxStatusSending), now.UTC(), now.UTC(), m.ID, string(OutboxStatusQueued))
		if err != nil {
			return nil, fmt.Errorf("failed to claim outbox message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		m.Status = OutboxStatusSending
		lockedAt := now.UTC()
		m.LockedAt = &lockedAt
		claimed = append(claimed, m)
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		"UPDATE outbox_messages SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?",
		string(OutboxStatusSent), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message sent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE outbox_messages
		SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(OutboxStatusQueued), errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		"UPDATE outbox_messages SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?",
		string(OutboxStatusQueued), time.Now().UTC(), string(OutboxStatusSending), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbox messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func collectOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var status string
		var nextAttempt, lockedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Body, &m.TrackingJSON, &status, &m.Attempts,
			&nextAttempt, &lockedAt, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		m.Status = OutboxStatus(status)
		if nextAttempt.Valid {
			t := nextAttempt.Time
			m.NextAttemptAt = &t
		}
		if lockedAt.Valid {
			t := lockedAt.Time
			m.LockedAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	var active int
	if err := row.Scan(&u.ID, &u.Name, &u.ChannelID, &active, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, models.ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Active = active != 0
	return u, nil
}

func scanQuestion(row rowScanner) (models.Question, error) {
	var q models.Question
	if err := row.Scan(&q.ID, &q.Text, &q.UserID, &q.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Question{}, models.ErrQuestionNotFound
		}
		return models.Question{}, fmt.Errorf("failed to scan question: %w", err)
	}
	return q, nil
}

func scanAnswer(row rowScanner) (models.Answer, error) {
	var a models.Answer
	var approved int
	if err := row.Scan(&a.ID, &a.Text, &a.QuestionID, &a.UserID, &approved, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Answer{}, models.ErrAnswerNotFound
		}
		return models.Answer{}, fmt.Errorf("failed to scan answer: %w", err)
	}
	a.Approved = approved != 0
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
