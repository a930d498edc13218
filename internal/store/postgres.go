package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/jdtnmai/foxbot/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store and OutboxRepo backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)
var _ OutboxRepo = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed store for the given DSN and
// applies migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	slog.Debug("store.NewPostgresStore opening database")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply postgres migrations: %w", err)
	}
	slog.Info("store.NewPostgresStore ready")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateUser(name, channelID string, active bool) (models.User, error) {
	row := s.db.QueryRow(
		"INSERT INTO users (name, channel_id, active) VALUES ($1, $2, $3) RETURNING id, name, channel_id, active, created_at",
		name, channelID, active)
	return scanPgUser(row)
}

func (s *PostgresStore) GetUser(id int64) (models.User, error) {
	row := s.db.QueryRow("SELECT id, name, channel_id, active, created_at FROM users WHERE id = $1", id)
	return scanPgUser(row)
}

func (s *PostgresStore) GetUserByChannelID(channelID string) (models.User, error) {
	row := s.db.QueryRow("SELECT id, name, channel_id, active, created_at FROM users WHERE channel_id = $1", channelID)
	return scanPgUser(row)
}

func (s *PostgresStore) SetUserActive(id int64, active bool) error {
	res, err := s.db.Exec("UPDATE users SET active = $1 WHERE id = $2", active, id)
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

func (s *PostgresStore) ListUsers() ([]models.User, error) {
	return s.queryUsers("SELECT id, name, channel_id, active, created_at FROM users ORDER BY id")
}

func (s *PostgresStore) ListActiveUsers() ([]models.User, error) {
	return s.queryUsers("SELECT id, name, channel_id, active, created_at FROM users WHERE active ORDER BY id")
}

func (s *PostgresStore) queryUsers(query string, args ...any) ([]models.User, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CreateQuestion(text string, userID int64) (models.Question, error) {
	row := s.db.QueryRow(
		"INSERT INTO questions (text, user_id) VALUES ($1, $2) RETURNING id, text, user_id, created_at",
		text, userID)
	return scanQuestion(row)
}

func (s *PostgresStore) GetQuestion(id int64) (models.Question, error) {
	row := s.db.QueryRow("SELECT id, text, user_id, created_at FROM questions WHERE id = $1", id)
	return scanQuestion(row)
}

func (s *PostgresStore) ListQuestions() ([]models.Question, error) {
	return s.queryQuestions("SELECT id, text, user_id, created_at FROM questions ORDER BY id")
}

func (s *PostgresStore) ListUnansweredQuestions() ([]models.Question, error) {
	return s.queryQuestions(`
		SELECT q.id, q.text, q.user_id, q.created_at FROM questions q
		WHERE NOT EXISTS (SELECT 1 FROM answers a WHERE a.question_id = q.id AND a.approved)
		ORDER BY q.id`)
}

func (s *PostgresStore) queryQuestions(query string, args ...any) ([]models.Question, error) {
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

func (s *PostgresStore) CreateAnswer(text string, questionID, userID int64) (models.Answer, error) {
	row := s.db.QueryRow(
		"INSERT INTO answers (text, question_id, user_id) VALUES ($1, $2, $3) RETURNING id, text, question_id, user_id, approved, created_at",
		text, questionID, userID)
	return scanPgAnswer(row)
}

func (s *PostgresStore) GetAnswer(id int64) (models.Answer, error) {
	row := s.db.QueryRow("SELECT id, text, question_id, user_id, approved, created_at FROM answers WHERE id = $1", id)
	return scanPgAnswer(row)
}

func (s *PostgresStore) ListAnswers() ([]models.Answer, error) {
	rows, err := s.db.Query("SELECT id, text, question_id, user_id, approved, created_at FROM answers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer rows.Close()
	var answers []models.Answer
	for rows.Next() {
		a, err := scanPgAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (s *PostgresStore) AppendAnswerText(id int64, segment string) (models.Answer, error) {
	row := s.db.QueryRow(
		"UPDATE answers SET text = text || $1 || $2 WHERE id = $3 RETURNING id, text, question_id, user_id, approved, created_at",
		models.AnswerSeparator, segment, id)
	return scanPgAnswer(row)
}

func (s *PostgresStore) ApproveAnswer(id int64) error {
	res, err := s.db.Exec("UPDATE answers SET approved = TRUE WHERE id = $1", id)
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

func (s *PostgresStore) ListApprovedQA() ([]QARecord, error) {
	rows, err := s.db.Query(`
		SELECT qu.name, q.text, au.name, a.text
		FROM answers a
		JOIN questions q ON q.id = a.question_id
		JOIN users qu ON qu.id = q.user_id
		JOIN users au ON au.id = a.user_id
		WHERE a.approved
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

func (s *PostgresStore) EnqueueOutboxMessage(msg models.OutboundMessage) (string, error) {
	tracking, err := encodeTracking(msg.Tracking)
	if err != nil {
		return "", err
	}
	id := newOutboxID()
	_, err = s.db.Exec(`
		INSERT INTO outbox_messages (id, recipient, body, tracking_json, status)
		VALUES ($1, $2, $3, $4, $5)`,
		id, msg.To, msg.Body, tracking, string(OutboxStatusQueued))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	// SKIP LOCKED keeps concurrent senders from claiming the same rows.
	rows, err := s.db.Query(`
		UPDATE outbox_messages SET status = $1, locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = $2 AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient, body, tracking_json, status, attempts, next_attempt_at, locked_at, last_error, created_at, updated_at`,
		string(OutboxStatusSending), string(OutboxStatusQueued), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due outbox messages: %w", err)
	}
	return collectOutboxMessages(rows)
}

func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		"UPDATE outbox_messages SET status = $1, locked_at = NULL, updated_at = NOW() WHERE id = $2",
		string(OutboxStatusSent), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE outbox_messages
		SET status = $1, attempts = attempts + 1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = NOW()
		WHERE id = $4`,
		string(OutboxStatusQueued), errMsg, nextAttemptAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		"UPDATE outbox_messages SET status = $1, locked_at = NULL, updated_at = NOW() WHERE status = $2 AND locked_at < $3",
		string(OutboxStatusQueued), string(OutboxStatusSending), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbox messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func scanPgUser(row rowScanner) (models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Name, &u.ChannelID, &u.Active, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, models.ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

func scanPgAnswer(row rowScanner) (models.Answer, error) {
	var a models.Answer
	if err := row.Scan(&a.ID, &a.Text, &a.QuestionID, &a.UserID, &a.Approved, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Answer{}, models.ErrAnswerNotFound
		}
		return models.Answer{}, fmt.Errorf("failed to scan answer: %w", err)
	}
	return a, nil
}
