// Package sqlite is a single-file backend for the buffer, session and lock
// stores, used for local runs of the debouncer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"message-debounce/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS buffer_messages (
	user_id         TEXT    NOT NULL,
	timestamp       INTEGER NOT NULL,
	message_id      TEXT    NOT NULL DEFAULT '',
	session_id      TEXT    NOT NULL DEFAULT '',
	channel         TEXT    NOT NULL DEFAULT '',
	payload         BLOB,
	expiration_time INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_buffer_session_id ON buffer_messages (session_id);

CREATE TABLE IF NOT EXISTS sessions (
	user_id               TEXT    NOT NULL,
	session_end_timestamp INTEGER NOT NULL,
	channel               TEXT    NOT NULL,
	batch_key             TEXT    NOT NULL,
	messages              TEXT    NOT NULL,
	PRIMARY KEY (user_id, session_end_timestamp)
);
CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions (channel);

CREATE TABLE IF NOT EXISTS batch_markers (
	user_id               TEXT    NOT NULL,
	batch_key             TEXT    NOT NULL,
	session_end_timestamp INTEGER NOT NULL,
	expires_at            INTEGER NOT NULL,
	PRIMARY KEY (user_id, batch_key)
);

CREATE TABLE IF NOT EXISTS locks (
	user_id    TEXT PRIMARY KEY,
	owner      TEXT    NOT NULL,
	expires_at INTEGER NOT NULL
);`

const defaultMarkerTTL = 7 * 24 * time.Hour

// Store implements the buffer, session and lock contracts on one database.
type Store struct {
	db        *sql.DB
	now       func() time.Time
	markerTTL time.Duration
}

// Open opens (creating if needed) the database at path and applies the schema.
// Batch markers live for markerTTL; zero selects seven days.
func Open(ctx context.Context, path string, markerTTL time.Duration) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: path must not be empty")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if markerTTL <= 0 {
		markerTTL = defaultMarkerTTL
	}
	return &Store{db: db, now: time.Now, markerTTL: markerTTL}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Append inserts msg, failing with domain.ErrDuplicateKey on a taken key.
func (s *Store) Append(ctx context.Context, msg domain.BufferedMessage) error {
	if strings.TrimSpace(msg.UserID) == "" {
		return errors.New("sqlite: Append: user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buffer_messages (user_id, timestamp, message_id, session_id, channel, payload, expiration_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.Timestamp, msg.MessageID, msg.SessionID, msg.Channel, msg.Payload, msg.ExpirationTime)
	if isConstraint(err) {
		return fmt.Errorf("sqlite: Append: %w", domain.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("sqlite: Append: %w", err)
	}
	return nil
}

// QueryByUser returns the user's unexpired messages ordered by timestamp.
func (s *Store) QueryByUser(ctx context.Context, userID string, opts domain.QueryOptions) ([]domain.BufferedMessage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("sqlite: QueryByUser: user id is required")
	}
	order := "ASC"
	if opts.Descending {
		order = "DESC"
	}
	query := selectBuffer + `
		WHERE user_id = ? AND (expiration_time = 0 OR expiration_time > ?)
		ORDER BY timestamp ` + order
	args := []any{userID, s.now().Unix()}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	msgs, err := s.queryBuffer(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: QueryByUser: %w", err)
	}
	return msgs, nil
}

// QueryBySession returns the unexpired messages tagged with sessionID across
// users, ordered by user and timestamp.
func (s *Store) QueryBySession(ctx context.Context, sessionID string) ([]domain.BufferedMessage, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("sqlite: QueryBySession: session id is required")
	}
	msgs, err := s.queryBuffer(ctx, selectBuffer+`
		WHERE session_id = ? AND (expiration_time = 0 OR expiration_time > ?)
		ORDER BY user_id, timestamp`, sessionID, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite: QueryBySession: %w", err)
	}
	return msgs, nil
}

const selectBuffer = `SELECT user_id, timestamp, message_id, session_id, channel, payload, expiration_time
		FROM buffer_messages`

func (s *Store) queryBuffer(ctx context.Context, query string, args ...any) ([]domain.BufferedMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.BufferedMessage
	for rows.Next() {
		var m domain.BufferedMessage
		if err := rows.Scan(&m.UserID, &m.Timestamp, &m.MessageID, &m.SessionID, &m.Channel, &m.Payload, &m.ExpirationTime); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteBatch removes exactly the given entries in one transaction.
func (s *Store) DeleteBatch(ctx context.Context, userID string, timestamps []int64) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("sqlite: DeleteBatch: user id is required")
	}
	if len(timestamps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: DeleteBatch begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM buffer_messages WHERE user_id = ? AND timestamp = ?`)
	if err != nil {
		return fmt.Errorf("sqlite: DeleteBatch prepare: %w", err)
	}
	defer stmt.Close()

	for _, ts := range timestamps {
		if _, err := stmt.ExecContext(ctx, userID, ts); err != nil {
			return fmt.Errorf("sqlite: DeleteBatch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: DeleteBatch commit: %w", err)
	}
	return nil
}

// PurgeExpired drops buffer entries and markers whose expiry has passed,
// standing in for the table TTL sweeper of the managed backend.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM buffer_messages WHERE expiration_time > 0 AND expiration_time <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: PurgeExpired: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM batch_markers WHERE expires_at <= ?`, now); err != nil {
		return 0, fmt.Errorf("sqlite: PurgeExpired markers: %w", err)
	}
	return res.RowsAffected()
}

// CreateSession writes the batch marker and the session atomically.
func (s *Store) CreateSession(ctx context.Context, session domain.ConsolidatedSession) error {
	if strings.TrimSpace(session.UserID) == "" {
		return errors.New("sqlite: CreateSession: user id is required")
	}
	if session.BatchKey == "" {
		return errors.New("sqlite: CreateSession: batch key is required")
	}
	payload, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("sqlite: CreateSession marshal: %w", err)
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: CreateSession begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM batch_markers WHERE user_id = ? AND batch_key = ? AND expires_at <= ?`,
		session.UserID, session.BatchKey, now.Unix()); err != nil {
		return fmt.Errorf("sqlite: CreateSession: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO batch_markers (user_id, batch_key, session_end_timestamp, expires_at) VALUES (?, ?, ?, ?)`,
		session.UserID, session.BatchKey, session.SessionEndTimestamp, now.Add(s.markerTTL).Unix())
	if isConstraint(err) {
		return fmt.Errorf("sqlite: CreateSession: %w", domain.ErrAlreadyConsolidated)
	}
	if err != nil {
		return fmt.Errorf("sqlite: CreateSession marker: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (user_id, session_end_timestamp, channel, batch_key, messages) VALUES (?, ?, ?, ?, ?)`,
		session.UserID, session.SessionEndTimestamp, session.Channel, session.BatchKey, string(payload))
	if isConstraint(err) {
		return fmt.Errorf("sqlite: CreateSession: %w", domain.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("sqlite: CreateSession: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: CreateSession commit: %w", err)
	}
	return nil
}

// ListSessions returns up to limit sessions for userID, newest first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]domain.ConsolidatedSession, error) {
	sessions, err := s.listSessions(ctx, "user_id = ?", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ListSessions: %w", err)
	}
	return sessions, nil
}

// ListSessionsByChannel returns up to limit sessions attributed to channel, newest first.
func (s *Store) ListSessionsByChannel(ctx context.Context, channel string, limit int) ([]domain.ConsolidatedSession, error) {
	sessions, err := s.listSessions(ctx, "channel = ?", channel, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ListSessionsByChannel: %w", err)
	}
	return sessions, nil
}

func (s *Store) listSessions(ctx context.Context, where, arg string, limit int) ([]domain.ConsolidatedSession, error) {
	if strings.TrimSpace(arg) == "" {
		return nil, errors.New("filter value is required")
	}
	query := `SELECT user_id, session_end_timestamp, channel, batch_key, messages
		FROM sessions WHERE ` + where + ` ORDER BY session_end_timestamp DESC`
	args := []any{arg}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.ConsolidatedSession
	for rows.Next() {
		var (
			sess domain.ConsolidatedSession
			raw  string
		)
		if err := rows.Scan(&sess.UserID, &sess.SessionEndTimestamp, &sess.Channel, &sess.BatchKey, &raw); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &sess.Messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Acquire takes the user's consolidation lease unless a live one exists.
func (s *Store) Acquire(ctx context.Context, userID, owner string, ttl time.Duration) error {
	if strings.TrimSpace(userID) == "" || owner == "" {
		return errors.New("sqlite: Acquire: user id and owner are required")
	}
	if ttl <= 0 {
		return errors.New("sqlite: Acquire: ttl must be positive")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (user_id, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ?`,
		userID, owner, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: Acquire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: Acquire: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: Acquire: %w", domain.ErrLockHeld)
	}
	return nil
}

// Release drops the lease if owner still holds it.
func (s *Store) Release(ctx context.Context, userID, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE user_id = ? AND owner = ?`, userID, owner); err != nil {
		return fmt.Errorf("sqlite: Release: %w", err)
	}
	return nil
}
