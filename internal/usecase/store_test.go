package usecase

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"message-debounce/internal/domain"
)

type lease struct {
	owner   string
	expires int64
}

// memStore is an in-memory buffer, session and lock store with the same
// conditional semantics as the real backends.
type memStore struct {
	mu       sync.Mutex
	clock    func() time.Time
	buffer   map[string]map[int64]domain.BufferedMessage
	sessions []domain.ConsolidatedSession
	markers  map[string]bool
	locks    map[string]lease

	queryErr  error
	appendErr error
	createErr error
	deleteErr error
	// deleteLimit > 0 deletes only that many keys before failing with
	// deleteErr, like a chunked delete that dies after its first chunk.
	deleteLimit int
	// afterQuery runs once a snapshot has been read, outside the store lock.
	afterQuery func()

	releases int
}

func newMemStore(clock func() time.Time) *memStore {
	return &memStore{
		clock:   clock,
		buffer:  map[string]map[int64]domain.BufferedMessage{},
		markers: map[string]bool{},
		locks:   map[string]lease{},
	}
}

func (m *memStore) Append(ctx context.Context, msg domain.BufferedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if m.buffer[msg.UserID] == nil {
		m.buffer[msg.UserID] = map[int64]domain.BufferedMessage{}
	}
	if _, ok := m.buffer[msg.UserID][msg.Timestamp]; ok {
		return domain.ErrDuplicateKey
	}
	m.buffer[msg.UserID][msg.Timestamp] = msg
	return nil
}

func (m *memStore) QueryByUser(ctx context.Context, userID string, opts domain.QueryOptions) ([]domain.BufferedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := m.snapshot(userID, opts)
	if err != nil {
		return nil, err
	}
	if m.afterQuery != nil {
		hook := m.afterQuery
		m.afterQuery = nil
		hook()
	}
	return msgs, nil
}

func (m *memStore) snapshot(userID string, opts domain.QueryOptions) ([]domain.BufferedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	now := m.clock().Unix()
	var msgs []domain.BufferedMessage
	for _, msg := range m.buffer[userID] {
		if !msg.Expired(now) {
			msgs = append(msgs, msg)
		}
	}
	slices.SortFunc(msgs, func(a, b domain.BufferedMessage) int {
		if opts.Descending {
			return int(b.Timestamp - a.Timestamp)
		}
		return int(a.Timestamp - b.Timestamp)
	})
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[:opts.Limit]
	}
	return msgs, nil
}

func (m *memStore) DeleteBatch(ctx context.Context, userID string, timestamps []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil && m.deleteLimit == 0 {
		return m.deleteErr
	}
	for i, ts := range timestamps {
		if m.deleteLimit > 0 && i == m.deleteLimit {
			return m.deleteErr
		}
		delete(m.buffer[userID], ts)
	}
	return nil
}

func (m *memStore) CreateSession(ctx context.Context, s domain.ConsolidatedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.markers[s.UserID+"/"+s.BatchKey] {
		return domain.ErrAlreadyConsolidated
	}
	for _, existing := range m.sessions {
		if existing.UserID == s.UserID && existing.SessionEndTimestamp == s.SessionEndTimestamp {
			return domain.ErrDuplicateKey
		}
	}
	m.markers[s.UserID+"/"+s.BatchKey] = true
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *memStore) Acquire(ctx context.Context, userID, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().Unix()
	if l, ok := m.locks[userID]; ok && l.expires > now {
		return domain.ErrLockHeld
	}
	m.locks[userID] = lease{owner: owner, expires: now + int64(ttl/time.Second)}
	return nil
}

func (m *memStore) Release(ctx context.Context, userID, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	if l, ok := m.locks[userID]; ok && l.owner == owner {
		delete(m.locks, userID)
	}
	return nil
}

func (m *memStore) buffered(userID string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ts []int64
	for t := range m.buffer[userID] {
		ts = append(ts, t)
	}
	slices.Sort(ts)
	return ts
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func clockAt(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *usecase.Error, got %v", err)
	require.Equal(t, code, ue.Code)
}

func seed(t *testing.T, m *memStore, msgs ...domain.BufferedMessage) {
	t.Helper()
	for _, msg := range msgs {
		require.NoError(t, m.Append(context.Background(), msg))
	}
}
