package usecase

import (
	"context"
	"time"

	"message-debounce/internal/domain"
)

type BufferReader interface {
	QueryByUser(ctx context.Context, userID string, opts domain.QueryOptions) ([]domain.BufferedMessage, error)
}

type BufferStore interface {
	BufferReader
	DeleteBatch(ctx context.Context, userID string, timestamps []int64) error
}

type BufferAppender interface {
	Append(ctx context.Context, msg domain.BufferedMessage) error
}

type SessionWriter interface {
	CreateSession(ctx context.Context, session domain.ConsolidatedSession) error
}

type Locker interface {
	Acquire(ctx context.Context, userID, owner string, ttl time.Duration) error
	Release(ctx context.Context, userID, owner string) error
}
