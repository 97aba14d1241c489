package usecase

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"message-debounce/internal/domain"
)

const (
	defaultLockTTL = 60 * time.Second
	releaseTimeout = 2 * time.Second
	// maxSessionKeyAttempts bounds the +1s nudges on a taken session key.
	maxSessionKeyAttempts = 5
)

type ConsolidateInput struct {
	UserID string
}

// ConsolidateService rolls a user's buffer into one session record.
type ConsolidateService struct {
	buffer   BufferStore
	sessions SessionWriter
	locker   Locker
	lockTTL  time.Duration
	timeout  time.Duration
	opts     options

	consolidations metric.Int64Counter
	consolidated   metric.Int64Counter
	contention     metric.Int64Counter
}

// NewConsolidateService wires the consolidator. lockTTL must outlive timeout
// so a lease is never lost mid-operation; it is raised to twice the timeout
// otherwise.
func NewConsolidateService(buffer BufferStore, sessions SessionWriter, locker Locker, lockTTL, timeout time.Duration, opts ...Option) (*ConsolidateService, error) {
	if buffer == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if locker == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	if lockTTL <= timeout {
		lockTTL = 2 * timeout
	}

	s := &ConsolidateService{
		buffer:   buffer,
		sessions: sessions,
		locker:   locker,
		lockTTL:  lockTTL,
		timeout:  timeout,
		opts:     buildOptions(opts),
	}
	var err error
	if s.consolidations, err = s.opts.meter.Int64Counter("debounce.consolidations",
		metric.WithDescription("Consolidation attempts by outcome")); err != nil {
		return nil, fmt.Errorf("usecase: create counter: %w", err)
	}
	if s.consolidated, err = s.opts.meter.Int64Counter("debounce.messages_consolidated",
		metric.WithDescription("Buffered messages moved into sessions")); err != nil {
		return nil, fmt.Errorf("usecase: create counter: %w", err)
	}
	if s.contention, err = s.opts.meter.Int64Counter("debounce.lock_contention",
		metric.WithDescription("Consolidations rejected because another one was running")); err != nil {
		return nil, fmt.Errorf("usecase: create counter: %w", err)
	}
	return s, nil
}

// Consolidate snapshots the user's buffer, writes it as one session and then
// deletes exactly the snapshot's entries. Messages appended after the
// snapshot stay buffered for the next round.
func (s *ConsolidateService) Consolidate(ctx context.Context, in ConsolidateInput) (domain.ConsolidationResult, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return domain.ConsolidationResult{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}

	ctx, span := s.opts.tracer.Start(ctx, "Consolidate", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	res, err := s.consolidate(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "consolidation failed")
		s.consolidations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		return domain.ConsolidationResult{}, err
	}

	span.SetAttributes(
		attribute.String("status", res.Status),
		attribute.Int("message_count", res.MessageCount),
	)
	s.consolidations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", res.Status)))
	s.consolidated.Add(ctx, int64(res.MessageCount))
	return res, nil
}

func (s *ConsolidateService) consolidate(ctx context.Context, userID string) (domain.ConsolidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	owner := newOwnerToken()
	if err := s.locker.Acquire(ctx, userID, owner, s.lockTTL); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			s.contention.Add(ctx, 1)
			return domain.ConsolidationResult{}, newError(ErrorConsolidationInProgress, "lock_held", err)
		}
		return domain.ConsolidationResult{}, newError(ErrorStoreUnavailable, "lock_acquire_error", err)
	}
	defer s.release(ctx, userID, owner)

	msgs, err := s.buffer.QueryByUser(ctx, userID, domain.QueryOptions{})
	if err != nil {
		return domain.ConsolidationResult{}, newError(ErrorStoreUnavailable, "buffer_query_error", err)
	}
	if len(msgs) == 0 {
		return domain.ConsolidationResult{Status: domain.StatusNoMessagesFound}, nil
	}

	session := BuildSession(userID, msgs, s.opts.now().Unix())
	if err := s.writeSession(ctx, &session); err != nil {
		return domain.ConsolidationResult{}, err
	}

	// Only the snapshot's own keys; never a range delete.
	if err := s.buffer.DeleteBatch(ctx, userID, session.Timestamps()); err != nil {
		return domain.ConsolidationResult{}, newError(ErrorStoreUnavailable, "buffer_delete_error", err)
	}

	s.opts.logger.InfoContext(ctx, "session consolidated",
		slog.String("user_id", userID),
		slog.Int64("session_end_timestamp", session.SessionEndTimestamp),
		slog.String("channel", session.Channel),
		slog.Int("message_count", len(msgs)),
	)
	return domain.ConsolidationResult{
		Status:       domain.StatusSessionConsolidated,
		MessageCount: len(msgs),
	}, nil
}

// writeSession persists session, moving its end timestamp forward when the
// user already has a session at that second. A batch that was already
// written by an earlier attempt counts as written.
func (s *ConsolidateService) writeSession(ctx context.Context, session *domain.ConsolidatedSession) error {
	for attempt := 1; ; attempt++ {
		err := s.sessions.CreateSession(ctx, *session)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrAlreadyConsolidated):
			s.opts.logger.WarnContext(ctx, "batch already consolidated, clearing buffer",
				slog.String("user_id", session.UserID),
				slog.String("batch_key", session.BatchKey),
			)
			return nil
		case errors.Is(err, domain.ErrDuplicateKey) && attempt < maxSessionKeyAttempts:
			session.SessionEndTimestamp++
		case errors.Is(err, domain.ErrDuplicateKey):
			return newError(ErrorInternal, "session_key_exhausted", err)
		default:
			return newError(ErrorStoreUnavailable, "session_write_error", err)
		}
	}
}

// release runs on a context detached from the operation deadline so an
// expired deadline still frees the lease.
func (s *ConsolidateService) release(ctx context.Context, userID, owner string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.locker.Release(rctx, userID, owner); err != nil {
		s.opts.logger.WarnContext(ctx, "failed to release consolidation lock",
			slog.String("user_id", userID),
			slog.Any("err", err),
		)
	}
}

// BuildSession assembles the session for a snapshot. msgs must already be in
// ascending timestamp order.
func BuildSession(userID string, msgs []domain.BufferedMessage, now int64) domain.ConsolidatedSession {
	channel := msgs[len(msgs)-1].Channel
	if strings.TrimSpace(channel) == "" {
		channel = domain.UnknownChannel
	}
	return domain.ConsolidatedSession{
		UserID:              userID,
		SessionEndTimestamp: now,
		Channel:             channel,
		Messages:            slices.Clone(msgs),
		BatchKey:            BatchKey(userID, msgs),
	}
}

// BatchKey identifies a snapshot by its user and the exact entries in it, so a
// retried consolidation of the same snapshot maps to the same key while a
// later entry stored under a reused timestamp does not.
func BatchKey(userID string, msgs []domain.BufferedMessage) string {
	sorted := slices.Clone(msgs)
	slices.SortFunc(sorted, func(a, b domain.BufferedMessage) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), strings.Compare(a.MessageID, b.MessageID))
	})

	h := sha256.New()
	writeField(h, []byte(userID))
	for _, m := range sorted {
		writeField(h, strconv.AppendInt(nil, m.Timestamp, 10))
		writeField(h, []byte(m.MessageID))
		writeField(h, []byte(m.SessionID))
		writeField(h, []byte(m.Channel))
		writeField(h, m.Payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes b so adjacent fields cannot run together.
func writeField(h hash.Hash, b []byte) {
	var n [binary.MaxVarintLen64]byte
	h.Write(n[:binary.PutUvarint(n[:], uint64(len(b)))])
	h.Write(b)
}

var newOwnerToken = func() string {
	return uuid.NewString()
}
