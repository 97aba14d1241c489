package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"message-debounce/internal/domain"
)

const (
	defaultBufferTTL  = 24 * time.Hour
	maxPayloadBytes   = 64 * 1024
	maxTimestampNudge = 10
)

type IngestInput struct {
	UserID    string
	SessionID string
	Channel   string
	Payload   []byte
}

type IngestOutput struct {
	UserID    string
	Timestamp int64
}

// IngestService appends inbound messages to the buffer, keeping timestamps
// unique per user.
type IngestService struct {
	buffer    BufferAppender
	bufferTTL time.Duration
	timeout   time.Duration
	opts      options
}

func NewIngestService(buffer BufferAppender, bufferTTL, timeout time.Duration, opts ...Option) (*IngestService, error) {
	if buffer == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if bufferTTL <= 0 {
		bufferTTL = defaultBufferTTL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &IngestService{
		buffer:    buffer,
		bufferTTL: bufferTTL,
		timeout:   timeout,
		opts:      buildOptions(opts),
	}, nil
}

// Ingest stores one message at the current second, moving to the next free
// second when the user already has a message there.
func (s *IngestService) Ingest(ctx context.Context, in IngestInput) (IngestOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return IngestOutput{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if len(in.Payload) > maxPayloadBytes {
		return IngestOutput{}, newError(ErrorInvalidInput, "payload_too_large", nil)
	}

	ctx, span := s.opts.tracer.Start(ctx, "Ingest", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := domain.BufferedMessage{
		UserID:    userID,
		Timestamp: s.opts.now().Unix(),
		MessageID: newMessageID(),
		SessionID: strings.TrimSpace(in.SessionID),
		Channel:   strings.TrimSpace(in.Channel),
		Payload:   in.Payload,
	}
	ttl := int64(s.bufferTTL / time.Second)

	for nudge := 0; ; nudge++ {
		msg.ExpirationTime = msg.Timestamp + ttl
		err := s.buffer.Append(ctx, msg)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrDuplicateKey) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "append failed")
			return IngestOutput{}, newError(ErrorStoreUnavailable, "buffer_append_error", err)
		}
		if nudge >= maxTimestampNudge {
			span.SetStatus(codes.Error, "no free timestamp")
			return IngestOutput{}, newError(ErrorInternal, "timestamp_nudge_exhausted", err)
		}
		msg.Timestamp++
	}

	span.SetAttributes(attribute.Int64("timestamp", msg.Timestamp))
	s.opts.logger.InfoContext(ctx, "message buffered",
		slog.String("user_id", userID),
		slog.Int64("timestamp", msg.Timestamp),
		slog.String("channel", msg.Channel),
	)
	return IngestOutput{UserID: userID, Timestamp: msg.Timestamp}, nil
}

var newMessageID = func() string {
	return uuid.NewString()
}
