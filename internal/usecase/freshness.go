package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"message-debounce/internal/domain"
)

const defaultInactivityThreshold = 30

type FreshnessInput struct {
	UserID string
}

// FreshnessService decides whether a user's buffer is still receiving
// messages. It never mutates the store.
type FreshnessService struct {
	buffer    BufferReader
	threshold int64
	timeout   time.Duration
	opts      options
}

// NewFreshnessService builds the oracle. Non-positive thresholdSeconds and
// timeout fall back to 30s and 10s.
func NewFreshnessService(buffer BufferReader, thresholdSeconds int, timeout time.Duration, opts ...Option) (*FreshnessService, error) {
	if buffer == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if thresholdSeconds <= 0 {
		thresholdSeconds = defaultInactivityThreshold
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FreshnessService{
		buffer:    buffer,
		threshold: int64(thresholdSeconds),
		timeout:   timeout,
		opts:      buildOptions(opts),
	}, nil
}

// CheckFreshness reports whether the scheduler should keep waiting before
// consolidating in.UserID. The answer is a point-in-time estimate; callers
// re-check after sleeping.
func (s *FreshnessService) CheckFreshness(ctx context.Context, in FreshnessInput) (domain.FreshnessResult, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return domain.FreshnessResult{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}

	ctx, span := s.opts.tracer.Start(ctx, "CheckFreshness", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	latest, err := s.buffer.QueryByUser(ctx, userID, domain.QueryOptions{Descending: true, Limit: 1})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "buffer query failed")
		return domain.FreshnessResult{}, newError(ErrorStoreUnavailable, "buffer_query_error", err)
	}

	var newest *domain.BufferedMessage
	if len(latest) > 0 {
		newest = &latest[0]
	}
	res := EvaluateFreshness(newest, s.opts.now().Unix(), s.threshold)

	span.SetAttributes(
		attribute.Bool("should_wait", res.ShouldWait),
		attribute.Int64("wait_seconds", res.WaitSeconds),
	)
	s.opts.logger.DebugContext(ctx, "freshness checked",
		slog.String("user_id", userID),
		slog.Bool("should_wait", res.ShouldWait),
		slog.Int64("wait_seconds", res.WaitSeconds),
	)
	return res, nil
}

// EvaluateFreshness is the decision rule: wait until thresholdSeconds have
// passed since the newest message. WaitSeconds is never negative.
func EvaluateFreshness(latest *domain.BufferedMessage, now, thresholdSeconds int64) domain.FreshnessResult {
	if latest == nil {
		return domain.FreshnessResult{Reason: domain.ReasonNoMessages}
	}
	remaining := thresholdSeconds - (now - latest.Timestamp)
	if remaining <= 0 {
		return domain.FreshnessResult{Reason: domain.ReasonThresholdMet}
	}
	return domain.FreshnessResult{
		ShouldWait:  true,
		WaitSeconds: remaining,
		Reason:      fmt.Sprintf("%d seconds remaining", remaining),
	}
}
