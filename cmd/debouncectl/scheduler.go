package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"message-debounce/internal/domain"
	"message-debounce/internal/usecase"
)

const (
	maxConsolidateAttempts = 4
	retryBackoff           = time.Second
)

type freshnessChecker interface {
	CheckFreshness(ctx context.Context, in usecase.FreshnessInput) (domain.FreshnessResult, error)
}

type consolidator interface {
	Consolidate(ctx context.Context, in usecase.ConsolidateInput) (domain.ConsolidationResult, error)
}

// sleeper blocks for d or until ctx is done.
type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// debounce polls the freshness check until the user has gone quiet, then
// consolidates once, retrying only errors the usecase marks retryable.
func debounce(ctx context.Context, fresh freshnessChecker, cons consolidator, userID string, sleep sleeper) (domain.ConsolidationResult, error) {
	for {
		res, err := fresh.CheckFreshness(ctx, usecase.FreshnessInput{UserID: userID})
		if err != nil {
			return domain.ConsolidationResult{}, err
		}
		if !res.ShouldWait {
			slog.InfoContext(ctx, "debounce window closed", "user_id", userID, "reason", res.Reason)
			break
		}
		slog.InfoContext(ctx, "waiting for inactivity", "user_id", userID, "wait_seconds", res.WaitSeconds)
		if err := sleep(ctx, time.Duration(res.WaitSeconds)*time.Second); err != nil {
			return domain.ConsolidationResult{}, err
		}
	}

	for attempt := 1; ; attempt++ {
		out, err := cons.Consolidate(ctx, usecase.ConsolidateInput{UserID: userID})
		var ue *usecase.Error
		if err == nil || !errors.As(err, &ue) || !ue.Retryable() || attempt >= maxConsolidateAttempts {
			return out, err
		}
		slog.WarnContext(ctx, "consolidation retry", "user_id", userID, "attempt", attempt, "err", err)
		if err := sleep(ctx, retryBackoff<<(attempt-1)); err != nil {
			return domain.ConsolidationResult{}, err
		}
	}
}
