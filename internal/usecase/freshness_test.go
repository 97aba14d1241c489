package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"message-debounce/internal/domain"
)

func newTestFreshness(t *testing.T, buf BufferReader, now int64) *FreshnessService {
	t.Helper()
	s, err := NewFreshnessService(buf, 30, time.Second, WithClock(clockAt(now)))
	require.NoError(t, err)
	return s
}

func TestNewFreshnessService_Validation(t *testing.T) {
	_, err := NewFreshnessService(nil, 30, time.Second)
	require.Error(t, err)

	s, err := NewFreshnessService(newMemStore(clockAt(0)), 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(defaultInactivityThreshold), s.threshold)
	require.Equal(t, defaultTimeout, s.timeout)
}

func TestEvaluateFreshness_ThresholdBoundary(t *testing.T) {
	latest := &domain.BufferedMessage{UserID: "u1", Timestamp: 100}
	cases := []struct {
		now  int64
		want domain.FreshnessResult
	}{
		{now: 100, want: domain.FreshnessResult{ShouldWait: true, WaitSeconds: 30, Reason: "30 seconds remaining"}},
		{now: 115, want: domain.FreshnessResult{ShouldWait: true, WaitSeconds: 15, Reason: "15 seconds remaining"}},
		{now: 129, want: domain.FreshnessResult{ShouldWait: true, WaitSeconds: 1, Reason: "1 seconds remaining"}},
		{now: 130, want: domain.FreshnessResult{Reason: domain.ReasonThresholdMet}},
		{now: 5000, want: domain.FreshnessResult{Reason: domain.ReasonThresholdMet}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, EvaluateFreshness(latest, tc.now, 30), "now=%d", tc.now)
	}
}

func TestEvaluateFreshness_NoMessages(t *testing.T) {
	require.Equal(t, domain.FreshnessResult{Reason: domain.ReasonNoMessages}, EvaluateFreshness(nil, 100, 30))
}

func TestEvaluateFreshness_WaitNeverNegative(t *testing.T) {
	for _, ts := range []int64{0, 1, 50, 100, 299} {
		latest := &domain.BufferedMessage{Timestamp: ts}
		for now := int64(0); now <= 300; now++ {
			res := EvaluateFreshness(latest, now, 30)
			require.GreaterOrEqual(t, res.WaitSeconds, int64(0))
			require.Equal(t, res.ShouldWait, res.WaitSeconds > 0)
		}
	}
}

func TestCheckFreshness_UsesNewestMessage(t *testing.T) {
	store := newMemStore(clockAt(115))
	seed(t, store,
		domain.BufferedMessage{UserID: "u1", Timestamp: 90},
		domain.BufferedMessage{UserID: "u1", Timestamp: 100},
		domain.BufferedMessage{UserID: "u2", Timestamp: 114},
	)
	s := newTestFreshness(t, store, 115)

	res, err := s.CheckFreshness(context.Background(), FreshnessInput{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, domain.FreshnessResult{ShouldWait: true, WaitSeconds: 15, Reason: "15 seconds remaining"}, res)
}

func TestCheckFreshness_ThresholdMet(t *testing.T) {
	store := newMemStore(clockAt(130))
	seed(t, store, domain.BufferedMessage{UserID: "u1", Timestamp: 100})
	s := newTestFreshness(t, store, 130)

	res, err := s.CheckFreshness(context.Background(), FreshnessInput{UserID: "u1"})
	require.NoError(t, err)
	require.False(t, res.ShouldWait)
	require.Zero(t, res.WaitSeconds)
	require.Equal(t, domain.ReasonThresholdMet, res.Reason)
}

func TestCheckFreshness_NoMessages(t *testing.T) {
	s := newTestFreshness(t, newMemStore(clockAt(100)), 100)
	res, err := s.CheckFreshness(context.Background(), FreshnessInput{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, domain.FreshnessResult{Reason: domain.ReasonNoMessages}, res)
}

func TestCheckFreshness_IgnoresExpired(t *testing.T) {
	store := newMemStore(clockAt(115))
	seed(t, store, domain.BufferedMessage{UserID: "u1", Timestamp: 110, ExpirationTime: 112})
	s := newTestFreshness(t, store, 115)

	res, err := s.CheckFreshness(context.Background(), FreshnessInput{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNoMessages, res.Reason)
}

func TestCheckFreshness_DoesNotMutate(t *testing.T) {
	store := newMemStore(clockAt(200))
	seed(t, store, domain.BufferedMessage{UserID: "u1", Timestamp: 100})
	s := newTestFreshness(t, store, 200)

	_, err := s.CheckFreshness(context.Background(), FreshnessInput{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, []int64{100}, store.buffered("u1"))
	require.Zero(t, store.sessionCount())
}

func TestCheckFreshness_StoreError(t *testing.T) {
	store := newMemStore(clockAt(100))
	store.queryErr = errors.New("ProvisionedThroughputExceededException")
	s := newTestFreshness(t, store, 100)

	_, err := s.CheckFreshness(context.Background(), FreshnessInput{UserID: "u1"})
	requireCode(t, err, ErrorStoreUnavailable)
	require.ErrorContains(t, err, "ProvisionedThroughputExceededException")
}

func TestCheckFreshness_EmptyUser(t *testing.T) {
	s := newTestFreshness(t, newMemStore(clockAt(100)), 100)
	_, err := s.CheckFreshness(context.Background(), FreshnessInput{UserID: "  "})
	requireCode(t, err, ErrorInvalidInput)
}
