package fiscal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) *memoryStore {
	t.Helper()
	store := newMemoryStore()
	year, periods := NewYear(YearKey{TenantID: "acme", Year: 2025}, "alice", time.Now())
	store.years[year.Key()] = year
	for _, p := range periods {
		store.periods[p.Key()] = p
	}
	return store
}

func setStatus(store *memoryStore, period int, status PeriodStatus) {
	key := PeriodKey{TenantID: "acme", Year: 2025, Period: period}
	p := store.periods[key]
	p.Status = status
	store.periods[key] = p
}

func TestGuardDecisions(t *testing.T) {
	store := seededStore(t)
	setStatus(store, 3, PeriodStatusClosed)
	setStatus(store, 4, PeriodStatusLocked)
	guard := NewGuard(store)
	ctx := context.Background()

	cases := []struct {
		date    time.Time
		allowed bool
		reason  GuardReason
	}{
		{time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), true, ReasonOpen},
		{time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), false, ReasonClosed},
		{time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), false, ReasonLocked},
		{time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), false, ReasonNoPeriod},
	}
	for _, tc := range cases {
		d, err := guard.Check(ctx, "acme", tc.date)
		require.NoError(t, err)
		require.Equal(t, tc.allowed, d.Allowed, tc.date)
		require.Equal(t, tc.reason, d.Reason, tc.date)

		ok, err := guard.CanPost(ctx, "acme", tc.date)
		require.NoError(t, err)
		require.Equal(t, tc.allowed, ok)
	}
}

func TestGuardIsTenantScoped(t *testing.T) {
	guard := NewGuard(seededStore(t))
	ok, err := guard.CanPost(context.Background(), "globex", time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = guard.Check(context.Background(), " ", time.Now())
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestEnsurePostableErrors(t *testing.T) {
	store := seededStore(t)
	setStatus(store, 3, PeriodStatusClosed)
	guard := NewGuard(store)
	ctx := context.Background()

	require.NoError(t, guard.EnsurePostable(ctx, "acme", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))

	err := guard.EnsurePostable(ctx, "acme", time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, ErrPeriodNotOpen)
	require.Contains(t, err.Error(), "2025-03 is CLOSED")

	err = guard.EnsurePostable(ctx, "acme", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, ErrNoPeriod)
}

func TestEnsurePostableInUsesSuppliedFinder(t *testing.T) {
	pooled := seededStore(t)
	inTx := seededStore(t)
	setStatus(inTx, 3, PeriodStatusClosed)
	guard := NewGuard(pooled)
	ctx := context.Background()
	date := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, guard.EnsurePostable(ctx, "acme", date))
	require.ErrorIs(t, guard.EnsurePostableIn(ctx, inTx, "acme", date), ErrPeriodNotOpen)
	require.Error(t, NewGuard(nil).EnsurePostableIn(ctx, nil, "acme", date))
}
