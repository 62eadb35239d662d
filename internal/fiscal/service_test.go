package fiscal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/subledger/internal/shared"
)

var fixedNow = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

type serviceFixture struct {
	store   *memoryStore
	poster  *fakePoster
	audit   *recordingAudit
	events  *recordingEvents
	cache   *countingCache
	metrics *recordingMetrics
	svc     *Service
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:   newMemoryStore(),
		poster:  newFakePoster(),
		audit:   &recordingAudit{},
		events:  &recordingEvents{},
		cache:   &countingCache{},
		metrics: &recordingMetrics{},
	}
	f.svc = NewService(f.store, testDirectory(), f.poster, f.audit, nil)
	f.svc.WithNow(func() time.Time { return fixedNow })
	f.svc.WithEvents(f.events)
	f.svc.WithCache(f.cache)
	f.svc.WithMetrics(f.metrics)
	return f
}

var (
	key2025 = YearKey{TenantID: "acme", Year: 2025}
	march   = PeriodKey{TenantID: "acme", Year: 2025, Period: 3}
)

func balancedLines() []OpeningBalanceLine {
	return []OpeningBalanceLine{
		{AccountID: acctCash, Debit: Cents(100_000)},
		{AccountID: acctPayable, Credit: Cents(100_000)},
	}
}

func TestCreateYear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	year, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", year.CreatedBy)

	got, err := f.svc.GetYear(ctx, key2025)
	require.NoError(t, err)
	require.False(t, got.OpeningBalancesPosted)

	periods, err := f.svc.ListPeriods(ctx, key2025)
	require.NoError(t, err)
	require.Len(t, periods, PeriodsPerYear)
	for _, p := range periods {
		require.Equal(t, PeriodStatusOpen, p.Status)
	}

	require.Equal(t, []string{"fiscal_year.create"}, f.audit.actions())
	require.Len(t, f.events.events, 1)
	require.Equal(t, "fiscal.year.created", f.events.events[0].Type)
	require.Equal(t, "acme:2025", f.events.keys[0])
	require.Equal(t, []YearKey{key2025}, f.cache.invalidated)
	require.Equal(t, []string{"ok"}, f.metrics.outcomes["create_year"])
}

func TestCreateYearTwiceFailsAlreadyExists(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateYear(context.Background(), key2025, "alice")
	require.NoError(t, err)
	_, err = f.svc.CreateYear(context.Background(), key2025, "alice")
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.Equal(t, []string{"ok", "already_exists"}, f.metrics.outcomes["create_year"])
}

func TestCreateYearDetectsPartialWrite(t *testing.T) {
	f := newFixture(t)
	year, periods := NewYear(key2025, "alice", fixedNow)
	f.store.years[key2025] = year
	for _, p := range periods[:11] {
		f.store.periods[p.Key()] = p
	}

	_, err := f.svc.CreateYear(context.Background(), key2025, "alice")
	require.ErrorIs(t, err, ErrFatal)
	_, err = f.svc.ListPeriods(context.Background(), key2025)
	require.ErrorIs(t, err, ErrFatal)
	require.Len(t, f.store.periods, 11, "partial year must not be auto-completed")
}

func TestCreateYearValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateYear(context.Background(), key2025, "  ")
	require.ErrorIs(t, err, ErrActorRequired)
	_, err = f.svc.CreateYear(context.Background(), YearKey{TenantID: "acme", Year: 12}, "alice")
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, f.store.years)
}

func TestMissingYearAndPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetYear(context.Background(), key2025)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.ListPeriods(context.Background(), key2025)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.ClosePeriod(context.Background(), march, "bob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPeriodLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	closed, err := f.svc.ClosePeriod(ctx, march, "bob")
	require.NoError(t, err)
	require.Equal(t, PeriodStatusClosed, closed.Status)
	require.Equal(t, int64(2), closed.Version)

	_, err = f.svc.ClosePeriod(ctx, march, "bob")
	require.ErrorIs(t, err, ErrInvalidTransition)

	locked, err := f.svc.LockPeriod(ctx, march, "carol")
	require.NoError(t, err)
	require.Equal(t, PeriodStatusLocked, locked.Status)

	_, err = f.svc.ReopenPeriod(ctx, march, "dave")
	require.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := f.svc.GetPeriod(ctx, march)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusLocked, stored.Status)
	require.Equal(t, "bob", *stored.ClosedBy)
	require.Equal(t, "carol", *stored.LockedBy)

	require.Equal(t, []string{"fiscal_year.create", "fiscal_period.close", "fiscal_period.lock"}, f.audit.actions())
	last := f.audit.logs[len(f.audit.logs)-1]
	require.Equal(t, "CLOSED", last.Before)
	require.Equal(t, "LOCKED", last.After)
	require.Equal(t, fixedNow, last.At)
	require.Equal(t, "fiscal.period.locked", f.events.events[len(f.events.events)-1].Type)
}

func TestLockFromOpenFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateYear(context.Background(), key2025, "alice")
	require.NoError(t, err)
	_, err = f.svc.LockPeriod(context.Background(), march, "carol")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReopenRestoresPosting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)
	guard := NewGuard(f.store)
	midMarch := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	_, err = f.svc.ClosePeriod(ctx, march, "bob")
	require.NoError(t, err)
	ok, err := guard.CanPost(ctx, "acme", midMarch)
	require.NoError(t, err)
	require.False(t, ok)

	reopened, err := f.svc.ReopenPeriod(ctx, march, "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", *reopened.ReopenedBy)
	ok, err = guard.CanPost(ctx, "acme", midMarch)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConcurrentCloseSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateYear(context.Background(), key2025, "alice")
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ClosePeriod(context.Background(), march, "bob")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, ErrInvalidTransition)
	}
	require.Equal(t, 1, success)
}

func TestStaleCompareAndSwapSurfacesInvalidTransition(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateYear(context.Background(), key2025, "alice")
	require.NoError(t, err)
	f.store.staleOnSave = true

	_, err = f.svc.ClosePeriod(context.Background(), march, "bob")
	require.ErrorIs(t, err, ErrInvalidTransition)
	p, err := f.svc.GetPeriod(context.Background(), march)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusOpen, p.Status)
}

func TestAuditFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("audit store down")
	f.events.err = errors.New("broker down")
	_, err := f.svc.CreateYear(context.Background(), key2025, "alice")
	require.NoError(t, err)

	closed, err := f.svc.ClosePeriod(context.Background(), march, "bob")
	require.NoError(t, err)
	require.Equal(t, PeriodStatusClosed, closed.Status)
}

func TestPostOpeningBalancesScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	batch, err := f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.NoError(t, err)
	require.Equal(t, OpeningBatchID(key2025), batch.ID)
	require.Equal(t, "carol", batch.Actor)
	require.Len(t, f.poster.posted, 1)
	require.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), f.poster.posted[0].Date)

	year, err := f.svc.GetYear(ctx, key2025)
	require.NoError(t, err)
	require.True(t, year.OpeningBalancesPosted)
	require.Equal(t, batch.ID, *year.OpeningBatchID)

	require.Contains(t, f.audit.actions(), "fiscal_year.opening_balances")
	require.Equal(t, "fiscal.opening_balances.posted", f.events.events[len(f.events.events)-1].Type)
}

func TestPostOpeningBalancesTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	_, err = f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.NoError(t, err)
	_, err = f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.ErrorIs(t, err, ErrConflict)
	require.Len(t, f.poster.posted, 1)
	require.Equal(t, []string{"ok", "conflict"}, f.metrics.outcomes["post_opening_balances"])
}

func TestPostOpeningBalancesUnbalancedLeavesYearUnposted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	lines := balancedLines()
	lines[1].Credit = Cents(99_950)
	_, err = f.svc.PostOpeningBalances(ctx, key2025, lines, "carol")
	var unbalanced *UnbalancedError
	require.ErrorAs(t, err, &unbalanced)
	require.Equal(t, Cents(50), unbalanced.Delta())

	year, err := f.svc.GetYear(ctx, key2025)
	require.NoError(t, err)
	require.False(t, year.OpeningBalancesPosted)
	require.Empty(t, f.poster.posted)
}

func TestPostOpeningBalancesRejectsIncomeAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	lines := []OpeningBalanceLine{{AccountID: acctCash, Debit: Cents(500)}, {AccountID: acctSales, Credit: Cents(500)}}
	_, err = f.svc.PostOpeningBalances(ctx, key2025, lines, "carol")
	require.ErrorIs(t, err, ErrInvalidAccountType)
}

func TestPostOpeningBalancesPosterFailureKeepsFlagUnset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)
	f.poster.postErr = errStoreDown

	_, err = f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.ErrorIs(t, err, errStoreDown)
	year, _ := f.svc.GetYear(ctx, key2025)
	require.False(t, year.OpeningBalancesPosted)
}

func TestPostOpeningBalancesRetryAfterLostFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	f.store.failMark = errStoreDown
	_, err = f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.ErrorIs(t, err, errStoreDown)
	require.Len(t, f.poster.posted, 1)

	f.store.failMark = nil
	_, err = f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.NoError(t, err)
	require.Len(t, f.poster.posted, 1, "batch must reach the ledger exactly once")
	year, _ := f.svc.GetYear(ctx, key2025)
	require.True(t, year.OpeningBalancesPosted)
}

func TestPostOpeningBalancesRetryWithDifferentBatchConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	f.store.failMark = errStoreDown
	_, err = f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.ErrorIs(t, err, errStoreDown)
	f.store.failMark = nil

	other := []OpeningBalanceLine{
		{AccountID: acctCash, Debit: Cents(500)},
		{AccountID: acctEquity, Credit: Cents(500)},
	}
	_, err = f.svc.PostOpeningBalances(ctx, key2025, other, "carol")
	require.ErrorIs(t, err, ErrConflict)
	require.Len(t, f.poster.posted, 1)
	require.Equal(t, Cents(100_000), f.poster.posted[0].Debit)
	year, _ := f.svc.GetYear(ctx, key2025)
	require.False(t, year.OpeningBalancesPosted)
	require.NotContains(t, f.audit.actions(), "fiscal_year.opening_balances")

	reordered := balancedLines()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	batch, err := f.svc.PostOpeningBalances(ctx, key2025, reordered, "carol")
	require.NoError(t, err)
	require.Equal(t, Cents(100_000), batch.Debit)
	require.Len(t, f.poster.posted, 1)
}

func TestTransitionSerializationFailureIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	f.store.commitErr = translateTxError(&pgconn.PgError{Code: "40001", Message: "could not serialize access due to concurrent update"})
	_, err = f.svc.ClosePeriod(ctx, march, "bob")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Contains(t, err.Error(), "re-fetch")
	require.Equal(t, []string{"invalid_transition"}, f.metrics.outcomes["close_period"])

	f.store.commitErr = nil
	period, err := f.svc.GetPeriod(ctx, march)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusOpen, period.Status)
}

func TestCreateYearSerializationFailureIsAlreadyExists(t *testing.T) {
	f := newFixture(t)
	f.store.commitErr = translateTxError(&pgconn.PgError{Code: "40001"})
	_, err := f.svc.CreateYear(context.Background(), key2025, "alice")
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestPostOpeningBalancesSerializationFailureIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	f.store.failMark = translateTxError(&pgconn.PgError{Code: "40001"})
	_, err = f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, "conflict", Kind(err))
}

func TestRepairOpeningBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	repaired, err := f.svc.RepairOpeningBalances(ctx, key2025, "system")
	require.NoError(t, err)
	require.False(t, repaired, "nothing applied yet")

	f.poster.applied[OpeningBatchID(key2025)] = "booked-digest"
	repaired, err = f.svc.RepairOpeningBalances(ctx, key2025, "system")
	require.NoError(t, err)
	require.True(t, repaired)

	repaired, err = f.svc.RepairOpeningBalances(ctx, key2025, "system")
	require.NoError(t, err)
	require.False(t, repaired)
	require.Empty(t, f.poster.posted)
}

func TestPostOpeningBalancesRespectsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)

	locker := &stubLocker{held: true}
	f.svc.WithLocker(locker)
	_, err = f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.ErrorIs(t, err, shared.ErrLockHeld)

	locker.held = false
	_, err = f.svc.PostOpeningBalances(ctx, key2025, balancedLines(), "carol")
	require.NoError(t, err)
	require.Equal(t, 1, locker.released)
}

func TestConcurrentOpeningPostsApplyOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateYear(context.Background(), key2025, "alice")
	require.NoError(t, err)

	const callers = 6
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PostOpeningBalances(context.Background(), key2025, balancedLines(), "carol")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, ErrConflict)
	}
	require.Equal(t, 1, success)
	require.Len(t, f.poster.posted, 1)
}

func TestGetYearSummaryUsesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateYear(ctx, key2025, "alice")
	require.NoError(t, err)
	_, err = f.svc.ClosePeriod(ctx, march, "bob")
	require.NoError(t, err)

	summary, err := f.svc.GetYearSummary(ctx, key2025)
	require.NoError(t, err)
	require.Equal(t, 11, summary.OpenCount)
	require.Equal(t, 1, summary.ClosedCount)
	require.Zero(t, summary.LockedCount)
	require.False(t, summary.OpeningBalancesPosted)
	require.Equal(t, 1, f.cache.fetches)
}
