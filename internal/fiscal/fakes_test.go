package fiscal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/subledger/internal/accounting/accounts"
	"github.com/odyssey-erp/subledger/internal/shared"
)

// memoryStore serialises transactions under one mutex, which stands in for
// the row locks taken by the Postgres repository.
type memoryStore struct {
	mu          sync.Mutex
	years       map[YearKey]FiscalYear
	periods     map[PeriodKey]FiscalPeriod
	staleOnSave bool
	failMark    error
	commitErr   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{years: map[YearKey]FiscalYear{}, periods: map[PeriodKey]FiscalPeriod{}}
}

func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{store: m, years: map[YearKey]FiscalYear{}, periods: map[PeriodKey]FiscalPeriod{}}
	for k, v := range m.years {
		tx.years[k] = v
	}
	for k, v := range m.periods {
		tx.periods[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if m.commitErr != nil {
		return m.commitErr
	}
	m.years, m.periods = tx.years, tx.periods
	return nil
}

func (m *memoryStore) GetYear(ctx context.Context, key YearKey) (FiscalYear, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	y, ok := m.years[key]
	if !ok {
		return FiscalYear{}, ErrNotFound
	}
	return y, nil
}

func (m *memoryStore) ListPeriods(ctx context.Context, key YearKey) ([]FiscalPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FiscalPeriod
	for n := 1; n <= PeriodsPerYear; n++ {
		if p, ok := m.periods[PeriodKey{TenantID: key.TenantID, Year: key.Year, Period: n}]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryStore) GetPeriod(ctx context.Context, key PeriodKey) (FiscalPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[key]
	if !ok {
		return FiscalPeriod{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryStore) FindPeriodByDate(ctx context.Context, tenantID string, date time.Time) (FiscalPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.periods {
		if p.TenantID == tenantID && p.Covers(date) {
			return p, nil
		}
	}
	return FiscalPeriod{}, ErrNotFound
}

type memoryTx struct {
	store   *memoryStore
	years   map[YearKey]FiscalYear
	periods map[PeriodKey]FiscalPeriod
}

func (tx *memoryTx) GetYearForUpdate(ctx context.Context, key YearKey) (FiscalYear, error) {
	y, ok := tx.years[key]
	if !ok {
		return FiscalYear{}, ErrNotFound
	}
	return y, nil
}

func (tx *memoryTx) CountPeriods(ctx context.Context, key YearKey) (int, error) {
	n := 0
	for k := range tx.periods {
		if k.YearKey() == key {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) InsertYear(ctx context.Context, year FiscalYear, periods []FiscalPeriod) error {
	if _, ok := tx.years[year.Key()]; ok {
		return ErrAlreadyExists
	}
	tx.years[year.Key()] = year
	for _, p := range periods {
		tx.periods[p.Key()] = p
	}
	return nil
}

func (tx *memoryTx) GetPeriodForUpdate(ctx context.Context, key PeriodKey) (FiscalPeriod, error) {
	p, ok := tx.periods[key]
	if !ok {
		return FiscalPeriod{}, ErrNotFound
	}
	return p, nil
}

func (tx *memoryTx) SavePeriod(ctx context.Context, next FiscalPeriod, expected FiscalPeriod) error {
	current := tx.periods[next.Key()]
	if tx.store.staleOnSave || current.Status != expected.Status || current.Version != expected.Version {
		return ErrStaleState
	}
	next.Version = current.Version + 1
	tx.periods[next.Key()] = next
	return nil
}

func (tx *memoryTx) MarkOpeningBalancesPosted(ctx context.Context, key YearKey, batchID uuid.UUID, actor string, at time.Time) error {
	if tx.store.failMark != nil {
		return tx.store.failMark
	}
	y := tx.years[key]
	if y.OpeningBalancesPosted {
		return ErrConflict
	}
	y.OpeningBalancesPosted = true
	y.OpeningBatchID = &batchID
	tx.years[key] = y
	return nil
}

type directory map[int64]accounts.Account

func (d directory) GetAccount(ctx context.Context, tenantID string, id int64) (accounts.Account, error) {
	a, ok := d[id]
	if !ok || a.TenantID != tenantID {
		return accounts.Account{}, accounts.ErrAccountNotFound
	}
	return a, nil
}

const (
	acctCash      int64 = 1
	acctPayable   int64 = 2
	acctEquity    int64 = 3
	acctSales     int64 = 4
	acctRetired   int64 = 5
	acctInventory int64 = 6
)

func testDirectory() directory {
	return directory{
		acctCash:      {ID: acctCash, TenantID: "acme", Code: "1000", Name: "Cash", Type: accounts.AccountTypeAsset, IsActive: true},
		acctPayable:   {ID: acctPayable, TenantID: "acme", Code: "2000", Name: "Accounts Payable", Type: accounts.AccountTypeLiability, IsActive: true},
		acctEquity:    {ID: acctEquity, TenantID: "acme", Code: "3000", Name: "Capital", Type: accounts.AccountTypeEquity, IsActive: true},
		acctSales:     {ID: acctSales, TenantID: "acme", Code: "4000", Name: "Sales", Type: accounts.AccountTypeRevenue, IsActive: true},
		acctRetired:   {ID: acctRetired, TenantID: "acme", Code: "1900", Name: "Old Bank", Type: accounts.AccountTypeAsset, IsActive: false},
		acctInventory: {ID: acctInventory, TenantID: "acme", Code: "1300", Name: "Inventory", Type: accounts.AccountTypeAsset, IsActive: true},
	}
}

type fakePoster struct {
	mu      sync.Mutex
	posted  []OpeningBatch
	applied map[uuid.UUID]string
	postErr error
}

func newFakePoster() *fakePoster {
	return &fakePoster{applied: map[uuid.UUID]string{}}
}

func (p *fakePoster) PostOpeningBalances(ctx context.Context, batch OpeningBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.postErr != nil {
		return p.postErr
	}
	if _, ok := p.applied[batch.ID]; ok {
		return nil
	}
	p.applied[batch.ID] = batch.Digest()
	p.posted = append(p.posted, batch)
	return nil
}

func (p *fakePoster) AppliedBatchDigest(ctx context.Context, tenantID string, batchID uuid.UUID) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	digest, ok := p.applied[batchID]
	return digest, ok, nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return a.err
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	keys   []string
	events []Event
	err    error
}

func (e *recordingEvents) Publish(ctx context.Context, key string, event any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, key)
	e.events = append(e.events, event.(Event))
	return e.err
}

type countingCache struct {
	invalidated []YearKey
	fetches     int
}

func (c *countingCache) Fetch(ctx context.Context, key YearKey, loader func(context.Context) (YearSummary, error)) (YearSummary, error) {
	c.fetches++
	return loader(ctx)
}

func (c *countingCache) Invalidate(ctx context.Context, key YearKey) error {
	c.invalidated = append(c.invalidated, key)
	return nil
}

type stubLocker struct {
	held     bool
	released int
}

func (l *stubLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if l.held {
		return nil, shared.ErrLockHeld
	}
	return func() { l.released++ }, nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (m *recordingMetrics) ObserveFiscalOperation(operation, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string][]string{}
	}
	m.outcomes[operation] = append(m.outcomes[operation], result)
}

var errStoreDown = errors.New("store unavailable")
