package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/subledger/internal/platform/db"
)

// RepositoryPort abstracts the period store.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetYear(ctx context.Context, key YearKey) (FiscalYear, error)
	ListPeriods(ctx context.Context, key YearKey) ([]FiscalPeriod, error)
	GetPeriod(ctx context.Context, key PeriodKey) (FiscalPeriod, error)
	FindPeriodByDate(ctx context.Context, tenantID string, date time.Time) (FiscalPeriod, error)
}

// TxRepository exposes operations bound to a single transaction.
type TxRepository interface {
	GetYearForUpdate(ctx context.Context, key YearKey) (FiscalYear, error)
	CountPeriods(ctx context.Context, key YearKey) (int, error)
	InsertYear(ctx context.Context, year FiscalYear, periods []FiscalPeriod) error
	GetPeriodForUpdate(ctx context.Context, key PeriodKey) (FiscalPeriod, error)
	SavePeriod(ctx context.Context, next FiscalPeriod, expected FiscalPeriod) error
	MarkOpeningBalancesPosted(ctx context.Context, key YearKey, batchID uuid.UUID, actor string, at time.Time) error
}

// Repository persists fiscal years and periods in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("fiscal repository not initialised")
	}
	return translateTxError(db.WithTx(ctx, r.pool, pgx.RepeatableRead, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	}))
}

// translateTxError turns a serialization failure into ErrStaleState. Under
// repeatable read the loser of two row-locked writers is aborted with 40001;
// callers re-fetch and see the winner's state.
func translateTxError(err error) error {
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrStaleState, err)
	}
	return err
}

const yearColumns = `tenant_id, year, start_date, end_date, opening_balances_posted, opening_batch_id, created_by, created_at`

const periodColumns = `tenant_id, year, period, start_date, end_date, status, closed_by, closed_at,
reopened_by, reopened_at, locked_by, locked_at, version`

// GetYear loads a fiscal year.
func (r *Repository) GetYear(ctx context.Context, key YearKey) (FiscalYear, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+yearColumns+` FROM fiscal_years WHERE tenant_id=$1 AND year=$2`, key.TenantID, key.Year)
	return scanYear(row)
}

// ListPeriods returns the periods of a year ordered by period number.
func (r *Repository) ListPeriods(ctx context.Context, key YearKey) ([]FiscalPeriod, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE tenant_id=$1 AND year=$2 ORDER BY period`, key.TenantID, key.Year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []FiscalPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// GetPeriod loads a single period.
func (r *Repository) GetPeriod(ctx context.Context, key PeriodKey) (FiscalPeriod, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE tenant_id=$1 AND year=$2 AND period=$3`, key.TenantID, key.Year, key.Period)
	return scanPeriod(row)
}

// FindPeriodForShare resolves the period covering date inside tx and holds a
// share lock on it until tx ends, so no transition can commit underneath.
func FindPeriodForShare(ctx context.Context, tx pgx.Tx, tenantID string, date time.Time) (FiscalPeriod, error) {
	row := tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE tenant_id=$1 AND $2::date BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1 FOR SHARE`, tenantID, dateOnly(date))
	return scanPeriod(row)
}

// FindPeriodByDate returns the period covering the supplied date regardless of status.
func (r *Repository) FindPeriodByDate(ctx context.Context, tenantID string, date time.Time) (FiscalPeriod, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE tenant_id=$1 AND $2::date BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1`, tenantID, dateOnly(date))
	return scanPeriod(row)
}

// IncompleteYear reports a fiscal year whose period rows are not exactly twelve.
type IncompleteYear struct {
	TenantID string
	Year     int
	Periods  int
}

// ListIncompleteYears scans for partially written fiscal years.
func (r *Repository) ListIncompleteYears(ctx context.Context) ([]IncompleteYear, error) {
	rows, err := r.pool.Query(ctx, `SELECT y.tenant_id, y.year, COUNT(p.period)
FROM fiscal_years y LEFT JOIN fiscal_periods p ON p.tenant_id=y.tenant_id AND p.year=y.year
GROUP BY y.tenant_id, y.year HAVING COUNT(p.period) <> $1 ORDER BY y.tenant_id, y.year`, PeriodsPerYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IncompleteYear
	for rows.Next() {
		var iy IncompleteYear
		if err := rows.Scan(&iy.TenantID, &iy.Year, &iy.Periods); err != nil {
			return nil, err
		}
		out = append(out, iy)
	}
	return out, rows.Err()
}

// ListUnflaggedOpeningBatches returns years still marked unposted, used by the repair job.
func (r *Repository) ListUnflaggedOpeningBatches(ctx context.Context) ([]YearKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id, year FROM fiscal_years WHERE opening_balances_posted = FALSE ORDER BY tenant_id, year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []YearKey
	for rows.Next() {
		var key YearKey
		if err := rows.Scan(&key.TenantID, &key.Year); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (r *txRepository) GetYearForUpdate(ctx context.Context, key YearKey) (FiscalYear, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+yearColumns+` FROM fiscal_years WHERE tenant_id=$1 AND year=$2 FOR UPDATE`, key.TenantID, key.Year)
	return scanYear(row)
}

func (r *txRepository) CountPeriods(ctx context.Context, key YearKey) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM fiscal_periods WHERE tenant_id=$1 AND year=$2`, key.TenantID, key.Year).Scan(&n)
	return n, err
}

// InsertYear writes the year and its periods; the caller's transaction makes the 13 rows all-or-nothing.
func (r *txRepository) InsertYear(ctx context.Context, year FiscalYear, periods []FiscalPeriod) error {
	if len(periods) != PeriodsPerYear {
		return ErrFatal
	}
	_, err := r.tx.Exec(ctx, `INSERT INTO fiscal_years (tenant_id, year, start_date, end_date, opening_balances_posted, created_by, created_at)
VALUES ($1,$2,$3,$4,FALSE,$5,$6)`, year.TenantID, year.Year, year.StartDate, year.EndDate, year.CreatedBy, year.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	batch := &pgx.Batch{}
	for _, p := range periods {
		batch.Queue(`INSERT INTO fiscal_periods (tenant_id, year, period, start_date, end_date, status, version)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, p.TenantID, p.Year, p.Period, p.StartDate, p.EndDate, string(p.Status), p.Version)
	}
	results := r.tx.SendBatch(ctx, batch)
	for range periods {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return err
		}
	}
	return results.Close()
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, key PeriodKey) (FiscalPeriod, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE tenant_id=$1 AND year=$2 AND period=$3 FOR UPDATE`, key.TenantID, key.Year, key.Period)
	return scanPeriod(row)
}

// SavePeriod performs a compare-and-swap on status and version.
func (r *txRepository) SavePeriod(ctx context.Context, next FiscalPeriod, expected FiscalPeriod) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE fiscal_periods SET status=$4, closed_by=$5, closed_at=$6, reopened_by=$7, reopened_at=$8,
locked_by=$9, locked_at=$10, version=version+1, updated_at=NOW()
WHERE tenant_id=$1 AND year=$2 AND period=$3 AND status=$11 AND version=$12`,
		next.TenantID, next.Year, next.Period, string(next.Status), next.ClosedBy, next.ClosedAt, next.ReopenedBy, next.ReopenedAt,
		next.LockedBy, next.LockedAt, string(expected.Status), expected.Version)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

// MarkOpeningBalancesPosted flips the posted flag only when it is still false.
func (r *txRepository) MarkOpeningBalancesPosted(ctx context.Context, key YearKey, batchID uuid.UUID, actor string, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE fiscal_years SET opening_balances_posted=TRUE, opening_batch_id=$3, opening_posted_by=$4, opening_posted_at=$5
WHERE tenant_id=$1 AND year=$2 AND opening_balances_posted=FALSE`, key.TenantID, key.Year, batchID, actor, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func scanYear(row pgx.Row) (FiscalYear, error) {
	var (
		y       FiscalYear
		batchID pgtype.UUID
	)
	err := row.Scan(&y.TenantID, &y.Year, &y.StartDate, &y.EndDate, &y.OpeningBalancesPosted, &batchID, &y.CreatedBy, &y.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalYear{}, ErrNotFound
		}
		return FiscalYear{}, err
	}
	if batchID.Valid {
		id := uuid.UUID(batchID.Bytes)
		y.OpeningBatchID = &id
	}
	return y, nil
}

func scanPeriod(row pgx.Row) (FiscalPeriod, error) {
	var (
		p      FiscalPeriod
		status string
	)
	err := row.Scan(&p.TenantID, &p.Year, &p.Period, &p.StartDate, &p.EndDate, &status, &p.ClosedBy, &p.ClosedAt,
		&p.ReopenedBy, &p.ReopenedAt, &p.LockedBy, &p.LockedAt, &p.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalPeriod{}, ErrNotFound
		}
		return FiscalPeriod{}, err
	}
	if p.Status, err = ParsePeriodStatus(status); err != nil {
		return FiscalPeriod{}, err
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
