package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/subledger/internal/fiscal"
	"github.com/odyssey-erp/subledger/internal/platform/db"
)

// Repository persists journal entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertJournalEntry(ctx context.Context, in PostingInput) (JournalEntry, error)
	InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error
	LinkSource(ctx context.Context, tenantID, module string, ref uuid.UUID, entryID int64, digest string) error
	FindPeriodByDate(ctx context.Context, tenantID string, date time.Time) (fiscal.FiscalPeriod, error)
}

type txRepository struct {
	tx pgx.Tx
}

// ErrSourceConflict indicates the source link already exists.
var ErrSourceConflict = errors.New("accounting: source link conflict")

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounting repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, pgx.RepeatableRead, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", fiscal.ErrStaleState, err)
	}
	return err
}

// SourceDigest returns the digest stored with a source link, if any.
func (r *Repository) SourceDigest(ctx context.Context, tenantID, module string, ref uuid.UUID) (string, bool, error) {
	var digest string
	err := r.pool.QueryRow(ctx, `SELECT digest FROM source_links WHERE tenant_id=$1 AND module=$2 AND ref_id=$3`,
		tenantID, module, ref).Scan(&digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return digest, true, nil
}

// FindPeriodByDate share-locks the covering period for the rest of the transaction.
func (r *txRepository) FindPeriodByDate(ctx context.Context, tenantID string, date time.Time) (fiscal.FiscalPeriod, error) {
	return fiscal.FindPeriodForShare(ctx, r.tx, tenantID, date)
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, in PostingInput) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (tenant_id, date, source_module, source_id, memo, posted_by)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, number, posted_at`, in.TenantID, in.Date, in.SourceModule, in.SourceID, in.Memo, in.PostedBy)
	entry := JournalEntry{
		TenantID:     in.TenantID,
		Date:         in.Date,
		SourceModule: in.SourceModule,
		SourceID:     in.SourceID,
		Memo:         in.Memo,
		PostedBy:     in.PostedBy,
	}
	if err := row.Scan(&entry.ID, &entry.Number, &entry.PostedAt); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO journal_lines (je_id, account_id, debit, credit) VALUES ($1,$2,$3::numeric,$4::numeric)`,
			entryID, line.AccountID, line.Debit.String(), line.Credit.String())
	}
	results := r.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range lines {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) LinkSource(ctx context.Context, tenantID, module string, ref uuid.UUID, entryID int64, digest string) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (tenant_id, module, ref_id, je_id, digest) VALUES ($1,$2,$3,$4,$5)`,
		tenantID, module, ref, entryID, digest)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_source_links" {
			return ErrSourceConflict
		}
		return err
	}
	return nil
}
