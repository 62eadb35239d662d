package accounts

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/subledger/internal/platform/db"
)

// Repository is the Postgres-backed account directory.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const accountColumns = `id, tenant_id, code, name, type, parent_id, is_active, created_at, updated_at`

// GetAccount resolves one account of a tenant.
func (r *Repository) GetAccount(ctx context.Context, tenantID string, id int64) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (r *Repository) List(ctx context.Context, tenantID string) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 ORDER BY code`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Upsert inserts or updates accounts by (tenant, code) in one transaction.
func (r *Repository) Upsert(ctx context.Context, accounts []Account) (int, error) {
	n := 0
	err := db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		for _, a := range accounts {
			cmd, err := tx.Exec(ctx, `INSERT INTO accounts (tenant_id, code, name, type, is_active)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (tenant_id, code) DO UPDATE SET name=EXCLUDED.name, type=EXCLUDED.type, is_active=EXCLUDED.is_active, updated_at=NOW()`,
				a.TenantID, a.Code, a.Name, string(a.Type), a.IsActive)
			if err != nil {
				return err
			}
			n += int(cmd.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a   Account
		typ string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.Code, &a.Name, &typ, &a.ParentID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	t, err := ParseAccountType(typ)
	if err != nil {
		return Account{}, err
	}
	a.Type = t
	return a, nil
}
