package fiscal

import (
	"context"
	"errors"

	"github.com/odyssey-erp/subledger/internal/accounting/accounts"
)

// AccountDirectory resolves chart-of-accounts entries for validation.
type AccountDirectory interface {
	GetAccount(ctx context.Context, tenantID string, id int64) (accounts.Account, error)
}

// ValidateOpeningBalances checks a proposed batch against the year state and
// the account directory, returning the normalised batch dated to the year start.
func ValidateOpeningBalances(ctx context.Context, year FiscalYear, lines []OpeningBalanceLine, dir AccountDirectory) (OpeningBatch, error) {
	if year.OpeningBalancesPosted {
		return OpeningBatch{}, ErrConflict
	}
	if len(lines) == 0 {
		return OpeningBatch{}, ErrNoLines
	}
	if dir == nil {
		return OpeningBatch{}, errors.New("fiscal: account directory not configured")
	}
	batch := OpeningBatch{
		ID:       OpeningBatchID(year.Key()),
		TenantID: year.TenantID,
		Year:     year.Year,
		Date:     year.StartDate,
		Lines:    make([]OpeningBalanceLine, 0, len(lines)),
	}
	for idx, line := range lines {
		account, err := dir.GetAccount(ctx, year.TenantID, line.AccountID)
		if err != nil {
			if errors.Is(err, accounts.ErrAccountNotFound) {
				return OpeningBatch{}, lineError(idx, line.AccountID, ErrUnknownAccount, "unknown account")
			}
			return OpeningBatch{}, err
		}
		if !account.Type.IsBalanceSheet() {
			return OpeningBatch{}, lineError(idx, line.AccountID, ErrInvalidAccountType, "%s %s is a %s account", account.Code, account.Name, account.Type)
		}
		if !account.IsActive {
			return OpeningBatch{}, lineError(idx, line.AccountID, ErrInactiveAccount, "%s %s is inactive", account.Code, account.Name)
		}
		if line.Debit < 0 || line.Credit < 0 {
			return OpeningBatch{}, lineError(idx, line.AccountID, ErrInvalidLine, "amounts cannot be negative")
		}
		if line.Debit.IsZero() == line.Credit.IsZero() {
			return OpeningBatch{}, lineError(idx, line.AccountID, ErrInvalidLine, "exactly one of debit or credit must be non-zero")
		}
		debit, okDebit := batch.Debit.Add(line.Debit)
		credit, okCredit := batch.Credit.Add(line.Credit)
		if !okDebit || !okCredit {
			return OpeningBatch{}, lineError(idx, line.AccountID, ErrInvalidLine, "amount exceeds the ledger range")
		}
		line.AccountCode = account.Code
		line.AccountName = account.Name
		batch.Debit, batch.Credit = debit, credit
		batch.Lines = append(batch.Lines, line)
	}
	if batch.Debit != batch.Credit {
		return OpeningBatch{}, &UnbalancedError{Debit: batch.Debit, Credit: batch.Credit}
	}
	return batch, nil
}
