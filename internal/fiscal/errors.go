package fiscal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing fiscal year or period.
	ErrNotFound = errors.New("fiscal: not found")
	// ErrAlreadyExists indicates the fiscal year was created before.
	ErrAlreadyExists = errors.New("fiscal: fiscal year already exists")
	// ErrInvalidTransition indicates the period status forbids the action. Callers re-fetch before retrying.
	ErrInvalidTransition = errors.New("fiscal: invalid period transition")
	// ErrUnbalanced indicates debits and credits differ.
	ErrUnbalanced = errors.New("fiscal: opening balances must balance")
	// ErrInvalidAccountType indicates an income or expense account in an opening batch.
	ErrInvalidAccountType = errors.New("fiscal: opening balances accept balance-sheet accounts only")
	// ErrInactiveAccount indicates the account is disabled.
	ErrInactiveAccount = errors.New("fiscal: account inactive")
	// ErrUnknownAccount indicates the account directory has no such account.
	ErrUnknownAccount = errors.New("fiscal: account not found")
	// ErrInvalidLine indicates a line without exactly one non-zero side.
	ErrInvalidLine = errors.New("fiscal: invalid opening balance line")
	// ErrNoLines indicates an empty batch.
	ErrNoLines = errors.New("fiscal: opening balance batch has no lines")
	// ErrConflict indicates opening balances were already posted for the year.
	ErrConflict = errors.New("fiscal: opening balances already posted")
	// ErrFatal indicates a partially written fiscal year that needs operator repair.
	ErrFatal = errors.New("fiscal: fiscal year storage inconsistent")
	// ErrInvalidInput indicates a malformed identifier or payload.
	ErrInvalidInput = errors.New("fiscal: invalid input")
	// ErrActorRequired indicates a mutating call without caller identity.
	ErrActorRequired = errors.New("fiscal: actor required")
	// ErrStaleState indicates a compare-and-swap lost against a concurrent writer.
	ErrStaleState = errors.New("fiscal: period changed concurrently")
	// ErrNoPeriod indicates no fiscal period covers a posting date.
	ErrNoPeriod = errors.New("fiscal: no fiscal period covers date")
	// ErrPeriodNotOpen indicates the covering period refuses postings.
	ErrPeriodNotOpen = errors.New("fiscal: period is not open for posting")
)

// UnbalancedError carries the exact imbalance of a rejected batch.
type UnbalancedError struct {
	Debit  Amount
	Credit Amount
}

// Delta is the absolute difference between debits and credits.
func (e *UnbalancedError) Delta() Amount {
	return (e.Debit - e.Credit).Abs()
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("%s: off by %s", ErrUnbalanced.Error(), e.Delta().Display())
}

// Is lets errors.Is match ErrUnbalanced.
func (e *UnbalancedError) Is(target error) bool {
	return target == ErrUnbalanced
}

// LineError pins a validation failure to one line of a batch.
type LineError struct {
	Index     int
	AccountID int64
	Err       error
	Reason    string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s: line %d (account %d): %s", e.Err.Error(), e.Index+1, e.AccountID, e.Reason)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

func lineError(idx int, accountID int64, err error, format string, args ...any) error {
	return &LineError{Index: idx, AccountID: accountID, Err: err, Reason: fmt.Sprintf(format, args...)}
}

// Kind classifies an error for metrics labels and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrFatal):
		return "fatal"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleState):
		return "invalid_transition"
	case errors.Is(err, ErrUnbalanced):
		return "unbalanced"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidAccountType), errors.Is(err, ErrInactiveAccount), errors.Is(err, ErrUnknownAccount),
		errors.Is(err, ErrInvalidLine), errors.Is(err, ErrNoLines), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrActorRequired):
		return "validation"
	default:
		return "error"
	}
}
