package accounts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// ErrAccountNotFound indicates the account does not exist for the tenant.
var ErrAccountNotFound = errors.New("accounts: account not found")

// ParseAccountType validates a stored or imported account type.
func ParseAccountType(raw string) (AccountType, error) {
	t := AccountType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return t, nil
	}
	return "", fmt.Errorf("accounts: unknown account type %q", raw)
}

// IsBalanceSheet reports whether the type is a point-in-time position.
func (t AccountType) IsBalanceSheet() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity:
		return true
	}
	return false
}

// Account models a chart of accounts node.
type Account struct {
	ID        int64
	TenantID  string
	Code      string
	Name      string
	Type      AccountType
	ParentID  *int64
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
