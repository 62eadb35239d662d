package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/odyssey-erp/subledger/internal/accounting/accounts"
)

// AccountUpserter persists imported accounts.
type AccountUpserter interface {
	Upsert(ctx context.Context, accounts []accounts.Account) (int, error)
}

// AccountsCLI loads chart-of-accounts files into the account directory.
type AccountsCLI struct {
	store AccountUpserter
}

// NewAccountsCLI constructs the helper.
func NewAccountsCLI(store AccountUpserter) *AccountsCLI {
	return &AccountsCLI{store: store}
}

// AccountsImportOptions defines flags for the accounts import command.
type AccountsImportOptions struct {
	Path       string
	DryRun     bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// AccountsImportSummary is the JSON result of an import.
type AccountsImportSummary struct {
	Tenant   string `json:"tenant"`
	Parsed   int    `json:"parsed"`
	Written  int    `json:"written"`
	DryRun   bool   `json:"dry_run"`
	Balances int    `json:"balance_sheet_accounts"`
}

// ImportCommand parses the YAML file and upserts its accounts. Exit codes:
// 0 success, 1 usage or I/O error, 2 invalid file.
func (c *AccountsCLI) ImportCommand(ctx context.Context, opts AccountsImportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Path == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "accounts import: -file is required")
		return 1
	}
	f, err := os.Open(opts.Path)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "accounts import: %v\n", err)
		return 1
	}
	defer f.Close()

	parsed, err := accounts.ParseChart(f)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "accounts import: %v\n", err)
		return 2
	}
	summary := AccountsImportSummary{Parsed: len(parsed), DryRun: opts.DryRun}
	for _, a := range parsed {
		summary.Tenant = a.TenantID
		if a.Type.IsBalanceSheet() {
			summary.Balances++
		}
	}
	if !opts.DryRun {
		if c == nil || c.store == nil {
			_, _ = fmt.Fprintln(opts.Stderr, "accounts import: store not configured")
			return 1
		}
		written, err := c.store.Upsert(ctx, parsed)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "accounts import: %v\n", err)
			return 1
		}
		summary.Written = written
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "accounts import: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Tenant %s: %d account(s) parsed, %d balance-sheet, %d written", summary.Tenant, summary.Parsed, summary.Balances, summary.Written)
	if opts.DryRun {
		_, _ = fmt.Fprint(opts.Stdout, " (dry run)")
	}
	_, _ = fmt.Fprintln(opts.Stdout)
	return 0
}
