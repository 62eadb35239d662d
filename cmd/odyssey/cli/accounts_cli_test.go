package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/subledger/internal/accounting/accounts"
	"github.com/odyssey-erp/subledger/internal/auth"
)

type stubUpserter struct {
	got []accounts.Account
}

func (s *stubUpserter) Upsert(ctx context.Context, in []accounts.Account) (int, error) {
	s.got = append(s.got, in...)
	return len(in), nil
}

const chartYAML = `tenant: acme
accounts:
  - code: "1000"
    name: Cash
    type: asset
  - code: "2000"
    name: Accounts Payable
    type: LIABILITY
  - code: "4000"
    name: Sales
    type: revenue
    inactive: true
`

func writeChart(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestImportCommandJSONSuccess(t *testing.T) {
	store := &stubUpserter{}
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	code := NewAccountsCLI(store).ImportCommand(context.Background(), AccountsImportOptions{
		Path:       writeChart(t, chartYAML),
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, 0, code, stderr.String())

	var summary AccountsImportSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, AccountsImportSummary{Tenant: "acme", Parsed: 3, Written: 3, Balances: 2}, summary)
	require.Len(t, store.got, 3)
	require.Equal(t, accounts.AccountTypeAsset, store.got[0].Type)
	require.False(t, store.got[2].IsActive)
}

func TestImportCommandDryRunSkipsStore(t *testing.T) {
	store := &stubUpserter{}
	stdout := new(bytes.Buffer)
	code := NewAccountsCLI(store).ImportCommand(context.Background(), AccountsImportOptions{
		Path:   writeChart(t, chartYAML),
		DryRun: true,
		Stdout: stdout,
		Stderr: new(bytes.Buffer),
	})
	require.Equal(t, 0, code)
	require.Empty(t, store.got)
	require.Contains(t, stdout.String(), "(dry run)")
}

func TestImportCommandRejectsInvalidFile(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := NewAccountsCLI(&stubUpserter{}).ImportCommand(context.Background(), AccountsImportOptions{
		Path:   writeChart(t, "tenant: acme\naccounts:\n  - code: \"1\"\n    name: X\n    type: gadget\n"),
		Stdout: new(bytes.Buffer),
		Stderr: stderr,
	})
	require.Equal(t, 2, code)
	require.True(t, strings.Contains(stderr.String(), "unknown account type"))
}

func TestImportCommandRequiresPath(t *testing.T) {
	code := NewAccountsCLI(nil).ImportCommand(context.Background(), AccountsImportOptions{Stderr: new(bytes.Buffer)})
	require.Equal(t, 1, code)
}

func TestTokenCommandMintsParsableToken(t *testing.T) {
	stdout := new(bytes.Buffer)
	code := TokenCommand(TokenOptions{
		Secret:  "cli-secret",
		Tenant:  "acme",
		Subject: "ops",
		Role:    "controller",
		TTL:     time.Minute,
		Stdout:  stdout,
		Stderr:  new(bytes.Buffer),
	})
	require.Equal(t, 0, code)
	claims, err := auth.ParseJWT(strings.TrimSpace(stdout.String()), []byte("cli-secret"))
	require.NoError(t, err)
	require.Equal(t, "acme", claims.TenantID)
	require.Equal(t, "ops", claims.Subject)
}

func TestTokenCommandRejectsUnknownRole(t *testing.T) {
	code := TokenCommand(TokenOptions{Secret: "s", Tenant: "acme", Subject: "ops", Role: "root", Stderr: new(bytes.Buffer)})
	require.Equal(t, 1, code)
}
