package accounts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAccountType(t *testing.T) {
	typ, err := ParseAccountType(" asset ")
	require.NoError(t, err)
	require.Equal(t, AccountTypeAsset, typ)
	require.True(t, typ.IsBalanceSheet())

	typ, err = ParseAccountType("Revenue")
	require.NoError(t, err)
	require.False(t, typ.IsBalanceSheet())

	_, err = ParseAccountType("CONTRA")
	require.ErrorContains(t, err, "unknown account type")
}

func TestParseChart(t *testing.T) {
	doc := `
tenant: acme
accounts:
  - code: "1000"
    name: Cash
    type: asset
  - code: "3000"
    name: " Retained Earnings "
    type: EQUITY
  - code: "9000"
    name: Legacy
    type: expense
    inactive: true
`
	got, err := ParseChart(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, Account{TenantID: "acme", Code: "1000", Name: "Cash", Type: AccountTypeAsset, IsActive: true}, got[0])
	require.Equal(t, "Retained Earnings", got[1].Name)
	require.False(t, got[2].IsActive)
}

func TestParseChartRejects(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want string
	}{
		"missing tenant": {
			doc:  "accounts:\n  - {code: '1', name: Cash, type: asset}\n",
			want: "tenant required",
		},
		"duplicate code": {
			doc:  "tenant: acme\naccounts:\n  - {code: '1', name: Cash, type: asset}\n  - {code: '1', name: Bank, type: asset}\n",
			want: "duplicate code 1",
		},
		"missing name": {
			doc:  "tenant: acme\naccounts:\n  - {code: '1', type: asset}\n",
			want: "requires code and name",
		},
		"bad type": {
			doc:  "tenant: acme\naccounts:\n  - {code: '1', name: Cash, type: contra}\n",
			want: "unknown account type",
		},
		"unknown field": {
			doc:  "tenant: acme\ncurrency: IDR\n",
			want: "decode chart",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChart(strings.NewReader(tc.doc))
			require.ErrorContains(t, err, tc.want)
		})
	}
}
