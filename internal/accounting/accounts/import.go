package accounts

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChartFile is the YAML layout accepted by the account import command.
type ChartFile struct {
	Tenant   string        `yaml:"tenant"`
	Accounts []ChartRecord `yaml:"accounts"`
}

// ChartRecord describes one account in the import file.
type ChartRecord struct {
	Code     string `yaml:"code"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Inactive bool   `yaml:"inactive"`
}

// ParseChart decodes and validates a chart-of-accounts file.
func ParseChart(r io.Reader) ([]Account, error) {
	var file ChartFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("accounts: decode chart: %w", err)
	}
	tenant := strings.TrimSpace(file.Tenant)
	if tenant == "" {
		return nil, fmt.Errorf("accounts: chart tenant required")
	}
	seen := make(map[string]struct{}, len(file.Accounts))
	out := make([]Account, 0, len(file.Accounts))
	for i, rec := range file.Accounts {
		code := strings.TrimSpace(rec.Code)
		if code == "" || strings.TrimSpace(rec.Name) == "" {
			return nil, fmt.Errorf("accounts: entry %d requires code and name", i+1)
		}
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("accounts: duplicate code %s", code)
		}
		seen[code] = struct{}{}
		typ, err := ParseAccountType(rec.Type)
		if err != nil {
			return nil, fmt.Errorf("accounts: entry %s: %w", code, err)
		}
		out = append(out, Account{
			TenantID: tenant,
			Code:     code,
			Name:     strings.TrimSpace(rec.Name),
			Type:     typ,
			IsActive: !rec.Inactive,
		})
	}
	return out, nil
}
