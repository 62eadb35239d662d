package fiscal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PeriodStatus enumerates valid period states.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
	PeriodStatusLocked PeriodStatus = "LOCKED"
)

// PeriodsPerYear is the fixed number of monthly periods in a fiscal year.
const PeriodsPerYear = 12

// ParsePeriodStatus validates a raw status value read from storage or input.
func ParsePeriodStatus(raw string) (PeriodStatus, error) {
	switch PeriodStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case PeriodStatusOpen:
		return PeriodStatusOpen, nil
	case PeriodStatusClosed:
		return PeriodStatusClosed, nil
	case PeriodStatusLocked:
		return PeriodStatusLocked, nil
	}
	return "", fmt.Errorf("%w: unknown period status %q", ErrInvalidInput, raw)
}

// YearKey identifies a fiscal year of a tenant.
type YearKey struct {
	TenantID string
	Year     int
}

// Validate checks the key is addressable.
func (k YearKey) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return fmt.Errorf("%w: tenant required", ErrInvalidInput)
	}
	if k.Year < 1900 || k.Year > 9999 {
		return fmt.Errorf("%w: year %d out of range", ErrInvalidInput, k.Year)
	}
	return nil
}

func (k YearKey) String() string {
	return fmt.Sprintf("%s:%d", k.TenantID, k.Year)
}

// PeriodKey identifies one monthly period of a fiscal year.
type PeriodKey struct {
	TenantID string
	Year     int
	Period   int
}

// YearKey returns the owning year key.
func (k PeriodKey) YearKey() YearKey {
	return YearKey{TenantID: k.TenantID, Year: k.Year}
}

// Validate checks the key is addressable.
func (k PeriodKey) Validate() error {
	if err := k.YearKey().Validate(); err != nil {
		return err
	}
	if k.Period < 1 || k.Period > PeriodsPerYear {
		return fmt.Errorf("%w: period %d out of range 1-12", ErrInvalidInput, k.Period)
	}
	return nil
}

func (k PeriodKey) String() string {
	return fmt.Sprintf("%s:%d-%02d", k.TenantID, k.Year, k.Period)
}

// FiscalYear is a 12-period accounting year for one tenant.
type FiscalYear struct {
	TenantID              string
	Year                  int
	StartDate             time.Time
	EndDate               time.Time
	OpeningBalancesPosted bool
	OpeningBatchID        *uuid.UUID
	CreatedBy             string
	CreatedAt             time.Time
}

// Key returns the year key.
func (y FiscalYear) Key() YearKey {
	return YearKey{TenantID: y.TenantID, Year: y.Year}
}

// FiscalPeriod is one monthly window of a fiscal year.
type FiscalPeriod struct {
	TenantID   string
	Year       int
	Period     int
	StartDate  time.Time
	EndDate    time.Time
	Status     PeriodStatus
	ClosedBy   *string
	ClosedAt   *time.Time
	ReopenedBy *string
	ReopenedAt *time.Time
	LockedBy   *string
	LockedAt   *time.Time
	Version    int64
}

// Key returns the period key.
func (p FiscalPeriod) Key() PeriodKey {
	return PeriodKey{TenantID: p.TenantID, Year: p.Year, Period: p.Period}
}

// Code renders the period as YYYY-MM.
func (p FiscalPeriod) Code() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Period)
}

// Covers reports whether the date falls inside the period window.
func (p FiscalPeriod) Covers(date time.Time) bool {
	d := dateOnly(date)
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

// NewYear builds a fiscal year and its 12 open periods spanning Jan 1 - Dec 31.
func NewYear(key YearKey, actor string, now time.Time) (FiscalYear, []FiscalPeriod) {
	start := time.Date(key.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	year := FiscalYear{
		TenantID:  key.TenantID,
		Year:      key.Year,
		StartDate: start,
		EndDate:   time.Date(key.Year, time.December, 31, 0, 0, 0, 0, time.UTC),
		CreatedBy: actor,
		CreatedAt: now,
	}
	periods := make([]FiscalPeriod, 0, PeriodsPerYear)
	for month := 1; month <= PeriodsPerYear; month++ {
		first := time.Date(key.Year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		periods = append(periods, FiscalPeriod{
			TenantID:  key.TenantID,
			Year:      key.Year,
			Period:    month,
			StartDate: first,
			EndDate:   first.AddDate(0, 1, -1),
			Status:    PeriodStatusOpen,
			Version:   1,
		})
	}
	return year, periods
}

// YearSummary aggregates period statuses for a fiscal year.
type YearSummary struct {
	TenantID              string `json:"tenant_id"`
	Year                  int    `json:"year"`
	OpenCount             int    `json:"open_count"`
	ClosedCount           int    `json:"closed_count"`
	LockedCount           int    `json:"locked_count"`
	OpeningBalancesPosted bool   `json:"opening_balances_posted"`
}

// Summarize counts statuses across the supplied periods.
func Summarize(year FiscalYear, periods []FiscalPeriod) YearSummary {
	summary := YearSummary{
		TenantID:              year.TenantID,
		Year:                  year.Year,
		OpeningBalancesPosted: year.OpeningBalancesPosted,
	}
	for _, p := range periods {
		switch p.Status {
		case PeriodStatusOpen:
			summary.OpenCount++
		case PeriodStatusClosed:
			summary.ClosedCount++
		case PeriodStatusLocked:
			summary.LockedCount++
		}
	}
	return summary
}

// OpeningBalanceLine is one account position of an opening-balance batch.
type OpeningBalanceLine struct {
	AccountID   int64
	AccountCode string
	AccountName string
	Debit       Amount
	Credit      Amount
}

// OpeningBatch is an accepted batch handed to the journal pipeline.
type OpeningBatch struct {
	ID       uuid.UUID
	TenantID string
	Year     int
	Date     time.Time
	Actor    string
	Lines    []OpeningBalanceLine
	Debit    Amount
	Credit   Amount
}

var openingBatchNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("odyssey.fiscal.opening_balance"))

// OpeningBatchID derives the batch identifier for a year. The id is the ledger
// source reference, so at most one batch per year can ever be booked. Whether a
// retry carries the same content is decided by Digest.
func OpeningBatchID(key YearKey) uuid.UUID {
	return uuid.NewSHA1(openingBatchNamespace, []byte(fmt.Sprintf("%s:%d:OPENING_BALANCE", key.TenantID, key.Year)))
}

// Digest fingerprints the batch content independent of line order.
func (b OpeningBatch) Digest() string {
	parts := make([]string, 0, len(b.Lines))
	for _, l := range b.Lines {
		parts = append(parts, fmt.Sprintf("%d:%d:%d", l.AccountID, l.Debit, l.Credit))
	}
	slices.Sort(parts)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", b.TenantID, b.Year, strings.Join(parts, ";"))))
	return hex.EncodeToString(sum[:])
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
