package fiscal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GuardReason explains a posting guard decision.
type GuardReason string

const (
	ReasonOpen     GuardReason = "OPEN"
	ReasonClosed   GuardReason = "CLOSED"
	ReasonLocked   GuardReason = "LOCKED"
	ReasonNoPeriod GuardReason = "NO_PERIOD"
)

// Decision is the outcome of a posting guard check.
type Decision struct {
	Allowed bool
	Reason  GuardReason
	Period  *FiscalPeriod
}

// PeriodFinder resolves the period covering a date.
type PeriodFinder interface {
	FindPeriodByDate(ctx context.Context, tenantID string, date time.Time) (FiscalPeriod, error)
}

// Guard gates journal postings on period status.
type Guard struct {
	periods PeriodFinder
}

// NewGuard constructs the posting guard.
func NewGuard(periods PeriodFinder) *Guard {
	return &Guard{periods: periods}
}

// Check resolves the covering period and decides whether postings are allowed.
func (g *Guard) Check(ctx context.Context, tenantID string, date time.Time) (Decision, error) {
	return check(ctx, g.periods, tenantID, date)
}

// CanPost reports whether a journal entry dated date may be posted.
func (g *Guard) CanPost(ctx context.Context, tenantID string, date time.Time) (bool, error) {
	d, err := g.Check(ctx, tenantID, date)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// EnsurePostable returns nil when posting is allowed, otherwise a descriptive error.
func (g *Guard) EnsurePostable(ctx context.Context, tenantID string, date time.Time) error {
	return ensurePostable(ctx, g.periods, tenantID, date)
}

// EnsurePostableIn is EnsurePostable against the supplied finder, typically
// the transaction that is about to write the journal entry.
func (g *Guard) EnsurePostableIn(ctx context.Context, periods PeriodFinder, tenantID string, date time.Time) error {
	return ensurePostable(ctx, periods, tenantID, date)
}

func check(ctx context.Context, periods PeriodFinder, tenantID string, date time.Time) (Decision, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Decision{}, fmt.Errorf("%w: tenant required", ErrInvalidInput)
	}
	if periods == nil {
		return Decision{}, errors.New("fiscal: period finder not configured")
	}
	period, err := periods.FindPeriodByDate(ctx, tenantID, date)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Decision{Reason: ReasonNoPeriod}, nil
		}
		return Decision{}, err
	}
	d := Decision{Period: &period}
	switch period.Status {
	case PeriodStatusOpen:
		d.Allowed, d.Reason = true, ReasonOpen
	case PeriodStatusClosed:
		d.Reason = ReasonClosed
	case PeriodStatusLocked:
		d.Reason = ReasonLocked
	}
	return d, nil
}

func ensurePostable(ctx context.Context, periods PeriodFinder, tenantID string, date time.Time) error {
	d, err := check(ctx, periods, tenantID, date)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonNoPeriod {
		return fmt.Errorf("%w: %s", ErrNoPeriod, date.Format(time.DateOnly))
	}
	return fmt.Errorf("%w: period %s is %s", ErrPeriodNotOpen, d.Period.Code(), d.Period.Status)
}
