package fiscal

import (
	"fmt"
	"time"
)

// Transition names a state machine action.
type Transition string

const (
	TransitionClose  Transition = "close"
	TransitionReopen Transition = "reopen"
	TransitionLock   Transition = "lock"
)

var transitions = map[Transition]struct {
	from PeriodStatus
	to   PeriodStatus
}{
	TransitionClose:  {from: PeriodStatusOpen, to: PeriodStatusClosed},
	TransitionReopen: {from: PeriodStatusClosed, to: PeriodStatusOpen},
	TransitionLock:   {from: PeriodStatusClosed, to: PeriodStatusLocked},
}

// CanTransition reports whether a status change is legal. Locked never leaves.
func CanTransition(from, to PeriodStatus) bool {
	for _, t := range transitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}

// Apply runs the named transition against the period and stamps the actor.
func Apply(p FiscalPeriod, action Transition, actor string, at time.Time) (FiscalPeriod, error) {
	rule, ok := transitions[action]
	if !ok {
		return FiscalPeriod{}, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if p.Status != rule.from {
		return FiscalPeriod{}, fmt.Errorf("%w: cannot %s period %s while %s", ErrInvalidTransition, action, p.Code(), p.Status)
	}
	next := p
	next.Status = rule.to
	who, when := actor, at
	switch action {
	case TransitionClose:
		next.ClosedBy, next.ClosedAt = &who, &when
	case TransitionReopen:
		next.ReopenedBy, next.ReopenedAt = &who, &when
	case TransitionLock:
		next.LockedBy, next.LockedAt = &who, &when
	}
	return next, nil
}

// Close moves an open period to closed.
func Close(p FiscalPeriod, actor string, at time.Time) (FiscalPeriod, error) {
	return Apply(p, TransitionClose, actor, at)
}

// Reopen moves a closed period back to open. Locked periods stay sealed.
func Reopen(p FiscalPeriod, actor string, at time.Time) (FiscalPeriod, error) {
	return Apply(p, TransitionReopen, actor, at)
}

// Lock seals a closed period permanently. Open periods must be closed first.
func Lock(p FiscalPeriod, actor string, at time.Time) (FiscalPeriod, error) {
	return Apply(p, TransitionLock, actor, at)
}
