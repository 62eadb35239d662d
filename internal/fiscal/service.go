package fiscal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/subledger/internal/shared"
)

// JournalPoster is the external journal pipeline that realises opening balances.
type JournalPoster interface {
	PostOpeningBalances(ctx context.Context, batch OpeningBatch) error
	// AppliedBatchDigest returns the content digest recorded for a booked batch.
	AppliedBatchDigest(ctx context.Context, tenantID string, batchID uuid.UUID) (digest string, applied bool, err error)
}

// AuditPort records period events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventPublisher emits lifecycle events to downstream projections.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// SummaryCache is a read-through projection of year summaries.
type SummaryCache interface {
	Fetch(ctx context.Context, key YearKey, loader func(context.Context) (YearSummary, error)) (YearSummary, error)
	Invalidate(ctx context.Context, key YearKey) error
}

// Locker serialises critical sections across service instances.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// MetricsRecorder counts service outcomes.
type MetricsRecorder interface {
	ObserveFiscalOperation(operation, result string)
}

// Event describes a period or year lifecycle change.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	TenantID string    `json:"tenant_id"`
	Year     int       `json:"year"`
	Period   int       `json:"period,omitempty"`
	Actor    string    `json:"actor"`
	Before   string    `json:"before,omitempty"`
	After    string    `json:"after,omitempty"`
	At       time.Time `json:"at"`
}

// Service coordinates fiscal years, period transitions and opening balances.
type Service struct {
	repo     RepositoryPort
	accounts AccountDirectory
	poster   JournalPoster
	audit    AuditPort
	logger   *slog.Logger
	events   EventPublisher
	cache    SummaryCache
	locker   Locker
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewService constructs the fiscal period service.
func NewService(repo RepositoryPort, accounts AccountDirectory, poster JournalPoster, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		accounts: accounts,
		poster:   poster,
		audit:    audit,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithEvents enables lifecycle event publishing.
func (s *Service) WithEvents(p EventPublisher) { s.events = p }

// WithCache enables the summary read-through cache.
func (s *Service) WithCache(c SummaryCache) { s.cache = c }

// WithLocker enables cross-instance locking of opening-balance posts.
func (s *Service) WithLocker(l Locker) { s.locker = l }

// WithMetrics enables outcome counters.
func (s *Service) WithMetrics(m MetricsRecorder) { s.metrics = m }

// CreateYear creates the fiscal year and its 12 open periods atomically.
func (s *Service) CreateYear(ctx context.Context, key YearKey, actor string) (year FiscalYear, err error) {
	defer func() { s.observe("create_year", err) }()
	if err := validateActor(actor); err != nil {
		return FiscalYear{}, err
	}
	if err := key.Validate(); err != nil {
		return FiscalYear{}, err
	}
	year, periods := NewYear(key, actor, s.now())
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetYearForUpdate(ctx, key); err == nil {
			n, err := tx.CountPeriods(ctx, key)
			if err != nil {
				return err
			}
			if n != PeriodsPerYear {
				return fmt.Errorf("%w: year %s has %d of %d periods", ErrFatal, key, n, PeriodsPerYear)
			}
			return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.InsertYear(ctx, year, periods)
	})
	if errors.Is(err, ErrStaleState) {
		err = fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	if err != nil {
		if errors.Is(err, ErrFatal) {
			s.logger.Error("fiscal year requires operator repair", slog.String("key", key.String()), slog.Any("error", err))
		}
		return FiscalYear{}, err
	}
	s.record(ctx, shared.AuditLog{
		TenantID: key.TenantID,
		Actor:    actor,
		Action:   "fiscal_year.create",
		Entity:   "fiscal_year",
		EntityID: key.String(),
		After:    string(PeriodStatusOpen),
		Meta:     map[string]any{"periods": PeriodsPerYear},
		At:       year.CreatedAt,
	})
	s.publish(ctx, Event{Type: "fiscal.year.created", TenantID: key.TenantID, Year: key.Year, Actor: actor, After: string(PeriodStatusOpen), At: year.CreatedAt})
	s.invalidate(ctx, key)
	return year, nil
}

// GetYear returns the fiscal year or ErrNotFound.
func (s *Service) GetYear(ctx context.Context, key YearKey) (FiscalYear, error) {
	if err := key.Validate(); err != nil {
		return FiscalYear{}, err
	}
	return s.repo.GetYear(ctx, key)
}

// ListPeriods returns the 12 periods of a year in order.
func (s *Service) ListPeriods(ctx context.Context, key YearKey) ([]FiscalPeriod, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	periods, err := s.repo.ListPeriods(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		if _, err := s.repo.GetYear(ctx, key); err != nil {
			return nil, err
		}
	}
	if len(periods) != PeriodsPerYear {
		err := fmt.Errorf("%w: year %s has %d of %d periods", ErrFatal, key, len(periods), PeriodsPerYear)
		s.logger.Error("fiscal year requires operator repair", slog.String("key", key.String()), slog.Any("error", err))
		return nil, err
	}
	return periods, nil
}

// GetPeriod returns a single period.
func (s *Service) GetPeriod(ctx context.Context, key PeriodKey) (FiscalPeriod, error) {
	if err := key.Validate(); err != nil {
		return FiscalPeriod{}, err
	}
	return s.repo.GetPeriod(ctx, key)
}

// ClosePeriod moves an open period to closed.
func (s *Service) ClosePeriod(ctx context.Context, key PeriodKey, actor string) (FiscalPeriod, error) {
	return s.transition(ctx, key, TransitionClose, actor)
}

// ReopenPeriod moves a closed period back to open.
func (s *Service) ReopenPeriod(ctx context.Context, key PeriodKey, actor string) (FiscalPeriod, error) {
	return s.transition(ctx, key, TransitionReopen, actor)
}

// LockPeriod permanently seals a closed period.
func (s *Service) LockPeriod(ctx context.Context, key PeriodKey, actor string) (FiscalPeriod, error) {
	return s.transition(ctx, key, TransitionLock, actor)
}

func (s *Service) transition(ctx context.Context, key PeriodKey, action Transition, actor string) (period FiscalPeriod, err error) {
	defer func() { s.observe(string(action)+"_period", err) }()
	if err := validateActor(actor); err != nil {
		return FiscalPeriod{}, err
	}
	if err := key.Validate(); err != nil {
		return FiscalPeriod{}, err
	}
	var before PeriodStatus
	at := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPeriodForUpdate(ctx, key)
		if err != nil {
			return err
		}
		next, err := Apply(current, action, actor, at)
		if err != nil {
			return err
		}
		if err := tx.SavePeriod(ctx, next, current); err != nil {
			return err
		}
		before = current.Status
		next.Version = current.Version + 1
		period = next
		return nil
	})
	if errors.Is(err, ErrStaleState) {
		err = fmt.Errorf("%w: %s changed concurrently, re-fetch and retry", ErrInvalidTransition, key)
	}
	if err != nil {
		return FiscalPeriod{}, err
	}
	s.record(ctx, shared.AuditLog{
		TenantID: key.TenantID,
		Actor:    actor,
		Action:   "fiscal_period." + string(action),
		Entity:   "fiscal_period",
		EntityID: key.String(),
		Before:   string(before),
		After:    string(period.Status),
		At:       at,
	})
	s.publish(ctx, Event{
		Type:     "fiscal.period." + pastTense(action),
		TenantID: key.TenantID,
		Year:     key.Year,
		Period:   key.Period,
		Actor:    actor,
		Before:   string(before),
		After:    string(period.Status),
		At:       at,
	})
	s.invalidate(ctx, key.YearKey())
	return period, nil
}

// PostOpeningBalances validates and posts the single opening-balance batch of a year.
func (s *Service) PostOpeningBalances(ctx context.Context, key YearKey, lines []OpeningBalanceLine, actor string) (batch OpeningBatch, err error) {
	defer func() { s.observe("post_opening_balances", err) }()
	if err := validateActor(actor); err != nil {
		return OpeningBatch{}, err
	}
	if err := key.Validate(); err != nil {
		return OpeningBatch{}, err
	}
	if s.poster == nil {
		return OpeningBatch{}, errors.New("fiscal: journal poster not configured")
	}
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.OpeningBalanceLockKey(key.TenantID, key.Year))
		if err != nil {
			return OpeningBatch{}, err
		}
		defer release()
	}
	at := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		year, err := tx.GetYearForUpdate(ctx, key)
		if err != nil {
			return err
		}
		validated, err := ValidateOpeningBalances(ctx, year, lines, s.accounts)
		if err != nil {
			return err
		}
		validated.Actor = actor
		digest, applied, err := s.poster.AppliedBatchDigest(ctx, key.TenantID, validated.ID)
		if err != nil {
			return err
		}
		switch {
		case !applied:
			if err := s.poster.PostOpeningBalances(ctx, validated); err != nil {
				return err
			}
		case digest != validated.Digest():
			s.logger.Warn("opening balance batch differs from the booked batch",
				slog.String("key", key.String()), slog.String("batch_id", validated.ID.String()))
			return fmt.Errorf("%w: a different batch is already booked for %s", ErrConflict, key)
		default:
			s.logger.Warn("opening balance batch already applied, completing flag",
				slog.String("key", key.String()), slog.String("batch_id", validated.ID.String()))
		}
		if err := tx.MarkOpeningBalancesPosted(ctx, key, validated.ID, actor, at); err != nil {
			return err
		}
		batch = validated
		return nil
	})
	if errors.Is(err, ErrStaleState) {
		err = fmt.Errorf("%w: concurrent post for %s", ErrConflict, key)
	}
	if err != nil {
		return OpeningBatch{}, err
	}
	s.record(ctx, shared.AuditLog{
		TenantID: key.TenantID,
		Actor:    actor,
		Action:   "fiscal_year.opening_balances",
		Entity:   "fiscal_year",
		EntityID: key.String(),
		Before:   "UNPOSTED",
		After:    "POSTED",
		Meta: map[string]any{
			"batch_id": batch.ID.String(),
			"digest":   batch.Digest(),
			"lines":    len(batch.Lines),
			"total":    batch.Debit.String(),
		},
		At: at,
	})
	s.publish(ctx, Event{Type: "fiscal.opening_balances.posted", TenantID: key.TenantID, Year: key.Year, Actor: actor, Before: "UNPOSTED", After: "POSTED", At: at})
	s.invalidate(ctx, key)
	return batch, nil
}

// RepairOpeningBalances sets the posted flag when the journal pipeline already
// applied the year's batch but the flag write was lost. It never posts.
func (s *Service) RepairOpeningBalances(ctx context.Context, key YearKey, actor string) (repaired bool, err error) {
	defer func() { s.observe("repair_opening_balances", err) }()
	if err := validateActor(actor); err != nil {
		return false, err
	}
	if s.poster == nil {
		return false, errors.New("fiscal: journal poster not configured")
	}
	batchID := OpeningBatchID(key)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		year, err := tx.GetYearForUpdate(ctx, key)
		if err != nil {
			return err
		}
		if year.OpeningBalancesPosted {
			return nil
		}
		_, applied, err := s.poster.AppliedBatchDigest(ctx, key.TenantID, batchID)
		if err != nil || !applied {
			return err
		}
		if err := tx.MarkOpeningBalancesPosted(ctx, key, batchID, actor, s.now()); err != nil {
			return err
		}
		repaired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if repaired {
		s.logger.Info("opening balance flag repaired", slog.String("key", key.String()), slog.String("batch_id", batchID.String()))
		s.invalidate(ctx, key)
	}
	return repaired, nil
}

// GetYearSummary counts period statuses for a year.
func (s *Service) GetYearSummary(ctx context.Context, key YearKey) (YearSummary, error) {
	if err := key.Validate(); err != nil {
		return YearSummary{}, err
	}
	load := func(ctx context.Context) (YearSummary, error) {
		year, err := s.repo.GetYear(ctx, key)
		if err != nil {
			return YearSummary{}, err
		}
		periods, err := s.ListPeriods(ctx, key)
		if err != nil {
			return YearSummary{}, err
		}
		return Summarize(year, periods), nil
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.Fetch(ctx, key, load)
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit write failed", slog.String("action", entry.Action), slog.String("entity_id", entry.EntityID), slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, evt Event) {
	if s.events == nil {
		return
	}
	evt.ID = uuid.New()
	if err := s.events.Publish(ctx, YearKey{TenantID: evt.TenantID, Year: evt.Year}.String(), evt); err != nil {
		s.logger.Warn("event publish failed", slog.String("type", evt.Type), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, key YearKey) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.Warn("summary cache invalidate failed", slog.String("key", key.String()), slog.Any("error", err))
	}
}

func (s *Service) observe(operation string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveFiscalOperation(operation, Kind(err))
	}
}

func validateActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return ErrActorRequired
	}
	return nil
}

func pastTense(action Transition) string {
	switch action {
	case TransitionClose:
		return "closed"
	case TransitionReopen:
		return "reopened"
	case TransitionLock:
		return "locked"
	}
	return string(action)
}
