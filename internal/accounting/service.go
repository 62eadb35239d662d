package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/subledger/internal/fiscal"
	"github.com/odyssey-erp/subledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	SourceDigest(ctx context.Context, tenantID, module string, ref uuid.UUID) (digest string, linked bool, err error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PostingGuard blocks journal postings into periods that are not open. The
// finder it receives reads through the posting transaction.
type PostingGuard interface {
	EnsurePostableIn(ctx context.Context, periods fiscal.PeriodFinder, tenantID string, date time.Time) error
}

// Service posts journal entries to the general ledger.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	guard  PostingGuard
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, guard PostingGuard, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, guard: guard, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostJournal validates and persists an ordinary journal entry. The entry date
// must fall in an open fiscal period of the tenant; the period stays share
// locked until the entry commits.
func (s *Service) PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if input.SourceModule == SourceOpeningBalance {
		return JournalEntry{}, fmt.Errorf("%w: source module %s is reserved", ErrInvalidPosting, SourceOpeningBalance)
	}
	entry, err := s.insert(ctx, input, true)
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, entry, "journal.post")
	return entry, nil
}

// PostOpeningBalances books a fiscal year's opening batch. The batch id is the
// source reference, so a replay of the applied batch is a no-op while a batch
// with different lines is a conflict.
func (s *Service) PostOpeningBalances(ctx context.Context, batch fiscal.OpeningBatch) error {
	if len(batch.Lines) == 0 {
		return fiscal.ErrNoLines
	}
	if batch.Debit != batch.Credit {
		return &fiscal.UnbalancedError{Debit: batch.Debit, Credit: batch.Credit}
	}
	posting := openingPosting(batch)
	entry, err := s.insert(ctx, posting, false)
	if errors.Is(err, ErrSourceAlreadyLinked) {
		digest, _, lookupErr := s.repo.SourceDigest(ctx, batch.TenantID, SourceOpeningBalance, batch.ID)
		if lookupErr != nil {
			return lookupErr
		}
		if digest != posting.SourceDigest {
			return fmt.Errorf("%w: batch %s was booked with different lines", fiscal.ErrConflict, batch.ID)
		}
		s.logger.Info("opening balance batch already linked", slog.String("tenant_id", batch.TenantID), slog.String("batch_id", batch.ID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	s.record(ctx, entry, "journal.opening_balances")
	return nil
}

// AppliedBatchDigest reports whether the opening batch has been booked and the
// digest of the lines it was booked with.
func (s *Service) AppliedBatchDigest(ctx context.Context, tenantID string, batchID uuid.UUID) (string, bool, error) {
	return s.repo.SourceDigest(ctx, tenantID, SourceOpeningBalance, batchID)
}

func (s *Service) insert(ctx context.Context, input PostingInput, guarded bool) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if guarded && s.guard != nil {
			if err := s.guard.EnsurePostableIn(ctx, tx, input.TenantID, input.Date); err != nil {
				return err
			}
		}
		inserted, err := tx.InsertJournalEntry(ctx, input)
		if err != nil {
			return err
		}
		if err := tx.InsertJournalLines(ctx, inserted.ID, input.Lines); err != nil {
			return err
		}
		if err := tx.LinkSource(ctx, input.TenantID, input.SourceModule, input.SourceID, inserted.ID, input.SourceDigest); err != nil {
			if errors.Is(err, ErrSourceConflict) {
				return ErrSourceAlreadyLinked
			}
			return err
		}
		inserted.Lines = toJournalLines(inserted.ID, input.Lines)
		entry = inserted
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (s *Service) record(ctx context.Context, entry JournalEntry, action string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: entry.TenantID,
		Actor:    entry.PostedBy,
		Action:   action,
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Meta: map[string]any{
			"number":        entry.Number,
			"source_module": entry.SourceModule,
			"source_id":     entry.SourceID.String(),
		},
		At: s.now(),
	})
	if err != nil {
		s.logger.Warn("audit write failed", slog.String("action", action), slog.Any("error", err))
	}
}
