package accounting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/subledger/internal/fiscal"
)

// SourceOpeningBalance marks journals created from a fiscal year's opening batch.
const SourceOpeningBalance = "OPENING_BALANCE"

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID           int64
	TenantID     string
	Number       int64
	Date         time.Time
	SourceModule string
	SourceID     uuid.UUID
	Memo         string
	PostedBy     string
	PostedAt     time.Time
	Lines        []JournalLine
}

// JournalLine stores debit or credit amount for an account.
type JournalLine struct {
	JournalID int64
	AccountID int64
	Debit     fiscal.Amount
	Credit    fiscal.Amount
}

// PostingLineInput describes a journal line for posting request.
type PostingLineInput struct {
	AccountID int64
	Debit     fiscal.Amount
	Credit    fiscal.Amount
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	TenantID     string
	Date         time.Time
	SourceModule string
	SourceID     uuid.UUID
	Memo         string
	PostedBy     string
	Lines        []PostingLineInput
	// SourceDigest fingerprints the source document and is stored with its link.
	SourceDigest string
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("accounting: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("accounting: journal requires at least two lines")
	// ErrSourceAlreadyLinked indicates idempotency conflict.
	ErrSourceAlreadyLinked = errors.New("accounting: source already linked")
	// ErrInvalidPosting wraps malformed posting input.
	ErrInvalidPosting = errors.New("accounting: invalid posting")
)

// Validate ensures posting input meets minimum criteria.
func (in PostingInput) Validate() error {
	if strings.TrimSpace(in.TenantID) == "" {
		return fmt.Errorf("%w: tenant required", ErrInvalidPosting)
	}
	if strings.TrimSpace(in.PostedBy) == "" {
		return fmt.Errorf("%w: posted_by required", ErrInvalidPosting)
	}
	if in.Date.IsZero() {
		return fmt.Errorf("%w: date required", ErrInvalidPosting)
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	var debit, credit fiscal.Amount
	for idx, line := range in.Lines {
		if line.AccountID == 0 {
			return fmt.Errorf("%w: line %d missing account", ErrInvalidPosting, idx)
		}
		if line.Debit < 0 || line.Credit < 0 {
			return fmt.Errorf("%w: line %d negative amount", ErrInvalidPosting, idx)
		}
		if line.Debit.IsZero() == line.Credit.IsZero() {
			return fmt.Errorf("%w: line %d needs exactly one of debit or credit", ErrInvalidPosting, idx)
		}
		var okDebit, okCredit bool
		debit, okDebit = debit.Add(line.Debit)
		credit, okCredit = credit.Add(line.Credit)
		if !okDebit || !okCredit {
			return fmt.Errorf("%w: line %d amount exceeds the ledger range", ErrInvalidPosting, idx)
		}
	}
	if debit != credit {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit, credit)
	}
	if in.SourceModule == "" {
		return fmt.Errorf("%w: source module required", ErrInvalidPosting)
	}
	if in.SourceID == uuid.Nil {
		return fmt.Errorf("%w: source id required", ErrInvalidPosting)
	}
	return nil
}

// openingPosting converts a validated opening batch into a journal posting.
// Opening batches are dated on the first day of the year and may carry a
// single line per account, so the two-line minimum does not apply.
func openingPosting(batch fiscal.OpeningBatch) PostingInput {
	lines := make([]PostingLineInput, 0, len(batch.Lines))
	for _, l := range batch.Lines {
		lines = append(lines, PostingLineInput{AccountID: l.AccountID, Debit: l.Debit, Credit: l.Credit})
	}
	return PostingInput{
		TenantID:     batch.TenantID,
		Date:         batch.Date,
		SourceModule: SourceOpeningBalance,
		SourceID:     batch.ID,
		Memo:         fmt.Sprintf("Opening balances FY%d", batch.Year),
		PostedBy:     batch.Actor,
		Lines:        lines,
		SourceDigest: batch.Digest(),
	}
}

func toJournalLines(entryID int64, lines []PostingLineInput) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, JournalLine{
			JournalID: entryID,
			AccountID: line.AccountID,
			Debit:     line.Debit,
			Credit:    line.Credit,
		})
	}
	return out
}
