package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/subledger/internal/fiscal"
	jobmetrics "github.com/odyssey-erp/subledger/internal/jobs"
)

// IncompleteYearLister reports fiscal years whose period count is wrong.
type IncompleteYearLister interface {
	ListIncompleteYears(ctx context.Context) ([]fiscal.IncompleteYear, error)
}

// YearIntegrityJob logs partially written fiscal years for operator repair.
// It never writes; completing a year by hand is an operator decision.
type YearIntegrityJob struct {
	Store   IncompleteYearLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewYearIntegrityJob initialises the integrity scan handler.
func NewYearIntegrityJob(store IncompleteYearLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *YearIntegrityJob {
	return &YearIntegrityJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle executes the integrity scan.
func (j *YearIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("integrity scan: handler not configured")
	}
	var payload IntegrityScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskFiscalIntegrityScan)
	defer func() { resultErr = tracker.End(resultErr) }()

	start := time.Now()
	logger := j.logger()
	years, err := j.Store.ListIncompleteYears(ctx)
	if err != nil {
		logger.Error("integrity scan failed", slog.Any("error", err))
		return err
	}
	found := 0
	for _, y := range years {
		if payload.TenantID != "" && y.TenantID != payload.TenantID {
			continue
		}
		found++
		logger.Error("fiscal year requires operator repair",
			slog.String("tenant_id", y.TenantID),
			slog.Int("year", y.Year),
			slog.Int("periods", y.Periods),
			slog.Int("expected", fiscal.PeriodsPerYear),
		)
	}
	j.Metrics.AddInconsistentYears(found)
	logger.Info("completed integrity scan", slog.Int("inconsistent", found), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *YearIntegrityJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default().With(slog.String("job", TaskFiscalIntegrityScan))
	}
	return j.Logger.With(slog.String("job", TaskFiscalIntegrityScan))
}
