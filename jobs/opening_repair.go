package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/subledger/internal/fiscal"
	jobmetrics "github.com/odyssey-erp/subledger/internal/jobs"
)

// SystemActor is recorded on writes made by background jobs.
const SystemActor = "system:opening-repair"

// UnpostedYearLister lists years whose opening-balance flag is unset.
type UnpostedYearLister interface {
	ListUnflaggedOpeningBatches(ctx context.Context) ([]fiscal.YearKey, error)
}

// OpeningRepairer sets the flag when the batch was already applied.
type OpeningRepairer interface {
	RepairOpeningBalances(ctx context.Context, key fiscal.YearKey, actor string) (bool, error)
}

// OpeningRepairJob closes the gap left when a batch was booked but the
// posted flag write failed.
type OpeningRepairJob struct {
	store    UnpostedYearLister
	repairer OpeningRepairer
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewOpeningRepairJob initialises the repair handler.
func NewOpeningRepairJob(store UnpostedYearLister, repairer OpeningRepairer, logger *slog.Logger, metrics *jobmetrics.Metrics) *OpeningRepairJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpeningRepairJob{store: store, repairer: repairer, logger: logger, metrics: metrics}
}

// Handle executes the repair run. Per-year failures are logged and the run
// continues; the task fails if any year failed so asynq retries it.
func (j *OpeningRepairJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.store == nil || j.repairer == nil {
		return errors.New("opening repair: handler not configured")
	}
	var payload OpeningRepairPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.metrics.Track(TaskFiscalOpeningRepair)
	defer func() { resultErr = tracker.End(resultErr) }()

	logger := j.logger.With(slog.String("job", TaskFiscalOpeningRepair))
	keys, err := j.store.ListUnflaggedOpeningBatches(ctx)
	if err != nil {
		return err
	}
	repaired := 0
	var failures []error
	for _, key := range keys {
		if payload.TenantID != "" && key.TenantID != payload.TenantID {
			continue
		}
		ok, err := j.repairer.RepairOpeningBalances(ctx, key, SystemActor)
		if err != nil {
			logger.Warn("opening repair failed", slog.String("key", key.String()), slog.Any("error", err))
			failures = append(failures, err)
			continue
		}
		if ok {
			repaired++
		}
	}
	j.metrics.AddRepairedYears(repaired)
	logger.Info("completed opening repair", slog.Int("scanned", len(keys)), slog.Int("repaired", repaired))
	return errors.Join(failures...)
}
