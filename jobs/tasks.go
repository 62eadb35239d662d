package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskFiscalIntegrityScan finds fiscal years without a full period set.
	TaskFiscalIntegrityScan = "fiscal:integrity_scan"
	// TaskFiscalOpeningRepair restores opening-balance flags for applied batches.
	TaskFiscalOpeningRepair = "fiscal:opening_repair"
)

// IntegrityScanPayload scopes an integrity scan. Empty tenant scans everyone.
type IntegrityScanPayload struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// OpeningRepairPayload scopes an opening-balance repair run.
type OpeningRepairPayload struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// NewIntegrityScanTask constructs the integrity scan task.
func NewIntegrityScanTask(tenantID string) (*asynq.Task, error) {
	data, err := json.Marshal(IntegrityScanPayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFiscalIntegrityScan, data), nil
}

// NewOpeningRepairTask constructs the opening-balance repair task.
func NewOpeningRepairTask(tenantID string) (*asynq.Task, error) {
	data, err := json.Marshal(OpeningRepairPayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFiscalOpeningRepair, data), nil
}

// NewTask builds a task by type name, used by the CLI trigger.
func NewTask(taskType, tenantID string) (*asynq.Task, error) {
	switch taskType {
	case TaskFiscalIntegrityScan:
		return NewIntegrityScanTask(tenantID)
	case TaskFiscalOpeningRepair:
		return NewOpeningRepairTask(tenantID)
	default:
		return nil, fmt.Errorf("jobs: unknown task type %q", taskType)
	}
}
