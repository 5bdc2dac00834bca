package generic

import (
	"context"
	"time"
)

// =============================================================================
// RECONCILIATION RUN - Audit record of one coordinated pass over a rule
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial" // finished with per-occurrence failures
	RunFailed    RunStatus = "failed"
)

// Trigger names what asked for the run.
type Trigger string

const (
	TriggerCreate    Trigger = "create"
	TriggerUpdate    Trigger = "update"
	TriggerDelete    Trigger = "delete"
	TriggerSkip      Trigger = "skip"
	TriggerTerminate Trigger = "terminate"
	TriggerManual    Trigger = "manual"
	TriggerHorizon   Trigger = "horizon"
)

type ReconciliationRun struct {
	ID          string
	RuleID      RuleID
	Trigger     Trigger
	Status      RunStatus
	Created     int
	Removed     int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// IsComplete reports whether the run reached a terminal status.
func (r ReconciliationRun) IsComplete() bool {
	return r.Status == RunCompleted || r.Status == RunPartial || r.Status == RunFailed
}

// RunLog persists runs. SaveRun upserts by ID, so a run is saved once as
// running and again when it finishes.
type RunLog interface {
	SaveRun(ctx context.Context, run ReconciliationRun) error

	// ListRuns returns runs newest first; status "" matches all, limit <= 0
	// means no limit.
	ListRuns(ctx context.Context, status RunStatus, limit int) ([]ReconciliationRun, error)
}
