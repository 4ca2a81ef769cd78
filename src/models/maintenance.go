package models

import "time"

// MaintenanceStep identifies one of the ordered remediation steps
type MaintenanceStep string

const (
	StepRefreshStatistics MaintenanceStep = "refresh_statistics"
	StepRebuildIndex      MaintenanceStep = "rebuild_index"
	StepReclaimDeadTuples MaintenanceStep = "reclaim_dead_tuples"
)

// ActionStatus is the outcome of a single maintenance statement
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
	ActionDryRun    ActionStatus = "dry_run"
)

// ActionResult describes one statement issued (or planned) against one object
type ActionResult struct {
	Step      MaintenanceStep `json:"step" yaml:"step"`
	Target    string          `json:"target" yaml:"target"`
	Statement string          `json:"statement" yaml:"statement"`
	Status    ActionStatus    `json:"status" yaml:"status"`
	Error     string          `json:"error,omitempty" yaml:"error,omitempty"`
	Duration  time.Duration   `json:"duration" yaml:"duration"`
}

// MaintenanceReport collects the actions of one remediation run
type MaintenanceReport struct {
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time      `json:"finished_at" yaml:"finished_at"`
	DryRun     bool           `json:"dry_run" yaml:"dry_run"`
	Actions    []ActionResult `json:"actions" yaml:"actions"`
}

// NewMaintenanceReport creates a new MaintenanceReport instance
func NewMaintenanceReport(dryRun bool) *MaintenanceReport {
	return &MaintenanceReport{
		StartedAt: time.Now(),
		DryRun:    dryRun,
		Actions:   make([]ActionResult, 0),
	}
}

// Add appends an action result
func (r *MaintenanceReport) Add(action ActionResult) {
	r.Actions = append(r.Actions, action)
}

// Count returns the number of actions with the given status
func (r *MaintenanceReport) Count(status ActionStatus) int {
	n := 0
	for _, a := range r.Actions {
		if a.Status == status {
			n++
		}
	}
	return n
}
