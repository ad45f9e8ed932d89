package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunReport is emitted once per job run for the alert consumer.
type RunReport struct {
	ID           string              `json:"id"`
	Job          string              `json:"job"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	Error        string              `json:"error,omitempty"`
	Accrual      *AccrualReport      `json:"accrual,omitempty"`
	Disbursement *DisbursementReport `json:"disbursement,omitempty"`
	Reconcile    *ReconcileReport    `json:"reconcile,omitempty"`
}

type AccrualReport struct {
	Date               string          `json:"date"`
	PositionsProcessed int             `json:"positions_processed"`
	Recorded           int             `json:"recorded"`
	AlreadyRecorded    int             `json:"already_recorded"`
	TotalAccrued       decimal.Decimal `json:"total_accrued"`
	TotalExcess        decimal.Decimal `json:"total_excess"`
	WeightedRateBps    decimal.Decimal `json:"weighted_rate_bps"`
	Errors             []string        `json:"errors"`
}

type DisbursementReport struct {
	Batches        int             `json:"batches"`
	Processed      int             `json:"processed"`
	Failed         int             `json:"failed"`
	Pending        int             `json:"pending"`
	Skipped        int             `json:"skipped"`
	TotalDisbursed decimal.Decimal `json:"total_disbursed"`
	Errors         []string        `json:"errors"`
}

type ReconcileReport struct {
	Checked          int      `json:"checked"`
	Processed        int      `json:"processed"`
	Failed           int      `json:"failed"`
	StillPending     int      `json:"still_pending"`
	UnresolvedClaims []string `json:"unresolved_claims"`
	Errors           []string `json:"errors"`
}

// JobStatus is the externally visible state of a scheduled job.
type JobStatus struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Running  bool       `json:"running"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	Error    string     `json:"error,omitempty"`
}
