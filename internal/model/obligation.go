package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ObligationItem is one accrual's contribution to a batch.
type ObligationItem struct {
	PositionID string          `json:"position_id"`
	Date       time.Time       `json:"date"`
	Amount     decimal.Decimal `json:"amount"`
}

// ObligationBatch is the unpaid excess of one borrower in one asset.
type ObligationBatch struct {
	Destination string           `json:"destination"`
	Asset       string           `json:"asset"`
	Total       decimal.Decimal  `json:"total"`
	Items       []ObligationItem `json:"items"`
}

// Keys returns the idempotency keys of the batch's contributing accruals.
func (b ObligationBatch) Keys() []AccrualKey {
	keys := make([]AccrualKey, 0, len(b.Items))
	for _, it := range b.Items {
		keys = append(keys, NewAccrualKey(it.PositionID, it.Date))
	}
	return keys
}

// UnsettledAccrual is an accrual joined with the routing data needed to pay it.
type UnsettledAccrual struct {
	PositionID   string
	Date         time.Time
	ExcessAmount decimal.Decimal
	Borrower     string
	Asset        string
}
