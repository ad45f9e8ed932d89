package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementProcessed SettlementStatus = "processed"
	SettlementFailed    SettlementStatus = "failed"
)

// Active reports whether the status blocks another obligation for the same key.
func (s SettlementStatus) Active() bool {
	return s == SettlementPending || s == SettlementProcessed
}

// AccrualRecord 每个 (position, date) 仅一条，创建后不可修改
type AccrualRecord struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	PositionID    string          `gorm:"size:128;not null;uniqueIndex:idx_accruals_position_date" json:"position_id"`
	Date          time.Time       `gorm:"type:date;not null;uniqueIndex:idx_accruals_position_date" json:"date"`
	AccruedAmount decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"accrued_amount"`
	ActualRateBps decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"actual_rate_bps"`
	CapRateBps    decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"cap_rate_bps"`
	ExcessAmount  decimal.Decimal `gorm:"type:numeric(78,0);not null;index:idx_accruals_excess,where:excess_amount > 0" json:"excess_amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (AccrualRecord) TableName() string { return "accruals" }

func (r AccrualRecord) Key() AccrualKey {
	return NewAccrualKey(r.PositionID, r.Date)
}

// SettlementRecord is one position's share of an on-chain payment. Rows of the
// same batch carry the same status and transaction hash. Failed rows are kept
// as history and do not count against the active-settlement uniqueness.
type SettlementRecord struct {
	ID          uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	BatchID     uuid.UUID        `gorm:"type:uuid;not null;index" json:"batch_id"`
	PositionID  string           `gorm:"size:128;not null;uniqueIndex:idx_settlements_active,where:status <> 'failed'" json:"position_id"`
	Date        time.Time        `gorm:"type:date;not null;uniqueIndex:idx_settlements_active,where:status <> 'failed'" json:"date"`
	Amount      decimal.Decimal  `gorm:"type:numeric(78,0);not null" json:"amount"`
	Asset       string           `gorm:"size:64;not null" json:"asset"`
	Destination string           `gorm:"size:64;not null" json:"destination"`
	TxHash      *string          `gorm:"size:80;index" json:"tx_hash,omitempty"`
	Nonce       *uint64          `json:"nonce,omitempty"`
	Status      SettlementStatus `gorm:"size:16;not null;index" json:"status"`
	Attempts    int              `gorm:"not null" json:"attempts"`
	GasUsed     uint64           `json:"gas_used"`
	Error       string           `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func (SettlementRecord) TableName() string { return "settlements" }

func (r SettlementRecord) Key() AccrualKey {
	return NewAccrualKey(r.PositionID, r.Date)
}

// AccrualKey is the (position, date) idempotency key shared by both tables.
type AccrualKey struct {
	PositionID string
	Date       string // YYYY-MM-DD
}

func NewAccrualKey(positionID string, date time.Time) AccrualKey {
	return AccrualKey{PositionID: positionID, Date: DateOf(date).Format(time.DateOnly)}
}

// DateOf truncates t to midnight UTC of its UTC calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SettlementOutcome is the result written to every row of a batch.
type SettlementOutcome struct {
	Status   SettlementStatus
	TxHash   *string
	Nonce    *uint64
	GasUsed  uint64
	Attempts int
	Error    string
}
