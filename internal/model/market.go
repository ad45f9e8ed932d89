package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market 借贷池，费率上限按市场配置
type Market struct {
	ID               string `gorm:"primaryKey;size:128" json:"id"`                // 链上 market id
	SettlementAsset  string `gorm:"size:64;not null" json:"settlement_asset"`    // 退款代币合约地址
	LoanSymbol       string `gorm:"size:32" json:"loan_symbol"`
	CollateralSymbol string `gorm:"size:32" json:"collateral_symbol"`
	RateCapBps       *int64 `json:"rate_cap_bps,omitempty"` // nil = 未配置上限
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Market) TableName() string { return "markets" }

// Position is a borrower's open debt in one market. Principal is in the
// smallest unit of the loan asset.
type Position struct {
	ID        string          `gorm:"primaryKey;size:128" json:"id"`
	Borrower  string          `gorm:"size:64;not null;index" json:"borrower"`
	MarketID  string          `gorm:"size:128;not null;index" json:"market_id"`
	Market    *Market         `gorm:"foreignKey:MarketID" json:"market,omitempty"`
	Principal decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"principal"`
	Active    bool            `gorm:"not null;index" json:"active"`
	OpenedAt  time.Time       `json:"opened_at"`
	ClosedAt  *time.Time      `json:"closed_at,omitempty"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Position) TableName() string { return "positions" }

// RateQuote is a Rate Source answer. Available is false when the source
// timed out, failed or returned an unusable value.
type RateQuote struct {
	MarketID  string
	Bps       decimal.Decimal
	Available bool
}
