package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PositionRepo reads positions for accrual and stores what the index
// syncer discovers.
type PositionRepo struct {
	db *gorm.DB
}

func NewPositionRepo(db *gorm.DB) *PositionRepo {
	return &PositionRepo{db: db}
}

// ListActive returns active positions with their market loaded.
func (r *PositionRepo) ListActive(ctx context.Context) ([]model.Position, error) {
	var out []model.Position
	err := r.db.WithContext(ctx).
		Preload("Market").
		Where("active = ?", true).
		Order("id").
		Find(&out).Error
	return out, err
}

func (r *PositionRepo) ListMarkets(ctx context.Context) ([]model.Market, error) {
	var out []model.Market
	err := r.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

// UpsertMarket stores market metadata. The rate cap is never touched here.
func (r *PositionRepo) UpsertMarket(ctx context.Context, m *model.Market) error {
	return r.db.WithContext(ctx).
		Omit("RateCapBps").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"settlement_asset", "loan_symbol", "collateral_symbol", "updated_at"}),
		}).
		Create(m).Error
}

func (r *PositionRepo) UpsertPosition(ctx context.Context, p *model.Position) error {
	return r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"borrower", "market_id", "principal", "active", "closed_at", "updated_at"}),
		}).
		Create(p).Error
}

// DeactivateMissing closes active positions whose id is not in seen.
func (r *PositionRepo) DeactivateMissing(ctx context.Context, seen []string, at time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Position{}).Where("active = ?", true)
	if len(seen) > 0 {
		q = q.Where("id NOT IN ?", seen)
	}
	res := q.Updates(map[string]any{"active": false, "closed_at": at.UTC(), "updated_at": at.UTC()})
	return res.RowsAffected, res.Error
}

// ApplyRateCaps sets the configured cap on markets that have none. A market
// whose stored cap differs from the configured one keeps its stored cap.
func (r *PositionRepo) ApplyRateCaps(ctx context.Context, caps map[string]int64) (applied int, err error) {
	for id, bps := range caps {
		var m model.Market
		res := r.db.WithContext(ctx).Limit(1).Find(&m, "id = ?", id)
		if res.Error != nil {
			return applied, res.Error
		}
		if res.RowsAffected == 0 {
			logger.Warn("rate cap configured for unknown market", "market_id", id)
			continue
		}
		if m.RateCapBps != nil {
			if *m.RateCapBps != bps {
				logger.Warn("rate cap already set; ignoring configured value",
					"market_id", id, "stored_bps", *m.RateCapBps, "configured_bps", bps)
			}
			continue
		}
		upd := r.db.WithContext(ctx).Model(&model.Market{}).
			Where("id = ? AND rate_cap_bps IS NULL", id).
			Update("rate_cap_bps", bps)
		if upd.Error != nil {
			return applied, upd.Error
		}
		applied += int(upd.RowsAffected)
	}
	return applied, nil
}
