package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAlreadyClaimed means another run holds an active settlement for at
// least one key of the batch.
var ErrAlreadyClaimed = apperrors.New(apperrors.ErrInvariant, "settlement already claimed", nil)

// LedgerRepo is the settlement ledger: accruals and settlements, both keyed
// by (position, date).
type LedgerRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLedgerRepo(db *gorm.DB) *LedgerRepo {
	return &LedgerRepo{db: db, now: time.Now}
}

func (r *LedgerRepo) Ping(ctx context.Context) error {
	return Ping(ctx, r.db)
}

// HasAccrual reports whether the (position, date) key is already recorded.
func (r *LedgerRepo) HasAccrual(ctx context.Context, positionID string, date time.Time) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.AccrualRecord{}).
		Where("position_id = ? AND date = ?", positionID, model.DateOf(date)).
		Count(&n).Error
	return n > 0, err
}

// CreateAccrual inserts rec unless its key already exists. created is false
// when the unique index swallowed the insert.
func (r *LedgerRepo) CreateAccrual(ctx context.Context, rec *model.AccrualRecord) (created bool, err error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Date = model.DateOf(rec.Date)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position_id"}, {Name: "date"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *LedgerRepo) ListAccruals(ctx context.Context, date time.Time) ([]model.AccrualRecord, error) {
	var out []model.AccrualRecord
	err := r.db.WithContext(ctx).
		Where("date = ?", model.DateOf(date)).
		Order("position_id").
		Find(&out).Error
	return out, err
}

// ListExcessAccruals returns every accrual with excess > 0 together with the
// borrower and settlement asset it pays out to.
func (r *LedgerRepo) ListExcessAccruals(ctx context.Context) ([]model.UnsettledAccrual, error) {
	var rows []model.UnsettledAccrual
	err := r.db.WithContext(ctx).
		Table("accruals AS a").
		Select("a.position_id, a.date, a.excess_amount, p.borrower, m.settlement_asset AS asset").
		Joins("JOIN positions p ON p.id = a.position_id").
		Joins("JOIN markets m ON m.id = p.market_id").
		Where("a.excess_amount > 0").
		Order("a.date, a.position_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Date = model.DateOf(rows[i].Date)
	}
	return rows, nil
}

// ActiveSettlementKeys returns the keys that already have a pending or
// processed settlement.
func (r *LedgerRepo) ActiveSettlementKeys(ctx context.Context) (map[model.AccrualKey]struct{}, error) {
	var rows []struct {
		PositionID string
		Date       time.Time
	}
	err := r.db.WithContext(ctx).
		Model(&model.SettlementRecord{}).
		Select("position_id, date").
		Where("status IN ?", []string{string(model.SettlementPending), string(model.SettlementProcessed)}).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	keys := make(map[model.AccrualKey]struct{}, len(rows))
	for _, row := range rows {
		keys[model.NewAccrualKey(row.PositionID, row.Date)] = struct{}{}
	}
	return keys, nil
}

// RecordFailed writes failed rows for a batch that never reached the chain.
func (r *LedgerRepo) RecordFailed(ctx context.Context, records []model.SettlementRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&records).Error
	})
}

// ClaimBatch inserts the pending rows of a batch in one transaction. If any
// key already has an active settlement nothing is written and
// ErrAlreadyClaimed is returned.
func (r *LedgerRepo) ClaimBatch(ctx context.Context, records []model.SettlementRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range records {
			records[i].Status = model.SettlementPending
			records[i].Date = model.DateOf(records[i].Date)
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&records[i])
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: position %s on %s", ErrAlreadyClaimed,
					records[i].PositionID, records[i].Date.Format(time.DateOnly))
			}
		}
		return nil
	})
}

// FinalizeBatch moves the pending rows of a batch to the outcome. When
// expected > 0 the update is rolled back unless exactly that many rows move.
func (r *LedgerRepo) FinalizeBatch(ctx context.Context, batchID uuid.UUID, out model.SettlementOutcome, expected int) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":     string(out.Status),
			"gas_used":   out.GasUsed,
			"error":      out.Error,
			"updated_at": r.now().UTC(),
		}
		if out.TxHash != nil {
			updates["tx_hash"] = *out.TxHash
		}
		if out.Nonce != nil {
			updates["nonce"] = *out.Nonce
		}
		if out.Attempts > 0 {
			updates["attempts"] = out.Attempts
		}
		res := tx.Model(&model.SettlementRecord{}).
			Where("batch_id = ? AND status = ?", batchID, string(model.SettlementPending)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if expected > 0 && res.RowsAffected != int64(expected) {
			return fmt.Errorf("batch %s: updated %d rows, want %d", batchID, res.RowsAffected, expected)
		}
		affected = res.RowsAffected
		return nil
	})
	return affected, err
}

// MarkBroadcast stores the hash and nonce of a sent transaction on the
// pending rows of a batch. The rows stay pending.
func (r *LedgerRepo) MarkBroadcast(ctx context.Context, batchID uuid.UUID, hash string, nonce uint64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.SettlementRecord{}).
		Where("batch_id = ? AND status = ?", batchID, string(model.SettlementPending)).
		Updates(map[string]any{
			"tx_hash":    hash,
			"nonce":      nonce,
			"updated_at": r.now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// PendingBatch returns the pending rows of one batch.
func (r *LedgerRepo) PendingBatch(ctx context.Context, batchID uuid.UUID) ([]model.SettlementRecord, error) {
	var out []model.SettlementRecord
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status = ?", batchID, string(model.SettlementPending)).
		Order("position_id").
		Find(&out).Error
	return out, err
}

// HasTxHash reports whether any settlement row already carries hash.
func (r *LedgerRepo) HasTxHash(ctx context.Context, hash string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.SettlementRecord{}).
		Where("LOWER(tx_hash) = LOWER(?)", hash).
		Count(&n).Error
	return n > 0, err
}

// ListPending returns pending rows created before the cutoff, oldest first.
func (r *LedgerRepo) ListPending(ctx context.Context, createdBefore time.Time) ([]model.SettlementRecord, error) {
	var out []model.SettlementRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(model.SettlementPending), createdBefore).
		Order("created_at, batch_id, position_id").
		Find(&out).Error
	return out, err
}

func (r *LedgerRepo) ListSettlements(ctx context.Context, status string, limit int) ([]model.SettlementRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []model.SettlementRecord
	err := q.Find(&out).Error
	return out, err
}

// ReleaseBatch fails a pending batch that was never broadcast so the next
// pass picks its accruals up again. Batches with a hash are left to the
// reconciler.
func (r *LedgerRepo) ReleaseBatch(ctx context.Context, batchID uuid.UUID, reason string) (int64, error) {
	var released int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var hashed int64
		if err := tx.Model(&model.SettlementRecord{}).
			Where("batch_id = ? AND status = ? AND tx_hash IS NOT NULL", batchID, string(model.SettlementPending)).
			Count(&hashed).Error; err != nil {
			return err
		}
		if hashed > 0 {
			return apperrors.New(apperrors.ErrConflict, "batch was broadcast; reconcile it instead", nil)
		}
		res := tx.Model(&model.SettlementRecord{}).
			Where("batch_id = ? AND status = ?", batchID, string(model.SettlementPending)).
			Updates(map[string]any{
				"status":     string(model.SettlementFailed),
				"error":      reason,
				"updated_at": r.now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NewNotFound("no pending rows for batch")
		}
		released = res.RowsAffected
		return nil
	})
	return released, err
}
