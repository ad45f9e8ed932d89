package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/GoPolymarket/capsettle/internal/chain"
	"github.com/GoPolymarket/capsettle/internal/config"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/GoPolymarket/capsettle/internal/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChainInspector answers questions about transfers already sent.
// *chain.ERC20Client satisfies it.
type ChainInspector interface {
	Receipt(ctx context.Context, txHash string) (chain.Receipt, error)
	FindTransfers(ctx context.Context, asset, to string, amount *big.Int, lookback uint64) ([]string, error)
	Dropped(ctx context.Context, txHash string, nonce uint64) (bool, error)
}

// ReconcileStore is the part of the ledger the reconciler rewrites.
type ReconcileStore interface {
	Ping(ctx context.Context) error
	ListPending(ctx context.Context, createdBefore time.Time) ([]model.SettlementRecord, error)
	PendingBatch(ctx context.Context, batchID uuid.UUID) ([]model.SettlementRecord, error)
	FinalizeBatch(ctx context.Context, batchID uuid.UUID, out model.SettlementOutcome, expected int) (int64, error)
	HasTxHash(ctx context.Context, hash string) (bool, error)
	ReleaseBatch(ctx context.Context, batchID uuid.UUID, reason string) (int64, error)
}

type ReconcilerOptions struct {
	LookbackBlocks uint64
	GracePeriod    time.Duration
	// DropAfter is the minimum age before a broadcast batch with no receipt
	// is checked for having been dropped.
	DropAfter time.Duration
}

// ErrStillBroadcast refuses to release a batch whose transaction may still mine.
var ErrStillBroadcast = apperrors.New(apperrors.ErrConflict, "batch was broadcast and may still be mined; reconcile it instead", nil)

// Reconciler resolves pending settlements left behind by confirmation
// timeouts and interrupted passes.
type Reconciler struct {
	store     ReconcileStore
	chain     ChainInspector
	lookback  uint64
	grace     time.Duration
	dropAfter time.Duration
	now       func() time.Time
}

func NewReconciler(store ReconcileStore, inspector ChainInspector, opts ReconcilerOptions) *Reconciler {
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = config.DefaultReconcileLookbackBlocks
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = config.DefaultClaimGracePeriod
	}
	if opts.DropAfter <= 0 {
		opts.DropAfter = config.DefaultDropAfter
	}
	return &Reconciler{
		store:     store,
		chain:     inspector,
		lookback:  opts.LookbackBlocks,
		grace:     opts.GracePeriod,
		dropAfter: opts.DropAfter,
		now:       time.Now,
	}
}

type pendingBatch struct {
	id   uuid.UUID
	rows []model.SettlementRecord
}

func (b pendingBatch) txHash() string {
	for _, r := range b.rows {
		if r.TxHash != nil && *r.TxHash != "" {
			return *r.TxHash
		}
	}
	return ""
}

func (b pendingBatch) nonce() (uint64, bool) {
	for _, r := range b.rows {
		if r.Nonce != nil {
			return *r.Nonce, true
		}
	}
	return 0, false
}

func (b pendingBatch) age(now time.Time) time.Duration {
	return now.Sub(b.rows[0].CreatedAt)
}

func (b pendingBatch) total() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range b.rows {
		sum = sum.Add(r.Amount)
	}
	return sum
}

// Run checks every pending batch once.
//
// A batch with a hash is settled by its receipt. One with no receipt that is
// older than DropAfter is failed once the chain shows its transaction can no
// longer be mined, which re-offers its accruals. A batch without a hash was
// claimed but its outcome never stored; once older than the grace period it
// is matched against Transfer logs for its exact total. Batches that match
// nothing are reported and left pending for an operator to release.
func (r *Reconciler) Run(ctx context.Context) (*model.ReconcileReport, error) {
	report := &model.ReconcileReport{UnresolvedClaims: []string{}, Errors: []string{}}
	if err := r.store.Ping(ctx); err != nil {
		return report, err
	}
	now := r.now()
	rows, err := r.store.ListPending(ctx, now)
	if err != nil {
		return report, apperrors.New(apperrors.ErrUnavailable, "list pending settlements", err)
	}

	for _, b := range groupPending(rows) {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("run interrupted: %v", ctx.Err()))
			break
		}
		report.Checked++
		var status model.SettlementStatus
		var err error
		if hash := b.txHash(); hash != "" {
			status, err = r.resolveByReceipt(ctx, b, hash, now)
		} else {
			if b.age(now) < r.grace {
				report.StillPending++
				continue
			}
			status, err = r.resolveClaim(ctx, b)
			if err == nil && status == model.SettlementPending {
				report.UnresolvedClaims = append(report.UnresolvedClaims, b.id.String())
			}
		}
		if err != nil {
			logger.LogError(ctx, err, "reconcile batch failed", "batch_id", b.id.String())
			report.Errors = append(report.Errors, fmt.Sprintf("batch %s: %v", b.id, err))
			continue
		}
		switch status {
		case model.SettlementProcessed:
			report.Processed++
		case model.SettlementFailed:
			report.Failed++
		default:
			report.StillPending++
		}
	}
	return report, nil
}

func (r *Reconciler) resolveByReceipt(ctx context.Context, b pendingBatch, hash string, now time.Time) (model.SettlementStatus, error) {
	receipt, err := r.chain.Receipt(ctx, hash)
	if err != nil {
		return "", err
	}
	if !receipt.Found {
		if b.age(now) >= r.dropAfter {
			return r.resolveDropped(ctx, b, hash)
		}
		logger.Warn("pending batch still has no receipt", "batch_id", b.id.String(), "tx_hash", hash)
		return model.SettlementPending, nil
	}
	out := model.SettlementOutcome{
		Status:  model.SettlementProcessed,
		TxHash:  &hash,
		GasUsed: receipt.GasUsed,
	}
	if !receipt.Succeeded {
		out.Status = model.SettlementFailed
		out.Error = chain.ErrReverted.Error()
	}
	if err := r.finalize(ctx, b, out); err != nil {
		return "", err
	}
	metrics.SettlementsTotal.WithLabelValues(string(out.Status)).Inc()
	logger.Info("pending batch resolved by receipt", "batch_id", b.id.String(), "tx_hash", hash, "status", string(out.Status))
	return out.Status, nil
}

// resolveDropped fails a broadcast batch whose transaction the chain shows can
// never be mined. Without a recorded nonce there is no such proof.
func (r *Reconciler) resolveDropped(ctx context.Context, b pendingBatch, hash string) (model.SettlementStatus, error) {
	dropped, reason, err := r.dropped(ctx, b, hash)
	if err != nil {
		return "", err
	}
	if !dropped {
		logger.Warn("old broadcast batch has no receipt", "batch_id", b.id.String(), "tx_hash", hash, "reason", reason)
		return model.SettlementPending, nil
	}
	out := model.SettlementOutcome{Status: model.SettlementFailed, TxHash: &hash, Error: reason}
	if err := r.finalize(ctx, b, out); err != nil {
		return "", err
	}
	metrics.SettlementsTotal.WithLabelValues(string(out.Status)).Inc()
	logger.Warn("dropped broadcast failed, accruals will be paid again", "batch_id", b.id.String(), "tx_hash", hash)
	return model.SettlementFailed, nil
}

func (r *Reconciler) dropped(ctx context.Context, b pendingBatch, hash string) (bool, string, error) {
	nonce, ok := b.nonce()
	if !ok {
		return false, "no nonce recorded for the transaction", nil
	}
	dropped, err := r.chain.Dropped(ctx, hash, nonce)
	if err != nil {
		return false, "", err
	}
	if !dropped {
		return false, "transaction may still be mined", nil
	}
	return true, fmt.Sprintf("transaction %s dropped: nonce %d used by another transaction", hash, nonce), nil
}

func (r *Reconciler) resolveClaim(ctx context.Context, b pendingBatch) (model.SettlementStatus, error) {
	first := b.rows[0]
	hashes, err := r.chain.FindTransfers(ctx, first.Asset, first.Destination, b.total().BigInt(), r.lookback)
	if err != nil {
		return "", err
	}
	for _, hash := range hashes {
		used, err := r.store.HasTxHash(ctx, hash)
		if err != nil {
			return "", err
		}
		if used {
			continue
		}
		out := model.SettlementOutcome{Status: model.SettlementProcessed, TxHash: &hash}
		if err := r.finalize(ctx, b, out); err != nil {
			return "", err
		}
		metrics.SettlementsTotal.WithLabelValues(string(out.Status)).Inc()
		logger.Info("claimed batch matched to on-chain transfer", "batch_id", b.id.String(), "tx_hash", hash)
		return model.SettlementProcessed, nil
	}
	logger.Warn("claimed batch has no matching transfer, release it once confirmed unpaid",
		"batch_id", b.id.String(), "destination", first.Destination, "total", b.total().String())
	return model.SettlementPending, nil
}

func (r *Reconciler) finalize(ctx context.Context, b pendingBatch, out model.SettlementOutcome) error {
	_, err := r.store.FinalizeBatch(ctx, b.id, out, len(b.rows))
	return err
}

// Release fails a pending batch so its accruals are paid again by the next
// pass. A broadcast batch is only released once the chain shows its
// transaction was dropped.
func (r *Reconciler) Release(ctx context.Context, batchID uuid.UUID, reason string) (int64, error) {
	if reason == "" {
		reason = "released by operator"
	}
	rows, err := r.store.PendingBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, apperrors.NewNotFound("no pending rows for batch")
	}

	b := pendingBatch{id: batchID, rows: rows}
	var n int64
	if hash := b.txHash(); hash != "" {
		dropped, why, err := r.dropped(ctx, b, hash)
		if err != nil {
			return 0, err
		}
		if !dropped {
			return 0, fmt.Errorf("%w: %s", ErrStillBroadcast, why)
		}
		n, err = r.store.FinalizeBatch(ctx, batchID, model.SettlementOutcome{
			Status: model.SettlementFailed,
			TxHash: &hash,
			Error:  reason + "; " + why,
		}, len(rows))
		if err != nil {
			return 0, err
		}
	} else {
		n, err = r.store.ReleaseBatch(ctx, batchID, reason)
		if err != nil {
			return 0, err
		}
	}
	logger.Warn("pending batch released", "batch_id", batchID.String(), "rows", n, "reason", reason)
	return n, nil
}

func groupPending(rows []model.SettlementRecord) []pendingBatch {
	index := make(map[uuid.UUID]int)
	var out []pendingBatch
	for _, row := range rows {
		i, ok := index[row.BatchID]
		if !ok {
			i = len(out)
			index[row.BatchID] = i
			out = append(out, pendingBatch{id: row.BatchID})
		}
		out[i].rows = append(out[i].rows, row)
	}
	return out
}
