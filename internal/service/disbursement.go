package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/GoPolymarket/capsettle/internal/chain"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/GoPolymarket/capsettle/internal/pkg/metrics"
	"github.com/GoPolymarket/capsettle/internal/repository"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Transferer moves tokens out of the treasury signer.
// *chain.ERC20Client satisfies it.
type Transferer interface {
	Ready() error
	SignerAddress() string
	Balance(ctx context.Context, asset, holder string) (*big.Int, error)
	Transfer(ctx context.Context, asset, to string, amount *big.Int, onBroadcast chain.BroadcastFunc) (*chain.TransferResult, error)
}

// SettlementStore is the settlement side of the ledger.
type SettlementStore interface {
	RecordFailed(ctx context.Context, records []model.SettlementRecord) error
	ClaimBatch(ctx context.Context, records []model.SettlementRecord) error
	MarkBroadcast(ctx context.Context, batchID uuid.UUID, hash string, nonce uint64) (int64, error)
	FinalizeBatch(ctx context.Context, batchID uuid.UUID, out model.SettlementOutcome, expected int) (int64, error)
}

var (
	ErrZeroDestination     = apperrors.New(apperrors.ErrInvalidRequest, "destination is the zero address", nil)
	ErrBadDestination      = apperrors.New(apperrors.ErrInvalidRequest, "destination is not an address", nil)
	ErrNonPositiveAmount   = apperrors.New(apperrors.ErrInvalidRequest, "batch total must be positive", nil)
	ErrInsufficientBalance = apperrors.Terminal("signer balance below batch total", nil)
)

type EngineOptions struct {
	MaxAttempts     int
	Backoff         time.Duration
	FinalizeTimeout time.Duration
}

// Disbursement is what happened to one batch.
type Disbursement struct {
	BatchID  uuid.UUID
	Status   model.SettlementStatus
	TxHash   string
	Nonce    *uint64
	GasUsed  uint64
	Attempts int
	Total    decimal.Decimal
	Skipped  bool
	Err      error
}

// DisbursementEngine pays one obligation batch with a single transfer and
// records the outcome against every contributing accrual.
type DisbursementEngine struct {
	wallet          Transferer
	store           SettlementStore
	maxAttempts     int
	backoff         time.Duration
	finalizeTimeout time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
}

func NewDisbursementEngine(wallet Transferer, store SettlementStore, opts EngineOptions) *DisbursementEngine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 30 * time.Second
	}
	return &DisbursementEngine{
		wallet:          wallet,
		store:           store,
		maxAttempts:     opts.MaxAttempts,
		backoff:         opts.Backoff,
		finalizeTimeout: opts.FinalizeTimeout,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Disburse pays batch. The returned error is set only when the ledger could
// not be written; transfer failures are reported through Disbursement.
func (e *DisbursementEngine) Disburse(ctx context.Context, batch model.ObligationBatch) (*Disbursement, error) {
	d := &Disbursement{BatchID: uuid.New(), Total: batch.Total}
	log := logger.With("batch_id", d.BatchID.String(), "destination", batch.Destination,
		"asset", batch.Asset, "total", batch.Total.String(), "items", len(batch.Items))
	rows := settlementRows(d.BatchID, batch)

	// 1. preconditions: nothing is sent and the rows are recorded as failed
	if err := e.precheck(ctx, batch); err != nil {
		d.Status = model.SettlementFailed
		d.Err = err
		for i := range rows {
			rows[i].Status = model.SettlementFailed
			rows[i].Error = err.Error()
		}
		log.Warn("batch failed precondition", "error", err)
		metrics.SettlementsTotal.WithLabelValues(string(d.Status)).Inc()
		if werr := e.store.RecordFailed(ctx, rows); werr != nil {
			return d, fmt.Errorf("record failed batch: %w", werr)
		}
		return d, nil
	}

	// 2. claim every key before anything reaches the chain
	if err := e.store.ClaimBatch(ctx, rows); err != nil {
		if errors.Is(err, repository.ErrAlreadyClaimed) {
			log.Info("batch already claimed by another run, skipping", "reason", err)
			d.Skipped = true
			return d, nil
		}
		return d, fmt.Errorf("claim batch: %w", err)
	}

	// 3. bounded submission attempts
	e.submit(ctx, batch, d, log)
	metrics.SettlementsTotal.WithLabelValues(string(d.Status)).Inc()

	// 4. finalize, even if the caller gave up meanwhile
	out := model.SettlementOutcome{
		Status:   d.Status,
		GasUsed:  d.GasUsed,
		Attempts: d.Attempts,
	}
	if d.TxHash != "" {
		hash := d.TxHash
		out.TxHash = &hash
		out.Nonce = d.Nonce
	}
	if d.Err != nil && d.Status != model.SettlementProcessed {
		out.Error = d.Err.Error()
	}
	fctx, cancel := e.detachedCtx(ctx)
	defer cancel()
	if _, err := e.store.FinalizeBatch(fctx, d.BatchID, out, len(rows)); err != nil {
		logger.LogErrorTo(ctx, log, err, "ledger not updated after transfer, reconciler will resolve the batch",
			"tx_hash", d.TxHash, "status", string(d.Status))
		return d, fmt.Errorf("finalize batch: %w", err)
	}

	switch d.Status {
	case model.SettlementProcessed:
		log.Info("batch disbursed", "tx_hash", d.TxHash, "attempts", d.Attempts, "gas_used", d.GasUsed)
	case model.SettlementPending:
		log.Warn("batch broadcast but unconfirmed", "tx_hash", d.TxHash, "error", d.Err)
	default:
		logger.LogErrorTo(ctx, log, d.Err, "batch disbursement failed", "attempts", d.Attempts, "tx_hash", d.TxHash)
	}
	return d, nil
}

func (e *DisbursementEngine) submit(ctx context.Context, batch model.ObligationBatch, d *Disbursement, log *slog.Logger) {
	amount := batch.Total.BigInt()
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		d.Attempts = attempt
		res, err := e.wallet.Transfer(ctx, batch.Asset, batch.Destination, amount, e.recordBroadcast(ctx, d.BatchID, log))

		if res != nil && res.TxHash != "" {
			// broadcast: never send again for this batch
			nonce := res.Nonce
			d.TxHash = res.TxHash
			d.Nonce = &nonce
			d.GasUsed = res.GasUsed
			d.Err = err
			switch {
			case !res.Confirmed:
				d.Status = model.SettlementPending
			case res.Succeeded:
				d.Status = model.SettlementProcessed
				d.Err = nil
			default:
				d.Status = model.SettlementFailed
				if d.Err == nil {
					d.Err = chain.ErrReverted
				}
			}
			return
		}

		d.Err = err
		class := apperrors.Classify(err)
		if class.Terminal || !class.Retryable || attempt == e.maxAttempts {
			d.Status = model.SettlementFailed
			return
		}
		wait := time.Duration(attempt) * e.backoff
		log.Warn("transfer attempt failed, retrying", "attempt", attempt, "backoff", wait.String(), "error", err)
		if serr := e.sleep(ctx, wait); serr != nil {
			d.Status = model.SettlementFailed
			d.Err = fmt.Errorf("%v (retry aborted: %w)", err, serr)
			return
		}
	}
	d.Status = model.SettlementFailed
}

// recordBroadcast stores the hash on the claimed rows before the receipt
// wait, so a crash during the wait still leaves the reconciler a hash.
func (e *DisbursementEngine) recordBroadcast(ctx context.Context, batchID uuid.UUID, log *slog.Logger) chain.BroadcastFunc {
	return func(hash string, nonce uint64) {
		mctx, cancel := e.detachedCtx(ctx)
		defer cancel()
		if _, err := e.store.MarkBroadcast(mctx, batchID, hash, nonce); err != nil {
			logger.LogErrorTo(ctx, log, err, "failed to record broadcast hash", "tx_hash", hash)
		}
	}
}

func (e *DisbursementEngine) precheck(ctx context.Context, batch model.ObligationBatch) error {
	if err := e.wallet.Ready(); err != nil {
		return err
	}
	if !common.IsHexAddress(batch.Destination) {
		return fmt.Errorf("%w: %q", ErrBadDestination, batch.Destination)
	}
	if common.HexToAddress(batch.Destination) == (common.Address{}) {
		return ErrZeroDestination
	}
	if !batch.Total.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNonPositiveAmount, batch.Total)
	}
	balance, err := e.wallet.Balance(ctx, batch.Asset, e.wallet.SignerAddress())
	if err != nil {
		// the transfer itself will surface a real shortfall
		logger.Warn("balance check failed, attempting transfer anyway", "asset", batch.Asset, "error", err)
		return nil
	}
	if balance.Cmp(batch.Total.BigInt()) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, batch.Total)
	}
	return nil
}

func (e *DisbursementEngine) detachedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.finalizeTimeout)
}

func settlementRows(batchID uuid.UUID, batch model.ObligationBatch) []model.SettlementRecord {
	rows := make([]model.SettlementRecord, 0, len(batch.Items))
	for _, it := range batch.Items {
		rows = append(rows, model.SettlementRecord{
			ID:          uuid.New(),
			BatchID:     batchID,
			PositionID:  it.PositionID,
			Date:        model.DateOf(it.Date),
			Amount:      it.Amount,
			Asset:       batch.Asset,
			Destination: batch.Destination,
			Status:      model.SettlementPending,
		})
	}
	return rows
}

// Pinger reports whether the ledger is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DisbursementService runs one disbursement pass over every owed batch.
type DisbursementService struct {
	ledger     Pinger
	aggregator *ObligationAggregator
	engine     *DisbursementEngine
	workers    int
}

func NewDisbursementService(ledger Pinger, aggregator *ObligationAggregator, engine *DisbursementEngine, workers int) *DisbursementService {
	if workers <= 0 {
		workers = 1
	}
	return &DisbursementService{ledger: ledger, aggregator: aggregator, engine: engine, workers: workers}
}

// Run builds the current batches and disburses them concurrently. Batches
// never share an accrual, so the only shared resource is the signer nonce,
// which the transfer client serializes.
func (s *DisbursementService) Run(ctx context.Context) (*model.DisbursementReport, error) {
	report := &model.DisbursementReport{TotalDisbursed: decimal.Zero, Errors: []string{}}
	if err := s.ledger.Ping(ctx); err != nil {
		return report, err
	}
	batches, err := s.aggregator.Build(ctx)
	if err != nil {
		return report, apperrors.New(apperrors.ErrUnavailable, "build obligations", err)
	}
	report.Batches = len(batches)
	if len(batches) == 0 {
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			d, err := s.engine.Disburse(ctx, batch)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("batch %s to %s: %v", d.BatchID, batch.Destination, err))
			}
			switch {
			case d.Skipped:
				report.Skipped++
			case d.Status == model.SettlementProcessed:
				report.Processed++
				report.TotalDisbursed = report.TotalDisbursed.Add(d.Total)
			case d.Status == model.SettlementPending:
				report.Pending++
				report.Errors = append(report.Errors, fmt.Sprintf("batch %s to %s: pending %s", d.BatchID, batch.Destination, d.TxHash))
			default:
				report.Failed++
				if d.Err != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("batch %s to %s: %v", d.BatchID, batch.Destination, d.Err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}
