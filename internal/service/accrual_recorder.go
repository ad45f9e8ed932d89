package service

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/capsettle/internal/accrual"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/GoPolymarket/capsettle/internal/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionReader lists the positions that accrue interest today.
type PositionReader interface {
	ListActive(ctx context.Context) ([]model.Position, error)
}

// AccrualStore is the accrual side of the settlement ledger.
type AccrualStore interface {
	Ping(ctx context.Context) error
	HasAccrual(ctx context.Context, positionID string, date time.Time) (bool, error)
	CreateAccrual(ctx context.Context, rec *model.AccrualRecord) (bool, error)
}

// RateSource returns a market's current annualized borrow rate.
type RateSource interface {
	MarketRate(ctx context.Context, marketID string) model.RateQuote
}

var (
	ErrMissingMarket   = apperrors.Configuration("position has no market", nil)
	ErrMissingRateCap  = apperrors.Configuration("market has no rate cap", nil)
	ErrRateUnavailable = apperrors.Transient("rate source unavailable", nil)
)

type recordOutcome int

const (
	outcomeRecorded recordOutcome = iota
	outcomeExisting
)

// AccrualRecorder writes one accrual per active position per UTC day.
type AccrualRecorder struct {
	positions PositionReader
	store     AccrualStore
	rates     RateSource
	calc      *accrual.Calculator
	now       func() time.Time
}

type RecorderOption func(*AccrualRecorder)

// WithRecorderClock overrides the clock that picks the accrual date.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *AccrualRecorder) { r.now = now }
}

func NewAccrualRecorder(positions PositionReader, store AccrualStore, rates RateSource, calc *accrual.Calculator, opts ...RecorderOption) *AccrualRecorder {
	if calc == nil {
		calc = accrual.NewCalculator(0)
	}
	r := &AccrualRecorder{
		positions: positions,
		store:     store,
		rates:     rates,
		calc:      calc,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run records today's accrual for every active position. A failing position
// is reported and skipped; only an unreachable store aborts the run.
func (r *AccrualRecorder) Run(ctx context.Context) (*model.AccrualReport, error) {
	date := model.DateOf(r.now())
	report := &model.AccrualReport{
		Date:            date.Format(time.DateOnly),
		TotalAccrued:    decimal.Zero,
		TotalExcess:     decimal.Zero,
		WeightedRateBps: decimal.Zero,
		Errors:          []string{},
	}

	if err := r.store.Ping(ctx); err != nil {
		return report, err
	}
	positions, err := r.positions.ListActive(ctx)
	if err != nil {
		return report, apperrors.New(apperrors.ErrUnavailable, "list active positions", err)
	}

	quotes := make(map[string]model.RateQuote)
	weighted := make([]accrual.WeightedPosition, 0, len(positions))

	for i := range positions {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("run interrupted: %v", err))
			break
		}
		p := &positions[i]
		report.PositionsProcessed++

		rec, outcome, err := r.recordOne(ctx, date, p, quotes)
		if err != nil {
			metrics.AccrualsRecorded.WithLabelValues("error").Inc()
			logger.LogError(ctx, err, "accrual failed", "position_id", p.ID, "market_id", p.MarketID)
			report.Errors = append(report.Errors, fmt.Sprintf("position %s: %v", p.ID, err))
			continue
		}
		if outcome == outcomeExisting {
			metrics.AccrualsRecorded.WithLabelValues("existing").Inc()
			report.AlreadyRecorded++
			continue
		}

		metrics.AccrualsRecorded.WithLabelValues("recorded").Inc()
		if rec.ExcessAmount.IsPositive() {
			metrics.ExcessAccrued.WithLabelValues(p.MarketID).Add(rec.ExcessAmount.InexactFloat64())
		}
		report.Recorded++
		report.TotalAccrued = report.TotalAccrued.Add(rec.AccruedAmount)
		report.TotalExcess = report.TotalExcess.Add(rec.ExcessAmount)
		weighted = append(weighted, accrual.WeightedPosition{Principal: p.Principal, RateBps: rec.ActualRateBps})
	}

	report.WeightedRateBps = accrual.WeightedRate(weighted).Round(4)
	return report, nil
}

func (r *AccrualRecorder) recordOne(ctx context.Context, date time.Time, p *model.Position, quotes map[string]model.RateQuote) (*model.AccrualRecord, recordOutcome, error) {
	exists, err := r.store.HasAccrual(ctx, p.ID, date)
	if err != nil {
		return nil, 0, fmt.Errorf("check existing accrual: %w", err)
	}
	if exists {
		return nil, outcomeExisting, nil
	}

	if p.Market == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrMissingMarket, p.MarketID)
	}
	if p.Market.RateCapBps == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrMissingRateCap, p.MarketID)
	}

	quote, ok := quotes[p.MarketID]
	if !ok {
		quote = r.rates.MarketRate(ctx, p.MarketID)
		quotes[p.MarketID] = quote
	}
	if !quote.Available {
		// Recording a zero rate would make the key look settled for the day.
		return nil, 0, fmt.Errorf("%w: market %s", ErrRateUnavailable, p.MarketID)
	}

	acc, err := r.calc.Accrue(p.Principal, quote.Bps, decimal.NewFromInt(*p.Market.RateCapBps))
	if err != nil {
		return nil, 0, err
	}

	rec := &model.AccrualRecord{
		ID:            uuid.New(),
		PositionID:    p.ID,
		Date:          date,
		AccruedAmount: acc.Accrued,
		ActualRateBps: acc.ActualRateBps,
		CapRateBps:    acc.CapRateBps,
		ExcessAmount:  acc.Excess,
	}
	created, err := r.store.CreateAccrual(ctx, rec)
	if err != nil {
		return nil, 0, fmt.Errorf("store accrual: %w", err)
	}
	if !created {
		return nil, outcomeExisting, nil
	}
	return rec, outcomeRecorded, nil
}
