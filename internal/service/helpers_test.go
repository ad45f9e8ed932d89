package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/capsettle/internal/chain"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	borrowerA = "0x00000000000000000000000000000000000000b1"
	borrowerB = "0x00000000000000000000000000000000000000b2"
	assetWETH = "0x00000000000000000000000000000000000000e1"
	assetUSDC = "0x00000000000000000000000000000000000000e2"
	treasury  = "0x00000000000000000000000000000000000000aa"
	zeroAddr  = "0x0000000000000000000000000000000000000000"
)

var testDay = time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	ledger    *repository.LedgerRepo
	positions *repository.PositionRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &fixture{
		db:        db,
		ledger:    repository.NewLedgerRepo(db),
		positions: repository.NewPositionRepo(db),
	}
}

func (f *fixture) market(t *testing.T, id, asset string, capBps *int64) {
	t.Helper()
	require.NoError(t, f.db.Save(&model.Market{ID: id, SettlementAsset: asset, RateCapBps: capBps}).Error)
}

func (f *fixture) position(t *testing.T, id, borrower, marketID string, principal int64) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.Position{
		ID: id, Borrower: borrower, MarketID: marketID,
		Principal: decimal.NewFromInt(principal), Active: true, OpenedAt: testDay,
	}).Error)
}

func (f *fixture) excess(t *testing.T, positionID string, date time.Time, amount int64) {
	t.Helper()
	created, err := f.ledger.CreateAccrual(context.Background(), &model.AccrualRecord{
		PositionID:    positionID,
		Date:          date,
		AccruedAmount: decimal.NewFromInt(amount * 2),
		ActualRateBps: decimal.NewFromInt(2000),
		CapRateBps:    decimal.NewFromInt(1000),
		ExcessAmount:  decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) settlements(t *testing.T, status model.SettlementStatus) []model.SettlementRecord {
	t.Helper()
	rows, err := f.ledger.ListSettlements(context.Background(), string(status), 100)
	require.NoError(t, err)
	return rows
}

func int64Ptr(v int64) *int64 { return &v }

// fakeRates serves fixed quotes and counts lookups per market.
type fakeRates struct {
	mu     sync.Mutex
	quotes map[string]model.RateQuote
	calls  map[string]int
}

func newFakeRates(bps map[string]int64) *fakeRates {
	r := &fakeRates{quotes: map[string]model.RateQuote{}, calls: map[string]int{}}
	for id, v := range bps {
		r.set(id, v)
	}
	return r
}

func (r *fakeRates) set(marketID string, bps int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes[marketID] = model.RateQuote{MarketID: marketID, Bps: decimal.NewFromInt(bps), Available: true}
}

func (r *fakeRates) down(marketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes[marketID] = model.RateQuote{MarketID: marketID, Bps: decimal.Zero}
}

func (r *fakeRates) MarketRate(_ context.Context, marketID string) model.RateQuote {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[marketID]++
	q, ok := r.quotes[marketID]
	if !ok {
		return model.RateQuote{MarketID: marketID, Bps: decimal.Zero}
	}
	return q
}

// FuncTransferer adapts plain functions to Transferer. Nil functions fall
// back to a ready signer with unlimited balance. TransferFn results that carry
// a hash are reported to the broadcast hook after the fact; BroadcastFn gets
// the hook itself.
type FuncTransferer struct {
	ReadyFn     func() error
	BalanceFn   func(ctx context.Context, asset, holder string) (*big.Int, error)
	TransferFn  func(ctx context.Context, asset, to string, amount *big.Int) (*chain.TransferResult, error)
	BroadcastFn func(ctx context.Context, asset, to string, amount *big.Int, onBroadcast chain.BroadcastFunc) (*chain.TransferResult, error)

	mu        sync.Mutex
	transfers []transferCall
}

type transferCall struct {
	Asset  string
	To     string
	Amount *big.Int
}

func (f *FuncTransferer) Ready() error {
	if f.ReadyFn != nil {
		return f.ReadyFn()
	}
	return nil
}

func (f *FuncTransferer) SignerAddress() string { return treasury }

func (f *FuncTransferer) Balance(ctx context.Context, asset, holder string) (*big.Int, error) {
	if f.BalanceFn != nil {
		return f.BalanceFn(ctx, asset, holder)
	}
	return new(big.Int).Lsh(big.NewInt(1), 128), nil
}

func (f *FuncTransferer) Transfer(ctx context.Context, asset, to string, amount *big.Int, onBroadcast chain.BroadcastFunc) (*chain.TransferResult, error) {
	f.mu.Lock()
	f.transfers = append(f.transfers, transferCall{Asset: asset, To: to, Amount: new(big.Int).Set(amount)})
	n := len(f.transfers)
	f.mu.Unlock()
	if f.BroadcastFn != nil {
		return f.BroadcastFn(ctx, asset, to, amount, onBroadcast)
	}

	var (
		res *chain.TransferResult
		err error
	)
	if f.TransferFn != nil {
		res, err = f.TransferFn(ctx, asset, to, amount)
	} else {
		res = &chain.TransferResult{TxHash: fmt.Sprintf("0x%064x", n), Nonce: uint64(n - 1), Confirmed: true, Succeeded: true, GasUsed: 51_000}
	}
	if res != nil && res.TxHash != "" && onBroadcast != nil {
		onBroadcast(res.TxHash, res.Nonce)
	}
	return res, err
}

func (f *FuncTransferer) calls() []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transferCall(nil), f.transfers...)
}

func confirmed(hash string) *chain.TransferResult {
	return &chain.TransferResult{TxHash: hash, Confirmed: true, Succeeded: true, GasUsed: 51_000, BlockNumber: 100}
}

// recordSleep replaces the engine's backoff sleep.
func recordSleep(e *DisbursementEngine) *[]time.Duration {
	var waits []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return &waits
}
