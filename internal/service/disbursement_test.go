package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/GoPolymarket/capsettle/internal/chain"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hashH = "0x1111111111111111111111111111111111111111111111111111111111111111"

type disbursementRig struct {
	*fixture
	wallet  *FuncTransferer
	engine  *DisbursementEngine
	service *DisbursementService
	waits   *[]time.Duration
}

// newRig seeds borrower A with excess 100 (p1) and 50 (p2) in WETH.
func newRig(t *testing.T, wallet *FuncTransferer) *disbursementRig {
	t.Helper()
	f := newFixture(t)
	f.market(t, "m1", assetWETH, int64Ptr(1000))
	f.position(t, "p1", borrowerA, "m1", 1_000_000)
	f.position(t, "p2", borrowerA, "m1", 1_000_000)
	f.excess(t, "p1", testDay, 100)
	f.excess(t, "p2", testDay, 50)

	engine := NewDisbursementEngine(wallet, f.ledger, EngineOptions{MaxAttempts: 3, Backoff: time.Second})
	waits := recordSleep(engine)
	return &disbursementRig{
		fixture: f,
		wallet:  wallet,
		engine:  engine,
		service: NewDisbursementService(f.ledger, NewObligationAggregator(f.ledger), engine, 1),
		waits:   waits,
	}
}

func TestDisbursementPaysBatchOnceAndMarksEveryAccrual(t *testing.T) {
	ctx := context.Background()
	wallet := &FuncTransferer{
		TransferFn: func(context.Context, string, string, *big.Int) (*chain.TransferResult, error) {
			return confirmed(hashH), nil
		},
	}
	rig := newRig(t, wallet)

	rep, err := rig.service.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Batches)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, "150", rep.TotalDisbursed.String())
	assert.Empty(t, rep.Errors)

	calls := wallet.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, borrowerA, calls[0].To)
	assert.Equal(t, assetWETH, calls[0].Asset)
	assert.Equal(t, "150", calls[0].Amount.String())

	rows := rig.settlements(t, model.SettlementProcessed)
	require.Len(t, rows, 2)
	assert.ElementsMatch(t, []string{"p1", "p2"}, []string{rows[0].PositionID, rows[1].PositionID})
	for _, row := range rows {
		require.NotNil(t, row.TxHash)
		assert.Equal(t, hashH, *row.TxHash)
		assert.Equal(t, rows[0].BatchID, row.BatchID)
		assert.Equal(t, 1, row.Attempts)
		assert.EqualValues(t, 51_000, row.GasUsed)
	}

	// nothing left to pay
	rep, err = rig.service.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Batches)
	assert.Len(t, wallet.calls(), 1)
}

func TestDisbursementRetriesTransientErrorWithLinearBackoff(t *testing.T) {
	wallet := &FuncTransferer{}
	wallet.TransferFn = func(context.Context, string, string, *big.Int) (*chain.TransferResult, error) {
		if len(wallet.calls()) == 1 {
			return nil, fmt.Errorf("send transaction: %w", chain.ErrUnderpriced)
		}
		return confirmed(hashH), nil
	}
	rig := newRig(t, wallet)

	rep, err := rig.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Len(t, wallet.calls(), 2)
	assert.Equal(t, []time.Duration{time.Second}, *rig.waits)

	rows := rig.settlements(t, model.SettlementProcessed)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Attempts)
}

func TestDisbursementRetryIsBounded(t *testing.T) {
	wallet := &FuncTransferer{
		TransferFn: func(context.Context, string, string, *big.Int) (*chain.TransferResult, error) {
			return nil, errors.New("connection reset by peer")
		},
	}
	rig := newRig(t, wallet)

	rep, err := rig.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, wallet.calls(), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *rig.waits)

	rows := rig.settlements(t, model.SettlementFailed)
	require.Len(t, rows, 2)
	assert.Equal(t, 3, rows[0].Attempts)
	assert.Contains(t, rows[0].Error, "connection reset")
	assert.Nil(t, rows[0].TxHash)
}

func TestDisbursementInsufficientFundsIsTerminal(t *testing.T) {
	ctx := context.Background()
	wallet := &FuncTransferer{
		TransferFn: func(context.Context, string, string, *big.Int) (*chain.TransferResult, error) {
			return nil, fmt.Errorf("estimate gas: %w", chain.ErrInsufficientFunds)
		},
	}
	rig := newRig(t, wallet)

	rep, err := rig.service.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, wallet.calls(), 1)
	assert.Empty(t, *rig.waits)
	require.Len(t, rig.settlements(t, model.SettlementFailed), 2)

	// failed rows are history; the obligation is offered again
	batches, err := NewObligationAggregator(rig.ledger).Build(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "150", batches[0].Total.String())
}

func TestDisbursementRevertedIsFailedWithHash(t *testing.T) {
	wallet := &FuncTransferer{
		TransferFn: func(context.Context, string, string, *big.Int) (*chain.TransferResult, error) {
			return &chain.TransferResult{TxHash: hashH, Confirmed: true, GasUsed: 30_000}, chain.ErrReverted
		},
	}
	rig := newRig(t, wallet)

	rep, err := rig.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, wallet.calls(), 1)

	rows := rig.settlements(t, model.SettlementFailed)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].TxHash)
	assert.Equal(t, hashH, *rows[0].TxHash)
	assert.Contains(t, rows[0].Error, "reverted")
}

func TestDisbursementUnconfirmedStaysPending(t *testing.T) {
	ctx := context.Background()
	wallet := &FuncTransferer{
		TransferFn: func(context.Context, string, string, *big.Int) (*chain.TransferResult, error) {
			return &chain.TransferResult{TxHash: hashH}, fmt.Errorf("%w: %s", chain.ErrUnconfirmed, hashH)
		},
	}
	rig := newRig(t, wallet)

	rep, err := rig.service.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pending)
	assert.Len(t, wallet.calls(), 1, "a broadcast transfer is never resent")

	rows := rig.settlements(t, model.SettlementPending)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].TxHash)
	assert.Equal(t, hashH, *rows[0].TxHash)

	// pending keys block a second payment
	rep, err = rig.service.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Batches)
	assert.Len(t, wallet.calls(), 1)
}

func TestDisbursementNeverResendsWhenSendOutcomeIsUnknown(t *testing.T) {
	ctx := context.Background()
	wallet := &FuncTransferer{
		TransferFn: func(context.Context, string, string, *big.Int) (*chain.TransferResult, error) {
			return &chain.TransferResult{TxHash: hashH, Nonce: 3}, fmt.Errorf("%w: %s: connection reset", chain.ErrSendAmbiguous, hashH)
		},
	}
	rig := newRig(t, wallet)

	rep, err := rig.service.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pending)
	assert.Len(t, wallet.calls(), 1)
	assert.Empty(t, *rig.waits)

	rows := rig.settlements(t, model.SettlementPending)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.NotNil(t, row.TxHash)
		assert.Equal(t, hashH, *row.TxHash)
		require.NotNil(t, row.Nonce)
		assert.EqualValues(t, 3, *row.Nonce)
	}

	rep, err = rig.service.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Batches)
	assert.Len(t, wallet.calls(), 1)
}

// failingFinalize loses every outcome write, as a crash after broadcast would.
type failingFinalize struct {
	SettlementStore
}

func (failingFinalize) FinalizeBatch(context.Context, uuid.UUID, model.SettlementOutcome, int) (int64, error) {
	return 0, errors.New("process killed")
}

func TestDisbursementStoresHashBeforeWaitingForReceipt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var duringWait []model.SettlementRecord
	rig := newRig(t, &FuncTransferer{})
	rig.wallet.BroadcastFn = func(ctx context.Context, _, _ string, _ *big.Int, onBroadcast chain.BroadcastFunc) (*chain.TransferResult, error) {
		onBroadcast(hashH, 11)
		duringWait = rig.settlements(t, model.SettlementPending)
		cancel()
		<-ctx.Done()
		return &chain.TransferResult{TxHash: hashH, Nonce: 11}, fmt.Errorf("%w: %s: %v", chain.ErrUnconfirmed, hashH, ctx.Err())
	}
	engine := NewDisbursementEngine(rig.wallet, failingFinalize{rig.ledger}, EngineOptions{MaxAttempts: 3, Backoff: time.Second})

	batches, err := NewObligationAggregator(rig.ledger).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)

	d, err := engine.Disburse(ctx, batches[0])
	require.Error(t, err)
	assert.Equal(t, model.SettlementPending, d.Status)

	require.Len(t, duringWait, 2)
	for _, row := range duringWait {
		require.NotNil(t, row.TxHash)
		assert.Equal(t, hashH, *row.TxHash)
	}

	// the outcome write was lost, the hash and nonce were not
	rows := rig.settlements(t, model.SettlementPending)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.NotNil(t, row.TxHash)
		assert.Equal(t, hashH, *row.TxHash)
		require.NotNil(t, row.Nonce)
		assert.EqualValues(t, 11, *row.Nonce)
	}
	assert.Len(t, rig.wallet.calls(), 1)
}

func TestDisbursementPreconditionsFailWithoutSending(t *testing.T) {
	cases := []struct {
		name   string
		wallet *FuncTransferer
		dest   string
		want   error
	}{
		{
			name:   "signer not ready",
			wallet: &FuncTransferer{ReadyFn: func() error { return chain.ErrSignerNotReady }},
			dest:   borrowerA,
			want:   chain.ErrSignerNotReady,
		},
		{
			name:   "zero destination",
			wallet: &FuncTransferer{},
			dest:   zeroAddr,
			want:   ErrZeroDestination,
		},
		{
			name:   "malformed destination",
			wallet: &FuncTransferer{},
			dest:   "not-an-address",
			want:   ErrBadDestination,
		},
		{
			name: "balance below total",
			wallet: &FuncTransferer{BalanceFn: func(context.Context, string, string) (*big.Int, error) {
				return big.NewInt(149), nil
			}},
			dest: borrowerA,
			want: ErrInsufficientBalance,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			engine := NewDisbursementEngine(tc.wallet, f.ledger, EngineOptions{})
			batch := model.ObligationBatch{
				Destination: tc.dest,
				Asset:       assetWETH,
				Total:       decimal.NewFromInt(150),
				Items: []model.ObligationItem{
					{PositionID: "p1", Date: testDay, Amount: decimal.NewFromInt(100)},
					{PositionID: "p2", Date: testDay, Amount: decimal.NewFromInt(50)},
				},
			}

			d, err := engine.Disburse(context.Background(), batch)
			require.NoError(t, err)
			assert.Equal(t, model.SettlementFailed, d.Status)
			assert.ErrorIs(t, d.Err, tc.want)
			assert.Empty(t, tc.wallet.calls())

			rows := f.settlements(t, model.SettlementFailed)
			require.Len(t, rows, 2)
			assert.Equal(t, 0, rows[0].Attempts)
		})
	}
}

func TestDisbursementBalanceLookupFailureStillAttempts(t *testing.T) {
	wallet := &FuncTransferer{
		BalanceFn: func(context.Context, string, string) (*big.Int, error) {
			return nil, errors.New("rpc timeout")
		},
	}
	rig := newRig(t, wallet)

	rep, err := rig.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Len(t, wallet.calls(), 1)
}

func TestDisburseSkipsBatchClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	wallet := &FuncTransferer{}
	rig := newRig(t, wallet)

	batches, err := NewObligationAggregator(rig.ledger).Build(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	// another run claims p2 between build and disburse
	require.NoError(t, rig.ledger.ClaimBatch(ctx, []model.SettlementRecord{{
		ID: uuid.New(), BatchID: uuid.New(), PositionID: "p2", Date: testDay,
		Amount: decimal.NewFromInt(50), Asset: assetWETH, Destination: borrowerA,
	}}))

	d, err := rig.engine.Disburse(ctx, batches[0])
	require.NoError(t, err)
	assert.True(t, d.Skipped)
	assert.Empty(t, wallet.calls())
	assert.Len(t, rig.settlements(t, model.SettlementPending), 1)
}

func TestDisbursementCancelledDuringBackoffFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wallet := &FuncTransferer{
		TransferFn: func(context.Context, string, string, *big.Int) (*chain.TransferResult, error) {
			return nil, errors.New("dial tcp: i/o timeout")
		},
	}
	rig := newRig(t, wallet)
	rig.engine.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	batches, err := NewObligationAggregator(rig.ledger).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)

	d, err := rig.engine.Disburse(ctx, batches[0])
	require.NoError(t, err, "finalize runs on a detached context")
	assert.Equal(t, model.SettlementFailed, d.Status)
	assert.Len(t, wallet.calls(), 1)
	assert.Len(t, rig.settlements(t, model.SettlementFailed), 2)
}
