package service

import (
	"context"
	"testing"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGroupsByBorrowerAndAsset(t *testing.T) {
	f := newFixture(t)
	f.market(t, "m1", assetWETH, int64Ptr(1000))
	f.market(t, "m2", assetUSDC, int64Ptr(1000))
	f.position(t, "p1", borrowerA, "m1", 1_000_000)
	f.position(t, "p2", borrowerA, "m1", 1_000_000)
	f.position(t, "p3", borrowerA, "m2", 1_000_000)
	f.position(t, "p4", borrowerB, "m1", 1_000_000)
	f.excess(t, "p1", testDay, 100)
	f.excess(t, "p2", testDay, 50)
	f.excess(t, "p3", testDay, 7)
	f.excess(t, "p4", testDay, 9)

	batches, err := NewObligationAggregator(f.ledger).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 3)

	first := batches[0]
	assert.Equal(t, borrowerA, first.Destination)
	assert.Equal(t, assetWETH, first.Asset)
	assert.Equal(t, "150", first.Total.String())
	require.Len(t, first.Items, 2)
	assert.Equal(t, "p1", first.Items[0].PositionID)
	assert.Equal(t, "p2", first.Items[1].PositionID)

	assert.Equal(t, assetUSDC, batches[1].Asset)
	assert.Equal(t, "7", batches[1].Total.String())
	assert.Equal(t, borrowerB, batches[2].Destination)
}

func TestBuildExcludesActiveKeysOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.market(t, "m1", assetWETH, int64Ptr(1000))
	f.position(t, "p1", borrowerA, "m1", 1_000_000)
	f.position(t, "p2", borrowerA, "m1", 1_000_000)
	f.position(t, "p3", borrowerA, "m1", 1_000_000)
	f.excess(t, "p1", testDay, 100)
	f.excess(t, "p2", testDay, 50)
	f.excess(t, "p3", testDay, 25)

	row := func(positionID string, amount int64) model.SettlementRecord {
		return model.SettlementRecord{
			ID: uuid.New(), BatchID: uuid.New(), PositionID: positionID, Date: testDay,
			Amount: decimal.NewFromInt(amount), Asset: assetWETH, Destination: borrowerA,
		}
	}
	// p1 pending
	require.NoError(t, f.ledger.ClaimBatch(ctx, []model.SettlementRecord{row("p1", 100)}))
	// p2 failed earlier: still owed
	failed := row("p2", 50)
	failed.Status = model.SettlementFailed
	require.NoError(t, f.ledger.RecordFailed(ctx, []model.SettlementRecord{failed}))

	batches, err := NewObligationAggregator(f.ledger).Build(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "75", batches[0].Total.String())
	assert.ElementsMatch(t, []model.AccrualKey{
		model.NewAccrualKey("p2", testDay),
		model.NewAccrualKey("p3", testDay),
	}, batches[0].Keys())
}

func TestGroupObligationsNormalizesAddressCase(t *testing.T) {
	upper := "0x00000000000000000000000000000000000000B1"
	accruals := []model.UnsettledAccrual{
		{PositionID: "p2", Date: testDay, ExcessAmount: decimal.NewFromInt(3), Borrower: upper, Asset: assetWETH},
		{PositionID: "p1", Date: testDay, ExcessAmount: decimal.NewFromInt(4), Borrower: borrowerA, Asset: assetWETH},
		{PositionID: "p3", Date: testDay, ExcessAmount: decimal.Zero, Borrower: borrowerB, Asset: assetWETH},
	}

	batches := groupObligations(accruals, nil)
	require.Len(t, batches, 1)
	assert.Equal(t, "7", batches[0].Total.String())
	assert.Equal(t, "p1", batches[0].Items[0].PositionID)
}

func TestBuildIsEmptyWithoutExcess(t *testing.T) {
	f := newFixture(t)
	batches, err := NewObligationAggregator(f.ledger).Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batches)
}
