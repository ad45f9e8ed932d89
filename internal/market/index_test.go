package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GoPolymarket/capsettle/internal/config"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexBody = `{"positions":[
 {"id":"p1","borrower":"0xb1","principal":"1200000","active":true,"opened_at":"2024-01-01T00:00:00Z",
  "market":{"id":"m1","settlement_asset":"0xweth","loan_symbol":"WETH","collateral_symbol":"wstETH"}},
 {"id":"p2","borrower":"0xb1","principal":"500","active":true,"opened_at":"2024-01-02T00:00:00Z",
  "market":{"id":"m1","settlement_asset":"0xweth","loan_symbol":"WETH","collateral_symbol":"wstETH"}},
 {"id":"p3","borrower":"0xb2","principal":"0","active":false,"opened_at":"2024-01-02T00:00:00Z","closed_at":"2024-02-01T00:00:00Z",
  "market":{"id":"m2","settlement_asset":"0xusdc","loan_symbol":"USDC","collateral_symbol":"WBTC"}}
]}`

func TestIndexSyncerUpsertsAndAppliesCaps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions", r.URL.Path)
		_, _ = w.Write([]byte(indexBody))
	}))
	defer srv.Close()

	db, err := repository.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	store := repository.NewPositionRepo(db)

	// stale local position the index no longer reports
	require.NoError(t, store.UpsertMarket(context.Background(), &model.Market{ID: "m0", SettlementAsset: "0xdai"}))
	require.NoError(t, store.UpsertPosition(context.Background(), &model.Position{ID: "old", Borrower: "0xb9", MarketID: "m0", Active: true}))

	syncer := NewIndexSyncer(config.IndexConfig{BaseURL: srv.URL}, store,
		[]config.MarketConfig{{ID: "m1", RateCapBps: 1000}})

	res, err := syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Markets)
	assert.Equal(t, 3, res.Positions)
	assert.EqualValues(t, 1, res.Deactivated)
	assert.Equal(t, 1, res.CapsApplied)

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "p1", active[0].ID)
	assert.Equal(t, "1200000", active[0].Principal.String())
	require.NotNil(t, active[0].Market.RateCapBps)
	assert.EqualValues(t, 1000, *active[0].Market.RateCapBps)
}

func TestIndexSyncerFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	syncer := NewIndexSyncer(config.IndexConfig{BaseURL: srv.URL}, nil, nil)
	_, err := syncer.Sync(context.Background())
	assert.Error(t, err)
}
