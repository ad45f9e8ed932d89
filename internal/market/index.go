package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GoPolymarket/capsettle/internal/config"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/shopspring/decimal"
)

type indexMarket struct {
	ID               string `json:"id"`
	SettlementAsset  string `json:"settlement_asset"`
	LoanSymbol       string `json:"loan_symbol"`
	CollateralSymbol string `json:"collateral_symbol"`
}

type indexPosition struct {
	ID        string          `json:"id"`
	Borrower  string          `json:"borrower"`
	Principal decimal.Decimal `json:"principal"`
	Active    bool            `json:"active"`
	OpenedAt  time.Time       `json:"opened_at"`
	ClosedAt  *time.Time      `json:"closed_at"`
	Market    indexMarket     `json:"market"`
}

type indexResponse struct {
	Positions []indexPosition `json:"positions"`
}

// PositionStore is where synced markets and positions land.
type PositionStore interface {
	UpsertMarket(ctx context.Context, m *model.Market) error
	UpsertPosition(ctx context.Context, p *model.Position) error
	DeactivateMissing(ctx context.Context, seen []string, at time.Time) (int64, error)
	ApplyRateCaps(ctx context.Context, caps map[string]int64) (int, error)
}

type SyncResult struct {
	Markets     int
	Positions   int
	Deactivated int64
	CapsApplied int
}

// IndexSyncer mirrors the position index into local storage.
type IndexSyncer struct {
	baseURL string
	http    *http.Client
	store   PositionStore
	caps    map[string]int64
	now     func() time.Time
}

func NewIndexSyncer(cfg config.IndexConfig, store PositionStore, markets []config.MarketConfig) *IndexSyncer {
	caps := make(map[string]int64, len(markets))
	for _, m := range markets {
		caps[m.ID] = m.RateCapBps
	}
	return &IndexSyncer{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    newHTTPClient(cfg.Timeout),
		store:   store,
		caps:    caps,
		now:     time.Now,
	}
}

// Sync fetches the full position list, upserts it and closes positions the
// index no longer reports as active.
func (s *IndexSyncer) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	positions, err := s.fetch(ctx)
	if err != nil {
		return res, err
	}

	seenMarkets := make(map[string]bool)
	active := make([]string, 0, len(positions))
	for _, ip := range positions {
		if ip.ID == "" || ip.Market.ID == "" {
			logger.Warn("index returned position without id", "position_id", ip.ID)
			continue
		}
		if !seenMarkets[ip.Market.ID] {
			if err := s.store.UpsertMarket(ctx, &model.Market{
				ID:               ip.Market.ID,
				SettlementAsset:  ip.Market.SettlementAsset,
				LoanSymbol:       ip.Market.LoanSymbol,
				CollateralSymbol: ip.Market.CollateralSymbol,
			}); err != nil {
				return res, fmt.Errorf("upsert market %s: %w", ip.Market.ID, err)
			}
			seenMarkets[ip.Market.ID] = true
			res.Markets++
		}
		if err := s.store.UpsertPosition(ctx, &model.Position{
			ID:        ip.ID,
			Borrower:  ip.Borrower,
			MarketID:  ip.Market.ID,
			Principal: ip.Principal,
			Active:    ip.Active,
			OpenedAt:  ip.OpenedAt,
			ClosedAt:  ip.ClosedAt,
		}); err != nil {
			return res, fmt.Errorf("upsert position %s: %w", ip.ID, err)
		}
		res.Positions++
		if ip.Active {
			active = append(active, ip.ID)
		}
	}

	// an empty index answer is more likely an index fault than a full exit
	if len(positions) > 0 {
		if res.Deactivated, err = s.store.DeactivateMissing(ctx, active, s.now()); err != nil {
			return res, fmt.Errorf("deactivate missing: %w", err)
		}
	} else {
		logger.Warn("index returned no positions; keeping local positions active")
	}
	if res.CapsApplied, err = s.store.ApplyRateCaps(ctx, s.caps); err != nil {
		return res, fmt.Errorf("apply rate caps: %w", err)
	}
	return res, nil
}

func (s *IndexSyncer) fetch(ctx context.Context) ([]indexPosition, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("index url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/positions", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch positions: status %d", resp.StatusCode)
	}
	var out indexResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return out.Positions, nil
}
