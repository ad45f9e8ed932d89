package service

import (
	"context"
	"sort"
	"strings"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/shopspring/decimal"
)

// ObligationSource is the read side of the ledger used to build batches.
type ObligationSource interface {
	ListExcessAccruals(ctx context.Context) ([]model.UnsettledAccrual, error)
	ActiveSettlementKeys(ctx context.Context) (map[model.AccrualKey]struct{}, error)
}

// ObligationAggregator turns unsettled excess accruals into one batch per
// (borrower, asset).
type ObligationAggregator struct {
	src ObligationSource
}

func NewObligationAggregator(src ObligationSource) *ObligationAggregator {
	return &ObligationAggregator{src: src}
}

// Build returns the batches still owed. Accruals that already have a pending
// or processed settlement are left out. The result is ordered by destination
// then asset, and items by date then position.
func (a *ObligationAggregator) Build(ctx context.Context) ([]model.ObligationBatch, error) {
	accruals, err := a.src.ListExcessAccruals(ctx)
	if err != nil {
		return nil, err
	}
	active, err := a.src.ActiveSettlementKeys(ctx)
	if err != nil {
		return nil, err
	}
	return groupObligations(accruals, active), nil
}

type batchKey struct {
	destination string
	asset       string
}

func groupObligations(accruals []model.UnsettledAccrual, active map[model.AccrualKey]struct{}) []model.ObligationBatch {
	groups := make(map[batchKey]*model.ObligationBatch)
	for _, a := range accruals {
		if !a.ExcessAmount.IsPositive() {
			continue
		}
		if _, taken := active[model.NewAccrualKey(a.PositionID, a.Date)]; taken {
			continue
		}
		key := batchKey{
			destination: strings.ToLower(strings.TrimSpace(a.Borrower)),
			asset:       strings.ToLower(strings.TrimSpace(a.Asset)),
		}
		b, ok := groups[key]
		if !ok {
			b = &model.ObligationBatch{
				Destination: strings.TrimSpace(a.Borrower),
				Asset:       strings.TrimSpace(a.Asset),
				Total:       decimal.Zero,
			}
			groups[key] = b
		}
		b.Total = b.Total.Add(a.ExcessAmount)
		b.Items = append(b.Items, model.ObligationItem{
			PositionID: a.PositionID,
			Date:       model.DateOf(a.Date),
			Amount:     a.ExcessAmount,
		})
	}

	out := make([]model.ObligationBatch, 0, len(groups))
	for _, b := range groups {
		if !b.Total.IsPositive() {
			continue
		}
		sort.Slice(b.Items, func(i, j int) bool {
			if !b.Items[i].Date.Equal(b.Items[j].Date) {
				return b.Items[i].Date.Before(b.Items[j].Date)
			}
			return b.Items[i].PositionID < b.Items[j].PositionID
		})
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.ToLower(out[i].Destination), strings.ToLower(out[j].Destination)
		if di != dj {
			return di < dj
		}
		return strings.ToLower(out[i].Asset) < strings.ToLower(out[j].Asset)
	})
	return out
}
