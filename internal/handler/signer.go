package handler

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

type SignerInfo interface {
	Ready() error
	SignerAddress() string
	Balance(ctx context.Context, asset, holder string) (*big.Int, error)
}

type MarketLister interface {
	ListMarkets(ctx context.Context) ([]model.Market, error)
}

type SignerHandler struct {
	signer  SignerInfo
	markets MarketLister
}

func NewSignerHandler(signer SignerInfo, markets MarketLister) *SignerHandler {
	return &SignerHandler{signer: signer, markets: markets}
}

type assetBalance struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Get reports the treasury signer and its balance of every settlement asset.
func (h *SignerHandler) Get(c *gin.Context) {
	if err := h.signer.Ready(); err != nil {
		c.JSON(http.StatusOK, gin.H{"ready": false, "error": err.Error()})
		return
	}
	markets, err := h.markets.ListMarkets(c.Request.Context())
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrUnavailable, "list markets", err))
		return
	}

	address := h.signer.SignerAddress()
	seen := make(map[string]bool)
	balances := make([]assetBalance, 0, len(markets))
	for _, m := range markets {
		asset := strings.ToLower(m.SettlementAsset)
		if asset == "" || seen[asset] {
			continue
		}
		seen[asset] = true
		entry := assetBalance{Asset: m.SettlementAsset}
		bal, err := h.signer.Balance(c.Request.Context(), m.SettlementAsset, address)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Balance = bal.String()
		}
		balances = append(balances, entry)
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "address": address, "balances": balances})
}
