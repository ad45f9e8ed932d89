package handler

import (
	"context"
	"net/http"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ObligationBuilder interface {
	Build(ctx context.Context) ([]model.ObligationBatch, error)
}

type SettlementLister interface {
	ListSettlements(ctx context.Context, status string, limit int) ([]model.SettlementRecord, error)
}

type BatchReleaser interface {
	Release(ctx context.Context, batchID uuid.UUID, reason string) (int64, error)
}

type SettlementHandler struct {
	obligations ObligationBuilder
	ledger      SettlementLister
	releaser    BatchReleaser
}

func NewSettlementHandler(obligations ObligationBuilder, ledger SettlementLister, releaser BatchReleaser) *SettlementHandler {
	return &SettlementHandler{obligations: obligations, ledger: ledger, releaser: releaser}
}

// Obligations shows what the next disbursement pass would pay, without
// paying it.
func (h *SettlementHandler) Obligations(c *gin.Context) {
	batches, err := h.obligations.Build(c.Request.Context())
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrUnavailable, "build obligations", err))
		return
	}
	totals := make(map[string]decimal.Decimal)
	for _, b := range batches {
		totals[b.Asset] = totals[b.Asset].Add(b.Total)
	}
	c.JSON(http.StatusOK, gin.H{
		"batches":        batches,
		"count":          len(batches),
		"total_by_asset": totals,
	})
}

func (h *SettlementHandler) List(c *gin.Context) {
	status := c.Query("status")
	switch model.SettlementStatus(status) {
	case "", model.SettlementPending, model.SettlementProcessed, model.SettlementFailed:
	default:
		c.Error(apperrors.NewInvalidRequest("status must be pending, processed or failed"))
		return
	}
	limit, err := parseLimit(c.Query("limit"), 100)
	if err != nil {
		c.Error(err)
		return
	}
	rows, err := h.ledger.ListSettlements(c.Request.Context(), status, limit)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrUnavailable, "list settlements", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": rows})
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

// Release fails a pending batch so its accruals are paid by the next pass.
// A broadcast batch is refused unless its transaction was dropped.
func (h *SettlementHandler) Release(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.NewInvalidRequest("batch id must be a uuid"))
		return
	}
	var req releaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
	}
	n, err := h.releaser.Release(c.Request.Context(), batchID, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "released": n})
}
