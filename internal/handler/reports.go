package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

type ReportLister interface {
	List(ctx context.Context, job string, limit int) ([]*model.RunReport, error)
}

type ReportHandler struct {
	reports ReportLister
}

func NewReportHandler(reports ReportLister) *ReportHandler {
	return &ReportHandler{reports: reports}
}

func (h *ReportHandler) List(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), 50)
	if err != nil {
		c.Error(err)
		return
	}
	records, err := h.reports.List(c.Request.Context(), c.Query("job"), limit)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": records})
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return 0, apperrors.NewInvalidRequest("limit must be between 1 and 1000")
	}
	return n, nil
}
