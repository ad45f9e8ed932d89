package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GoPolymarket/capsettle/internal/config"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/GoPolymarket/capsettle/internal/pkg/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type rateResponse struct {
	MarketID      string           `json:"market_id"`
	BorrowRateBps *decimal.Decimal `json:"borrow_rate_bps"`
}

// RateClient reads the current annualized borrow rate of a market from the
// rate index. It never returns an error: every failure is an unavailable
// quote and a warning.
type RateClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	maxBps  decimal.Decimal
}

func NewRateClient(cfg config.RateSourceConfig) *RateClient {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBps := cfg.MaxRateBps
	if maxBps <= 0 {
		maxBps = 100_000
	}
	return &RateClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    newHTTPClient(timeout),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		timeout: timeout,
		maxBps:  decimal.NewFromInt(maxBps),
	}
}

func (c *RateClient) MarketRate(ctx context.Context, marketID string) model.RateQuote {
	quote := model.RateQuote{MarketID: marketID, Bps: decimal.Zero}
	bps, err := c.fetch(ctx, marketID)
	if err != nil {
		metrics.RateRequests.WithLabelValues("unavailable").Inc()
		logger.Warn("rate source unavailable, positions in this market will be skipped", "market_id", marketID, "error", err)
		return quote
	}
	metrics.RateRequests.WithLabelValues("ok").Inc()
	quote.Bps = bps
	quote.Available = true
	return quote
}

func (c *RateClient) fetch(ctx context.Context, marketID string) (decimal.Decimal, error) {
	if c.baseURL == "" {
		return decimal.Zero, fmt.Errorf("rate source url not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := fmt.Sprintf("%s/markets/%s/rate", c.baseURL, url.PathEscape(marketID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out rateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("decode: %w", err)
	}
	if out.BorrowRateBps == nil {
		return decimal.Zero, fmt.Errorf("borrow_rate_bps missing")
	}
	bps := *out.BorrowRateBps
	if bps.IsNegative() || bps.GreaterThan(c.maxBps) {
		return decimal.Zero, fmt.Errorf("rate %s bps out of range", bps)
	}
	return bps, nil
}
