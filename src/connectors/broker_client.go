package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tradingcore/src/breaker"
	"tradingcore/src/config"
)

const (
	quotePath  = "/quote"
	ordersPath = "/orders"

	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderFilled   = "FILLED"
	OrderRejected = "REJECTED"
	OrderPending  = "PENDING"
)

var (
	ErrInvalidQuote  = errors.New("broker returned an invalid quote")
	ErrOrderRejected = errors.New("order rejected by broker")
)

type Quote struct {
	Instrument string    `json:"instrument"`
	LTP        float64   `json:"ltp"`
	Timestamp  time.Time `json:"timestamp"`
}

type OrderRequest struct {
	ClientOrderID  string  `json:"client_order_id"`
	Instrument     string  `json:"instrument"`
	Side           string  `json:"side"`
	Lots           int     `json:"lots"`
	Quantity       int     `json:"quantity"`
	OrderType      string  `json:"order_type"`
	ReferencePrice float64 `json:"reference_price"`
	Reason         string  `json:"reason,omitempty"`
}

type OrderResult struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	FillPrice     float64 `json:"fill_price"`
	FilledLots    int     `json:"filled_lots"`
	Message       string  `json:"message,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// BrokerClient talks to the broker bridge REST API. Every call waits on the
// rate limiter and runs through the circuit breaker.
type BrokerClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	breaker *breaker.Breaker
	logger  *logrus.Entry
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func NewBrokerClient(cfg config.BrokerConfig, br *breaker.Breaker, logger *logrus.Entry) *BrokerClient {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "broker_client")

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8090"
		logger.Warnf("No broker base URL provided, using default: %s", cfg.BaseURL)
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(8 * cfg.RetryWait).
		AddRetryCondition(isRetryableResp)

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &BrokerClient{
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: br,
		logger:  logger,
	}
}

// GetQuote returns the last traded price of an instrument.
func (c *BrokerClient) GetQuote(ctx context.Context, instrument string) (float64, error) {
	q, err := c.Quote(ctx, instrument)
	if err != nil {
		return 0, err
	}
	return q.LTP, nil
}

func (c *BrokerClient) Quote(ctx context.Context, instrument string) (Quote, error) {
	return guarded(c, ctx, func() (Quote, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("instrument", instrument).
			Get(quotePath)
		if err != nil {
			return Quote{}, fmt.Errorf("quote %s: %w", instrument, err)
		}
		if resp.IsError() {
			return Quote{}, fmt.Errorf("quote %s: %w", instrument, httpError(resp))
		}

		var q Quote
		if err := json.Unmarshal(resp.Body(), &q); err != nil {
			return Quote{}, fmt.Errorf("decode quote %s: %w", instrument, err)
		}
		if q.LTP <= 0 {
			return Quote{}, fmt.Errorf("%w: %s ltp=%v", ErrInvalidQuote, instrument, q.LTP)
		}
		if q.Instrument == "" {
			q.Instrument = instrument
		}
		return q, nil
	})
}

// PlaceOrder submits a market order. A broker-side rejection comes back as a
// result with status REJECTED and ErrOrderRejected; it does not count against
// the breaker.
func (c *BrokerClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	if req.OrderType == "" {
		req.OrderType = "MARKET"
	}

	res, err := guarded(c, ctx, func() (OrderResult, error) {
		var out OrderResult
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("Idempotency-Key", req.ClientOrderID).
			SetBody(req).
			Post(ordersPath)
		if err != nil {
			return out, fmt.Errorf("place order %s: %w", req.ClientOrderID, err)
		}
		if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests {
			return out, fmt.Errorf("place order %s: %w", req.ClientOrderID, httpError(resp))
		}
		if resp.IsError() {
			// 4xx is a well-formed answer from a healthy broker
			out = OrderResult{ClientOrderID: req.ClientOrderID, Status: OrderRejected, Message: httpError(resp).Error()}
			return out, nil
		}
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return out, fmt.Errorf("decode order %s: %w", req.ClientOrderID, err)
		}
		if out.ClientOrderID == "" {
			out.ClientOrderID = req.ClientOrderID
		}
		return out, nil
	})
	if err != nil {
		return res, err
	}

	fields := logrus.Fields{
		"client_order_id": res.ClientOrderID,
		"order_id":        res.OrderID,
		"instrument":      req.Instrument,
		"side":            req.Side,
		"lots":            req.Lots,
		"status":          res.Status,
	}
	if res.Status == OrderRejected {
		c.logger.WithFields(fields).WithField("message", res.Message).Warn("order rejected")
		return res, fmt.Errorf("%w: %s", ErrOrderRejected, res.Message)
	}
	c.logger.WithFields(fields).WithField("fill_price", res.FillPrice).Info("order placed")
	return res, nil
}

func guarded[T any](c *BrokerClient, ctx context.Context, fn func() (T, error)) (T, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		var zero T
		return zero, fmt.Errorf("rate limiter: %w", err)
	}
	if c.breaker == nil {
		return fn()
	}
	return breaker.Do(c.breaker, fn)
}

func httpError(resp *resty.Response) error {
	var body errorBody
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		msg := body.Message
		if msg == "" {
			msg = body.Error
		}
		if msg != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), msg)
		}
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
}
