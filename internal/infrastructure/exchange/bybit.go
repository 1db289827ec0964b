package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
)

const DefaultBaseURL = "https://api.bybit.com"

// retCodes Bybit reports for conditions that clear on their own.
var transientRetCodes = map[int]bool{
	10002: true, // request expired (clock drift)
	10006: true, // rate limit
	10016: true, // service error
}

// BybitGateway is one account's authenticated Bybit v5 client. HTTP-level
// failures (network, 429, 5xx) are retried by the client with backoff;
// business rejections surface as *domain.RejectionError.
type BybitGateway struct {
	account    domain.Account
	apiKey     string
	apiSecret  string
	client     *resty.Client
	recvWindow int
	log        *zap.Logger
}

func NewBybitGateway(account domain.Account, apiKey, apiSecret, baseURL string, log *zap.Logger) *BybitGateway {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		}).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp.StatusCode() == 429 {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if seconds, err := time.ParseDuration(ra + "s"); err == nil {
						return seconds, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		})

	return &BybitGateway{
		account:    account,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		client:     client,
		recvWindow: 5000,
		log:        log,
	}
}

func (g *BybitGateway) Account() domain.Account { return g.account }

func (g *BybitGateway) sign(params string, timestamp int64) string {
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, g.apiKey, g.recvWindow, params)
	h := hmac.New(sha256.New, []byte(g.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sendRequest signs and sends one v5 call and decodes the envelope.
// Bybit reports rate limits with HTTP 200 and a retCode, so those get
// their own bounded retry on top of the client's transport retries.
func (g *BybitGateway) sendRequest(ctx context.Context, method, path string, query url.Values, payload map[string]any) (json.RawMessage, error) {
	wait := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		result, err := g.doRequest(ctx, method, path, query, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !domain.IsTransient(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, lastErr
}

func (g *BybitGateway) doRequest(ctx context.Context, method, path string, query url.Values, payload map[string]any) (json.RawMessage, error) {
	timestamp := time.Now().UnixMilli()

	var paramsStr string
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "marshal payload")
		}
		body = b
		paramsStr = string(b)
	} else if query != nil {
		paramsStr = query.Encode()
	}

	req := g.client.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", g.apiKey).
		SetHeader("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10)).
		SetHeader("X-BAPI-SIGN", g.sign(paramsStr, timestamp)).
		SetHeader("X-BAPI-RECV-WINDOW", strconv.Itoa(g.recvWindow)).
		SetHeader("Content-Type", "application/json")

	var resp *resty.Response
	var err error
	if method == "GET" {
		if query != nil {
			req.SetQueryString(query.Encode())
		}
		resp, err = req.Get(path)
	} else {
		req.SetBody(body)
		resp, err = req.Post(path)
	}
	if err != nil {
		return nil, &domain.TransientError{Cause: err}
	}
	if resp.StatusCode() >= 400 {
		if resp.StatusCode() == 429 || resp.StatusCode() >= 500 {
			return nil, &domain.TransientError{Cause: errors.Errorf("http %d: %s", resp.StatusCode(), resp.String())}
		}
		return nil, &domain.RejectionError{Code: resp.StatusCode(), Reason: resp.String()}
	}

	var env bybitEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if env.RetCode != 0 {
		if transientRetCodes[env.RetCode] {
			return nil, &domain.TransientError{Cause: errors.Errorf("retCode %d: %s", env.RetCode, env.RetMsg)}
		}
		return nil, &domain.RejectionError{Code: env.RetCode, Reason: env.RetMsg}
	}
	return env.Result, nil
}

type rawPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
}

func (r rawPosition) toDomain() *domain.Position {
	size, _ := decimal.NewFromString(r.Size)
	entry, _ := decimal.NewFromString(r.AvgPrice)
	mark, _ := decimal.NewFromString(r.MarkPrice)
	pnl, _ := decimal.NewFromString(r.UnrealisedPnl)
	lev, _ := strconv.Atoi(r.Leverage)

	side := domain.SideLong
	if r.Side == "Sell" {
		side = domain.SideShort
	}
	return &domain.Position{
		Symbol:        r.Symbol,
		Side:          side,
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
		Leverage:      lev,
	}
}

func (g *BybitGateway) GetPositions(ctx context.Context) ([]*domain.Position, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("settleCoin", "USDT")

	raw, err := g.sendRequest(ctx, "GET", "/v5/position/list", query, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []rawPosition `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "decode positions")
	}

	var positions []*domain.Position
	for _, item := range result.List {
		p := item.toDomain()
		if p.Size.IsZero() {
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// GetPosition returns the position for one symbol and side. A flat
// position comes back with Size zero rather than an error.
func (g *BybitGateway) GetPosition(ctx context.Context, symbol string, side domain.Side) (*domain.Position, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)

	raw, err := g.sendRequest(ctx, "GET", "/v5/position/list", query, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []rawPosition `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "decode position")
	}

	for _, item := range result.List {
		p := item.toDomain()
		if p.Symbol == symbol && p.Side == side && !p.Size.IsZero() {
			return p, nil
		}
	}
	return &domain.Position{Symbol: symbol, Side: side}, nil
}

func (g *BybitGateway) GetOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)

	raw, err := g.sendRequest(ctx, "GET", "/v5/order/realtime", query, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID      string `json:"orderId"`
			Symbol       string `json:"symbol"`
			Side         string `json:"side"`
			OrderType    string `json:"orderType"`
			Qty          string `json:"qty"`
			Price        string `json:"price"`
			TriggerPrice string `json:"triggerPrice"`
			ReduceOnly   bool   `json:"reduceOnly"`
			OrderStatus  string `json:"orderStatus"`
			CreatedTime  string `json:"createdTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "decode orders")
	}

	var orders []*domain.Order
	for _, item := range result.List {
		qty, _ := decimal.NewFromString(item.Qty)
		price, _ := decimal.NewFromString(item.Price)
		trigger, _ := decimal.NewFromString(item.TriggerPrice)
		createdMs, _ := strconv.ParseInt(item.CreatedTime, 10, 64)

		side := domain.SideLong
		if item.Side == "Sell" {
			side = domain.SideShort
		}
		orders = append(orders, &domain.Order{
			OrderID:      item.OrderID,
			Symbol:       item.Symbol,
			Side:         side,
			OrderType:    item.OrderType,
			Qty:          qty,
			Price:        price,
			TriggerPrice: trigger,
			ReduceOnly:   item.ReduceOnly,
			Status:       item.OrderStatus,
			CreatedAt:    time.UnixMilli(createdMs),
		})
	}
	return orders, nil
}

func sideToBybit(s domain.Side) string {
	if s == domain.SideShort {
		return "Sell"
	}
	return "Buy"
}

func (g *BybitGateway) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (string, error) {
	payload := map[string]any{
		"category":  "linear",
		"symbol":    req.Symbol,
		"side":      sideToBybit(req.Side),
		"orderType": req.OrderType,
		"qty":       req.Qty.String(),
	}
	if req.OrderType == domain.OrderTypeLimit {
		payload["timeInForce"] = "GTC"
	}
	if !req.Price.IsZero() {
		payload["price"] = req.Price.String()
	}
	if !req.TriggerPrice.IsZero() {
		payload["triggerPrice"] = req.TriggerPrice.String()
		// A sell stop fires on the way down, a buy stop on the way up.
		if req.Side == domain.SideShort {
			payload["triggerDirection"] = 2
		} else {
			payload["triggerDirection"] = 1
		}
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}

	raw, err := g.sendRequest(ctx, "POST", "/v5/order/create", nil, payload)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", errors.Wrap(err, "decode order id")
	}
	return result.OrderID, nil
}

// AmendOrder changes quantity and/or trigger price in place, keeping the
// order id and (for quantity amends) the trigger untouched.
func (g *BybitGateway) AmendOrder(ctx context.Context, symbol, orderID string, qty, triggerPrice *decimal.Decimal) error {
	payload := map[string]any{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	if qty != nil {
		payload["qty"] = qty.String()
	}
	if triggerPrice != nil {
		payload["triggerPrice"] = triggerPrice.String()
	}

	_, err := g.sendRequest(ctx, "POST", "/v5/order/amend", nil, payload)
	return err
}

func (g *BybitGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]any{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := g.sendRequest(ctx, "POST", "/v5/order/cancel", nil, payload)
	return err
}
