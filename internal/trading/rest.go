package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RESTClient talks to the exchange REST shim.
type RESTClient struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

func NewRESTClient(baseURL string, timeout time.Duration, logger *zap.Logger) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

type placeOrderBody struct {
	TokenID string      `json:"token_id"`
	Price   json.Number `json:"price"`
	Size    json.Number `json:"size"`
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e envelope) reason() string {
	if e.Error != "" {
		return e.Error
	}
	if e.Message != "" {
		return e.Message
	}
	return "Unknown error"
}

type placeOrderResponse struct {
	envelope
	Order struct {
		OrderID string `json:"order_id"`
	} `json:"order"`
}

func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}
	path := "/api/order/buy"
	if req.Side == SideSell {
		path = "/api/order/sell"
	}
	body := placeOrderBody{
		TokenID: req.Instrument,
		Price:   json.Number(req.Price.String()),
		Size:    json.Number(req.Size.String()),
	}

	var out placeOrderResponse
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return OrderResult{}, err
	}
	if !out.Success {
		return OrderResult{Success: false, Message: out.reason()}, nil
	}
	c.logger.Info("order placed",
		zap.String("token_id", req.Instrument),
		zap.String("side", string(req.Side)),
		zap.Stringer("price", req.Price),
		zap.Stringer("size", req.Size),
		zap.String("order_id", out.Order.OrderID))
	return OrderResult{OrderID: out.Order.OrderID, Success: true, Message: out.Message}, nil
}

type balanceResponse struct {
	envelope
	Balance  json.Number `json:"balance"`
	Currency string      `json:"currency"`
}

func (c *RESTClient) Balance(ctx context.Context) (Balance, error) {
	var out balanceResponse
	if err := c.do(ctx, http.MethodGet, "/api/balance", nil, &out); err != nil {
		return Balance{}, err
	}
	if !out.Success {
		return Balance{}, fmt.Errorf("balance: %s", out.reason())
	}
	amount := decimal.Zero
	if out.Balance != "" {
		var err error
		if amount, err = decimal.NewFromString(out.Balance.String()); err != nil {
			return Balance{}, fmt.Errorf("balance: parse %q: %w", out.Balance, err)
		}
	}
	currency := out.Currency
	if currency == "" {
		currency = "USDC"
	}
	return Balance{Amount: amount, Currency: currency}, nil
}

type ordersResponse struct {
	envelope
	Orders []Order `json:"orders"`
}

func (c *RESTClient) OpenOrders(ctx context.Context) ([]Order, error) {
	var out ordersResponse
	if err := c.do(ctx, http.MethodGet, "/api/orders/list", nil, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("list orders: %s", out.reason())
	}
	return out.Orders, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, id string) error {
	var out envelope
	path := "/api/orders/cancel/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("cancel %s: %s", id, out.reason())
	}
	return nil
}

// CancelAll cancels open orders one by one and stops at the first failure.
func (c *RESTClient) CancelAll(ctx context.Context) (int, error) {
	orders, err := c.OpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if err := c.CancelOrder(ctx, o.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type positionsResponse struct {
	envelope
	Positions []Position `json:"positions"`
}

func (c *RESTClient) Positions(ctx context.Context) ([]Position, error) {
	var out positionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("positions: %s", out.reason())
	}
	return out.Positions, nil
}

// do sends in as JSON and decodes the reply into out. Error statuses whose
// body still decodes are left for the caller to read from the envelope.
func (c *RESTClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
