package broker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tickflow/config"
	"tickflow/internal/ratelimit"
	"tickflow/logger"
	"tickflow/models"
)

const (
	expiryLayout = "2006-01-02"
	candleLayout = "2006-01-02T15:04:05-0700"
)

// HTTPClient talks to the broker REST API for one account. Every call is
// gated by the shared per-category rate limiter before it reaches the wire.
type HTTPClient struct {
	account config.AccountConfig
	base    string
	hc      *http.Client
	limiter *ratelimit.Limiter
	log     *logger.Entry
}

func NewHTTPClient(cfg config.BrokerConfig, account config.AccountConfig, limiter *ratelimit.Limiter) *HTTPClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:    cfg.MaxIdleConns,
		MaxConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}
	return &HTTPClient{
		account: account,
		base:    strings.TrimRight(cfg.APIBase, "/"),
		hc: &http.Client{
			Timeout: timeout,
			Transport: authTransport{
				apiKey:      account.APIKey,
				accessToken: account.AccessToken,
				base:        transport,
			},
		},
		limiter: limiter,
		log:     logger.GetLogger().WithComponent("broker_client").WithAccount(account.ID),
	}
}

type apiEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// EnsureSession verifies the access token by fetching the account profile.
func (c *HTTPClient) EnsureSession(ctx context.Context) error {
	var profile struct {
		UserID string `json:"user_id"`
	}
	if err := c.getJSON(ctx, ratelimit.CategoryQuote, "/user/profile", nil, &profile); err != nil {
		return fmt.Errorf("session check for account %s: %w", c.account.ID, err)
	}
	c.log.WithFields(logger.Fields{"user_id": profile.UserID}).Info("broker session verified")
	return nil
}

// FetchInstruments downloads and parses the CSV instrument dump for one
// exchange segment, e.g. "NFO" or "NSE".
func (c *HTTPClient) FetchInstruments(ctx context.Context, segment string) ([]models.Instrument, error) {
	if err := c.limiter.Wait(ctx, ratelimit.CategoryHistorical); err != nil {
		return nil, err
	}
	endpoint := c.base + "/instruments"
	if segment != "" {
		endpoint += "/" + url.PathEscape(segment)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments %s: %w", segment, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch instruments %s: status %d", segment, res.StatusCode)
	}
	instruments, err := parseInstrumentCSV(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse instruments %s: %w", segment, err)
	}
	c.log.WithFields(logger.Fields{"segment": segment, "count": len(instruments)}).Info("instrument dump fetched")
	return instruments, nil
}

func parseInstrumentCSV(r io.Reader) ([]models.Instrument, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	field := func(rec []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(rec) {
			return ""
		}
		return rec[idx]
	}

	var out []models.Instrument
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		token, err := strconv.ParseUint(field(rec, "instrument_token"), 10, 32)
		if err != nil {
			continue
		}
		inst := models.Instrument{
			Token:          uint32(token),
			TradingSymbol:  field(rec, "tradingsymbol"),
			Name:           field(rec, "name"),
			Exchange:       field(rec, "exchange"),
			Segment:        field(rec, "segment"),
			InstrumentType: field(rec, "instrument_type"),
			Active:         true,
		}
		inst.Strike, _ = strconv.ParseFloat(field(rec, "strike"), 64)
		inst.TickSize, _ = strconv.ParseFloat(field(rec, "tick_size"), 64)
		if lot, err := strconv.Atoi(field(rec, "lot_size")); err == nil && lot >= 0 {
			inst.LotSize = uint(lot)
		}
		if raw := field(rec, "expiry"); raw != "" {
			if expiry, err := time.Parse(expiryLayout, raw); err == nil {
				inst.Expiry = &expiry
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

// FetchHistorical pulls candles for one token over a closed range.
func (c *HTTPClient) FetchHistorical(ctx context.Context, token uint32, from, to time.Time, interval string, continuous, oi bool) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("from", from.Format("2006-01-02 15:04:05"))
	params.Set("to", to.Format("2006-01-02 15:04:05"))
	if continuous {
		params.Set("continuous", "1")
	}
	if oi {
		params.Set("oi", "1")
	}
	path := fmt.Sprintf("/instruments/historical/%d/%s", token, url.PathEscape(interval))

	var data struct {
		Candles [][]interface{} `json:"candles"`
	}
	if err := c.getJSON(ctx, ratelimit.CategoryHistorical, path, params, &data); err != nil {
		return nil, fmt.Errorf("historical %d: %w", token, err)
	}

	candles := make([]models.Candle, 0, len(data.Candles))
	for _, row := range data.Candles {
		candle, ok := parseCandleRow(row)
		if !ok {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseCandleRow decodes one [timestamp, o, h, l, c, volume, oi?] array.
func parseCandleRow(row []interface{}) (models.Candle, bool) {
	if len(row) < 6 {
		return models.Candle{}, false
	}
	raw, ok := row[0].(string)
	if !ok {
		return models.Candle{}, false
	}
	ts, err := time.Parse(candleLayout, raw)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, raw); err != nil {
			return models.Candle{}, false
		}
	}
	num := func(v interface{}) float64 {
		f, _ := v.(float64)
		return f
	}
	candle := models.Candle{
		Timestamp: ts,
		Open:      num(row[1]),
		High:      num(row[2]),
		Low:       num(row[3]),
		Close:     num(row[4]),
		Volume:    int64(num(row[5])),
	}
	if len(row) > 6 {
		candle.OI = int64(num(row[6]))
	}
	return candle, true
}

// Quote fetches full quotes for up to 500 "EXCHANGE:SYMBOL" keys.
func (c *HTTPClient) Quote(ctx context.Context, symbols []string) (map[string]Quote, error) {
	params := url.Values{}
	for _, s := range symbols {
		params.Add("i", s)
	}
	quotes := make(map[string]Quote)
	if err := c.getJSON(ctx, ratelimit.CategoryQuote, "/quote", params, &quotes); err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	return quotes, nil
}

// LastPrice fetches the LTP of a single "EXCHANGE:SYMBOL" key.
func (c *HTTPClient) LastPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Add("i", symbol)
	quotes := make(map[string]struct {
		LastPrice float64 `json:"last_price"`
	})
	if err := c.getJSON(ctx, ratelimit.CategoryQuote, "/quote/ltp", params, &quotes); err != nil {
		return 0, fmt.Errorf("ltp %s: %w", symbol, err)
	}
	q, ok := quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("ltp %s: symbol missing from response", symbol)
	}
	return q.LastPrice, nil
}

func (c *HTTPClient) PlaceOrder(ctx context.Context, params models.OrderParams) (string, error) {
	return c.orderCall(ctx, http.MethodPost, "/orders/regular", orderForm(params))
}

func (c *HTTPClient) ModifyOrder(ctx context.Context, params models.OrderParams) (string, error) {
	if params.OrderID == "" {
		return "", fmt.Errorf("modify order: missing order id")
	}
	return c.orderCall(ctx, http.MethodPut, "/orders/regular/"+url.PathEscape(params.OrderID), orderForm(params))
}

func (c *HTTPClient) CancelOrder(ctx context.Context, orderID string) (string, error) {
	if orderID == "" {
		return "", fmt.Errorf("cancel order: missing order id")
	}
	return c.orderCall(ctx, http.MethodDelete, "/orders/regular/"+url.PathEscape(orderID), nil)
}

// ExitOrder closes a cover order position by deleting its parent order.
func (c *HTTPClient) ExitOrder(ctx context.Context, orderID string) (string, error) {
	if orderID == "" {
		return "", fmt.Errorf("exit order: missing order id")
	}
	return c.orderCall(ctx, http.MethodDelete, "/orders/co/"+url.PathEscape(orderID), nil)
}

func orderForm(p models.OrderParams) url.Values {
	form := url.Values{}
	set := func(key, val string) {
		if val != "" {
			form.Set(key, val)
		}
	}
	set("exchange", p.Exchange)
	set("tradingsymbol", p.TradingSymbol)
	set("transaction_type", p.TransactionType)
	set("product", p.Product)
	set("order_type", p.OrderType)
	set("validity", p.Validity)
	set("tag", p.Tag)
	if p.Quantity > 0 {
		form.Set("quantity", strconv.Itoa(p.Quantity))
	}
	if p.Price > 0 {
		form.Set("price", strconv.FormatFloat(p.Price, 'f', -1, 64))
	}
	if p.TriggerPrice > 0 {
		form.Set("trigger_price", strconv.FormatFloat(p.TriggerPrice, 'f', -1, 64))
	}
	return form
}

func (c *HTTPClient) orderCall(ctx context.Context, method, path string, form url.Values) (string, error) {
	if err := c.limiter.Wait(ctx, ratelimit.CategoryOrder); err != nil {
		return "", err
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return "", err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.doJSON(req, &data); err != nil {
		return "", fmt.Errorf("%s %s: %w", method, path, err)
	}
	return data.OrderID, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, cat ratelimit.Category, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx, cat); err != nil {
		return err
	}
	endpoint := c.base + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *HTTPClient) doJSON(req *http.Request, out interface{}) error {
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if res.StatusCode != http.StatusOK || envelope.Status == "error" {
		return fmt.Errorf("api error (%d %s): %s", res.StatusCode, envelope.ErrorType, envelope.Message)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
