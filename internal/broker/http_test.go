package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/internal/ratelimit"
	"tickflow/models"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.BrokerConfig{APIBase: srv.URL, HTTPTimeout: 5 * time.Second}
	account := config.AccountConfig{ID: "acc1", APIKey: "key", AccessToken: "tok"}
	return NewHTTPClient(cfg, account, ratelimit.New(config.RateLimitConfig{})), srv
}

func TestAuthHeader(t *testing.T) {
	var gotAuth string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"success","data":{"user_id":"AB1234"}}`))
	}))
	if err := c.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if gotAuth != "token key:tok" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestFetchInstruments(t *testing.T) {
	csvDump := "instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange\n" +
		"256265,1001,NIFTY 50,NIFTY 50,0,,0,0.05,1,EQ,INDICES,NSE\n" +
		"12345,48,NIFTY26SEP24500CE,NIFTY,0,2026-09-25,24500,0.05,75,CE,NFO-OPT,NFO\n" +
		"bogus,0,BAD,,,,,,,,,\n"
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instruments/NFO" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(csvDump))
	}))

	instruments, err := c.FetchInstruments(context.Background(), "NFO")
	if err != nil {
		t.Fatalf("FetchInstruments: %v", err)
	}
	if len(instruments) != 2 {
		t.Fatalf("parsed %d instruments, want 2 (bad row skipped)", len(instruments))
	}
	opt := instruments[1]
	if opt.Token != 12345 || opt.Strike != 24500 || opt.InstrumentType != "CE" || opt.LotSize != 75 {
		t.Fatalf("option row = %+v", opt)
	}
	if opt.Expiry == nil || opt.Expiry.Month() != time.September {
		t.Fatalf("expiry = %v", opt.Expiry)
	}
	if instruments[0].Expiry != nil {
		t.Fatalf("index row should have nil expiry")
	}
}

func TestFetchHistorical(t *testing.T) {
	body := `{"status":"success","data":{"candles":[
		["2026-08-25T09:15:00+0530",24010.5,24050,24000,24040,120000,1500000],
		["2026-08-25T09:16:00+0530",24040,24060,24030,24055,98000,1500100]
	]}}`
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instruments/historical/256265/minute" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("oi") != "1" {
			t.Errorf("oi param missing")
		}
		w.Write([]byte(body))
	}))

	from := time.Date(2026, 8, 25, 9, 15, 0, 0, time.UTC)
	candles, err := c.FetchHistorical(context.Background(), 256265, from, from.Add(time.Hour), "minute", false, true)
	if err != nil {
		t.Fatalf("FetchHistorical: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("got %d candles", len(candles))
	}
	if candles[0].Open != 24010.5 || candles[0].OI != 1500000 {
		t.Fatalf("first candle = %+v", candles[0])
	}
}

func TestQuoteAndLastPrice(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			w.Write([]byte(`{"status":"success","data":{"NSE:NIFTY 50":{"instrument_token":256265,"last_price":24042.3,"ohlc":{"open":24010,"high":24060,"low":24000,"close":23990}}}}`))
		case "/quote/ltp":
			w.Write([]byte(`{"status":"success","data":{"NSE:NIFTY 50":{"last_price":24042.3}}}`))
		default:
			t.Errorf("path = %s", r.URL.Path)
		}
	}))

	quotes, err := c.Quote(context.Background(), []string{"NSE:NIFTY 50"})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q := quotes["NSE:NIFTY 50"]; q.Token != 256265 || q.OHLC.Close != 23990 {
		t.Fatalf("quote = %+v", q)
	}

	ltp, err := c.LastPrice(context.Background(), "NSE:NIFTY 50")
	if err != nil {
		t.Fatalf("LastPrice: %v", err)
	}
	if ltp != 24042.3 {
		t.Fatalf("ltp = %v", ltp)
	}
}

func TestPlaceOrder(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders/regular" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		r.ParseForm()
		if r.PostForm.Get("tradingsymbol") != "NIFTY26SEP24500CE" || r.PostForm.Get("quantity") != "75" {
			t.Errorf("form = %v", r.PostForm)
		}
		w.Write([]byte(`{"status":"success","data":{"order_id":"230828000000001"}}`))
	}))

	orderID, err := c.PlaceOrder(context.Background(), models.OrderParams{
		Exchange:        "NFO",
		TradingSymbol:   "NIFTY26SEP24500CE",
		TransactionType: "BUY",
		Quantity:        75,
		OrderType:       "MARKET",
		Product:         "NRML",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if orderID != "230828000000001" {
		t.Fatalf("order id = %s", orderID)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","message":"Invalid token","error_type":"TokenException"}`))
	}))
	if _, err := c.LastPrice(context.Background(), "NSE:NIFTY 50"); err == nil {
		t.Fatal("expected api error")
	}
}
