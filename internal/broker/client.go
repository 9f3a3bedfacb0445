package broker

import (
	"context"
	"time"

	"tickflow/models"
)

// Quote is a point-in-time market quote for one instrument.
type Quote struct {
	Token     uint32              `json:"instrument_token"`
	LastPrice float64             `json:"last_price"`
	Volume    int64               `json:"volume"`
	OI        int64               `json:"oi"`
	OHLC      models.OHLC         `json:"ohlc"`
	Depth     *models.MarketDepth `json:"depth,omitempty"`
}

// Client is the HTTP surface of one broker account. WebSocket streaming is
// handled separately by the connection pool; the client covers session
// bootstrap, reference data, quotes, historical candles and order lifecycle.
type Client interface {
	EnsureSession(ctx context.Context) error
	FetchInstruments(ctx context.Context, segment string) ([]models.Instrument, error)
	FetchHistorical(ctx context.Context, token uint32, from, to time.Time, interval string, continuous, oi bool) ([]models.Candle, error)
	Quote(ctx context.Context, symbols []string) (map[string]Quote, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, params models.OrderParams) (string, error)
	ModifyOrder(ctx context.Context, params models.OrderParams) (string, error)
	CancelOrder(ctx context.Context, orderID string) (string, error)
	ExitOrder(ctx context.Context, orderID string) (string, error)
}
