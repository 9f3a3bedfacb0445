package models

import "time"

// Greeks holds the option sensitivity measures computed from implied
// volatility. A zero value means the enrichment degraded, never an error.
type Greeks struct {
	IV    float64 `json:"iv"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// Zero reports whether every Greek degraded to zero.
func (g Greeks) Zero() bool {
	return g.IV == 0 && g.Delta == 0 && g.Gamma == 0 && g.Theta == 0 && g.Vega == 0 && g.Rho == 0
}

// UnderlyingBar is the published OHLCV bar for the index/underlying stream.
// Prices are in major units and drift-adjusted against the canonical symbol.
type UnderlyingBar struct {
	Token     uint32    `json:"instrument_token"`
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	LastPrice float64   `json:"last_price"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	IsMock    bool      `json:"is_mock"`
}

// OptionSnapshot is the published option state: price, size, open interest,
// depth and Greeks, all in major units.
type OptionSnapshot struct {
	Token         uint32       `json:"instrument_token"`
	Symbol        string       `json:"tradingsymbol"`
	Underlying    string       `json:"underlying"`
	Strike        float64      `json:"strike"`
	Expiry        time.Time    `json:"expiry"`
	OptionType    string       `json:"option_type"`
	LastPrice     float64      `json:"last_price"`
	UnderlyingLTP float64      `json:"underlying_ltp"`
	Volume        int64        `json:"volume"`
	OI            int64        `json:"oi"`
	BuyQuantity   int64        `json:"buy_quantity"`
	SellQuantity  int64        `json:"sell_quantity"`
	Greeks        Greeks       `json:"greeks"`
	Depth         *MarketDepth `json:"depth,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	IsMock        bool         `json:"is_mock"`
}

// Candle is one historical OHLCV bar fetched from the broker, optionally
// enriched with Greeks when the instrument is an option.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	OI        int64     `json:"oi,omitempty"`
	Greeks    *Greeks   `json:"greeks,omitempty"`
}

// BackpressureLevel is the 4-step health classification derived from the
// ingest/publish flow; it drives load shedding in the batcher.
type BackpressureLevel int

const (
	LevelHealthy BackpressureLevel = iota
	LevelWarning
	LevelCritical
	LevelOverload
)

func (l BackpressureLevel) String() string {
	switch l {
	case LevelHealthy:
		return "healthy"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelOverload:
		return "overload"
	default:
		return "unknown"
	}
}

// BackpressureMetrics is recomputed on demand from sliding event windows;
// it is never persisted.
type BackpressureMetrics struct {
	IngestRate     float64           `json:"ingest_rate"`
	PublishRate    float64           `json:"publish_rate"`
	LatencyP50     time.Duration     `json:"latency_p50"`
	LatencyP95     time.Duration     `json:"latency_p95"`
	LatencyP99     time.Duration     `json:"latency_p99"`
	PendingPublish int               `json:"pending_publish"`
	Dropped        int64             `json:"dropped"`
	Level          BackpressureLevel `json:"level"`
}
