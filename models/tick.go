package models

import (
	"time"
)

// TickKind discriminates the two tick payload variants at the ingress
// boundary so downstream routing never probes dynamic fields.
type TickKind string

const (
	TickKindUnderlying TickKind = "underlying"
	TickKindOption     TickKind = "option"
)

// StreamMode is the subscription depth requested from the broker feed.
type StreamMode string

const (
	ModeLTP   StreamMode = "ltp"
	ModeQuote StreamMode = "quote"
	ModeFull  StreamMode = "full"
)

// DepthLevel is a single bid or ask level from the broker feed. Prices
// arrive in minor units (paise) and are converted by the processor.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// MarketDepth carries up to five levels per side.
type MarketDepth struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

// RawTick is one unparsed tick from a pooled websocket connection. Account
// and connection provenance is attached at dispatch time.
type RawTick struct {
	AccountID    string       `json:"account_id"`
	ConnectionID int          `json:"connection_id"`
	Token        uint32       `json:"instrument_token"`
	LastPrice    float64      `json:"last_price"`
	LastQuantity int64        `json:"last_quantity"`
	AvgPrice     float64      `json:"average_price"`
	Volume       int64        `json:"volume"`
	OI           int64        `json:"oi"`
	BuyQuantity  int64        `json:"buy_quantity"`
	SellQuantity int64        `json:"sell_quantity"`
	OHLC         OHLC         `json:"ohlc"`
	Depth        *MarketDepth `json:"depth,omitempty"`
	Mode         StreamMode   `json:"mode"`
	ExchangeTime time.Time    `json:"exchange_timestamp"`
	ReceivedAt   time.Time    `json:"received_at"`
}

// OHLC holds the session open/high/low/close quartet in minor units.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// UnderlyingTick is a validated tick routed to the index/underlying path.
type UnderlyingTick struct {
	Token      uint32
	Symbol     string
	LastPrice  float64
	Volume     int64
	OHLC       OHLC
	Timestamp  time.Time
	ReceivedAt time.Time
}

// OptionTick is a validated tick routed to the option snapshot path.
type OptionTick struct {
	Token        uint32
	Symbol       string
	LastPrice    float64
	Volume       int64
	OI           int64
	BuyQuantity  int64
	SellQuantity int64
	Depth        *MarketDepth
	Timestamp    time.Time
	ReceivedAt   time.Time
}

// Tick is the tagged union delivered by the validator. Exactly one of
// Underlying or Option is set, selected by Kind.
type Tick struct {
	Kind       TickKind
	Underlying *UnderlyingTick
	Option     *OptionTick
}
