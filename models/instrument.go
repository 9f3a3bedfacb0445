package models

import (
	"strings"
	"time"
)

// InstrumentType classifies a tradable contract.
const (
	InstrumentTypeEquity = "EQ"
	InstrumentTypeCall   = "CE"
	InstrumentTypePut    = "PE"
	InstrumentTypeFuture = "FUT"
)

// Instrument is one row of the broker instrument dump. Rows are upserted by
// token on every registry refresh and flagged inactive rather than deleted.
type Instrument struct {
	Token          uint32     `gorm:"primaryKey" csv:"instrument_token" json:"instrument_token"`
	ExchangeToken  uint32     `csv:"exchange_token" json:"exchange_token"`
	TradingSymbol  string     `gorm:"index:idx_exchange_tradingsymbol,priority:2" csv:"tradingsymbol" json:"tradingsymbol"`
	Name           string     `gorm:"index" csv:"name" json:"name"`
	Exchange       string     `gorm:"index:idx_exchange_tradingsymbol,priority:1" csv:"exchange" json:"exchange"`
	Segment        string     `csv:"segment" json:"segment"`
	Expiry         *time.Time `csv:"expiry" json:"expiry,omitempty"`
	Strike         float64    `csv:"strike" json:"strike"`
	InstrumentType string     `csv:"instrument_type" json:"instrument_type"`
	LotSize        uint       `csv:"lot_size" json:"lot_size"`
	TickSize       float64    `csv:"tick_size" json:"tick_size"`
	Active         bool       `gorm:"index" json:"active"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"-"`
}

func (Instrument) TableName() string { return "instruments" }

// IsOption reports whether the instrument is a CE or PE contract.
func (i Instrument) IsOption() bool {
	return i.InstrumentType == InstrumentTypeCall || i.InstrumentType == InstrumentTypePut
}

// IsIndex reports whether the instrument belongs to an index segment, e.g.
// "INDICES" or "NSE-INDICES".
func (i Instrument) IsIndex() bool {
	return strings.Contains(strings.ToUpper(i.Segment), "INDICES")
}

// Expired reports whether the contract expiry falls strictly before the
// given trading day. Instruments without expiry never expire.
func (i Instrument) Expired(today time.Time) bool {
	if i.Expiry == nil {
		return false
	}
	y1, m1, d1 := i.Expiry.Date()
	y2, m2, d2 := today.Date()
	if y1 != y2 {
		return y1 < y2
	}
	if m1 != m2 {
		return m1 < m2
	}
	return d1 < d2
}
