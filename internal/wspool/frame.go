package wspool

import (
	"encoding/binary"
	"time"

	"tickflow/models"
)

// Binary frame layout: an int16 packet count, then per packet an int16
// length followed by that many bytes. The first four bytes of every packet
// are the instrument token; the packet length decides the mode. Prices stay
// in minor units here, the processor converts them.
const (
	ltpPacketLen        = 8
	indexQuotePacketLen = 28
	indexFullPacketLen  = 32
	quotePacketLen      = 44
	fullPacketLen       = 184

	depthLevels   = 5
	depthEntryLen = 12

	indexSegment = 9
)

type subscribeMessage struct {
	Action string   `json:"a"`
	Tokens []uint32 `json:"v"`
}

type modeMessage struct {
	Action string        `json:"a"`
	Value  []interface{} `json:"v"`
}

func newModeMessage(mode models.StreamMode, tokens []uint32) modeMessage {
	return modeMessage{Action: "mode", Value: []interface{}{string(mode), tokens}}
}

// isIndexToken checks the exchange segment encoded in the token's low byte.
func isIndexToken(token uint32) bool {
	return token&0xFF == indexSegment
}

// parseFrame splits one binary message into raw ticks. Malformed packets are
// skipped rather than failing the whole frame.
func parseFrame(data []byte, receivedAt time.Time) []models.RawTick {
	if len(data) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	ticks := make([]models.RawTick, 0, count)
	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			break
		}
		packetLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+packetLen > len(data) {
			break
		}
		if tick, ok := parsePacket(data[offset : offset+packetLen]); ok {
			tick.ReceivedAt = receivedAt
			ticks = append(ticks, tick)
		}
		offset += packetLen
	}
	return ticks
}

func parsePacket(p []byte) (models.RawTick, bool) {
	if len(p) < ltpPacketLen {
		return models.RawTick{}, false
	}
	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(p[off : off+4]) }
	i64 := func(off int) int64 { return int64(int32(u32(off))) }
	f := func(off int) float64 { return float64(int32(u32(off))) }

	tick := models.RawTick{
		Token:     u32(0),
		LastPrice: f(4),
	}

	if isIndexToken(tick.Token) {
		switch len(p) {
		case ltpPacketLen:
			tick.Mode = models.ModeLTP
		case indexQuotePacketLen, indexFullPacketLen:
			tick.OHLC = models.OHLC{High: f(8), Low: f(12), Open: f(16), Close: f(20)}
			tick.Mode = models.ModeQuote
			if len(p) == indexFullPacketLen {
				tick.Mode = models.ModeFull
				tick.ExchangeTime = time.Unix(i64(28), 0)
			}
		default:
			return models.RawTick{}, false
		}
		return tick, true
	}

	switch len(p) {
	case ltpPacketLen:
		tick.Mode = models.ModeLTP
	case quotePacketLen, fullPacketLen:
		tick.LastQuantity = i64(8)
		tick.AvgPrice = f(12)
		tick.Volume = i64(16)
		tick.BuyQuantity = i64(20)
		tick.SellQuantity = i64(24)
		tick.OHLC = models.OHLC{Open: f(28), High: f(32), Low: f(36), Close: f(40)}
		tick.Mode = models.ModeQuote
		if len(p) == fullPacketLen {
			tick.Mode = models.ModeFull
			tick.ExchangeTime = time.Unix(i64(60), 0)
			tick.OI = i64(48)
			tick.Depth = parseDepth(p[64:])
		}
	default:
		return models.RawTick{}, false
	}
	return tick, true
}

// parseDepth reads five bid then five ask entries of 12 bytes each
// (quantity, price, orders, padding).
func parseDepth(p []byte) *models.MarketDepth {
	if len(p) < 2*depthLevels*depthEntryLen {
		return nil
	}
	depth := &models.MarketDepth{
		Bids: make([]models.DepthLevel, 0, depthLevels),
		Asks: make([]models.DepthLevel, 0, depthLevels),
	}
	for i := 0; i < 2*depthLevels; i++ {
		off := i * depthEntryLen
		level := models.DepthLevel{
			Quantity: int64(int32(binary.BigEndian.Uint32(p[off : off+4]))),
			Price:    float64(int32(binary.BigEndian.Uint32(p[off+4 : off+8]))),
			Orders:   int64(int16(binary.BigEndian.Uint16(p[off+8 : off+10]))),
		}
		if i < depthLevels {
			depth.Bids = append(depth.Bids, level)
		} else {
			depth.Asks = append(depth.Asks, level)
		}
	}
	return depth
}
