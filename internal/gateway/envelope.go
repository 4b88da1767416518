// Package gateway serves the client-facing WebSocket: it upgrades
// connections, fans candle envelopes out to every session through a
// bounded per-session send queue, and enforces keepalive and
// backpressure policies.
package gateway

import (
	"strconv"

	"mdfeed/internal/model"
)

// welcomeMsg is the first frame every session receives.
var welcomeMsg = []byte(`{"event":"welcome"}`)

// CandleEnvelope hand-crafts the candle frame JSON. The data array is
// [openMs, open, high, low, close, baseVolume]; floats are encoded with
// 'g'/-1 so they round-trip bit-exact through encoding/json.
func CandleEnvelope(symbol, interval string, c model.Candle, final bool) []byte {
	buf := make([]byte, 0, len(symbol)+len(interval)+160)
	buf = append(buf, `{"type":"candle","symbol":"`...)
	buf = append(buf, symbol...)
	buf = append(buf, `","interval":"`...)
	buf = append(buf, interval...)
	buf = append(buf, `","final":`...)
	buf = strconv.AppendBool(buf, final)
	buf = append(buf, `,"data":[`...)
	buf = strconv.AppendInt(buf, c.OpenMs, 10)
	for _, v := range [5]float64{c.Open, c.High, c.Low, c.Close, c.BaseVolume} {
		buf = append(buf, ',')
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	}
	buf = append(buf, `]}`...)
	return buf
}

// ResyncDoneEnvelope signals clients that a REST catch-up pass finished
// for the listed symbols.
func ResyncDoneEnvelope(interval string, symbols []string) []byte {
	buf := make([]byte, 0, len(interval)+16*len(symbols)+64)
	buf = append(buf, `{"type":"resync_done","interval":"`...)
	buf = append(buf, interval...)
	buf = append(buf, `","symbols":[`...)
	for i, s := range symbols {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		buf = append(buf, s...)
		buf = append(buf, '"')
	}
	buf = append(buf, `]}`...)
	return buf
}
