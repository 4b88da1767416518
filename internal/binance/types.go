// Package binance talks to the Binance spot market-data API: the REST
// klines endpoint for historical candles and the combined WebSocket
// stream for live kline updates.
package binance

import (
	"bytes"
	"fmt"
	"strconv"
)

// Float decodes Binance numeric fields that arrive either as JSON
// numbers or as quoted decimal strings ("42166.38000000").
type Float float64

func (f *Float) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse float %q: %w", b, err)
	}
	*f = Float(v)
	return nil
}

// Int decodes integer fields with the same string-or-number tolerance.
type Int int64

func (i *Int) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("parse int %q: %w", b, err)
	}
	*i = Int(v)
	return nil
}
