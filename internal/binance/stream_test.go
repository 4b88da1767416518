package binance

import (
	"testing"
	"time"
)

func TestBackoffNoJitter(t *testing.T) {
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := Backoff(i+1, false); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	// Deep attempt counts stay capped
	if got := Backoff(100, false); got != 30*time.Second {
		t.Errorf("Backoff(100) = %v, want 30s", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := Backoff(3, true) // base 4s
		if d < 4*time.Second || d > 6*time.Second {
			t.Fatalf("jittered Backoff(3) = %v, want [4s, 6s]", d)
		}
		d = Backoff(20, true) // base capped at 30s, jitter re-capped
		if d < 30*time.Second || d > 30*time.Second {
			t.Fatalf("jittered Backoff(20) = %v, want exactly 30s", d)
		}
	}
}

func TestParseStreamFrame(t *testing.T) {
	payload := []byte(`{
		"stream": "btcusdt@kline_1m",
		"data": {
			"e": "kline", "E": 1700000099123, "s": "btcusdt",
			"k": {
				"t": 1700000040000, "T": 1700000099999, "s": "BTCUSDT", "i": "1m",
				"o": "42166.38000000", "c": "42170.01000000",
				"h": "42185.50000000", "l": "42160.00000000",
				"v": "12.53000000", "n": 842, "x": true,
				"q": "528432.11000000"
			}
		}
	}`)

	sym, cd, final, err := parseStreamFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	if sym != "BTCUSDT" {
		t.Errorf("symbol = %q, want BTCUSDT (upper-cased)", sym)
	}
	if !final || !cd.IsClosed {
		t.Error("x=true frame not marked final")
	}
	if cd.OpenMs != 1700000040000 || cd.CloseMs != 1700000099999 {
		t.Errorf("timestamps = %d/%d", cd.OpenMs, cd.CloseMs)
	}
	if cd.Open != 42166.38 || cd.Close != 42170.01 {
		t.Errorf("open/close = %g/%g", cd.Open, cd.Close)
	}
	if cd.BaseVolume != 12.53 || cd.QuoteVolume != 528432.11 {
		t.Errorf("volumes = %g/%g", cd.BaseVolume, cd.QuoteVolume)
	}
	if cd.Trades != 842 {
		t.Errorf("trades = %d", cd.Trades)
	}
}

func TestParseStreamFrameNumericFields(t *testing.T) {
	// Some gateways relay prices as JSON numbers instead of strings.
	payload := []byte(`{"stream":"ethusdt@kline_1m","data":{"s":"ETHUSDT","k":{"t":1700000040000,"T":1700000099999,"i":"1m","o":2210.5,"h":2212,"l":2209.9,"c":2211.2,"v":88.1,"q":194800,"n":120,"x":false}}}`)

	sym, cd, final, err := parseStreamFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	if sym != "ETHUSDT" || final {
		t.Errorf("sym=%q final=%v", sym, final)
	}
	if cd.High != 2212 || cd.Low != 2209.9 {
		t.Errorf("high/low = %g/%g", cd.High, cd.Low)
	}
}

func TestParseStreamFrameRejectsGarbage(t *testing.T) {
	if _, _, _, err := parseStreamFrame([]byte(`{"stream":"x"}`)); err == nil {
		t.Error("frame without symbol should fail")
	}
	if _, _, _, err := parseStreamFrame([]byte(`not json`)); err == nil {
		t.Error("non-JSON frame should fail")
	}
}
