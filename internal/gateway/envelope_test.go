package gateway

import (
	"encoding/json"
	"testing"

	"mdfeed/internal/model"
)

func TestCandleEnvelopeRoundTrip(t *testing.T) {
	c := model.Candle{
		OpenMs:     1_700_000_040_000,
		CloseMs:    1_700_000_099_999,
		Open:       42166.38,
		High:       42185.5,
		Low:        42160.0,
		Close:      42170.01,
		BaseVolume: 12.53,
	}
	raw := CandleEnvelope("BTCUSDT", "1m", c, true)

	var env struct {
		Type     string    `json:"type"`
		Symbol   string    `json:"symbol"`
		Interval string    `json:"interval"`
		Final    bool      `json:"final"`
		Data     []float64 `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\n%s", err, raw)
	}

	if env.Type != "candle" || env.Symbol != "BTCUSDT" || env.Interval != "1m" || !env.Final {
		t.Errorf("header fields wrong: %+v", env)
	}
	if len(env.Data) != 6 {
		t.Fatalf("data has %d elements, want 6", len(env.Data))
	}
	want := []float64{float64(c.OpenMs), c.Open, c.High, c.Low, c.Close, c.BaseVolume}
	for i, w := range want {
		if env.Data[i] != w {
			t.Errorf("data[%d] = %v, want %v (must round-trip exactly)", i, env.Data[i], w)
		}
	}
}

func TestCandleEnvelopePartial(t *testing.T) {
	raw := CandleEnvelope("ETHUSDT", "1m", model.Candle{OpenMs: 60_000, Open: 0.1, High: 0.3, Low: 0.1, Close: 0.2, BaseVolume: 1}, false)

	var env struct {
		Final bool      `json:"final"`
		Data  []float64 `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Final {
		t.Error("partial envelope marked final")
	}
	if env.Data[4] != 0.2 {
		t.Errorf("close = %v, want exactly 0.2", env.Data[4])
	}
}

func TestResyncDoneEnvelope(t *testing.T) {
	raw := ResyncDoneEnvelope("1m", []string{"BTCUSDT", "ETHUSDT"})

	var env struct {
		Type     string   `json:"type"`
		Interval string   `json:"interval"`
		Symbols  []string `json:"symbols"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\n%s", err, raw)
	}
	if env.Type != "resync_done" || env.Interval != "1m" {
		t.Errorf("header fields wrong: %+v", env)
	}
	if len(env.Symbols) != 2 || env.Symbols[0] != "BTCUSDT" || env.Symbols[1] != "ETHUSDT" {
		t.Errorf("symbols = %v", env.Symbols)
	}

	// Empty symbol list still yields valid JSON
	raw = ResyncDoneEnvelope("1m", nil)
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("empty-list envelope invalid: %v\n%s", err, raw)
	}
	if len(env.Symbols) != 0 {
		t.Errorf("symbols = %v, want empty", env.Symbols)
	}
}
