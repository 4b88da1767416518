package model

import "testing"

func TestCandleValidate(t *testing.T) {
	good := Candle{
		OpenMs: 1_700_000_040_000, CloseMs: 1_700_000_099_999,
		Open: 100, High: 110, Low: 95, Close: 105,
		BaseVolume: 12.5, QuoteVolume: 1300, Trades: 42,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}

	// Doji: all four prices equal
	flat := Candle{Open: 100, High: 100, Low: 100, Close: 100}
	if err := flat.Validate(); err != nil {
		t.Fatalf("flat candle rejected: %v", err)
	}

	bad := good
	bad.Low = 106 // above min(open, close)
	if err := bad.Validate(); err == nil {
		t.Error("low above body should fail")
	}

	bad = good
	bad.High = 99 // below max(open, close)
	if err := bad.Validate(); err == nil {
		t.Error("high below body should fail")
	}

	bad = good
	bad.BaseVolume = -1
	if err := bad.Validate(); err == nil {
		t.Error("negative volume should fail")
	}

	// Rounding slack: low a hair above the body is tolerated
	edge := good
	edge.Low = good.Open + 1e-12
	if err := edge.Validate(); err != nil {
		t.Errorf("epsilon-range candle rejected: %v", err)
	}
}
