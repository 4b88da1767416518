package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if got := cfg.ParseSymbols(); len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Errorf("default symbols = %v", got)
	}
	if cfg.Interval != "1m" {
		t.Errorf("default interval = %q", cfg.Interval)
	}
	if !cfg.EmitPartials {
		t.Error("partials should default to enabled")
	}
	if cfg.QueueMaxMessages != 500 || cfg.QueueMaxBytes != 15728640 {
		t.Errorf("queue defaults = %d msgs / %d bytes", cfg.QueueMaxMessages, cfg.QueueMaxBytes)
	}
	if cfg.PingPeriodMs != 30000 || cfg.PongTimeoutMs != 75000 || cfg.IdleTimeoutMs != 90000 {
		t.Errorf("keepalive defaults = %d/%d/%d", cfg.PingPeriodMs, cfg.PongTimeoutMs, cfg.IdleTimeoutMs)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYMBOLS", " solusdt, BNBusdt ")
	t.Setenv("WS_EMIT_PARTIALS", "false")
	t.Setenv("WS_PARTIAL_THROTTLE_MS", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	got := cfg.ParseSymbols()
	if len(got) != 2 || got[0] != "SOLUSDT" || got[1] != "BNBUSDT" {
		t.Errorf("symbols = %v, want normalized upper-case", got)
	}
	if cfg.EmitPartials {
		t.Error("partials should be disabled")
	}
	if cfg.PartialThrottle() != 250*time.Millisecond {
		t.Errorf("throttle = %v", cfg.PartialThrottle())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("SYMBOLS", " , ")
	if _, err := Load(); err == nil {
		t.Error("empty symbol list should fail")
	}

	t.Setenv("SYMBOLS", "BTCUSDT")
	t.Setenv("INTERVAL", "9m")
	if _, err := Load(); err == nil {
		t.Error("unknown interval should fail")
	}

	t.Setenv("INTERVAL", "1m")
	t.Setenv("WS_QUEUE_MAX_MESSAGES", "0")
	if _, err := Load(); err == nil {
		t.Error("zero queue limit should fail")
	}
}
