package model

import "fmt"

// Interval is a validated candle width. Only labels from the closed set
// below are accepted; an Interval obtained from ParseInterval is always
// usable without further checks.
type Interval struct {
	Ms    int64
	Label string
}

var intervals = []Interval{
	{60_000, "1m"},
	{180_000, "3m"},
	{300_000, "5m"},
	{900_000, "15m"},
	{1_800_000, "30m"},
	{3_600_000, "1h"},
	{7_200_000, "2h"},
	{14_400_000, "4h"},
	{21_600_000, "6h"},
	{28_800_000, "8h"},
	{43_200_000, "12h"},
	{86_400_000, "1d"},
}

// ParseInterval resolves a canonical label like "1m" or "1h".
// Unknown labels are rejected at parse time.
func ParseInterval(label string) (Interval, error) {
	for _, iv := range intervals {
		if iv.Label == label {
			return iv, nil
		}
	}
	return Interval{}, fmt.Errorf("unknown interval %q", label)
}

func (iv Interval) String() string { return iv.Label }

// Valid reports whether the interval came from ParseInterval.
func (iv Interval) Valid() bool {
	for _, known := range intervals {
		if known == iv {
			return true
		}
	}
	return false
}
