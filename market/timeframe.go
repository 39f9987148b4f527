package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is the duration of one bar bucket, e.g. 1m, 15m, 1h, 4h.
type Timeframe time.Duration

// BaseResolution is the resolution of the candles the exchange feed
// delivers. All higher timeframes are re-derived from it.
const BaseResolution = Timeframe(time.Minute)

// ParseTimeframe parses exchange-style interval strings such as "1m",
// "15m", "1h", "4h" or "1d".
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe %q (want m, h or d suffix)", s)
	}
	return Timeframe(time.Duration(n) * unit), nil
}

// Bucket returns the start of the bucket that t falls into.
func (tf Timeframe) Bucket(t time.Time) time.Time {
	return t.Truncate(time.Duration(tf))
}

// Duration returns the timeframe as a time.Duration.
func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) }

func (tf Timeframe) String() string {
	d := time.Duration(tf)
	switch {
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	default:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
}
