package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", time.Hour * 24},
}

// ParseStringTime parses config durations such as "100s", "5m", "2h", "1d" or "500ms".
// A bare number is read as seconds.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.TrimSpace(strings.ToLower(timeString))
	if timeString == "" {
		return 0, fmt.Errorf("empty time string")
	}
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
		}
		return time.Duration(number) * u.unit, nil
	}
	number, err := strconv.Atoi(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format: %s", timeString)
	}
	return time.Duration(number) * time.Second, nil
}

// MustParseStringTime is ParseStringTime for values already checked by config validation.
func MustParseStringTime(timeString string) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil {
		panic(err)
	}
	return d
}
