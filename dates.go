package rowan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultStorageDateFormat is the storage layout for date attributes when the
// mapper options do not override it.
const DefaultStorageDateFormat = "2006-01-02 15:04:05"

var bareDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// TimeCarrier is implemented by values with timezone-aware date/time
// semantics that are not the canonical time.Time.
type TimeCarrier interface {
	Time() time.Time
}

// asDateTime coerces a value to the canonical time.Time:
//   - time.Time values pass through unchanged
//   - TimeCarrier values are reconstructed preserving timezone and sub-second
//     precision
//   - numerics are Unix timestamps
//   - bare YYYY-MM-DD strings parse at start of day
//   - anything else parses with the storage format, appending a zero
//     fractional-seconds suffix when the format expects one the input lacks
func asDateTime(v interface{}, storageFormat string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("rowan: nil time value")
		}
		return *t, nil
	case TimeCarrier:
		src := t.Time()
		return time.Date(src.Year(), src.Month(), src.Day(),
			src.Hour(), src.Minute(), src.Second(), src.Nanosecond(), src.Location()), nil
	case int:
		return time.Unix(int64(t), 0), nil
	case int32:
		return time.Unix(int64(t), 0), nil
	case int64:
		return time.Unix(t, 0), nil
	case uint64:
		return time.Unix(int64(t), 0), nil
	case float32:
		return time.Unix(int64(t), 0), nil
	case float64:
		return time.Unix(int64(t), 0), nil
	case []byte:
		return parseDateString(string(t), storageFormat)
	case string:
		return parseDateString(t, storageFormat)
	}
	return time.Time{}, fmt.Errorf("rowan: cannot coerce %T to time.Time", v)
}

func parseDateString(s, storageFormat string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("rowan: empty date string")
	}
	// Digit-only strings are Unix timestamps, same as typed numerics.
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}
	if bareDateRe.MatchString(s) {
		return time.Parse("2006-01-02", s)
	}
	if storageFormat == "" {
		storageFormat = DefaultStorageDateFormat
	}
	t, err := time.Parse(storageFormat, s)
	if err == nil {
		return t, nil
	}
	// Compatibility fix-up: formats expecting fractional seconds reject inputs
	// without them, so retry with a zero fraction of the expected width.
	if frac := fractionWidth(storageFormat); frac > 0 && !strings.Contains(s, ".") {
		fixed := s + "." + strings.Repeat("0", frac)
		if t, retryErr := time.Parse(storageFormat, fixed); retryErr == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("rowan: cannot parse %q with format %q: %w", s, storageFormat, err)
}

// fractionWidth returns the digit count of the fractional-seconds directive
// in a time layout, or 0 when the layout has none.
func fractionWidth(layout string) int {
	idx := strings.Index(layout, ".")
	if idx < 0 || idx+1 >= len(layout) {
		return 0
	}
	width := 0
	for _, c := range layout[idx+1:] {
		if c != '0' && c != '9' {
			break
		}
		width++
	}
	return width
}
