package schema

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var auditDateRegex *regexp.Regexp

func init() {
	// Matches "DD.MM.YYYY" with an optional " HH:MI:SS" suffix, allowing for
	// optional surrounding quotes. The format market-audit extracts use.
	auditDateRegex = regexp.MustCompile(`^"?\d{2}\.\d{2}\.\d{4}( \d{2}:\d{2}:\d{2})?"?$`)
}

// IsAuditDate checks if a string matches the DD.MM.YYYY[ HH:MI:SS] format.
func IsAuditDate(s string) bool {
	return auditDateRegex.MatchString(s)
}

// ParseAuditDate converts a "DD.MM.YYYY" or "DD.MM.YYYY HH:MI:SS" string,
// potentially surrounded by double quotes, to a UTC time.Time.
func ParseAuditDate(s string) (time.Time, error) {
	trimmed := strings.Trim(s, `"`)
	layout := "02.01.2006"
	if strings.Contains(trimmed, " ") {
		layout = "02.01.2006 15:04:05"
	}
	t, err := time.ParseInLocation(layout, trimmed, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse audit date from '%s': %w", s, err)
	}
	return t, nil
}

// Coerce converts one raw field value to the driver.Value the column's kind
// calls for. A blank value is always nil, never an empty string or zero.
func Coerce(kind, raw string) (driver.Value, error) {
	val := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"`))
	if val == "" {
		return nil, nil
	}
	switch kind {
	case KindInt:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: '%s'", val)
		}
		return n, nil
	case KindDouble:
		// Extracts from older systems use a decimal comma.
		f, err := strconv.ParseFloat(strings.ReplaceAll(val, ",", "."), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: '%s'", val)
		}
		return f, nil
	case KindDate:
		t, err := ParseAuditDate(val)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return val, nil
	}
}
