package cli

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"
)

// placeholderPattern matches @NAME@ tokens. Unknown names are left
// untouched.
var placeholderPattern = regexp.MustCompile(`@([A-Z_]+)@`)

var weekdays = map[string]time.Weekday{
	"MONDAY":    time.Monday,
	"TUESDAY":   time.Tuesday,
	"WEDNESDAY": time.Wednesday,
	"THURSDAY":  time.Thursday,
	"FRIDAY":    time.Friday,
	"SATURDAY":  time.Saturday,
	"SUNDAY":    time.Sunday,
}

// substitutePlaceholders expands the fixed @NAME@ set against the given
// reference time. Weekday names resolve to the date of the next such
// weekday, today included.
func substitutePlaceholders(text string, now time.Time) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := strings.Trim(token, "@")
		if wd, ok := weekdays[name]; ok {
			ahead := (int(wd) - int(now.Weekday()) + 7) % 7
			return now.AddDate(0, 0, ahead).Format("2006-01-02")
		}
		switch name {
		case "UTC":
			return now.UTC().Format(time.RFC3339)
		case "NOW":
			return now.Format(time.RFC3339)
		case "TODAY":
			return now.Format("2006-01-02")
		case "TOMORROW":
			return now.AddDate(0, 0, 1).Format("2006-01-02")
		case "YESTERDAY":
			return now.AddDate(0, 0, -1).Format("2006-01-02")
		case "YEAR":
			return now.Format("2006")
		case "MONTH":
			return now.Format("01")
		case "DAY":
			return now.Format("02")
		case "TIME":
			return now.Format("15:04:05")
		case "HOUR":
			return now.Format("15")
		case "MINUTE":
			return now.Format("04")
		case "SECOND":
			return now.Format("05")
		case "TZ_OFFSET":
			return now.Format("-0700")
		case "TZ":
			zone, _ := now.Zone()
			return zone
		default:
			return token
		}
	})
}

// referenceTime reads env.now and falls back to the current UTC time.
// RFC3339 is tried first, anything else goes through the human date
// parser ("yesterday", "2 hours ago").
func referenceTime(env map[string]string) (time.Time, error) {
	raw, ok := env["now"]
	if !ok || raw == "" {
		return time.Now().UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	parser := dps.Parser{}
	parsed, err := parser.Parse(&dps.Configuration{PreferredDateSource: dps.CurrentPeriod}, raw)
	if err != nil || parsed.IsZero() {
		return time.Time{}, fmt.Errorf("env.now: cannot parse %q as a date", raw)
	}
	return parsed.Time, nil
}
