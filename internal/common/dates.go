package common

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	compactDate  = regexp.MustCompile(`^\d{8}$`)
	compactMonth = regexp.MustCompile(`^\d{6}$`)
)

// ParseDay accepts YYYY-MM-DD or YYYYMMDD and returns UTC midnight.
func ParseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layout := "2006-01-02"
	if compactDate.MatchString(s) {
		layout = "20060102"
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, Wrapf(err, "bad date %q", s)
	}
	return t, nil
}

// ParseMonth accepts YYYY-MM or YYYYMM and returns the first day, UTC.
func ParseMonth(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layout := "2006-01"
	if compactMonth.MatchString(s) {
		layout = "200601"
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, Wrapf(err, "bad month %q", s)
	}
	return t, nil
}

// Days returns every UTC day from start through end inclusive.
func Days(start, end time.Time) []time.Time {
	start = Midnight(start)
	end = Midnight(end)
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Midnight truncates t to 00:00 UTC of its UTC day.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysInMonth returns the number of days in the month containing t.
func DaysInMonth(t time.Time) int {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, -1).Day()
}

// SameMonth reports whether a and b share year and month in UTC.
func SameMonth(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// ParseHours accepts "HH-HH" and returns the UT hour window [h0, h1).
func ParseHours(s string) (int, int, error) {
	var h0, h1 int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d-%d", &h0, &h1); err != nil {
		return 0, 0, Wrapf(err, "bad hour window %q", s)
	}
	if h0 < 0 || h1 > 24 || h0 >= h1 {
		return 0, 0, Newf("bad hour window %q", s)
	}
	return h0, h1, nil
}

// ResolveRange turns the CLI date selectors into an inclusive day range.
// date wins over month, month over from/to; to defaults to from.
func ResolveRange(date, month, from, to string) (time.Time, time.Time, error) {
	switch {
	case date != "":
		d, err := ParseDay(date)
		return d, d, err
	case month != "":
		m, err := ParseMonth(month)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		return m, m.AddDate(0, 1, -1), nil
	case from != "":
		f, err := ParseDay(from)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		t := f
		if to != "" {
			if t, err = ParseDay(to); err != nil {
				return time.Time{}, time.Time{}, err
			}
		}
		if t.Before(f) {
			return time.Time{}, time.Time{}, Newf("range ends before it starts: %s..%s", from, to)
		}
		return f, t, nil
	}
	return time.Time{}, time.Time{}, New("one of --date, --month or --from is required")
}
