package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is one call budget, e.g. 100 calls per 30 days
type Window struct {
	Label    string
	Limit    int64
	Duration time.Duration
}

func (w Window) String() string {
	return fmt.Sprintf("%d per %s", w.Limit, w.Label)
}

var units = map[string]time.Duration{
	"minute": time.Minute,
	"min":    time.Minute,
	"m":      time.Minute,
	"hour":   time.Hour,
	"h":      time.Hour,
	"day":    24 * time.Hour,
	"d":      24 * time.Hour,
	"week":   7 * 24 * time.Hour,
	"w":      7 * 24 * time.Hour,
	"month":  30 * 24 * time.Hour,
}

var unitLabels = map[time.Duration]string{
	time.Minute:        "m",
	time.Hour:          "h",
	24 * time.Hour:     "d",
	7 * 24 * time.Hour: "w",
}

// ParseWindow parses a budget such as "100 per 30 days", "20 per hour" or
// "500/day". A month is 30 days.
func ParseWindow(spec string) (Window, error) {
	s := strings.ToLower(strings.TrimSpace(spec))
	var limitPart, periodPart string
	switch {
	case strings.Contains(s, " per "):
		limitPart, periodPart, _ = strings.Cut(s, " per ")
	case strings.Contains(s, "/"):
		limitPart, periodPart, _ = strings.Cut(s, "/")
	default:
		return Window{}, fmt.Errorf("quota window %q: expected \"<limit> per <period>\"", spec)
	}

	limit, err := strconv.ParseInt(strings.TrimSpace(limitPart), 10, 64)
	if err != nil || limit <= 0 {
		return Window{}, fmt.Errorf("quota window %q: limit must be a positive integer", spec)
	}

	fields := strings.Fields(periodPart)
	count := int64(1)
	switch len(fields) {
	case 1:
	case 2:
		count, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil || count <= 0 {
			return Window{}, fmt.Errorf("quota window %q: period count must be a positive integer", spec)
		}
		fields = fields[1:]
	default:
		return Window{}, fmt.Errorf("quota window %q: unrecognised period", spec)
	}

	unit, ok := units[strings.TrimSuffix(fields[0], "s")]
	if !ok {
		unit, ok = units[fields[0]]
	}
	if !ok {
		return Window{}, fmt.Errorf("quota window %q: unknown unit %q", spec, fields[0])
	}

	// Months are stored as days so "1 month" and "30 days" share a counter
	if unit == units["month"] {
		unit = 24 * time.Hour
		count *= 30
	}

	return Window{
		Label:    strconv.FormatInt(count, 10) + unitLabels[unit],
		Limit:    limit,
		Duration: time.Duration(count) * unit,
	}, nil
}

// ParseWindows parses a list of budgets
func ParseWindows(specs []string) ([]Window, error) {
	windows := make([]Window, 0, len(specs))
	for _, spec := range specs {
		w, err := ParseWindow(spec)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}
