package exporter

import (
	"strconv"
	"time"
)

// formatFloat formats a measurement with a fixed number of decimals
func formatFloat(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}

// formatOptional formats an optional measurement, empty when absent
func formatOptional(f *float64, prec int) string {
	if f == nil {
		return ""
	}
	return formatFloat(*f, prec)
}

// formatSeconds formats a duration as seconds with millisecond precision
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// formatTime formats a timestamp in RFC 3339 with milliseconds, empty when zero
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func formatUint(u uint64) string {
	return strconv.FormatUint(u, 10)
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
