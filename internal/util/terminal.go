package util

import (
	"fmt"
	"time"
)

// MakeHyperlink renders an OSC 8 terminal hyperlink.
func MakeHyperlink(url, displayText string) string {
	// BEL terminator is more widely supported than ST
	return fmt.Sprintf("\033]8;;%s\a%s\033]8;;\a", url, displayText)
}

// TruncateText truncates s to maxLen runes, appending "…" if truncated.
func TruncateText(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return "…"
	}
	return string(runes[:maxLen-1]) + "…"
}

// RelativeTime formats t relative to now, e.g. "3m ago" or "in 2h".
// A zero t renders as "never".
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	future := d < 0
	if future {
		d = -d
	}

	var s string
	switch {
	case d < time.Minute:
		if future {
			return "now"
		}
		return "just now"
	case d < time.Hour:
		s = fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		s = fmt.Sprintf("%dh", int(d.Hours()))
	default:
		s = fmt.Sprintf("%dd", int(d.Hours()/24))
	}
	if future {
		return "in " + s
	}
	return s + " ago"
}
