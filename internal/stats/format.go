package stats

import (
	"fmt"
	"time"
)

// binaryUnits are 1024-based, largest first.
var binaryUnits = []struct {
	size float64
	name string
}{
	{1 << 40, "TiB"},
	{1 << 30, "GiB"},
	{1 << 20, "MiB"},
	{1 << 10, "KiB"},
}

func scale(v float64, suffix string) string {
	for _, u := range binaryUnits {
		if v >= u.size {
			return fmt.Sprintf("%.1f %s%s", v/u.size, u.name, suffix)
		}
	}
	return fmt.Sprintf("%.0f B%s", v, suffix)
}

// FormatBytes formats a byte count using binary units (KiB, MiB, GiB, TiB).
func FormatBytes(bytes uint64) string {
	return scale(float64(bytes), "")
}

// FormatRate formats a bytes-per-second rate using binary units.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return scale(bytesPerSec, "/s")
}

// FormatDuration formats a duration like "1h 23m 45s", "23m 45s" or "45s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	d = d.Truncate(time.Second)
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatUpdate renders one sample as a single status line.
func FormatUpdate(u Update) string {
	return fmt.Sprintf("down %s (%s total) | up %s (%s total) | uptime %s",
		FormatRate(u.RateIn), FormatBytes(u.Session.BytesInTotal),
		FormatRate(u.RateOut), FormatBytes(u.Session.BytesOutTotal),
		FormatDuration(u.Session.Uptime))
}

// FormatSession renders the end-of-session summary.
func FormatSession(s SessionStats) string {
	return fmt.Sprintf("received %s, sent %s in %s (peak down %s, peak up %s)",
		FormatBytes(s.BytesInTotal), FormatBytes(s.BytesOutTotal), FormatDuration(s.Uptime),
		FormatRate(s.PeakRateIn), FormatRate(s.PeakRateOut))
}
