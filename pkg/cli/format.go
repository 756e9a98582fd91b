package cli

import (
	"fmt"
	"time"
)

// FormatDuration renders d the way operators read queue ages: whole
// milliseconds under a second, decimal seconds under a minute, then minutes
// with the seconds remainder. Negative values clamp to zero so clock skew
// on task timestamps never prints "-3ms".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	mins := int(d.Minutes())
	secs := d.Seconds() - float64(mins)*60
	return fmt.Sprintf("%dm%.1fs", mins, secs)
}

// FormatBytes renders n with binary units, two decimals from KB up.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGT"[exp])
}
