package pipeline

import (
	"fmt"
	"time"
)

const bytesPerMB = 1024 * 1024

// FormatDuration renders d as "N ms" below a second, "N.N s" below a minute,
// and "M m S s" otherwise.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%d ms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1f s", d.Seconds())
	default:
		total := int64(d / time.Second)
		return fmt.Sprintf("%d m %d s", total/60, total%60)
	}
}

// FormatSpeed renders a bytes-per-second rate in MB/s.
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 MB/s"
	}
	return fmt.Sprintf("%.2f MB/s", bytesPerSec/bytesPerMB)
}

// AverageMBps returns bytes / MiB / seconds, or nil when no time elapsed.
func AverageMBps(bytesSent int64, elapsedSeconds float64) *float64 {
	if elapsedSeconds <= 0 {
		return nil
	}
	v := float64(bytesSent) / bytesPerMB / elapsedSeconds
	return &v
}
