package utils

import (
	"fmt"
	"math"
	"time"
)

// FormatOffset renders seconds from recording start as HH:MM:SS.
func FormatOffset(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return "--:--:--"
	}
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	total := int64(math.Floor(seconds))
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, total/3600, (total%3600)/60, total%60)
}

// SecondsToDuration converts a fractional second count into a time.Duration.
func SecondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
