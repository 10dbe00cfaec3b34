package utils

import "fmt"

var siUnits = []string{"KB", "MB", "GB", "TB", "PB", "EB"}

// HumanizeBytes formats n with decimal units, e.g. "1.50 MB".
func HumanizeBytes(n uint64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for rest := n / unit; rest >= unit && exp < len(siUnits)-1; rest /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %s", float64(n)/float64(div), siUnits[exp])
}
