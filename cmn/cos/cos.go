// Package cos contains common helpers shared across DiStore packages.
package cos

import "fmt"

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// DivCeil returns ceil(a / b).
func DivCeil(a, b int64) int64 { return (a + b - 1) / b }

// ToSizeIEC formats a byte count using IEC units.
func ToSizeIEC(b int64) string {
	switch {
	case b >= GiB:
		return fmt.Sprintf("%.2fGiB", float64(b)/GiB)
	case b >= MiB:
		return fmt.Sprintf("%.2fMiB", float64(b)/MiB)
	case b >= KiB:
		return fmt.Sprintf("%.2fKiB", float64(b)/KiB)
	default:
		return fmt.Sprintf("%dB", b)
	}
}
