package domain

import "math"

// Round2 rounds a monetary value to two decimal places using round-half-up.
// Every persisted total passes through this helper so stored amounts are
// stable across recomputation.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ToPaise converts a rupee amount to the smallest currency unit expected by
// gateway APIs.
func ToPaise(v float64) int64 {
	return int64(math.Round(v * 100))
}

// FromPaise converts a gateway amount in paise back to rupees.
func FromPaise(p int64) float64 {
	return float64(p) / 100
}
