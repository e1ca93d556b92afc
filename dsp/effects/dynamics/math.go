//go:build !fastmath

package dynamics

import "math"

// mathLog2 computes log2(x) using standard library math.
func mathLog2(x float64) float64 { return math.Log2(x) }

// mathExp2 computes 2^x using standard library math.
func mathExp2(x float64) float64 { return math.Exp2(x) }

// mathSqrt computes sqrt(x) using standard library math.
func mathSqrt(x float64) float64 { return math.Sqrt(x) }
