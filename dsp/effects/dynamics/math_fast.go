//go:build fastmath

package dynamics

import "github.com/meko-christian/algo-approx"

// mathLog2 computes log2(x) via algo-approx's fast natural-log
// approximation: log2(x) = ln(x) / ln(2).
func mathLog2(x float64) float64 { return approx.FastLog(x) / ln2 }

// mathExp2 computes 2^x via algo-approx's fast exponential
// approximation: 2^x = e^(x*ln(2)).
func mathExp2(x float64) float64 { return approx.FastExp(x * ln2) }

// mathSqrt computes sqrt(x) via algo-approx's fast inverse-sqrt-derived
// approximation.
func mathSqrt(x float64) float64 { return approx.FastSqrt(x) }

// ln2 is the natural logarithm of 2.
const ln2 = 0.693147180559945309417232121458
