// Package dynamics provides reusable non-I/O dynamics processors.
//
// Included processors:
//   - Limiter: soft-knee dynamics processor with log2-domain gain
//     computation, used as the shared peak limiter on a mixed output.
package dynamics
