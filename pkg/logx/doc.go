// Package logx configures scullery's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Noisy call sites throttled (Throttle)
package logx
