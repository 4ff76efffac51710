// Package logx configures botwatch's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - Optional ops-chat sink (min-level + rate limiting)
package logx
