// Package logx configures mediaq's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional forward sink (min-level + rate limiting) that pushes
//     warnings to a chat/notification channel
package logx
