// Package logx configures hookrelay's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Credentials out of logs (bot tokens, bearer headers, sensitive keys)
package logx
