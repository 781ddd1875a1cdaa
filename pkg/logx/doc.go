// Package logx configures calenbot's structured logging.
//
// logx.Logger is a small value type on top of zerolog:
//   - console output is human readable (short timestamp + short caller)
//   - file output is JSON
//   - an optional Telegram sink forwards warnings to the operator log chat
//     (min-level + rate limited, never blocks the caller)
package logx
