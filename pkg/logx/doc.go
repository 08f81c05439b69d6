// Package logx configures shieldbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output is human readable (short timestamp, short caller)
//   - file output is JSON lines
//   - an optional chat sink forwards WARN and above to a Telegram chat,
//     rate limited so a burst of errors cannot trip flood control
//
// Service.Apply swaps sinks and level at runtime; every Logger derived from
// Service.Logger picks up the change.
package logx
