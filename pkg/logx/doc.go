// Package logx configures relaybot's structured logging.
//
// logx.Logger is a thin value-type wrapper over zerolog:
//   - console output stays readable (short timestamp, file:line caller)
//   - file output is JSON lines
//   - an optional admin chat sink posts WARN+ records, rate limited
package logx
