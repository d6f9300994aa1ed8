// Package logx configures positionbot's structured logging.
//
// Components log through logx.Logger, a value type on top of zerolog:
//   - console output stays readable (short timestamp, file:line caller)
//   - the optional file sink writes JSON lines
//   - the optional Telegram sink forwards WARN+ lines to an operator chat,
//     throttled and never blocking the caller
//
// A zero Logger discards everything, so structs can embed one without a
// constructor.
package logx
